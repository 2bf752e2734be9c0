package ech

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// RawDecryptResult is the output of [DecryptRecord].
type RawDecryptResult struct {
	// DecryptedOK is false for the GREASE outcome: the record was
	// syntactically fine but no key could decrypt it.
	DecryptedOK bool
	// InnerRecord is the reconstructed inner ClientHello as a complete
	// TLS record, with fresh record and handshake headers. Nil unless
	// DecryptedOK.
	InnerRecord []byte
	// InnerSNI is the decrypted server name. Empty unless DecryptedOK.
	InnerSNI string
	// OuterSNI is the cleartext server name of the outer hello.
	OuterSNI string
}

// DecryptRecord is a stateless decryption entry point for front-ends that
// do not terminate TLS. outerRecord is a complete TLS record (5-byte record
// header plus the ClientHello handshake message). No state beyond scratch
// buffers is allocated.
//
// A GREASE or undecryptable extension is a success with DecryptedOK=false;
// the caller routes the connection by OuterSNI as if no ECH were present.
func DecryptRecord(keys []ServerKey, outerRecord []byte, trialDecrypt bool) (*RawDecryptResult, error) {
	if len(outerRecord) < 9 {
		return nil, fmt.Errorf("%w: record too short", ErrDecodeError)
	}
	if outerRecord[0] != 22 {
		return nil, fmt.Errorf("%w: content type %d != 22", ErrUnexpectedMessage, outerRecord[0])
	}
	outer, err := parseClientHello(outerRecord[5:])
	if err != nil {
		return nil, err
	}
	result := &RawDecryptResult{OuterSNI: outer.ServerName}

	inner, outcome, err := decryptHello(keys, outer, trialDecrypt)
	if err != nil {
		return nil, err
	}
	if outcome != OutcomeDecrypted {
		return result, nil
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(0x16)
	b.AddUint8(0x03)
	b.AddUint8(0x01)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(inner.marshalMessage())
	})
	record, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	result.DecryptedOK = true
	result.InnerRecord = record
	result.InnerSNI = inner.ServerName
	return result, nil
}
