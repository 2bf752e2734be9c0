package ech

import (
	"crypto/rand"
	"fmt"
	"io"
)

// defaultGreasePayloadLen is the pseudo-ciphertext length used when no
// length is given. It is a fixed size; callers that want the length of a
// particular real encrypted hello pass it in GreaseOptions.PayloadLen.
const defaultGreasePayloadLen = 0x1d3

// GreaseOptions controls [GreaseECH].
type GreaseOptions struct {
	// KemID selects the KEM whose encapsulated-key size the fake enc
	// value mimics. Zero means X25519.
	KemID uint16
	// Suite is the advertised symmetric suite. The zero value advertises
	// HKDF-SHA256 with AES-128-GCM.
	Suite CipherSuite
	// PayloadLen is the pseudo-ciphertext length. Zero means the
	// default.
	PayloadLen int
	// Jitter adds between 0 and Jitter bytes to the payload length,
	// selected by the random config id.
	Jitter int
	// Rand is the randomness source. Nil uses crypto/rand.
	Rand io.Reader
}

// GreaseECH produces the body of a syntactically valid but undecryptable
// encrypted_client_hello extension. Clients send one when ECH is enabled
// but no usable config is at hand, so that the extension's presence alone
// reveals nothing.
func GreaseECH(opts GreaseOptions) ([]byte, error) {
	rnd := opts.Rand
	if rnd == nil {
		rnd = rand.Reader
	}
	kemID := opts.KemID
	if kemID == 0 {
		kemID = KEMX25519HKDFSHA256
	}
	suite := opts.Suite
	if suite == (CipherSuite{}) {
		suite = CipherSuite{KDF: KDFHKDFSHA256, AEAD: AEADAES128GCM}
	}
	encSize, err := kemEncSize(kemID)
	if err != nil {
		return nil, err
	}

	var cid [1]byte
	if _, err := io.ReadFull(rnd, cid[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailed, err)
	}
	payloadLen := opts.PayloadLen
	if payloadLen <= 0 {
		payloadLen = defaultGreasePayloadLen
	}
	if opts.Jitter > 0 {
		payloadLen += int(cid[0]) % (opts.Jitter + 1)
	}

	enc := make([]byte, encSize)
	if _, err := io.ReadFull(rnd, enc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailed, err)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(rnd, payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailed, err)
	}

	ext := &echExtension{
		CipherSuite: suite,
		ConfigID:    cid[0],
		Enc:         enc,
		Payload:     payload,
	}
	return ext.marshal(), nil
}
