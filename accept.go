package ech

import (
	"bytes"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"

	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/hkdf"
)

// acceptConfirmationLabel keys the HKDF expansion of the accept signal.
const acceptConfirmationLabel = "ech accept confirmation"

// AcceptConfirmationSize is the size of the signal written into the low
// bytes of the ServerHello random.
const AcceptConfirmationSize = 8

// acceptConfirmationOffset is where the signal lives inside the 32-byte
// random.
const acceptConfirmationOffset = 32 - AcceptConfirmationSize

// handshakeHash returns the transcript hash for a TLS 1.3 cipher suite.
// SHA-256 is the fallback when the suite isn't recognized, e.g. when the
// signal must be computed before the suite tables are consulted.
func handshakeHash(cipherSuite uint16) func() hash.Hash {
	switch cipherSuite {
	case 0x1302: // TLS_AES_256_GCM_SHA384
		return sha512.New384
	case 0x1301, 0x1303: // TLS_AES_128_GCM_SHA256, TLS_CHACHA20_POLY1305_SHA256
		return sha256.New
	default:
		return sha256.New
	}
}

// hkdfExpandLabel implements HKDF-Expand-Label from RFC 8446 Section 7.1.
func hkdfExpandLabel(h func() hash.Hash, secret []byte, label string, context []byte, length int) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(uint16(length))
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes([]byte("tls13 "))
		b.AddBytes([]byte(label))
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(context)
	})
	info, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailed, err)
	}
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(h, secret, info), out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailed, err)
	}
	return out, nil
}

// AcceptConfirmation derives the 8-byte signal proving the server
// decrypted the inner ClientHello.
//
// innerHello is the inner ClientHello handshake message; serverHello is the
// ServerHello handshake message. The transcript is their concatenation with
// the low 8 bytes of the ServerHello random zeroed:
//
//	signal = HKDF-Expand-Label(handshake_secret,
//	                           "ech accept confirmation",
//	                           Hash(transcript), 8)
//
// The server writes the signal into its ServerHello random before emission;
// the client recomputes it and compares. HelloRetryRequest transcripts are
// not supported and are rejected explicitly.
func AcceptConfirmation(cipherSuite uint16, handshakeSecret, innerHello, serverHello []byte) ([]byte, error) {
	sh, err := parseServerHello(serverHello)
	if err != nil {
		return nil, err
	}
	if sh.IsHelloRetryRequest() {
		return nil, ErrHelloRetryRequest
	}
	zeroed := make([]byte, 0, len(serverHello))
	zeroed = append(zeroed, serverHello...)
	// random starts after msg_type(1) + length(3) + legacy_version(2)
	const randomOffset = 6
	if len(zeroed) < randomOffset+32 {
		return nil, ErrDecodeError
	}
	for i := randomOffset + acceptConfirmationOffset; i < randomOffset+32; i++ {
		zeroed[i] = 0
	}

	h := handshakeHash(cipherSuite)
	digest := h()
	digest.Write(innerHello)
	digest.Write(zeroed)

	return hkdfExpandLabel(h, handshakeSecret, acceptConfirmationLabel, digest.Sum(nil), AcceptConfirmationSize)
}

// ApplyAcceptConfirmation writes the signal into the random of a
// ServerHello handshake message, in place.
func ApplyAcceptConfirmation(serverHello, signal []byte) error {
	const randomOffset = 6
	if len(signal) != AcceptConfirmationSize {
		return fmt.Errorf("%w: signal size %d", ErrInternalInvariant, len(signal))
	}
	if len(serverHello) < randomOffset+32 {
		return ErrDecodeError
	}
	copy(serverHello[randomOffset+acceptConfirmationOffset:randomOffset+32], signal)
	return nil
}

// ConfirmAccept recomputes the signal on the client side and compares it
// with the one carried in the ServerHello random. It returns true when the
// server accepted the inner hello.
func ConfirmAccept(cipherSuite uint16, handshakeSecret, innerHello, serverHello []byte) (bool, error) {
	signal, err := AcceptConfirmation(cipherSuite, handshakeSecret, innerHello, serverHello)
	if err != nil {
		return false, err
	}
	const randomOffset = 6
	got := serverHello[randomOffset+acceptConfirmationOffset : randomOffset+32]
	return bytes.Equal(signal, got), nil
}
