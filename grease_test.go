package ech

import (
	"testing"

	"golang.org/x/crypto/cryptobyte"
)

func TestGreaseECH(t *testing.T) {
	body, err := GreaseECH(GreaseOptions{})
	if err != nil {
		t.Fatalf("GreaseECH: %v", err)
	}
	ext, err := parseECHExtension(cryptobyte.String(body))
	if err != nil {
		t.Fatalf("parseECHExtension: %v", err)
	}
	if got, want := len(ext.Enc), 32; got != want {
		t.Errorf("Enc length = %d, want %d", got, want)
	}
	if got, want := len(ext.Payload), defaultGreasePayloadLen; got != want {
		t.Errorf("Payload length = %d, want %d", got, want)
	}
	if ext.CipherSuite.KDF != KDFHKDFSHA256 || ext.CipherSuite.AEAD != AEADAES128GCM {
		t.Errorf("CipherSuite = %+v", ext.CipherSuite)
	}
}

// A GREASE extension must have the same shape as a real one for the same
// suite and payload size.
func TestGreaseIndistinguishable(t *testing.T) {
	configs, _ := testKey(t, 0x42, "example.com")
	record := testInnerHello(t, "secret.example", []string{"h2"})
	offer, err := EncryptHello(record, configs, OfferOptions{})
	if err != nil {
		t.Fatalf("EncryptHello: %v", err)
	}
	outer, err := parseClientHello(offer.OuterRecord[5:])
	if err != nil {
		t.Fatalf("parseClientHello: %v", err)
	}
	real := outer.echExt

	body, err := GreaseECH(GreaseOptions{
		Suite:      real.CipherSuite,
		PayloadLen: len(real.Payload),
	})
	if err != nil {
		t.Fatalf("GreaseECH: %v", err)
	}
	fake, err := parseECHExtension(cryptobyte.String(body))
	if err != nil {
		t.Fatalf("parseECHExtension: %v", err)
	}
	if len(fake.Enc) != len(real.Enc) {
		t.Errorf("Enc length %d != real %d", len(fake.Enc), len(real.Enc))
	}
	if len(fake.Payload) != len(real.Payload) {
		t.Errorf("Payload length %d != real %d", len(fake.Payload), len(real.Payload))
	}
	if fake.CipherSuite != real.CipherSuite {
		t.Errorf("CipherSuite %+v != real %+v", fake.CipherSuite, real.CipherSuite)
	}
}

func TestGreaseJitter(t *testing.T) {
	const jitter = 32
	seen := make(map[int]bool)
	for range 64 {
		body, err := GreaseECH(GreaseOptions{Jitter: jitter})
		if err != nil {
			t.Fatalf("GreaseECH: %v", err)
		}
		ext, err := parseECHExtension(cryptobyte.String(body))
		if err != nil {
			t.Fatalf("parseECHExtension: %v", err)
		}
		n := len(ext.Payload)
		if n < defaultGreasePayloadLen || n > defaultGreasePayloadLen+jitter {
			t.Fatalf("Payload length %d outside [%d, %d]", n, defaultGreasePayloadLen, defaultGreasePayloadLen+jitter)
		}
		seen[n] = true
	}
	if len(seen) < 2 {
		t.Errorf("jitter produced a single length")
	}
}
