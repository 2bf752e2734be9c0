package ech

import (
	"bytes"
	"errors"
	"testing"

	"golang.org/x/crypto/cryptobyte"
)

func TestConfigRoundTrip(t *testing.T) {
	_, cfg, err := NewConfig(0x42, []byte("example.com"))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	cfg.MaxNameLength = 64
	cfg.Extensions = []ConfigExtension{{Type: 0x1234, Data: []byte("opaque")}}
	raw, err := MarshalConfigList([]ECHConfig{*cfg})
	if err != nil {
		t.Fatalf("MarshalConfigList: %v", err)
	}

	list, leftover, err := ParseConfigList(raw)
	if err != nil {
		t.Fatalf("ParseConfigList: %v", err)
	}
	if leftover != 0 {
		t.Fatalf("leftover = %d, want 0", leftover)
	}
	if got, want := len(list.Configs), 1; got != want {
		t.Fatalf("len(Configs) = %d, want %d", got, want)
	}
	got := list.Configs[0]
	if got.Version != VersionDraft10 {
		t.Errorf("Version = 0x%04x, want 0x%04x", got.Version, VersionDraft10)
	}
	if got.ConfigID != 0x42 {
		t.Errorf("ConfigID = 0x%02x, want 0x42", got.ConfigID)
	}
	if got.KemID != KEMX25519HKDFSHA256 {
		t.Errorf("KemID = 0x%04x, want 0x%04x", got.KemID, KEMX25519HKDFSHA256)
	}
	if !bytes.Equal(got.PublicKey, cfg.PublicKey) {
		t.Errorf("PublicKey = %x, want %x", got.PublicKey, cfg.PublicKey)
	}
	if string(got.PublicName) != "example.com" {
		t.Errorf("PublicName = %q, want %q", got.PublicName, "example.com")
	}
	if got.MaxNameLength != 64 {
		t.Errorf("MaxNameLength = %d, want 64", got.MaxNameLength)
	}
	if len(got.Extensions) != 1 || got.Extensions[0].Type != 0x1234 || string(got.Extensions[0].Data) != "opaque" {
		t.Errorf("Extensions = %+v", got.Extensions)
	}

	// The captured encoding must be exactly the wire bytes: list header
	// stripped, everything else verbatim.
	if !bytes.Equal(got.Encoding(), raw[2:]) {
		t.Errorf("Encoding() = %x, want %x", got.Encoding(), raw[2:])
	}
	// And re-serializing must reproduce it.
	enc, err := got.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if !bytes.Equal(enc, raw[2:]) {
		t.Errorf("MarshalBinary = %x, want %x", enc, raw[2:])
	}
}

func TestConfigDraft09RoundTrip(t *testing.T) {
	cfg := &ECHConfig{
		Version:       VersionDraft09,
		KemID:         KEMX25519HKDFSHA256,
		PublicKey:     bytes.Repeat([]byte{0xaa}, 32),
		Suites:        []CipherSuite{{KDF: KDFHKDFSHA256, AEAD: AEADChaCha20Poly1305}},
		MaxNameLength: 12,
		PublicName:    []byte("front.example"),
	}
	raw, err := MarshalConfigList([]ECHConfig{*cfg})
	if err != nil {
		t.Fatalf("MarshalConfigList: %v", err)
	}
	list, leftover, err := ParseConfigList(raw)
	if err != nil {
		t.Fatalf("ParseConfigList: %v", err)
	}
	if leftover != 0 {
		t.Fatalf("leftover = %d, want 0", leftover)
	}
	if len(list.Configs) != 1 {
		t.Fatalf("len(Configs) = %d, want 1", len(list.Configs))
	}
	got := list.Configs[0]
	if got.Version != VersionDraft09 {
		t.Errorf("Version = 0x%04x, want 0x%04x", got.Version, VersionDraft09)
	}
	if string(got.PublicName) != "front.example" {
		t.Errorf("PublicName = %q", got.PublicName)
	}
	if got.MaxNameLength != 12 {
		t.Errorf("MaxNameLength = %d, want 12", got.MaxNameLength)
	}
	if !bytes.Equal(got.Encoding(), raw[2:]) {
		t.Errorf("Encoding() = %x, want %x", got.Encoding(), raw[2:])
	}
}

// An unknown version in the middle of a list is skipped without aborting.
func TestConfigUnknownVersionSkipped(t *testing.T) {
	_, cfg, err := NewConfig(7, []byte("example.com"))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	valid, err := cfg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(0xffff) // unknown version
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte{1, 2, 3, 4, 5})
		})
		b.AddBytes(valid)
	})
	raw, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	list, leftover, err := ParseConfigList(raw)
	if err != nil {
		t.Fatalf("ParseConfigList: %v", err)
	}
	if leftover != 0 {
		t.Errorf("leftover = %d, want 0", leftover)
	}
	if len(list.Configs) != 1 {
		t.Fatalf("len(Configs) = %d, want 1", len(list.Configs))
	}
	if got := list.Configs[0]; got.ConfigID != 7 {
		t.Errorf("ConfigID = %d, want 7", got.ConfigID)
	}
}

func TestConfigLeftover(t *testing.T) {
	_, cfg, err := NewConfig(1, []byte("example.com"))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	raw, err := MarshalConfigList([]ECHConfig{*cfg})
	if err != nil {
		t.Fatalf("MarshalConfigList: %v", err)
	}
	raw = append(raw, 0xde, 0xad, 0xbe, 0xef)

	list, leftover, err := ParseConfigList(raw)
	if err != nil {
		t.Fatalf("ParseConfigList: %v", err)
	}
	if leftover != 4 {
		t.Errorf("leftover = %d, want 4", leftover)
	}
	if len(list.Configs) != 1 {
		t.Errorf("len(Configs) = %d, want 1", len(list.Configs))
	}
	if !bytes.Equal(list.Bytes(), raw[:len(raw)-4]) {
		t.Errorf("Bytes() includes leftover")
	}
}

func TestConfigInvalid(t *testing.T) {
	_, cfg, err := NewConfig(1, []byte("example.com"))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	valid, err := cfg.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	wrap := func(inner []byte) []byte {
		b := cryptobyte.NewBuilder(nil)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(inner)
		})
		out, _ := b.Bytes()
		return out
	}

	for _, tc := range []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short list length", []byte{0xff}},
		{"list longer than buffer", []byte{0xff, 0xff, 0x00}},
		{"truncated recognized config", wrap(valid[:len(valid)-3])},
		{"too long", wrap(bytes.Repeat([]byte{0}, 2000))},
	} {
		if _, _, err := ParseConfigList(tc.data); err == nil {
			t.Errorf("%s: ParseConfigList succeeded, want error", tc.name)
		}
	}

	if _, _, err := NewConfig(1, []byte("x")); err == nil {
		t.Errorf("NewConfig accepted a 1-byte public name")
	}
	if _, _, err := NewConfig(1, bytes.Repeat([]byte{'a'}, 256)); err == nil {
		t.Errorf("NewConfig accepted a 256-byte public name")
	}
}

// A cipher-suites vector must be a whole number of 4-byte suites.
func TestConfigSuiteOctets(t *testing.T) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(VersionDraft10)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8(1)                  // config_id
			b.AddUint16(KEMX25519HKDFSHA256) // kem_id
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(bytes.Repeat([]byte{0xbb}, 32)) // public_key
			})
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes([]byte{0x00, 0x01, 0x00}) // 3 octets: not a suite
			})
			b.AddUint16(0) // maximum_name_length
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes([]byte("example.com"))
			})
			b.AddUint16(0) // extensions
		})
	})
	raw, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if _, _, err := ParseConfigList(raw); !errors.Is(err, ErrInvalidEncoding) {
		t.Errorf("ParseConfigList err = %v, want ErrInvalidEncoding", err)
	}
}
