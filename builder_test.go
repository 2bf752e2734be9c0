package ech

import (
	"bytes"
	"testing"
)

// Compressing the inner hello into its encoded form and decompressing it
// against the outer must reproduce the inner hello byte for byte.
func TestCompressionRoundTrip(t *testing.T) {
	record := testInnerHello(t, "secret.example", []string{"h2", "http/1.1"})
	inner, err := parseClientHello(record[5:])
	if err != nil {
		t.Fatalf("parseClientHello: %v", err)
	}
	inner.Extensions = append(inner.Extensions, extension{Type: extensionECHIsInner})
	if err := inner.parseExtensions(); err != nil {
		t.Fatalf("parseExtensions: %v", err)
	}

	outer, err := buildOuter(inner, outerOptions{serverName: "example.com"})
	if err != nil {
		t.Fatalf("buildOuter: %v", err)
	}
	encoded, err := encodeInner(inner)
	if err != nil {
		t.Fatalf("encodeInner: %v", err)
	}

	// The encoded form must be smaller than the plain body: the
	// compressed extensions were replaced by type references.
	if plain := inner.marshalBody(false); len(encoded) >= len(plain) {
		t.Errorf("encoded inner %d bytes >= plain %d bytes", len(encoded), len(plain))
	}

	got, err := decodeInner(encoded, outer)
	if err != nil {
		t.Fatalf("decodeInner: %v", err)
	}
	if want, have := inner.marshalMessage(), got.marshalMessage(); !bytes.Equal(want, have) {
		t.Errorf("round trip mismatch:\nwant %x\nhave %x", want, have)
	}
}

// Padding bytes after the encoded inner hello are tolerated and verified.
func TestCompressionRoundTripWithPadding(t *testing.T) {
	record := testInnerHello(t, "secret.example", []string{"h2"})
	inner, err := parseClientHello(record[5:])
	if err != nil {
		t.Fatalf("parseClientHello: %v", err)
	}
	inner.Extensions = append(inner.Extensions, extension{Type: extensionECHIsInner})
	if err := inner.parseExtensions(); err != nil {
		t.Fatalf("parseExtensions: %v", err)
	}
	outer, err := buildOuter(inner, outerOptions{serverName: "example.com"})
	if err != nil {
		t.Fatalf("buildOuter: %v", err)
	}
	encoded, err := encodeInner(inner)
	if err != nil {
		t.Fatalf("encodeInner: %v", err)
	}
	padded := padInner(encoded, inner.ServerName, 100)
	if len(padded)%32 != 0 {
		t.Errorf("padded length %d not a multiple of 32", len(padded))
	}
	if _, err := decodeInner(padded, outer); err != nil {
		t.Fatalf("decodeInner with padding: %v", err)
	}

	// Non-zero padding must be rejected.
	bad := append(bytes.Clone(encoded), 0x01)
	if _, err := decodeInner(bad, outer); err == nil {
		t.Errorf("decodeInner accepted non-zero padding")
	}
}

func TestBuildOuter(t *testing.T) {
	record := testInnerHello(t, "secret.example", []string{"h2"})
	inner, err := parseClientHello(record[5:])
	if err != nil {
		t.Fatalf("parseClientHello: %v", err)
	}

	outer, err := buildOuter(inner, outerOptions{serverName: "example.com", alpnProtos: []string{"http/1.1"}})
	if err != nil {
		t.Fatalf("buildOuter: %v", err)
	}
	if got, want := outer.ServerName, "example.com"; got != want {
		t.Errorf("outer ServerName = %q, want %q", got, want)
	}
	if got := outer.ALPNProtos; len(got) != 1 || got[0] != "http/1.1" {
		t.Errorf("outer ALPNProtos = %q", got)
	}
	if bytes.Equal(outer.Random, inner.Random) {
		t.Errorf("outer random equals inner random")
	}
	if !bytes.Equal(outer.LegacySessionID, inner.LegacySessionID) {
		t.Errorf("outer session id differs from inner")
	}
	ki, ko := inner.findExtension(extensionKeyShare), outer.findExtension(extensionKeyShare)
	if ki < 0 || ko < 0 {
		t.Fatalf("key_share missing: inner %d outer %d", ki, ko)
	}
	if bytes.Equal(inner.Extensions[ki].Data, outer.Extensions[ko].Data) {
		t.Errorf("outer key_share equals inner key_share")
	}
	if outer.findExtension(extensionECHIsInner) >= 0 {
		t.Errorf("outer carries ech_is_inner")
	}
}

func TestBuildOuterSuppressedSNI(t *testing.T) {
	record := testInnerHello(t, "secret.example", []string{"h2"})
	inner, err := parseClientHello(record[5:])
	if err != nil {
		t.Fatalf("parseClientHello: %v", err)
	}
	outer, err := buildOuter(inner, outerOptions{})
	if err != nil {
		t.Fatalf("buildOuter: %v", err)
	}
	if i := outer.findExtension(extensionServerName); i >= 0 {
		t.Errorf("outer carries server_name, want none")
	}
}
