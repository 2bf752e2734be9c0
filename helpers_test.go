package ech

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/cryptobyte"
)

// testKey generates a fresh config and returns it with its server key.
func testKey(t *testing.T, id uint8, publicName string) (*ConfigList, ServerKey) {
	t.Helper()
	priv, cfg, err := NewConfig(id, []byte(publicName))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
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
		t.Fatalf("ParseConfigList leftover = %d, want 0", leftover)
	}
	return list, ServerKey{Config: cfg, PrivateKey: priv.Bytes()}
}

// testInnerHello builds a plausible first-pass inner ClientHello record.
func testInnerHello(t *testing.T, serverName string, alpn []string) []byte {
	t.Helper()
	random := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, random); err != nil {
		t.Fatalf("rand: %v", err)
	}
	sessionID := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, sessionID); err != nil {
		t.Fatalf("rand: %v", err)
	}
	keyShare := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, keyShare); err != nil {
		t.Fatalf("rand: %v", err)
	}
	ksb := cryptobyte.NewBuilder(nil)
	ksb.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(0x001d) // x25519
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(keyShare)
		})
	})
	keyShareData, err := ksb.Bytes()
	if err != nil {
		t.Fatalf("key share: %v", err)
	}

	hello := &clientHello{
		LegacyVersion:            0x0303,
		Random:                   random,
		LegacySessionID:          sessionID,
		CipherSuite:              []byte{0x13, 0x01, 0x13, 0x03},
		LegacyCompressionMethods: []byte{0},
		Extensions: []extension{
			{Type: extensionServerName, Data: marshalServerName(serverName)},
			{Type: 10, Data: []byte{0x00, 0x02, 0x00, 0x1d}},  // supported_groups
			{Type: 13, Data: []byte{0x00, 0x02, 0x04, 0x03}},  // signature_algorithms
			{Type: extensionALPN, Data: marshalALPN(alpn)},
			{Type: extensionSupportedVersions, Data: []byte{0x02, 0x03, 0x04}},
			{Type: extensionKeyShare, Data: keyShareData},
		},
	}
	record, err := hello.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return record
}

func newFakeConn(in []byte) *fakeConn {
	return &fakeConn{
		Reader: bytes.NewBuffer(in),
		Writer: bytes.NewBuffer(nil),
	}
}

type fakeConn struct {
	io.Reader
	io.Writer
}

func (fakeConn) Close() error {
	return nil
}

func (fakeConn) LocalAddr() net.Addr {
	return &net.TCPAddr{}
}

func (fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{}
}

func (fakeConn) SetDeadline(t time.Time) error {
	return nil
}

func (fakeConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (fakeConn) SetWriteDeadline(t time.Time) error {
	return nil
}
