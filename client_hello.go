package ech

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

const (
	maxEncLen     = 1024
	maxPayloadLen = 65535
)

// The ClientHello message is specified in RFC 8446 Section 4.1.2
type clientHello struct {
	LegacyVersion            uint16
	Random                   []uint8
	LegacySessionID          []byte
	CipherSuite              []byte
	LegacyCompressionMethods []byte
	Extensions               []extension

	ServerName string
	ALPNProtos []string

	hasECHOuterExtensions bool
	isInner               bool
	tls13                 bool
	echExt                *echExtension
}

// echExtension is the decoded encrypted_client_hello extension of an outer
// ClientHello.
//
//	struct {
//	   HpkeSymmetricCipherSuite cipher_suite;
//	   uint8 config_id;
//	   opaque enc<0..2^16-1>;
//	   opaque payload<1..2^16-1>;
//	} ECHClientHello;
type echExtension struct {
	CipherSuite CipherSuite
	ConfigID    uint8
	Enc         []byte
	Payload     []byte
}

func (e *echExtension) marshal() []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(e.CipherSuite.KDF)
	b.AddUint16(e.CipherSuite.AEAD)
	b.AddUint8(e.ConfigID)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(e.Enc)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(e.Payload)
	})
	out, _ := b.Bytes()
	return out
}

func parseECHExtension(data cryptobyte.String) (*echExtension, error) {
	ext := &echExtension{}
	if !data.ReadUint16(&ext.CipherSuite.KDF) {
		return nil, fmt.Errorf("%w: ech ext kdf", ErrDecodeError)
	}
	if !data.ReadUint16(&ext.CipherSuite.AEAD) {
		return nil, fmt.Errorf("%w: ech ext aead", ErrDecodeError)
	}
	if !data.ReadUint8(&ext.ConfigID) {
		return nil, fmt.Errorf("%w: ech ext config id", ErrDecodeError)
	}
	var v cryptobyte.String
	if !data.ReadUint16LengthPrefixed(&v) {
		return nil, fmt.Errorf("%w: ech ext enc", ErrDecodeError)
	}
	if len(v) > maxEncLen {
		return nil, fmt.Errorf("%w: ech ext enc length %d", ErrIllegalParameter, len(v))
	}
	ext.Enc = slices.Clone(v)
	if !data.ReadUint16LengthPrefixed(&v) {
		return nil, fmt.Errorf("%w: ech ext payload", ErrDecodeError)
	}
	if len(v) > maxPayloadLen {
		return nil, fmt.Errorf("%w: ech ext payload length %d", ErrIllegalParameter, len(v))
	}
	ext.Payload = slices.Clone(v)
	if !data.Empty() {
		return nil, fmt.Errorf("%w: ech ext trailing bytes", ErrDecodeError)
	}
	return ext, nil
}

func (c clientHello) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "LegacyVersion: 0x%04x\n", c.LegacyVersion)
	fmt.Fprintf(&b, "Random: 0x%x\n", c.Random)
	fmt.Fprintf(&b, "LegacySessionID: 0x%x\n", c.LegacySessionID)
	fmt.Fprintf(&b, "CipherSuite: 0x%x\n", c.CipherSuite)
	fmt.Fprintf(&b, "LegacyCompressionMethods: 0x%x\n", c.LegacyCompressionMethods)
	fmt.Fprintf(&b, "Extensions:\n")
	for _, ext := range c.Extensions {
		fmt.Fprintf(&b, "  %s(%d): 0x%X (%d bytes)\n", extensionName(ext.Type), ext.Type, ext.Data, len(ext.Data))
	}
	if c.echExt != nil {
		fmt.Fprintf(&b, "ECH CipherSuite: KDF 0x%04x AEAD 0x%04x\n", c.echExt.CipherSuite.KDF, c.echExt.CipherSuite.AEAD)
		fmt.Fprintf(&b, "ECH ConfigID: 0x%02x\n", c.echExt.ConfigID)
		fmt.Fprintf(&b, "ECH Enc: 0x%x\n", c.echExt.Enc)
		fmt.Fprintf(&b, "ECH Payload: 0x%x\n", c.echExt.Payload)
	}
	return b.String()
}

type extension struct {
	Type uint16
	Data []byte
}

// Marshal returns the full TLS record: record header, handshake header, and
// the ClientHello body.
func (c *clientHello) Marshal() ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(0x16)
	b.AddUint16(c.LegacyVersion)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(c.marshalMessage())
	})
	return b.Bytes()
}

// marshalMessage returns the handshake message: msg_type, uint24 length,
// and the ClientHello body.
func (c *clientHello) marshalMessage() []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint8(0x01)
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(c.marshalBody(false))
	})
	out, _ := b.Bytes()
	return out
}

// marshalBody serializes the ClientHello structure itself. With excludeECH,
// the encrypted_client_hello extension is left out entirely and the
// extensions-list length shrinks accordingly; that form is the additional
// authenticated data both peers compute.
func (c *clientHello) marshalBody(excludeECH bool) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(c.LegacyVersion)
	b.AddBytes(c.Random)
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(c.LegacySessionID)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(c.CipherSuite)
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(c.LegacyCompressionMethods)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, ext := range c.Extensions {
			if excludeECH && ext.Type == extensionECH {
				continue
			}
			b.AddUint16(ext.Type)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(ext.Data)
			})
		}
	})
	out, _ := b.Bytes()
	return out
}

// echAAD builds the additional authenticated data for HPKE:
//
//	kdf_id(2) || aead_id(2) || config_id(1) || enc<2> || outer_body<3>
//
// where outer_body is the ClientHello structure without its
// encrypted_client_hello extension.
func echAAD(cs CipherSuite, configID uint8, enc, outerBody []byte) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(cs.KDF)
	b.AddUint16(cs.AEAD)
	b.AddUint8(configID)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(enc)
	})
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(outerBody)
	})
	out, _ := b.Bytes()
	return out
}

// parseClientHello parses a handshake message (not a record) containing a
// ClientHello.
func parseClientHello(buf []byte) (*clientHello, error) {
	hello := new(clientHello)

	// https://datatracker.ietf.org/doc/html/rfc8446#section-4
	//
	// struct {
	//    HandshakeType msg_type;    /* handshake type */
	//    uint24 length;             /* remaining bytes in message */
	//      select (Handshake.msg_type) {
	//          case client_hello:          ClientHello;
	//          ...
	//      };
	// } Handshake;
	s := cryptobyte.String(buf)
	var msgType uint8
	if !s.ReadUint8(&msgType) {
		return nil, ErrDecodeError
	}
	if msgType != 0x01 { // ClientHello
		return nil, fmt.Errorf("%w: msg_type 0x%x != 0x01", ErrUnexpectedMessage, msgType)
	}
	var ss cryptobyte.String
	if !s.ReadUint24LengthPrefixed(&ss) {
		return nil, ErrDecodeError
	}
	s = ss

	// https://datatracker.ietf.org/doc/html/rfc8446#section-4.1.2
	//
	// struct {
	//   ProtocolVersion legacy_version = 0x0303;    /* TLS v1.2 */
	//   Random random;
	//   opaque legacy_session_id<0..32>;
	//   CipherSuite cipher_suites<2..2^16-2>;
	//   opaque legacy_compression_methods<1..2^8-1>;
	//   Extension extensions<8..2^16-1>;
	// } ClientHello;
	if !s.ReadUint16(&hello.LegacyVersion) {
		return nil, ErrDecodeError
	}
	if !s.ReadBytes(&hello.Random, 32) {
		return nil, ErrDecodeError
	}

	var v cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&v) { // legacy_session_id
		return nil, ErrDecodeError
	}
	hello.LegacySessionID = slices.Clone(v)
	if !s.ReadUint16LengthPrefixed(&v) { // cipher_suites
		return nil, ErrDecodeError
	}
	hello.CipherSuite = slices.Clone(v)
	if !s.ReadUint8LengthPrefixed(&v) { // legacy_compression_methods
		return nil, ErrDecodeError
	}
	hello.LegacyCompressionMethods = slices.Clone(v)

	var extensions cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&extensions) {
		return nil, ErrDecodeError
	}

	for !extensions.Empty() {
		var extType uint16
		var data cryptobyte.String
		if !extensions.ReadUint16(&extType) || !extensions.ReadUint16LengthPrefixed(&data) {
			return nil, ErrDecodeError
		}
		hello.Extensions = append(hello.Extensions, extension{
			Type: extType,
			Data: slices.Clone(data),
		})
	}
	if err := hello.parseExtensions(); err != nil {
		return nil, err
	}
	return hello, nil
}

func (c *clientHello) parseExtensions() error {
	c.ServerName = ""
	c.ALPNProtos = nil
	c.hasECHOuterExtensions = false
	c.isInner = false
	c.tls13 = false
	c.echExt = nil

	for _, ext := range c.Extensions {
		data := cryptobyte.String(ext.Data)
		switch ext.Type {
		case extensionServerName:
			// https://datatracker.ietf.org/doc/html/rfc6066#section-3
			//
			// struct {
			//   ServerName server_name_list<1..2^16-1>
			// } ServerNameList;
			var serverNameList cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&serverNameList) {
				return fmt.Errorf("%w: serverNameList", ErrDecodeError)
			}
			for !serverNameList.Empty() {
				var nameType uint8
				var hostName cryptobyte.String
				if !serverNameList.ReadUint8(&nameType) {
					return fmt.Errorf("%w: name type", ErrDecodeError)
				}
				if nameType != 0 { // host name
					return fmt.Errorf("%w: invalid nametype 0x%x", ErrIllegalParameter, nameType)
				}
				if !serverNameList.ReadUint16LengthPrefixed(&hostName) || c.ServerName != "" {
					return fmt.Errorf("%w: host name", ErrDecodeError)
				}
				c.ServerName = string(hostName)
			}

		case extensionALPN:
			// https://datatracker.ietf.org/doc/html/rfc7301#section-3
			//
			//  opaque ProtocolName<1..2^8-1>;
			//
			//  struct {
			//      ProtocolName protocol_name_list<2..2^16-1>
			//  } ProtocolNameList;
			var protocolNameList cryptobyte.String
			if !data.ReadUint16LengthPrefixed(&protocolNameList) {
				return fmt.Errorf("%w: protocol name list", ErrDecodeError)
			}
			for !protocolNameList.Empty() {
				var protocolName cryptobyte.String
				if !protocolNameList.ReadUint8LengthPrefixed(&protocolName) {
					return fmt.Errorf("%w: protocol name", ErrDecodeError)
				}
				c.ALPNProtos = append(c.ALPNProtos, string(protocolName))
			}

		case extensionSupportedVersions:
			// struct {
			//   select (Handshake.msg_type) {
			//     case client_hello:
			//       ProtocolVersion versions<2..254>;
			//   };
			// } SupportedVersions;
			var versions cryptobyte.String
			if !data.ReadUint8LengthPrefixed(&versions) {
				return fmt.Errorf("%w: supported versions", ErrDecodeError)
			}
			for !versions.Empty() {
				var v uint16
				if !versions.ReadUint16(&v) {
					return fmt.Errorf("%w: version", ErrDecodeError)
				}
				if v >= 0x0304 {
					c.tls13 = true
				}
			}

		case extensionECHOuterExts:
			c.hasECHOuterExtensions = true

		case extensionECHIsInner:
			if !data.Empty() {
				return fmt.Errorf("%w: ech_is_inner not empty", ErrIllegalParameter)
			}
			c.isInner = true

		case extensionECH:
			ech, err := parseECHExtension(data)
			if err != nil {
				return err
			}
			c.echExt = ech
		}
	}
	return nil
}

// findExtension returns the index of the first extension of the given type,
// or -1.
func (c *clientHello) findExtension(t uint16) int {
	for i, ext := range c.Extensions {
		if ext.Type == t {
			return i
		}
	}
	return -1
}
