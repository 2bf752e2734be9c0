package ech

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

// Supported ECHConfig versions. Configs with any other version are skipped
// during parsing.
const (
	VersionDraft09 uint16 = 0x0009
	VersionDraft10 uint16 = 0x000a
)

// HPKE algorithm identifiers used in configs and on the wire.
const (
	KEMX25519HKDFSHA256 uint16 = 0x0020

	KDFHKDFSHA256 uint16 = 0x0001
	KDFHKDFSHA384 uint16 = 0x0002
	KDFHKDFSHA512 uint16 = 0x0003

	AEADAES128GCM        uint16 = 0x0001
	AEADAES256GCM        uint16 = 0x0002
	AEADChaCha20Poly1305 uint16 = 0x0003
)

const maxConfigExtLen = 1500

// CipherSuite is an HPKE symmetric suite: a KDF paired with an AEAD.
type CipherSuite struct {
	KDF  uint16
	AEAD uint16
}

// ConfigExtension is an unrecognized ECHConfig extension, kept verbatim.
type ConfigExtension struct {
	Type uint16
	Data []byte
}

// ECHConfig is one decoded ECH configuration.
//
// The encoding field holds the exact wire bytes of this config, from the
// version field through the end of its contents. That slice is mixed into
// the HPKE info input by both peers, so it must survive parsing verbatim.
type ECHConfig struct {
	Version       uint16
	ConfigID      uint8
	KemID         uint16
	PublicKey     []byte
	Suites        []CipherSuite
	MaxNameLength uint16
	PublicName    []byte
	Extensions    []ConfigExtension

	encoding []byte
}

// Encoding returns the exact wire bytes of this config as they appeared in
// the list it was parsed from, or as produced by [ECHConfig.MarshalBinary].
func (c *ECHConfig) Encoding() []byte {
	return c.encoding
}

// ConfigList is an ordered list of ECH configurations plus the encoded
// buffer they came from.
type ConfigList struct {
	Configs []ECHConfig

	raw []byte
}

// Bytes returns the original encoded buffer.
func (l *ConfigList) Bytes() []byte {
	return l.raw
}

// ParseConfigList decodes an encoded ECHConfigs list. Configs with
// unrecognized versions are skipped without aborting. leftover is the
// number of bytes at the end of data beyond the list's own length prefix;
// it is 0 when the buffer holds exactly one list.
//
//	struct {
//	    HpkeKdfId kdf_id;
//	    HpkeAeadId aead_id;
//	} HpkeSymmetricCipherSuite;
//
//	struct {
//	    uint16 version;
//	    uint16 length;
//	    select (ECHConfig.version) {
//	      case 0x0009: ECHConfigContents contents;
//	      case 0x000a: ECHConfigContents contents;
//	    }
//	} ECHConfig;
//
//	ECHConfig ECHConfigs<1..2^16-1>;
func ParseConfigList(data []byte) (*ConfigList, int, error) {
	if len(data) > maxRRValueLen {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrInputTooLong, len(data), maxRRValueLen)
	}
	s := cryptobyte.String(data)
	var listLen uint16
	if !s.ReadUint16(&listLen) {
		return nil, 0, fmt.Errorf("%w: list length", ErrInvalidEncoding)
	}
	if int(listLen) > len(s) {
		return nil, 0, fmt.Errorf("%w: list length %d > %d", ErrInvalidEncoding, listLen, len(s))
	}
	leftover := len(s) - int(listLen)
	s = s[:listLen]

	list := &ConfigList{raw: bytes.Clone(data[:len(data)-leftover])}
	for !s.Empty() {
		start := []byte(s)
		var version uint16
		var contents cryptobyte.String
		if !s.ReadUint16(&version) || !s.ReadUint16LengthPrefixed(&contents) {
			return nil, 0, fmt.Errorf("%w: config header", ErrInvalidEncoding)
		}
		switch version {
		case VersionDraft09, VersionDraft10:
			cfg, err := parseConfigContents(version, contents)
			if err != nil {
				return nil, 0, err
			}
			cfg.encoding = bytes.Clone(start[:4+len(contents)])
			list.Configs = append(list.Configs, *cfg)
		default:
			// Unknown version. The length prefix was already
			// consumed, which skips over the contents.
		}
	}
	return list, leftover, nil
}

func parseConfigContents(version uint16, s cryptobyte.String) (*ECHConfig, error) {
	cfg := &ECHConfig{Version: version}

	readConfigID := func() error {
		if !s.ReadUint8(&cfg.ConfigID) {
			return fmt.Errorf("%w: config id", ErrInvalidEncoding)
		}
		return nil
	}
	readKem := func() error {
		if !s.ReadUint16(&cfg.KemID) {
			return fmt.Errorf("%w: kem id", ErrInvalidEncoding)
		}
		return nil
	}
	readPub := func() error {
		var v cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&v) || v.Empty() {
			return fmt.Errorf("%w: public key", ErrInvalidEncoding)
		}
		cfg.PublicKey = bytes.Clone(v)
		return nil
	}
	readName := func() error {
		var v cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&v) {
			return fmt.Errorf("%w: public name", ErrInvalidEncoding)
		}
		if len(v) <= 1 || len(v) > 255 {
			return fmt.Errorf("%w: public name length %d", ErrInvalidEncoding, len(v))
		}
		cfg.PublicName = bytes.Clone(v)
		return nil
	}
	readSuites := func() error {
		var v cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&v) {
			return fmt.Errorf("%w: cipher suites", ErrInvalidEncoding)
		}
		if len(v) == 0 || len(v)%4 != 0 {
			return fmt.Errorf("%w: cipher suites length %d", ErrInvalidEncoding, len(v))
		}
		for !v.Empty() {
			var cs CipherSuite
			if !v.ReadUint16(&cs.KDF) || !v.ReadUint16(&cs.AEAD) {
				return fmt.Errorf("%w: cipher suite", ErrInvalidEncoding)
			}
			cfg.Suites = append(cfg.Suites, cs)
		}
		return nil
	}
	readMaxNameLen := func() error {
		if !s.ReadUint16(&cfg.MaxNameLength) {
			return fmt.Errorf("%w: maximum name length", ErrInvalidEncoding)
		}
		return nil
	}
	readExtensions := func() error {
		var v cryptobyte.String
		if !s.ReadUint16LengthPrefixed(&v) {
			return fmt.Errorf("%w: extensions", ErrInvalidEncoding)
		}
		for !v.Empty() {
			var ext ConfigExtension
			var data cryptobyte.String
			if !v.ReadUint16(&ext.Type) || !v.ReadUint16LengthPrefixed(&data) {
				return fmt.Errorf("%w: extension", ErrInvalidEncoding)
			}
			if len(data) >= maxConfigExtLen {
				return fmt.Errorf("%w: extension length %d", ErrInvalidEncoding, len(data))
			}
			ext.Data = bytes.Clone(data)
			cfg.Extensions = append(cfg.Extensions, ext)
		}
		return nil
	}

	// The two accepted versions carry the same fields in different order.
	var steps []func() error
	if version == VersionDraft10 {
		steps = []func() error{readConfigID, readKem, readPub, readSuites, readMaxNameLen, readName, readExtensions}
	} else {
		steps = []func() error{readName, readPub, readKem, readSuites, readMaxNameLen, readExtensions}
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	if !s.Empty() {
		return nil, fmt.Errorf("%w: %d trailing bytes in config", ErrInvalidEncoding, len(s))
	}
	return cfg, nil
}

// MarshalBinary re-serializes the config. The result is also recorded as
// the config's encoding so that a generated config can be offered without a
// parse round trip.
func (c *ECHConfig) MarshalBinary() ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(c.Version)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		switch c.Version {
		case VersionDraft10:
			b.AddUint8(c.ConfigID)
			b.AddUint16(c.KemID)
			c.addPub(b)
			c.addSuites(b)
			b.AddUint16(c.MaxNameLength)
			c.addName(b)
			c.addExtensions(b)
		case VersionDraft09:
			c.addName(b)
			c.addPub(b)
			b.AddUint16(c.KemID)
			c.addSuites(b)
			b.AddUint16(c.MaxNameLength)
			c.addExtensions(b)
		default:
			b.SetError(fmt.Errorf("%w: version 0x%04x", ErrInvalidEncoding, c.Version))
		}
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	c.encoding = out
	return out, nil
}

func (c *ECHConfig) addPub(b *cryptobyte.Builder) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(c.PublicKey)
	})
}

func (c *ECHConfig) addName(b *cryptobyte.Builder) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(c.PublicName)
	})
}

func (c *ECHConfig) addSuites(b *cryptobyte.Builder) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, cs := range c.Suites {
			b.AddUint16(cs.KDF)
			b.AddUint16(cs.AEAD)
		}
	})
}

func (c *ECHConfig) addExtensions(b *cryptobyte.Builder) {
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, ext := range c.Extensions {
			b.AddUint16(ext.Type)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(ext.Data)
			})
		}
	})
}

// MarshalConfigList serializes configs as an ECHConfigs list.
func MarshalConfigList(configs []ECHConfig) ([]byte, error) {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for i := range configs {
			enc, err := configs[i].MarshalBinary()
			if err != nil {
				b.SetError(err)
				return
			}
			b.AddBytes(enc)
		}
	})
	return b.Bytes()
}

// ParseRRValue decodes an ECH config list in any supported encoding and
// parses it. Trailing bytes after the list are rejected.
func ParseRRValue(value []byte, format Format) (*ConfigList, error) {
	bin, err := DecodeRRValue(value, format)
	if err != nil {
		return nil, err
	}
	list, leftover, err := ParseConfigList(bin)
	if err != nil {
		return nil, err
	}
	if leftover != 0 {
		return nil, fmt.Errorf("%w: %d leftover bytes", ErrInvalidEncoding, leftover)
	}
	return list, nil
}

// NewConfig generates an ECH config and its X25519 private key.
func NewConfig(id uint8, publicName []byte) (*ecdh.PrivateKey, *ECHConfig, error) {
	if l := len(publicName); l <= 1 || l > 255 {
		return nil, nil, errors.New("invalid public name length")
	}
	privKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	cfg := &ECHConfig{
		Version:   VersionDraft10,
		ConfigID:  id,
		KemID:     KEMX25519HKDFSHA256,
		PublicKey: privKey.PublicKey().Bytes(),
		Suites: []CipherSuite{
			{KDF: KDFHKDFSHA256, AEAD: AEADAES128GCM},
			{KDF: KDFHKDFSHA256, AEAD: AEADChaCha20Poly1305},
		},
		PublicName: bytes.Clone(publicName),
	}
	if _, err := cfg.MarshalBinary(); err != nil {
		return nil, nil, err
	}
	return privKey, cfg, nil
}
