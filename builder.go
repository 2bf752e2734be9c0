package ech

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	"io"
	"slices"

	"golang.org/x/crypto/cryptobyte"
)

// extensionAction is the per-extension-type policy applied when deriving
// the outer ClientHello and the encoded inner from a first-pass inner
// ClientHello.
type extensionAction int

const (
	// actionCopy re-emits the inner extension bytes verbatim in the
	// outer, without compression.
	actionCopy extensionAction = iota
	// actionCompress re-emits the inner extension bytes in the outer
	// and replaces them in the encoded inner with an outer_extensions
	// reference.
	actionCompress
	// actionIndependent generates a distinct value for the outer.
	actionIndependent
	// actionOmit keeps the extension inner-only.
	actionOmit
)

// extensionPolicy returns the action for an extension type. server_name,
// ALPN and key_share always get independent outer values. The ECH markers,
// padding, and pre_shared_key must never be compressed: the first three are
// structural, and pre_shared_key must stay last in its message.
func extensionPolicy(t uint16) extensionAction {
	switch t {
	case extensionServerName, extensionALPN, extensionKeyShare:
		return actionIndependent
	case extensionPreSharedKey, 42: // pre_shared_key, early_data
		// These reference secrets of the inner session; the cover
		// hello must not carry them.
		return actionOmit
	case extensionECH, extensionECHOuterExts, extensionECHIsInner, extensionPadding:
		return actionCopy
	case 10, 13, 50: // supported_groups, signature_algorithms, signature_algorithms_cert
		return actionCompress
	default:
		return actionCopy
	}
}

// encodeInner produces the EncodedClientHelloInner: the ClientHello
// structure with an empty legacy_session_id and with compressed extensions
// replaced, at their first occurrence, by one ech_outer_extensions
// extension listing their types in order.
func encodeInner(inner *clientHello) ([]byte, error) {
	var compressed []uint16
	for _, ext := range inner.Extensions {
		if extensionPolicy(ext.Type) == actionCompress {
			compressed = append(compressed, ext.Type)
		}
	}

	b := cryptobyte.NewBuilder(nil)
	b.AddUint16(inner.LegacyVersion)
	b.AddBytes(inner.Random)
	b.AddUint8(0) // legacy_session_id forced empty
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(inner.CipherSuite)
	})
	b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddBytes(inner.LegacyCompressionMethods)
	})
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		emitted := false
		for _, ext := range inner.Extensions {
			if extensionPolicy(ext.Type) == actionCompress {
				if emitted {
					continue
				}
				emitted = true
				b.AddUint16(extensionECHOuterExts)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
						for _, t := range compressed {
							b.AddUint16(t)
						}
					})
				})
				continue
			}
			b.AddUint16(ext.Type)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes(ext.Data)
			})
		}
	})
	return b.Bytes()
}

// outerOptions control the independently-generated values of the outer
// ClientHello.
type outerOptions struct {
	// serverName is the outer SNI. Empty means no server_name extension
	// at all.
	serverName string
	// alpnProtos overrides the outer ALPN values. Nil copies the inner's.
	alpnProtos []string
	rand       io.Reader
}

// buildOuter derives the cover ClientHello from the inner one. Extensions
// marked compress or copy keep the inner bytes; independent ones get fresh
// values. The ECH extension itself is added by the encryptor afterwards.
func buildOuter(inner *clientHello, opts outerOptions) (*clientHello, error) {
	rnd := opts.rand
	if rnd == nil {
		rnd = rand.Reader
	}
	random := make([]byte, 32)
	if _, err := io.ReadFull(rnd, random); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailed, err)
	}
	outer := &clientHello{
		LegacyVersion:            inner.LegacyVersion,
		Random:                   random,
		LegacySessionID:          slices.Clone(inner.LegacySessionID),
		CipherSuite:              slices.Clone(inner.CipherSuite),
		LegacyCompressionMethods: slices.Clone(inner.LegacyCompressionMethods),
	}
	for _, ext := range inner.Extensions {
		if ext.Type == extensionECHIsInner {
			continue
		}
		switch extensionPolicy(ext.Type) {
		case actionOmit:
			continue
		case actionIndependent:
			data, keep, err := independentValue(ext, opts, rnd)
			if err != nil {
				return nil, err
			}
			if !keep {
				continue
			}
			outer.Extensions = append(outer.Extensions, extension{Type: ext.Type, Data: data})
		default:
			outer.Extensions = append(outer.Extensions, extension{Type: ext.Type, Data: slices.Clone(ext.Data)})
		}
	}
	if err := outer.parseExtensions(); err != nil {
		return nil, err
	}
	return outer, nil
}

func independentValue(ext extension, opts outerOptions, rnd io.Reader) (data []byte, keep bool, err error) {
	switch ext.Type {
	case extensionServerName:
		if opts.serverName == "" {
			return nil, false, nil
		}
		return marshalServerName(opts.serverName), true, nil
	case extensionALPN:
		if opts.alpnProtos == nil {
			return slices.Clone(ext.Data), true, nil
		}
		return marshalALPN(opts.alpnProtos), true, nil
	case extensionKeyShare:
		data, err := freshKeyShare(ext.Data, rnd)
		if err != nil {
			return nil, false, err
		}
		return data, true, nil
	default:
		return nil, false, fmt.Errorf("%w: no generator for extension %d", ErrInternalInvariant, ext.Type)
	}
}

func marshalServerName(name string) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint8(0) // host_name
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes([]byte(name))
		})
	})
	out, _ := b.Bytes()
	return out
}

func marshalALPN(protos []string) []byte {
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for _, p := range protos {
			b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddBytes([]byte(p))
			})
		}
	})
	out, _ := b.Bytes()
	return out
}

// freshKeyShare rebuilds a key_share extension with a newly generated
// X25519 share in place of the inner's x25519 entry. Shares for other
// groups are copied; linking inner and outer through an identical share
// would defeat the cover.
func freshKeyShare(data []byte, rnd io.Reader) ([]byte, error) {
	s := cryptobyte.String(data)
	var shares cryptobyte.String
	if !s.ReadUint16LengthPrefixed(&shares) {
		return nil, fmt.Errorf("%w: key_share", ErrDecodeError)
	}
	b := cryptobyte.NewBuilder(nil)
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
		for !shares.Empty() {
			var group uint16
			var key cryptobyte.String
			if !shares.ReadUint16(&group) || !shares.ReadUint16LengthPrefixed(&key) {
				b.SetError(fmt.Errorf("%w: key_share entry", ErrDecodeError))
				return
			}
			b.AddUint16(group)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				if group == 0x001d { // x25519
					priv, err := ecdh.X25519().GenerateKey(rnd)
					if err != nil {
						b.SetError(fmt.Errorf("%w: %v", ErrCryptoFailed, err))
						return
					}
					b.AddBytes(priv.PublicKey().Bytes())
					return
				}
				b.AddBytes(key)
			})
		}
	})
	return b.Bytes()
}
