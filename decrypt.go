package ech

import (
	"fmt"
	"slices"

	"golang.org/x/crypto/cryptobyte"
)

// Outcome is the terminal state of the ECH subsystem for one handshake.
type Outcome int

const (
	// OutcomeAbsent: the ClientHello carried no ECH extension, did not
	// offer TLS 1.3, or no keys were loaded; the handshake proceeds as if
	// this subsystem didn't exist.
	OutcomeAbsent Outcome = iota
	// OutcomeGREASE: an ECH extension was present but could not be
	// decrypted. The outer ClientHello is the connection and the
	// public name is served.
	OutcomeGREASE
	// OutcomeDecrypted: the inner ClientHello was recovered and
	// promoted.
	OutcomeDecrypted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAbsent:
		return "absent"
	case OutcomeGREASE:
		return "grease"
	case OutcomeDecrypted:
		return "decrypted"
	default:
		return "unknown"
	}
}

// decryptHello attempts to recover the inner ClientHello from outer.
//
// Keys whose config_id matches the extension are tried first; when none
// matches and trialDecrypt is set, every key is tried. Decryption failure
// is not an error: the outcome is grease and the caller continues with the
// outer hello. Errors are reserved for protocol violations that must abort
// the handshake.
func decryptHello(keys []ServerKey, outer *clientHello, trialDecrypt bool) (*clientHello, Outcome, error) {
	if !outer.tls13 || outer.echExt == nil || len(keys) == 0 {
		return nil, OutcomeAbsent, nil
	}
	if outer.hasECHOuterExtensions {
		return nil, OutcomeAbsent, fmt.Errorf("%w: ClientHelloOuter has ech_outer_extensions", ErrIllegalParameter)
	}
	ext := outer.echExt
	aad := echAAD(ext.CipherSuite, ext.ConfigID, ext.Enc, outer.marshalBody(true))

	candidates := make([]*ServerKey, 0, len(keys))
	for i := range keys {
		if keys[i].Config != nil && keys[i].Config.ConfigID == ext.ConfigID {
			candidates = append(candidates, &keys[i])
		}
	}
	if len(candidates) == 0 && trialDecrypt {
		for i := range keys {
			candidates = append(candidates, &keys[i])
		}
	}

	// AEAD failures stay local. The attempt loop never reports them;
	// an undecryptable extension is indistinguishable from GREASE and
	// must be treated as such.
	var encodedInner []byte
	for _, key := range candidates {
		pt, err := hpkeOpen(key.Config.KemID, ext.CipherSuite, key.PrivateKey, ext.Enc, hpkeInfo(key.Config), aad, ext.Payload)
		if err != nil {
			continue
		}
		encodedInner = pt
		break
	}
	if encodedInner == nil {
		return nil, OutcomeGREASE, nil
	}

	inner, err := decodeInner(encodedInner, outer)
	if err != nil {
		return nil, OutcomeGREASE, err
	}
	return inner, OutcomeDecrypted, nil
}

// decodeInner turns a decrypted EncodedClientHelloInner into a complete
// inner ClientHello: padding is verified, the outer's legacy_session_id is
// restored, and ech_outer_extensions references are spliced from the outer
// hello.
func decodeInner(encodedInner []byte, outer *clientHello) (*clientHello, error) {
	inner, err := parseEncodedInner(encodedInner)
	if err != nil {
		return nil, err
	}
	if !inner.isInner {
		return nil, fmt.Errorf("%w: ech_is_inner missing", ErrIllegalParameter)
	}
	inner.LegacySessionID = slices.Clone(outer.LegacySessionID)

	var eoeSeen bool
	var newExt []extension
	for _, ext := range inner.Extensions {
		if ext.Type != extensionECHOuterExts {
			newExt = append(newExt, ext)
			continue
		}
		if eoeSeen {
			return nil, fmt.Errorf("%w: ech_outer_extensions appears more than once", ErrIllegalParameter)
		}
		eoeSeen = true
		s := cryptobyte.String(ext.Data)
		var want cryptobyte.String
		if !s.ReadUint8LengthPrefixed(&want) || !s.Empty() {
			return nil, fmt.Errorf("%w: ech_outer_extensions", ErrBadExtension)
		}
		outerPos := 0
		for !want.Empty() {
			var extType uint16
			if !want.ReadUint16(&extType) {
				return nil, fmt.Errorf("%w: ech_outer_extensions", ErrBadExtension)
			}
			if extType == extensionECH {
				return nil, fmt.Errorf("%w: ech_outer_extensions contains 0x%x", ErrIllegalParameter, extType)
			}
			found := false
			for outerPos < len(outer.Extensions) {
				p := outerPos
				outerPos++
				if outer.Extensions[p].Type != extType {
					continue
				}
				newExt = append(newExt, outer.Extensions[p])
				found = true
				break
			}
			if !found {
				return nil, fmt.Errorf("%w: ech_outer_extensions 0x%x not found", ErrIllegalParameter, extType)
			}
		}
	}
	inner.Extensions = newExt

	// Parse the reconstructed hello again to pick up the spliced
	// extension data, e.g. ALPNProtos.
	return parseClientHello(inner.marshalMessage())
}

// parseEncodedInner parses the ClientHello structure of an
// EncodedClientHelloInner. The session id must be empty and any trailing
// padding must be all zero.
func parseEncodedInner(buf []byte) (*clientHello, error) {
	hello := new(clientHello)
	s := cryptobyte.String(buf)

	if !s.ReadUint16(&hello.LegacyVersion) {
		return nil, ErrDecodeError
	}
	if !s.ReadBytes(&hello.Random, 32) {
		return nil, ErrDecodeError
	}
	var v cryptobyte.String
	if !s.ReadUint8LengthPrefixed(&v) {
		return nil, ErrDecodeError
	}
	if !v.Empty() {
		return nil, fmt.Errorf("%w: non-empty inner session id", ErrIllegalParameter)
	}
	if !s.ReadUint16LengthPrefixed(&v) {
		return nil, ErrDecodeError
	}
	hello.CipherSuite = slices.Clone(v)
	if !s.ReadUint8LengthPrefixed(&v) {
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
	for _, p := range s {
		if p != 0 {
			return nil, fmt.Errorf("%w: non-zero padding", ErrIllegalParameter)
		}
	}
	if err := hello.parseExtensions(); err != nil {
		return nil, err
	}
	return hello, nil
}
