package ech

import (
	"fmt"
	"io"
)

// OuterName selects the server name carried in cleartext by the outer
// ClientHello.
type OuterName struct {
	mode int
	name string
}

const (
	outerNameDefault = iota
	outerNameSuppress
	outerNameCustom
)

// DefaultOuterName uses the public_name of the selected config.
func DefaultOuterName() OuterName { return OuterName{mode: outerNameDefault} }

// SuppressOuterName omits the server_name extension from the outer
// ClientHello entirely.
func SuppressOuterName() OuterName { return OuterName{mode: outerNameSuppress} }

// CustomOuterName uses the given name, and prefers a config whose
// public_name matches it.
func CustomOuterName(name string) OuterName { return OuterName{mode: outerNameCustom, name: name} }

// OfferOptions controls [EncryptHello].
type OfferOptions struct {
	// OuterName selects the cleartext SNI. The zero value uses the
	// config's public_name.
	OuterName OuterName
	// OuterALPN overrides the ALPN values of the outer ClientHello.
	// Nil copies the inner values.
	OuterALPN []string
	// Rand is the randomness source for the outer random and key shares.
	// Nil uses crypto/rand.
	Rand io.Reader
}

// Offer is the result of [EncryptHello]: an outer ClientHello record
// carrying the encrypted inner one.
type Offer struct {
	// OuterRecord is the full TLS record to transmit.
	OuterRecord []byte
	// InnerMessage is the inner ClientHello handshake message, the form
	// that enters the accept-confirmation transcript.
	InnerMessage []byte
	// ConfigID identifies the config used for encryption.
	ConfigID uint8
	// Suite is the HPKE symmetric suite used.
	Suite CipherSuite
}

// EncryptHello conceals innerRecord, a full first-pass ClientHello TLS
// record, inside a new outer ClientHello. The inner server_name stays
// encrypted; the outer carries the config's public_name (or the name
// chosen in opts).
func EncryptHello(innerRecord []byte, configs *ConfigList, opts OfferOptions) (*Offer, error) {
	if len(innerRecord) < 9 || innerRecord[0] != 22 {
		return nil, fmt.Errorf("%w: not a handshake record", ErrUnexpectedMessage)
	}
	inner, err := parseClientHello(innerRecord[5:])
	if err != nil {
		return nil, err
	}
	// The inner hello is marked so the receiving side can tell it apart
	// from a cover hello after decryption.
	if !inner.isInner {
		inner.Extensions = append(inner.Extensions, extension{Type: extensionECHIsInner})
		inner.isInner = true
	}

	cfg, suite, err := selectConfig(configs, opts.OuterName)
	if err != nil {
		return nil, err
	}

	outerSNI := ""
	switch opts.OuterName.mode {
	case outerNameDefault:
		outerSNI = string(cfg.PublicName)
	case outerNameCustom:
		outerSNI = opts.OuterName.name
	}
	outer, err := buildOuter(inner, outerOptions{
		serverName: outerSNI,
		alpnProtos: opts.OuterALPN,
		rand:       opts.Rand,
	})
	if err != nil {
		return nil, err
	}

	encodedInner, err := encodeInner(inner)
	if err != nil {
		return nil, err
	}
	encodedInner = padInner(encodedInner, inner.ServerName, cfg.MaxNameLength)

	enc, seal, err := hpkeSetupSeal(cfg, suite, hpkeInfo(cfg))
	if err != nil {
		return nil, err
	}
	aad := echAAD(suite, cfg.ConfigID, enc, outer.marshalBody(false))
	payload, err := seal(encodedInner, aad)
	if err != nil {
		return nil, err
	}

	echExt := &echExtension{
		CipherSuite: suite,
		ConfigID:    cfg.ConfigID,
		Enc:         enc,
		Payload:     payload,
	}
	outer.Extensions = append(outer.Extensions, extension{Type: extensionECH, Data: echExt.marshal()})
	record, err := outer.Marshal()
	if err != nil {
		return nil, err
	}
	return &Offer{
		OuterRecord:  record,
		InnerMessage: inner.marshalMessage(),
		ConfigID:     cfg.ConfigID,
		Suite:        suite,
	}, nil
}

// selectConfig picks the config to encrypt under. A custom outer name
// prefers a config published for that name; otherwise the first config
// with a usable suite wins.
func selectConfig(configs *ConfigList, outerName OuterName) (*ECHConfig, CipherSuite, error) {
	if configs == nil || len(configs.Configs) == 0 {
		return nil, CipherSuite{}, ErrNoCompatibleConfig
	}
	if outerName.mode == outerNameCustom && outerName.name != "" {
		for i := range configs.Configs {
			cfg := &configs.Configs[i]
			if string(cfg.PublicName) != outerName.name {
				continue
			}
			if cs, ok := preferredSuite(cfg); ok {
				return cfg, cs, nil
			}
		}
	}
	for i := range configs.Configs {
		cfg := &configs.Configs[i]
		if cs, ok := preferredSuite(cfg); ok {
			return cfg, cs, nil
		}
	}
	return nil, CipherSuite{}, ErrNoCompatibleConfig
}

// padInner pads the plaintext so that the ciphertext length doesn't track
// the true server name length. The config's maximum_name_length is the
// hint; the total is then rounded up to a 32-byte boundary.
func padInner(encodedInner []byte, serverName string, maxNameLength uint16) []byte {
	pad := 0
	if n := int(maxNameLength) - len(serverName); n > 0 {
		pad = n
	}
	total := len(encodedInner) + pad
	if r := total % 32; r != 0 {
		total += 32 - r
	}
	return append(encodedInner, make([]byte, total-len(encodedInner))...)
}
