package ech

import (
	"crypto/rand"
	"fmt"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
)

// hpkeInfoPrefix is prepended, with a zero byte, to the config's exact
// encoding to form the HPKE info input.
const hpkeInfoPrefix = "tls ech"

func hpkeInfo(cfg *ECHConfig) []byte {
	info := make([]byte, 0, len(hpkeInfoPrefix)+1+len(cfg.encoding))
	info = append(info, hpkeInfoPrefix...)
	info = append(info, 0x00)
	return append(info, cfg.encoding...)
}

func hpkeSuite(kemID uint16, cs CipherSuite) (hpke.Suite, error) {
	k, f, a := hpke.KEM(kemID), hpke.KDF(cs.KDF), hpke.AEAD(cs.AEAD)
	if !k.IsValid() || !f.IsValid() || !a.IsValid() {
		return hpke.Suite{}, fmt.Errorf("%w: kem 0x%04x kdf 0x%04x aead 0x%04x",
			ErrNoCompatibleConfig, kemID, cs.KDF, cs.AEAD)
	}
	return hpke.NewSuite(k, f, a), nil
}

// suiteSupported reports whether the backend can use the given suite with
// the config's KEM.
func suiteSupported(kemID uint16, cs CipherSuite) bool {
	_, err := hpkeSuite(kemID, cs)
	return err == nil
}

// preferredSuite returns the first suite of cfg the backend supports.
func preferredSuite(cfg *ECHConfig) (CipherSuite, bool) {
	for _, cs := range cfg.Suites {
		if suiteSupported(cfg.KemID, cs) {
			return cs, true
		}
	}
	return CipherSuite{}, false
}

func hpkeScheme(kemID uint16) (kem.Scheme, error) {
	k := hpke.KEM(kemID)
	if !k.IsValid() {
		return nil, fmt.Errorf("%w: kem 0x%04x", ErrNoCompatibleConfig, kemID)
	}
	return k.Scheme(), nil
}

// kemEncSize returns the size of the encapsulated key for the KEM, used to
// size GREASE values.
func kemEncSize(kemID uint16) (int, error) {
	scheme, err := hpkeScheme(kemID)
	if err != nil {
		return 0, err
	}
	return scheme.CiphertextSize(), nil
}

// hpkeSetupSeal runs the sender-side setup: a fresh ephemeral KEM keypair
// is generated and encapsulated. The returned seal function encrypts one
// payload; the additional data can depend on enc.
func hpkeSetupSeal(cfg *ECHConfig, cs CipherSuite, info []byte) (enc []byte, seal func(pt, aad []byte) ([]byte, error), err error) {
	suite, err := hpkeSuite(cfg.KemID, cs)
	if err != nil {
		return nil, nil, err
	}
	scheme, err := hpkeScheme(cfg.KemID)
	if err != nil {
		return nil, nil, err
	}
	pub, err := scheme.UnmarshalBinaryPublicKey(cfg.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: public key: %v", ErrCryptoFailed, err)
	}
	sender, err := suite.NewSender(pub, info)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoFailed, err)
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCryptoFailed, err)
	}
	seal = func(pt, aad []byte) ([]byte, error) {
		ct, err := sealer.Seal(pt, aad)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCryptoFailed, err)
		}
		return ct, nil
	}
	return enc, seal, nil
}

// hpkeOpen runs the receiver side with the raw private key bytes of the
// config's KEM. AEAD failures are returned as-is so callers can map them to
// the grease outcome without polluting their error reporting.
func hpkeOpen(kemID uint16, cs CipherSuite, privateKey, enc, info, aad, ct []byte) ([]byte, error) {
	suite, err := hpkeSuite(kemID, cs)
	if err != nil {
		return nil, err
	}
	scheme, err := hpkeScheme(kemID)
	if err != nil {
		return nil, err
	}
	priv, err := scheme.UnmarshalBinaryPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrCryptoFailed, err)
	}
	receiver, err := suite.NewReceiver(priv, info)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoFailed, err)
	}
	opener, err := receiver.Setup(enc)
	if err != nil {
		return nil, err
	}
	return opener.Open(ct, aad)
}
