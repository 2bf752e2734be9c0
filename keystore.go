package ech

import (
	"crypto/ecdh"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ServerKey is one loaded decryption keypair: the published config, the
// HPKE receiver private key, and provenance for reload and flush decisions.
type ServerKey struct {
	Config     *ECHConfig
	PrivateKey []byte
	// SourceID identifies where the key came from: the PEM file path, or
	// the uppercase hex SHA-256 of the buffer it was loaded from.
	SourceID string
	LoadTime time.Time
}

// KeyStatus reports what [KeyStore.EnableFromPEM] did.
type KeyStatus int

const (
	KeyStatusNew KeyStatus = iota + 1
	KeyStatusUnmodified
	KeyStatusModified
)

// KeyStore holds the server-side decryption keys. Loading and flushing are
// serialized by a single writer lock; handshakes take a point-in-time
// snapshot with [KeyStore.Keys] and are unaffected by later mutation.
type KeyStore struct {
	mu     sync.Mutex
	keys   []ServerKey
	logger *zap.Logger
}

// KeyStoreOption configures a [KeyStore].
type KeyStoreOption func(*KeyStore)

// WithKeyStoreLogger sets the logger used for load, reload and flush
// events.
func WithKeyStoreLogger(logger *zap.Logger) KeyStoreOption {
	return func(s *KeyStore) {
		s.logger = logger
	}
}

// NewKeyStore returns an empty store.
func NewKeyStore(opts ...KeyStoreOption) *KeyStore {
	s := &KeyStore{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// EnableFromPEM loads or reloads one PEM key file. A file already loaded
// and unchanged on disk (by mtime) is left alone; a newer file replaces its
// entry in place.
func (s *KeyStore) EnableFromPEM(path string) (KeyStatus, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%w: %s", ErrFileMissing, path)
		}
		return 0, err
	}
	mtime := fi.ModTime()

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i := range s.keys {
		if s.keys[i].SourceID == path {
			idx = i
			break
		}
	}
	if idx >= 0 && !mtime.After(s.keys[idx].LoadTime) {
		return KeyStatusUnmodified, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	key, err := parseKeyPEM(b)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	key.SourceID = path
	key.LoadTime = time.Now()

	if idx >= 0 {
		s.keys[idx] = *key
		s.logger.Info("ech key reloaded",
			zap.String("file", path),
			zap.Uint8("config_id", key.Config.ConfigID))
		return KeyStatusModified, nil
	}
	s.keys = append(s.keys, *key)
	s.logger.Info("ech key loaded",
		zap.String("file", path),
		zap.Uint8("config_id", key.Config.ConfigID),
		zap.String("public_name", string(key.Config.PublicName)))
	return KeyStatusNew, nil
}

// EnableFromBuffer loads a key from an in-memory PEM buffer. The source id
// is the uppercase hex SHA-256 of the buffer, so loading the same bytes
// twice is a no-op.
func (s *KeyStore) EnableFromBuffer(b []byte) (KeyStatus, error) {
	sum := sha256.Sum256(b)
	sourceID := EncodeAsciiHex(sum[:])

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.keys {
		if s.keys[i].SourceID == sourceID {
			return KeyStatusUnmodified, nil
		}
	}
	key, err := parseKeyPEM(b)
	if err != nil {
		return 0, err
	}
	key.SourceID = sourceID
	key.LoadTime = time.Now()
	s.keys = append(s.keys, *key)
	s.logger.Info("ech key loaded from buffer",
		zap.String("source_id", sourceID),
		zap.Uint8("config_id", key.Config.ConfigID))
	return KeyStatusNew, nil
}

// FlushKeys drops keys older than age and returns how many remain. A
// non-positive age drops everything.
func (s *KeyStore) FlushKeys(age time.Duration) int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if age <= 0 {
		n := len(s.keys)
		s.keys = nil
		if n > 0 {
			s.logger.Info("ech keys flushed", zap.Int("dropped", n))
		}
		return 0
	}
	before := len(s.keys)
	s.keys = slices.DeleteFunc(s.keys, func(k ServerKey) bool {
		return !k.LoadTime.Add(age).After(now)
	})
	if dropped := before - len(s.keys); dropped > 0 {
		s.logger.Info("ech keys flushed",
			zap.Int("dropped", dropped),
			zap.Int("remaining", len(s.keys)))
	}
	return len(s.keys)
}

// ReadDir loads every regular *.pem and *.ech file in dir. Files with other
// extensions are skipped silently; a missing file between listing and
// loading is skipped too.
func (s *KeyStore) ReadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".pem" && ext != ".ech" {
			continue
		}
		if _, err := s.EnableFromPEM(filepath.Join(dir, name)); err != nil {
			if errors.Is(err, ErrFileMissing) {
				continue
			}
			return err
		}
	}
	return nil
}

// NumKeys returns the number of loaded keys.
func (s *KeyStore) NumKeys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Keys returns a snapshot of the loaded keys.
func (s *KeyStore) Keys() []ServerKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.keys)
}

// RetryConfigs returns the configs of all loaded keys as an encoded list,
// suitable for sending to clients whose offered config didn't match.
func (s *KeyStore) RetryConfigs() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	configs := make([]ECHConfig, 0, len(s.keys))
	for i := range s.keys {
		configs = append(configs, *s.keys[i].Config)
	}
	return MarshalConfigList(configs)
}

// parseKeyPEM reads one PRIVATE KEY block followed by one ECHCONFIG block.
// The ECHCONFIG block holds an encoded config list with exactly one config.
func parseKeyPEM(b []byte) (*ServerKey, error) {
	if len(b) > 2*maxRRValueLen {
		return nil, fmt.Errorf("%w: pem buffer %d bytes", ErrInputTooLong, len(b))
	}
	var privateKey []byte
	var config *ECHConfig
	for {
		var block *pem.Block
		block, b = pem.Decode(b)
		if block == nil {
			break
		}
		switch block.Type {
		case "PRIVATE KEY":
			if privateKey != nil {
				return nil, fmt.Errorf("%w: more than one private key", ErrInvalidEncoding)
			}
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
			}
			ecdhKey, ok := key.(*ecdh.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("%w: unsupported private key type %T", ErrInvalidEncoding, key)
			}
			privateKey = ecdhKey.Bytes()
		case "ECHCONFIG":
			if config != nil {
				return nil, fmt.Errorf("%w: more than one config block", ErrInvalidEncoding)
			}
			list, leftover, err := ParseConfigList(block.Bytes)
			if err != nil {
				return nil, err
			}
			if leftover != 0 || len(list.Configs) != 1 {
				return nil, fmt.Errorf("%w: expected exactly one config", ErrInvalidEncoding)
			}
			config = &list.Configs[0]
		}
	}
	if privateKey == nil || config == nil {
		return nil, fmt.Errorf("%w: need one private key and one config", ErrInvalidEncoding)
	}
	return &ServerKey{Config: config, PrivateKey: privateKey}, nil
}

// MarshalKeyPEM serializes a private key and its config in the format
// [KeyStore.EnableFromPEM] reads.
func MarshalKeyPEM(privKey *ecdh.PrivateKey, cfg *ECHConfig) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	listBytes, err := MarshalConfigList([]ECHConfig{*cfg})
	if err != nil {
		return nil, err
	}
	out := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "ECHCONFIG", Bytes: listBytes})...)
	return out, nil
}
