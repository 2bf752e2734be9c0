package ech

import (
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSHA256(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

func writeTestKey(t *testing.T, dir, name string, id uint8, publicName string) string {
	t.Helper()
	priv, cfg, err := NewConfig(id, []byte(publicName))
	require.NoError(t, err)
	pemBytes, err := MarshalKeyPEM(priv, cfg)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, pemBytes, 0o600))
	return path
}

func TestKeyStorePEM(t *testing.T) {
	dir := t.TempDir()
	path := writeTestKey(t, dir, "key.pem", 0x42, "example.com")

	store := NewKeyStore()
	status, err := store.EnableFromPEM(path)
	require.NoError(t, err)
	assert.Equal(t, KeyStatusNew, status)
	assert.Equal(t, 1, store.NumKeys())

	keys := store.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, uint8(0x42), keys[0].Config.ConfigID)
	assert.Equal(t, "example.com", string(keys[0].Config.PublicName))
	assert.Equal(t, path, keys[0].SourceID)
	assert.Len(t, keys[0].PrivateKey, 32)

	// Same file, unchanged: no-op.
	status, err = store.EnableFromPEM(path)
	require.NoError(t, err)
	assert.Equal(t, KeyStatusUnmodified, status)
	assert.Equal(t, 1, store.NumKeys())

	// Touch the file into the future: replaced in place.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))
	status, err = store.EnableFromPEM(path)
	require.NoError(t, err)
	assert.Equal(t, KeyStatusModified, status)
	assert.Equal(t, 1, store.NumKeys())

	assert.Equal(t, 0, store.FlushKeys(0))
	assert.Equal(t, 0, store.NumKeys())
}

func TestKeyStoreFileMissing(t *testing.T) {
	store := NewKeyStore()
	_, err := store.EnableFromPEM(filepath.Join(t.TempDir(), "nope.pem"))
	assert.ErrorIs(t, err, ErrFileMissing)
	assert.Equal(t, 0, store.NumKeys())
}

func TestKeyStoreBuffer(t *testing.T) {
	priv, cfg, err := NewConfig(7, []byte("example.org"))
	require.NoError(t, err)
	pemBytes, err := MarshalKeyPEM(priv, cfg)
	require.NoError(t, err)

	store := NewKeyStore()
	status, err := store.EnableFromBuffer(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, KeyStatusNew, status)

	// Same buffer: deduplicated by content hash.
	status, err = store.EnableFromBuffer(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, KeyStatusUnmodified, status)
	assert.Equal(t, 1, store.NumKeys())

	keys := store.Keys()
	require.Len(t, keys, 1)
	assert.Len(t, keys[0].SourceID, 64) // uppercase hex sha-256
	assert.Equal(t, keys[0].SourceID, EncodeAsciiHex(mustSHA256(pemBytes)))
}

func TestKeyStoreFlushByAge(t *testing.T) {
	store := NewKeyStore()
	priv, cfg, err := NewConfig(1, []byte("one.example"))
	require.NoError(t, err)
	pemBytes, err := MarshalKeyPEM(priv, cfg)
	require.NoError(t, err)
	_, err = store.EnableFromBuffer(pemBytes)
	require.NoError(t, err)

	// Age the entry artificially.
	store.mu.Lock()
	store.keys[0].LoadTime = time.Now().Add(-2 * time.Hour)
	store.mu.Unlock()

	priv2, cfg2, err := NewConfig(2, []byte("two.example"))
	require.NoError(t, err)
	pemBytes2, err := MarshalKeyPEM(priv2, cfg2)
	require.NoError(t, err)
	_, err = store.EnableFromBuffer(pemBytes2)
	require.NoError(t, err)

	assert.Equal(t, 1, store.FlushKeys(time.Hour))
	keys := store.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, uint8(2), keys[0].Config.ConfigID)
}

func TestKeyStoreReadDir(t *testing.T) {
	dir := t.TempDir()
	writeTestKey(t, dir, "a.pem", 1, "a.example")
	writeTestKey(t, dir, "b.ech", 2, "b.example")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a key"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.pem"), 0o700))

	store := NewKeyStore()
	require.NoError(t, store.ReadDir(dir))
	assert.Equal(t, 2, store.NumKeys())

	// Loading the directory again changes nothing.
	require.NoError(t, store.ReadDir(dir))
	assert.Equal(t, 2, store.NumKeys())
}

func TestKeyStoreRetryConfigs(t *testing.T) {
	dir := t.TempDir()
	writeTestKey(t, dir, "a.pem", 1, "a.example")
	writeTestKey(t, dir, "b.pem", 2, "b.example")

	store := NewKeyStore()
	require.NoError(t, store.ReadDir(dir))
	raw, err := store.RetryConfigs()
	require.NoError(t, err)
	list, leftover, err := ParseConfigList(raw)
	require.NoError(t, err)
	assert.Equal(t, 0, leftover)
	assert.Len(t, list.Configs, 2)
}
