package sshexec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestPortOrDefault(t *testing.T) {
	assert.Equal(t, "22", portOrDefault(0))
	assert.Equal(t, "2222", portOrDefault(2222))
}

func TestLoadKeyRejectsMalformedKey(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte("not a real key"), 0o600))

	_, err := loadKey(keyPath, nil)
	assert.Error(t, err)
}

func TestLoadKeyWarnsOnLoosePermissionsButDoesNotFailEarly(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte("not a real key"), 0o644))

	// Permission laxity is only a warning; the function should still
	// proceed to (and fail at) key parsing rather than erroring on
	// mode bits alone.
	core, logs := observer.New(zap.WarnLevel)
	_, err := loadKey(keyPath, zap.New(core))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "permission")
	assert.Equal(t, 1, logs.FilterMessage("private key has loose permissions").Len())
}

func TestLoadKeyMissingFile(t *testing.T) {
	_, err := loadKey("/nonexistent/path/to/key", nil)
	assert.Error(t, err)
}
