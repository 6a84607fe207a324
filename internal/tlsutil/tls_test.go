package tlsutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGeneratesSelfSignedWhenMissing(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "node.crt")
	keyPath := filepath.Join(dir, "node.key")

	ctx, err := Load(certPath, keyPath, "node-1")
	require.NoError(t, err)
	assert.Len(t, ctx.Fingerprint, 64)
	assert.FileExists(t, certPath)
	assert.FileExists(t, keyPath)
}

func TestLoadReusesExistingFiles(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "node.crt")
	keyPath := filepath.Join(dir, "node.key")

	first, err := Load(certPath, keyPath, "node-1")
	require.NoError(t, err)

	second, err := Load(certPath, keyPath, "node-1")
	require.NoError(t, err)

	assert.Equal(t, first.Fingerprint, second.Fingerprint)
}
