package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestSave_WritesReadableYAML(t *testing.T) {
	cfg := Defaults()
	cfg.Envelope.Secret = "test-secret"
	cfg.API.ListenAddr = ":9090"

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, Save(path, cfg))

	var roundTripped Config
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(data, &roundTripped))
	require.Equal(t, ":9090", roundTripped.API.ListenAddr)
	require.Equal(t, "test-secret", roundTripped.Envelope.Secret)
}

func TestSave_CreatesParentDirectories(t *testing.T) {
	cfg := Defaults()
	path := filepath.Join(t.TempDir(), "nested", "dir", "config.yaml")
	require.NoError(t, Save(path, cfg))
}
