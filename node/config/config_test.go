package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultRoundTrip(t *testing.T) {
	c := DefaultUpdater()

	b, err := ConfigComment(c)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(b), "# Default config:"))

	c2, err := FromReader(bytes.NewReader(b), nil)
	require.NoError(t, err)
	require.Equal(t, c, c2)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	def := DefaultUpdater()
	c, err := FromFile(filepath.Join(dir, "missing.toml"), def)
	require.NoError(t, err)
	require.Equal(t, def, c)

	_, err = FromFile(filepath.Join(dir, "missing.toml"), nil)
	require.Error(t, err)

	p := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(p, []byte(`
[Manifest]
  PollInterval = "5s"
  Build = 12

[Gateway]
  Gateways = ["http://127.0.0.1:8080/ipfs/"]
  MaxAttempts = 3
`), 0644))

	c, err = FromFile(p, def)
	require.NoError(t, err)
	require.Equal(t, Duration(5*time.Second), c.Manifest.PollInterval)
	require.Equal(t, uint64(12), c.Manifest.Build)
	require.Equal(t, []string{"http://127.0.0.1:8080/ipfs/"}, c.Gateway.Gateways)
	require.Equal(t, 3, c.Gateway.MaxAttempts)
	// untouched sections keep their defaults
	require.Equal(t, def.Libp2p, c.Libp2p)
	require.Equal(t, def.Manifest.DependencyDir, c.Manifest.DependencyDir)

	require.NoError(t, os.WriteFile(p, []byte("[Manifest]\nPolInterval = \"5s\"\n"), 0644))
	_, err = FromFile(p, def)
	require.Error(t, err)
}

func TestExpandPaths(t *testing.T) {
	c := DefaultUpdater()
	require.NoError(t, c.ExpandPaths())
	require.False(t, strings.HasPrefix(c.Manifest.DependencyDir, "~"))
	require.True(t, filepath.IsAbs(c.Manifest.StateDir))
}
