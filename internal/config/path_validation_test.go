package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateConfigPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	userDir := filepath.Join(home, ".config", "regcycle")

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{name: "user config", path: filepath.Join(userDir, "config.yaml")},
		{name: "user subdirectory", path: filepath.Join(userDir, "tenants", "acme.yaml")},
		{name: "system config", path: "/etc/regcycle/config.yaml"},
		{name: "sibling prefix", path: "/etc/regcycle../etc/passwd", wantErr: true},
		{name: "dot-dot escape", path: filepath.Join(userDir, "..", "..", "secrets.yaml"), wantErr: true},
		{name: "config dir itself", path: userDir, wantErr: true},
		{name: "relative", path: "config.yaml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfigPath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateConfigPath_SymlinkEscape(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	userDir := filepath.Join(home, ".config", "regcycle")
	require.NoError(t, os.MkdirAll(userDir, 0700))

	outside := filepath.Join(t.TempDir(), "stolen.yaml")
	require.NoError(t, os.WriteFile(outside, []byte("server:\n  http_port: 1\n"), 0600))
	link := filepath.Join(userDir, "config.yaml")
	require.NoError(t, os.Symlink(outside, link))

	assert.Error(t, validateConfigPath(link))
}
