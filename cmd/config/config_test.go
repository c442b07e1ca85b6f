package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/pcmstream/internal/app"
	"github.com/tphakala/pcmstream/internal/buildinfo"
	"github.com/tphakala/pcmstream/internal/conf"
)

func loadedContext(t *testing.T) *app.Context {
	t.Helper()
	ctx := app.NewContext(buildinfo.NewContext("dev", "", ""))
	ctx.Viper.Set("backend", "virtual")
	settings, err := conf.Load(ctx.Viper, "")
	require.NoError(t, err)
	ctx.Settings = settings
	return ctx
}

func TestPrintConfig(t *testing.T) {
	cmd := Command(loadedContext(t))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "backend: virtual")
	assert.Contains(t, out.String(), "latencyms: 64")
}

func TestSaveConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cmd := Command(loadedContext(t))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"save", path})

	require.NoError(t, cmd.Execute())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "backend: virtual")
}
