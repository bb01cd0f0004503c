package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require := require.New(t)

	cfg, err := Defaults()
	require.NoError(err)
	require.NoError(cfg.Validate())

	require.Equal("azure", cfg.Storage.Backend)
	require.Equal("seareport", cfg.Storage.Account)
	require.Equal("global-v1", cfg.Storage.Container)
	require.Equal("./data/", cfg.Storage.DataDir)
	require.Equal("*/5 * * * *", cfg.Catalog.Schedule)
	require.Equal(1, cfg.Catalog.SkipLatest)
	require.Equal(5, cfg.Cache.Datasets)
	require.Equal(2*time.Hour, cfg.Cache.PlotTTL)
	require.Equal(zerolog.InfoLevel, cfg.LogLevel())
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"log level":       func(c *Config) { c.Log.Level = "chatty" },
		"backend":         func(c *Config) { c.Storage.Backend = "s3" },
		"azure account":   func(c *Config) { c.Storage.Account = "" },
		"schedule":        func(c *Config) { c.Catalog.Schedule = "every minute" },
		"skip latest":     func(c *Config) { c.Catalog.SkipLatest = -1 },
		"cache size":      func(c *Config) { c.Cache.Datasets = 0 },
		"projection":      func(c *Config) { c.Render.Projection = "robinson" },
		"max zoom":        func(c *Config) { c.Render.MaxZoom = 30 },
		"mail encryption": func(c *Config) { c.Notify.Mail.Encryption = "TLS1.3" },
	}

	for name, mutate := range cases {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			cfg, err := Defaults()
			require.NoError(t, err)

			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}

	cfg, err := Defaults()
	require.NoError(t, err)
	cfg.Storage.Backend = "local"
	cfg.Storage.Account = ""
	require.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	require := require.New(t)

	dir := t.TempDir()
	file := filepath.Join(dir, "thalassa.yml")
	require.NoError(os.WriteFile(file, []byte("storage:\n  backend: local\n  container: surge\ncatalog:\n  schedule: \"0 * * * *\"\n"), 0o600))

	t.Setenv("THALASSA_RENDER_COLORMAP", "turbo")

	cfg, err := Load(file)
	require.NoError(err)
	require.Equal("local", cfg.Storage.Backend)
	require.Equal("surge", cfg.Storage.Container)
	require.Equal("0 * * * *", cfg.Catalog.Schedule)
	require.Equal(1, cfg.Catalog.SkipLatest)
	require.Equal("turbo", cfg.Render.Colormap)

	require.NoError(os.WriteFile(file, []byte("storage:\n  backend: ftp\n"), 0o600))
	_, err = Load(file)
	require.Error(err)
}
