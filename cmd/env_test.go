package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sankalpsthakur/scope3-reduce/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: filepath.Join(t.TempDir(), "cmd.db"),
		},
		Vault: config.VaultConfig{
			KeyHex: "6368616e676520746869732070617373776f726420746f206120736563726574",
			KeyRef: "test",
		},
		Render:  config.RenderConfig{DPI: 144, Format: "png", Width: 1224, Height: 1584},
		Extract: config.ExtractConfig{Provider: "fallback", FallbackBands: 4},
		Quality: config.QualityConfig{
			StalePolicy:          "leave-open",
			MinEvidenceLocations: 2,
			StalenessWindowHours: 72,
		},
		Audit:  config.AuditConfig{BufferSize: 64},
		Server: config.ServerConfig{Port: 8080, DeepDivePerMinute: 15, ExportPerMinute: 10},
		Log:    config.LogConfig{Level: "error", Format: "json"},
	}
}

func TestInitEnv(t *testing.T) {
	cfg = testConfig(t)

	env, err := initEnv(context.Background())
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Store)
	assert.NotNil(t, env.Gate)
	assert.NotNil(t, env.Vault)
	assert.NotNil(t, env.Renderer)
	assert.NotNil(t, env.Extract)
	assert.NotNil(t, env.Graph)
	assert.NotNil(t, env.Scanner)
	assert.NotNil(t, env.Exporter)
}

func TestInitStoreUnsupportedDriver(t *testing.T) {
	cfg = testConfig(t)
	cfg.Store.Driver = "oracle"

	_, err := initStore(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitEnvRejectsBadStalePolicy(t *testing.T) {
	cfg = testConfig(t)
	cfg.Quality.StalePolicy = "bogus"

	_, err := initEnv(context.Background())
	require.Error(t, err)
}

func TestSeedScanLockFlow(t *testing.T) {
	cfg = testConfig(t)
	ctx := context.Background()

	// Commands load config in PersistentPreRunE; drive the same helpers the
	// RunE functions use against a wired env instead.
	env, err := initEnv(ctx)
	require.NoError(t, err)
	defer env.Close()

	seedPeriodKey = "2026-Q2"
	require.NoError(t, seedBenchmarks(ctx, env))

	report, err := env.Scanner.Run(ctx, "2026-Q2", "cli")
	require.NoError(t, err)
	assert.Equal(t, len(seedFixtures)*2, report.Opened) // two high-impact fields per benchmark

	require.NoError(t, env.Gate.Lock(ctx, "2026-Q2", "cli"))

	_, err = env.Scanner.Run(ctx, "2026-Q2", "cli")
	require.Error(t, err)
}
