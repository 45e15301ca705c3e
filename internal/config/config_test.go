package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smartdevs17/contract-discovery/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	require.Len(t, cfg.Chains, 1)
	assert.Equal(t, models.ChainEthereum, cfg.Chains[0].Name)
	assert.Equal(t, 24*time.Hour, cfg.Pipeline.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Scanner.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Scanner.ThrottleCooldown)
	assert.Equal(t, 7, cfg.Providers.CoinGecko.BatchSize)
	assert.Equal(t, 60*time.Second, cfg.Providers.CoinGecko.BatchPause)
	assert.Equal(t, "explorer", cfg.Pipeline.NativeBalanceSource)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileWithChains(t *testing.T) {
	path := writeConfig(t, `
chains:
  - name: eth
    enabled: true
    node_url: http://localhost:8545
    backup_nodes: http://a:8545,http://b:8545
  - name: opt
    enabled: true
    node_url: http://localhost:9545
    start_block: 1000
    coingecko_platform: custom-platform
storage:
  type: postgres
  connection_string: postgres://localhost/contracts
pipeline:
  request_pause: 2s
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Chains, 2)

	assert.Equal(t, models.ChainEthereum, cfg.Chains[0].Name)
	assert.Equal(t, []string{"http://a:8545", "http://b:8545"}, cfg.Chains[0].BackupNodes)
	assert.Equal(t, models.ChainOptimism, cfg.Chains[1].Name)
	assert.Equal(t, uint64(1000), cfg.Chains[1].StartBlock)
	assert.Equal(t, 2*time.Second, cfg.Pipeline.RequestPause)

	info := cfg.Chains[1].Info()
	assert.Equal(t, "custom-platform", info.CoinGeckoPlatform)
	assert.Equal(t, "optimism-mainnet", info.CovalentName)
	assert.Equal(t, int32(18), info.NativeDecimals)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownChain(t *testing.T) {
	path := writeConfig(t, `
chains:
  - name: dogechain
    node_url: http://localhost:8545
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/contracts")
	t.Setenv("ETH_NODE_URL", "http://env-node:8545")
	t.Setenv("COVALENT_API_KEY", "cov-key")

	cfg, err := NewLoader("").Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://env/contracts", cfg.Storage.ConnectionString)
	assert.Equal(t, "http://env-node:8545", cfg.Chains[0].NodeURL)
	assert.Equal(t, "cov-key", cfg.Providers.Covalent.APIKey)
}

func TestValidate(t *testing.T) {
	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	bad := *cfg
	bad.Providers.CoinGecko.BatchSize = 8
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Checkpoint.Backend = "etcd"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Pipeline.NativeBalanceSource = "oracle"
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Chains = []ChainConfig{{Name: models.ChainEthereum, Enabled: true}}
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.Chains = []ChainConfig{
		{Name: models.ChainEthereum, Enabled: true, NodeURL: "http://a"},
		{Name: models.ChainEthereum, Enabled: true, NodeURL: "http://b"},
	}
	assert.Error(t, bad.Validate())
}
