package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "rentescrow.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "memory", cfg.Events.Driver)
	assert.Equal(t, 1024, cfg.Events.OutboxSize)
	assert.Equal(t, "memory", cfg.Ledger.Driver)
	assert.Equal(t, "signature", cfg.Auth.Mode)
	assert.Equal(t, 5*time.Minute, cfg.Auth.MaxSkew())
	assert.Equal(t, 28*24*time.Hour, cfg.Lease.RentPeriod())
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Runtime.DataDir)

	initial, maxInterval, elapsed := cfg.Events.Retry.Backoff()
	assert.Equal(t, 500*time.Millisecond, initial)
	assert.Equal(t, 30*time.Second, maxInterval)
	assert.Equal(t, 5*time.Minute, elapsed)
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"web3": {"chain_config": "chains.yaml"},
		"runtime": {"data_dir": "state"},
		"logging": {"audit": {"enabled": true}}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "chains.yaml"), cfg.Web3.ChainConfig)
	assert.Equal(t, filepath.Join(dir, "state"), cfg.Runtime.DataDir)
	assert.Equal(t, filepath.Join(dir, "state", "audit.log"), cfg.Logging.Audit.Path)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"server": {"address": ":9000"}, "lease": {"rent_period_hours": 24}}`)

	t.Setenv("RENTESCROW_SERVER_ADDRESS", ":9100")
	t.Setenv("RENTESCROW_LEASE_RENT_PERIOD_HOURS", "48")
	t.Setenv("RENTESCROW_LEDGER_TOKENS", "DAI, USDC ,")
	t.Setenv("RENTESCROW_AUTH_MODE", "disabled")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.Address)
	assert.Equal(t, 48*time.Hour, cfg.Lease.RentPeriod())
	assert.Equal(t, []string{"DAI", "USDC"}, cfg.Ledger.Tokens)
	assert.Equal(t, "disabled", cfg.Auth.Mode)
}

func TestDotEnvFileIsLoaded(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RENTESCROW_REDIS_QUEUE=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("RENTESCROW_REDIS_QUEUE") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Events.Redis.Queue)
}

func TestInvalidIntegerOverride(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{}`)
	t.Setenv("RENTESCROW_EVENTS_OUTBOX_SIZE", "lots")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RENTESCROW_EVENTS_OUTBOX_SIZE")
}

func TestValidateRejectsUnknownDrivers(t *testing.T) {
	cases := map[string]string{
		"storage": `{"storage": {"driver": "sqlite"}}`,
		"mysql":   `{"storage": {"driver": "mysql"}}`,
		"events":  `{"events": {"driver": "kafka"}}`,
		"ledger":  `{"ledger": {"driver": "bank"}}`,
		"erc20":   `{"ledger": {"driver": "erc20"}}`,
		"auth":    `{"auth": {"mode": "basic"}}`,
		"lending": `{"lending": {"enabled": true, "owner": "0x01"}}`,
		"lending_erc20": `{"ledger": {"driver": "erc20", "gas_sponsor_key": "0x01"}, "web3": {"rpc_url": "http://127.0.0.1:8545"},
			"lending": {"enabled": true}}`,
		"erc20_no_sponsor": `{"ledger": {"driver": "erc20"}, "web3": {"rpc_url": "http://127.0.0.1:8545"}}`,
		"erc20_bad_wei": `{"ledger": {"driver": "erc20", "gas_sponsor_key": "0x01", "gas_topup_wei": "-5"},
			"web3": {"rpc_url": "http://127.0.0.1:8545"}}`,
		"replay_cache":       `{"auth": {"replay_cache": "memcached"}}`,
		"replay_cache_redis": `{"auth": {"replay_cache": "redis"}, "events": {"redis": {"address": ""}}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, t.TempDir(), body))
			require.Error(t, err)
		})
	}
}

func TestERC20LedgerWithGasSponsor(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{
		"ledger": {"driver": "erc20", "gas_sponsor_key": "0xabc", "gas_min_wei": "1000", "gas_topup_wei": "5000"},
		"web3": {"rpc_url": "http://127.0.0.1:8545"}
	}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	topUp, err := cfg.Ledger.Wei(cfg.Ledger.GasTopUpWei)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), topUp.Int64())
	unset, err := cfg.Ledger.Wei("")
	require.NoError(t, err)
	assert.Nil(t, unset)
	assert.Equal(t, "memory", cfg.Auth.ReplayCache)
}

func TestLoadRequiresPath(t *testing.T) {
	_, err := Load("")
	require.Error(t, err)
	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestLendingSectionIsValidated(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `{"lending": {
		"enabled": true,
		"address": "0x0000000000000000000000000000000000001e4d",
		"owner": "0x000000000000000000000000000000000000a11c",
		"token": "0x00000000000000000000000000000000000000da",
		"pool": "0x0000000000000000000000000000000000000b01",
		"receipt_token": "0x00000000000000000000000000000000000000ad"
	}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Lending.Enabled)
	assert.Equal(t, "0x00000000000000000000000000000000000000ad", cfg.Lending.ReceiptToken)
}
