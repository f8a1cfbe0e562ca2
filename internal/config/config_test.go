package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	path := writeConfig(t, `
ws_url: wss://pumpportal.fun/api/data
monitored_wallets:
  - 6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.ConnectionPoolSize)
	assert.Equal(t, 15*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 2*time.Second, cfg.ReconnectInitial)
	assert.Equal(t, 10*time.Minute, cfg.MaxHoldTime)
	assert.Equal(t, 1000, cfg.ForceSellSlippageBps)
	assert.Equal(t, "verify", cfg.ExecutionMode)
	assert.Equal(t, []string{"pump.fun", "pump.swap"}, cfg.ProtocolOrder)
	assert.Equal(t, "multi_factor", cfg.ExitMode())
	assert.Equal(t, "https://pumpportal.fun", cfg.TradeAPIURL)
	assert.Equal(t, 3*time.Second, cfg.TradeAPITimeout)
	assert.Equal(t, []string{"https://api.mainnet-beta.solana.com"}, cfg.RPCURLs)
	assert.Zero(t, cfg.PriceBookTTL)
	assert.Equal(t, 100, cfg.SlippageStepBps)
	assert.Equal(t, time.Minute, cfg.UnconfirmedHold)
}

func TestLoadConfig_Overrides(t *testing.T) {
	path := writeConfig(t, `
take_profit: 150
stop_loss: -20
progressive_sell_chunks: 3
progressive_sell_interval: 500
fast_mode: true
execution_mode: fire_and_forget
full_exit_mirroring: true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 150.0, cfg.TakeProfit)
	assert.Equal(t, -20.0, cfg.StopLoss)
	assert.Equal(t, 3, cfg.ProgressiveSellChunks)
	assert.Equal(t, 500*time.Millisecond, cfg.ProgressiveSellInterval)
	assert.True(t, cfg.FastMode)
	assert.Equal(t, "fire_and_forget", cfg.ExecutionMode)
	assert.Equal(t, "full_exit_mirror", cfg.ExitMode())
}

func TestLoadConfig_ConflictingExitModes(t *testing.T) {
	path := writeConfig(t, `
full_exit_mirroring: true
independent_threshold_exit: true
`)

	_, err := LoadConfig(path)
	require.ErrorIs(t, err, ErrConflictingExitModes)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"positive stop loss", func(c *Config) { c.StopLoss = 5 }},
		{"zero pool", func(c *Config) { c.ConnectionPoolSize = 0 }},
		{"zero attempts", func(c *Config) { c.MaxAttempts = 0 }},
		{"flat slippage ladder", func(c *Config) { c.SlippageStepBps = 0 }},
		{"negative slippage step", func(c *Config) { c.SlippageStepBps = -50 }},
		{"bad mode", func(c *Config) { c.ExecutionMode = "yolo" }},
		{"force sell inside ladder", func(c *Config) { c.ForceSellSlippageBps = 400 }},
		{"http ws url", func(c *Config) { c.WSURL = "http://example.com" }},
		{"no protocols", func(c *Config) { c.ProtocolOrder = nil }},
		{"ws trade api", func(c *Config) { c.TradeAPIURL = "ws://pumpportal.fun" }},
		{"live without rpc", func(c *Config) { c.RPCURLs = nil }},
	}

	require.NoError(t, Default().Validate())

	paper := Default()
	paper.PaperTrading = true
	paper.RPCURLs = nil
	require.NoError(t, paper.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
