// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrConflictingExitModes is returned when both exclusive exit modes are enabled.
var ErrConflictingExitModes = errors.New("full_exit_mirroring and independent_threshold_exit are mutually exclusive")

// Config holds application settings loaded from config.json / config.yaml.
type Config struct {
	WSURL            string   `mapstructure:"ws_url"`
	MonitoredWallets []string `mapstructure:"monitored_wallets"`
	OwnWallet        string   `mapstructure:"own_wallet"`
	DebugLogging     bool     `mapstructure:"debug_logging"`
	LogFile          string   `mapstructure:"log_file"`
	PaperTrading     bool     `mapstructure:"paper_trading"`

	WebhookURL        string  `mapstructure:"webhook_url"`
	WebhookRatePerSec float64 `mapstructure:"webhook_rate_per_sec"`
	JournalPath       string  `mapstructure:"journal_path"`
	MetricsAddr       string  `mapstructure:"metrics_addr"`

	// Strategy thresholds. Percentages are expressed as plain numbers (50 == 50%).
	MaxHoldTime          time.Duration `mapstructure:"-"`
	MaxHoldTimeMS        int           `mapstructure:"max_hold_time"`
	TakeProfit           float64       `mapstructure:"take_profit"`
	StopLoss             float64       `mapstructure:"stop_loss"`
	RetracementThreshold float64       `mapstructure:"retracement_threshold"`
	MinLiquidity         float64       `mapstructure:"min_liquidity"`
	FullExitMirroring    bool          `mapstructure:"full_exit_mirroring"`
	IndependentThreshold bool          `mapstructure:"independent_threshold_exit"`

	ProgressiveSellChunks     int           `mapstructure:"progressive_sell_chunks"`
	ProgressiveSellInterval   time.Duration `mapstructure:"-"`
	ProgressiveSellIntervalMS int           `mapstructure:"progressive_sell_interval"`

	// Feed pool
	ConnectionPoolSize  int           `mapstructure:"connection_pool_size"`
	HeartbeatInterval   time.Duration `mapstructure:"-"`
	HeartbeatIntervalMS int           `mapstructure:"heartbeat_interval"`
	HeartbeatMisses     int           `mapstructure:"heartbeat_misses"`
	ReconnectInitial    time.Duration `mapstructure:"-"`
	ReconnectInitialMS  int           `mapstructure:"reconnect_initial"`
	ReconnectMax        time.Duration `mapstructure:"-"`
	ReconnectMaxMS      int           `mapstructure:"reconnect_max"`

	// Ingestion
	FastMode         bool          `mapstructure:"fast_mode"`
	BatchSize        int           `mapstructure:"batch_size"`
	BatchTimeout     time.Duration `mapstructure:"-"`
	BatchTimeoutMS   int           `mapstructure:"batch_timeout"`
	DedupWindow      time.Duration `mapstructure:"-"`
	DedupWindowMS    int           `mapstructure:"dedup_window"`
	HistoryCapacity  int           `mapstructure:"history_capacity"`
	VolumeWindow     time.Duration `mapstructure:"-"`
	VolumeWindowMS   int           `mapstructure:"volume_window"`
	EvalInterval     time.Duration `mapstructure:"-"`
	EvalIntervalMS   int           `mapstructure:"evaluation_interval"`
	CheckpointPeriod time.Duration `mapstructure:"-"`
	CheckpointMS     int           `mapstructure:"checkpoint_interval"`

	// Execution
	MaxConcurrentTrades   int           `mapstructure:"max_concurrent_trades"`
	ExecutionMode         string        `mapstructure:"execution_mode"`
	MaxAttempts           int           `mapstructure:"max_attempts"`
	SlippageStepBps       int           `mapstructure:"slippage_step_bps"`
	ForceSellEnabled      bool          `mapstructure:"force_sell_enabled"`
	ForceSellSlippageBps  int           `mapstructure:"force_sell_slippage_bps"`
	StopLossFailureLimit  int           `mapstructure:"stop_loss_failure_limit"`
	AlternateRouteOnRetry bool          `mapstructure:"alternate_route_on_retry"`
	RetryBackoffInitial   time.Duration `mapstructure:"-"`
	RetryBackoffInitialMS int           `mapstructure:"retry_backoff_initial"`
	RetryBackoffMax       time.Duration `mapstructure:"-"`
	RetryBackoffMaxMS     int           `mapstructure:"retry_backoff_max"`
	AckTimeout            time.Duration `mapstructure:"-"`
	AckTimeoutMS          int           `mapstructure:"ack_timeout"`
	UnconfirmedHold       time.Duration `mapstructure:"-"`
	UnconfirmedHoldMS     int           `mapstructure:"unconfirmed_hold"`

	// Protocol selection
	ProtocolOrder      []string      `mapstructure:"protocol_order"`
	ProtocolCacheTTL   time.Duration `mapstructure:"-"`
	ProtocolCacheTTLMS int           `mapstructure:"protocol_cache_ttl"`
	PriceBookTTL       time.Duration `mapstructure:"-"`
	PriceBookTTLMS     int           `mapstructure:"price_book_ttl"`

	// Venue access
	TradeAPIURL          string        `mapstructure:"trade_api_url"`
	TradeAPIAlternateURL string        `mapstructure:"trade_api_alternate_url"`
	TradeAPIKey          string        `mapstructure:"trade_api_key"`
	WalletPrivateKey     string        `mapstructure:"wallet_private_key"` // enables local signing
	TradeAPITimeout      time.Duration `mapstructure:"-"`
	TradeAPITimeoutMS    int           `mapstructure:"trade_api_timeout"`
	RPCURLs              []string      `mapstructure:"rpc_urls"`
}

const (
	DefaultConnectionPoolSize   = 3
	DefaultHeartbeatIntervalMS  = 15_000
	DefaultHeartbeatMisses      = 3
	DefaultMaxConcurrentTrades  = 10
	DefaultMaxAttempts          = 3
	DefaultSlippageStepBps      = 100
	DefaultForceSellSlippageBps = 1000
)

// ExitMode returns the configured exit mode name.
func (c *Config) ExitMode() string {
	switch {
	case c.FullExitMirroring:
		return "full_exit_mirror"
	case c.IndependentThreshold:
		return "independent_threshold"
	default:
		return "multi_factor"
	}
}

// LoadConfig reads configuration from the specified file path and performs validation.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix("COPYBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config error: %w", err)
	}

	return fromViper(v)
}

// Default returns a config with every default applied and no file read.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg, _ := unmarshal(v)
	return cfg
}

func setDefaults(v *viper.Viper) {
	defaults := map[string]interface{}{
		"log_file":                  "copybot.log",
		"journal_path":              "copybot.db",
		"metrics_addr":              ":9100",
		"webhook_rate_per_sec":      1.0,
		"max_hold_time":             600_000,
		"take_profit":               100.0,
		"stop_loss":                 -30.0,
		"retracement_threshold":     25.0,
		"min_liquidity":             5.0,
		"progressive_sell_chunks":   1,
		"progressive_sell_interval": 2_000,
		"connection_pool_size":      DefaultConnectionPoolSize,
		"heartbeat_interval":        DefaultHeartbeatIntervalMS,
		"heartbeat_misses":          DefaultHeartbeatMisses,
		"reconnect_initial":         2_000,
		"reconnect_max":             30_000,
		"dedup_window":              30_000,
		"history_capacity":          50,
		"volume_window":             60_000,
		"evaluation_interval":       1_000,
		"checkpoint_interval":       10_000,
		"max_concurrent_trades":     DefaultMaxConcurrentTrades,
		"execution_mode":            "verify",
		"max_attempts":              DefaultMaxAttempts,
		"slippage_step_bps":         DefaultSlippageStepBps,
		"force_sell_enabled":        true,
		"force_sell_slippage_bps":   DefaultForceSellSlippageBps,
		"stop_loss_failure_limit":   3,
		"alternate_route_on_retry":  true,
		"retry_backoff_initial":     200,
		"retry_backoff_max":         2_000,
		"ack_timeout":               5_000,
		"unconfirmed_hold":          60_000,
		"protocol_order":            []string{"pump.fun", "pump.swap"},
		"protocol_cache_ttl":        5_000,
		"price_book_ttl":            0,
		"trade_api_url":             "https://pumpportal.fun",
		"trade_api_timeout":         3_000,
		"trade_api_alternate_url":   "",
		"trade_api_key":             "",
		"wallet_private_key":        "",
		"rpc_urls":                  []string{"https://api.mainnet-beta.solana.com"},
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal error: %w", err)
	}
	cfg.convertDurations()
	return &cfg, nil
}

// convertDurations turns the millisecond fields into time.Duration.
func (c *Config) convertDurations() {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }

	c.MaxHoldTime = ms(c.MaxHoldTimeMS)
	c.ProgressiveSellInterval = ms(c.ProgressiveSellIntervalMS)
	c.HeartbeatInterval = ms(c.HeartbeatIntervalMS)
	c.ReconnectInitial = ms(c.ReconnectInitialMS)
	c.ReconnectMax = ms(c.ReconnectMaxMS)
	c.BatchTimeout = ms(c.BatchTimeoutMS)
	c.DedupWindow = ms(c.DedupWindowMS)
	c.VolumeWindow = ms(c.VolumeWindowMS)
	c.EvalInterval = ms(c.EvalIntervalMS)
	c.CheckpointPeriod = ms(c.CheckpointMS)
	c.RetryBackoffInitial = ms(c.RetryBackoffInitialMS)
	c.RetryBackoffMax = ms(c.RetryBackoffMaxMS)
	c.AckTimeout = ms(c.AckTimeoutMS)
	c.UnconfirmedHold = ms(c.UnconfirmedHoldMS)
	c.ProtocolCacheTTL = ms(c.ProtocolCacheTTLMS)
	c.PriceBookTTL = ms(c.PriceBookTTLMS)
	c.TradeAPITimeout = ms(c.TradeAPITimeoutMS)
}

// Validate checks required fields and numeric ranges.
func (c *Config) Validate() error {
	if c.FullExitMirroring && c.IndependentThreshold {
		return ErrConflictingExitModes
	}
	if c.WSURL != "" {
		if err := validateURL(c.WSURL, "ws"); err != nil {
			return fmt.Errorf("invalid ws_url: %w", err)
		}
	}
	if c.WebhookURL != "" {
		if err := validateURL(c.WebhookURL, "http"); err != nil {
			return fmt.Errorf("invalid webhook_url: %w", err)
		}
	}
	for _, u := range []string{c.TradeAPIURL, c.TradeAPIAlternateURL} {
		if u == "" {
			continue
		}
		if err := validateURL(u, "http"); err != nil {
			return fmt.Errorf("invalid trade api url %q: %w", u, err)
		}
	}
	if !c.PaperTrading && len(c.RPCURLs) == 0 {
		return errors.New("rpc_urls is required unless paper_trading is set")
	}
	if err := c.validateNumericParams(); err != nil {
		return err
	}
	switch c.ExecutionMode {
	case "verify", "fire_and_forget":
	default:
		return fmt.Errorf("invalid execution_mode %q", c.ExecutionMode)
	}
	if len(c.ProtocolOrder) == 0 {
		return errors.New("protocol_order must name at least one protocol")
	}
	return nil
}

func (c *Config) validateNumericParams() error {
	if c.TakeProfit <= 0 {
		return errors.New("take_profit must be positive")
	}
	if c.StopLoss >= 0 {
		return errors.New("stop_loss must be negative")
	}
	if c.RetracementThreshold <= 0 || c.RetracementThreshold > 100 {
		return errors.New("retracement_threshold must be in (0, 100]")
	}
	if c.MinLiquidity < 0 {
		return errors.New("invalid min_liquidity")
	}
	if c.MaxHoldTime <= 0 {
		return errors.New("invalid max_hold_time")
	}
	if c.ProgressiveSellChunks < 1 {
		return errors.New("progressive_sell_chunks must be at least 1")
	}
	if c.ConnectionPoolSize < 1 {
		return errors.New("connection_pool_size must be at least 1")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatMisses < 1 {
		return errors.New("invalid heartbeat settings")
	}
	if c.MaxConcurrentTrades < 1 {
		return errors.New("max_concurrent_trades must be at least 1")
	}
	if c.MaxAttempts < 1 {
		return errors.New("max_attempts must be at least 1")
	}
	// Every retry must widen slippage.
	if c.SlippageStepBps < 1 {
		return errors.New("slippage_step_bps must be at least 1")
	}
	if c.UnconfirmedHold < 0 {
		return errors.New("invalid unconfirmed_hold")
	}
	if c.HistoryCapacity < 1 {
		return errors.New("history_capacity must be at least 1")
	}
	// The retry ladder tops out at attempt max_attempts; force-sell must stay above it.
	ladderTop := 300 + (c.MaxAttempts-1)*c.SlippageStepBps
	if c.ForceSellSlippageBps <= ladderTop {
		return fmt.Errorf("force_sell_slippage_bps (%d) must exceed the retry ladder maximum (%d)",
			c.ForceSellSlippageBps, ladderTop)
	}
	return nil
}

func validateURL(rawURL string, protocol string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	return nil
}
