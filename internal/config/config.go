// Package config defines all configuration for the market-making bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via LMM_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	API       APIConfig       `mapstructure:"api"`
	WS        WSConfig        `mapstructure:"ws"`
	Maker     MakerConfig     `mapstructure:"maker"`
	Hedger    HedgerConfig    `mapstructure:"hedger"`
	Fees      FeesConfig      `mapstructure:"fees"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Watchdogs WatchdogConfig  `mapstructure:"watchdogs"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Alert     AlertConfig     `mapstructure:"alert"`
}

// APIConfig holds the exchange REST endpoint and account identity.
// PrivateKey is handed opaquely to the signing/transport capability; this
// package never inspects or signs with it.
type APIConfig struct {
	BaseURL      string `mapstructure:"base_url"`
	AccountIndex int64  `mapstructure:"account_index"`
	APIKeyIndex  int    `mapstructure:"api_key_index"`
	PrivateKey   string `mapstructure:"private_key"`
}

// WSConfig holds both market-data and account WebSocket connection settings.
type WSConfig struct {
	URL                 string        `mapstructure:"url"`
	AccountURL          string        `mapstructure:"account_url"`
	AuthToken           string        `mapstructure:"auth_token"`
	Channels            []string      `mapstructure:"channels"`
	MaxFailures         int           `mapstructure:"max_failures"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	CaptureFile         string        `mapstructure:"capture_file"`
	LogInterval         time.Duration `mapstructure:"log_interval"`
	SyntheticAnchor     float64       `mapstructure:"synthetic_anchor"`
	SyntheticIntervalMs int           `mapstructure:"synthetic_interval_ms"`
}

// VolatilityConfig tunes the MakerEngine's EMA-based volatility tracking and
// its high/low pause thresholds.
type VolatilityConfig struct {
	HalflifeSeconds      float64 `mapstructure:"halflife_seconds"`
	PauseThresholdHigh   float64 `mapstructure:"pause_threshold_high"`
	ResumeThresholdHigh  float64 `mapstructure:"resume_threshold_high"`
	ResumeInventoryRatio float64 `mapstructure:"resume_inventory_ratio"`
	PauseThresholdLow    float64 `mapstructure:"pause_threshold_low"`
	ResumeThresholdLow   float64 `mapstructure:"resume_threshold_low"`
	VolLowBps            float64 `mapstructure:"vol_low_bps"`
	VolHighBps           float64 `mapstructure:"vol_high_bps"`
}

// TrendConfig tunes the three-state trend machine.
type TrendConfig struct {
	LookbackSeconds     time.Duration `mapstructure:"lookback_seconds"`
	UpThresholdBps      float64       `mapstructure:"up_threshold_bps"`
	DownThresholdBps    float64       `mapstructure:"down_threshold_bps"`
	ResumeThresholdBps  float64       `mapstructure:"resume_threshold_bps"`
	DownBiasAskOnly     bool          `mapstructure:"down_bias_ask_only"`
	ExtraSpreadBps      float64       `mapstructure:"extra_spread_bps"`
	DownCooldownSeconds time.Duration `mapstructure:"down_cooldown_seconds"`
}

// RegimeConfig tunes the aggressive/defensive regime switch.
type RegimeConfig struct {
	MinDwellSeconds              time.Duration `mapstructure:"min_dwell_seconds"`
	VolThresholdBps              float64       `mapstructure:"vol_threshold_bps"`
	AggressiveSizeMultiplier     float64       `mapstructure:"aggressive_size_multiplier"`
	DefensiveSizeMultiplier      float64       `mapstructure:"defensive_size_multiplier"`
	DefensiveExtraSpreadBps      float64       `mapstructure:"defensive_extra_spread_bps"`
	DefensiveDownCooldownSeconds time.Duration `mapstructure:"defensive_down_cooldown_seconds"`
}

// PnLGuardConfig tunes the external realized-PnL floor overlay.
type PnLGuardConfig struct {
	RealizedFloor   string        `mapstructure:"realized_floor"` // parsed to decimal at load time
	ExtraSpreadBps  float64       `mapstructure:"extra_spread_bps"`
	SizeMultiplier  float64       `mapstructure:"size_multiplier"`
	DurationSeconds time.Duration `mapstructure:"duration_seconds"`
}

// InventoryTierConfig tunes the tiered inventory-width overlay: widen on
// |inv| > {low,med,high} thresholds.
type InventoryTierConfig struct {
	LowUnits           float64 `mapstructure:"low_units"`
	MedUnits           float64 `mapstructure:"med_units"`
	HighUnits          float64 `mapstructure:"high_units"`
	LowExtraBps        float64 `mapstructure:"low_extra_bps"`
	MedExtraBps        float64 `mapstructure:"med_extra_bps"`
	HighExtraBps       float64 `mapstructure:"high_extra_bps"`
	LowSizeMultiplier  float64 `mapstructure:"low_size_multiplier"`
	MedSizeMultiplier  float64 `mapstructure:"med_size_multiplier"`
	HighSizeMultiplier float64 `mapstructure:"high_size_multiplier"`
}

// LimitsConfig bounds MakerEngine's cancel discipline and REST latency budget.
type LimitsConfig struct {
	MaxCancels   int `mapstructure:"max_cancels"`
	MaxLatencyMs int `mapstructure:"max_latency_ms"`
}

// MakerConfig tunes the MakerEngine quoting loop end-to-end.
type MakerConfig struct {
	Pair                string              `mapstructure:"pair"`
	Size                string              `mapstructure:"size"`
	SizeMin             string              `mapstructure:"size_min"`
	SizeMax             string              `mapstructure:"size_max"`
	SpreadBps           float64             `mapstructure:"spread_bps"`
	MinSpreadBps        float64             `mapstructure:"min_spread_bps"`
	MaxSpreadBps        float64             `mapstructure:"max_spread_bps"`
	RefreshSeconds      time.Duration       `mapstructure:"refresh_seconds"`
	RandomizeBps        float64             `mapstructure:"randomize_bps"`
	SizeScale           int64               `mapstructure:"size_scale"`
	PriceScale          int64               `mapstructure:"price_scale"`
	Limits              LimitsConfig        `mapstructure:"limits"`
	InventorySoftCap    string              `mapstructure:"inventory_soft_cap"`
	AsymmetricThreshold string              `mapstructure:"asymmetric_threshold"`
	ExchangeMinSize     string              `mapstructure:"exchange_min_size"`
	ExchangeMinNotional string              `mapstructure:"exchange_min_notional"`
	StaleBookTimeout    time.Duration       `mapstructure:"stale_book_timeout"`
	Volatility          VolatilityConfig    `mapstructure:"volatility"`
	Trend               TrendConfig         `mapstructure:"trend"`
	Regimes             RegimeConfig        `mapstructure:"regimes"`
	PnLGuard            PnLGuardConfig      `mapstructure:"pnl_guard"`
	InventoryTiers      InventoryTierConfig `mapstructure:"inventory_tiers"`
}

// HedgerConfig tunes the Hedger's two-phase passive-then-aggressive loop.
type HedgerConfig struct {
	Enabled                      bool          `mapstructure:"enabled"`
	Market                       string        `mapstructure:"market"`
	PollIntervalSeconds          time.Duration `mapstructure:"poll_interval_seconds"`
	TriggerUnits                 string        `mapstructure:"trigger_units"`
	TriggerNotional              string        `mapstructure:"trigger_notional"`
	TargetUnits                  string        `mapstructure:"target_units"`
	MaxClipUnits                 string        `mapstructure:"max_clip_units"`
	PriceOffsetBps               float64       `mapstructure:"price_offset_bps"`
	PassiveOffsetBps             float64       `mapstructure:"passive_offset_bps"`
	PreferPassive                bool          `mapstructure:"prefer_passive"`
	PassiveWaitSeconds           time.Duration `mapstructure:"passive_wait_seconds"`
	PassiveTimeoutSeconds        time.Duration `mapstructure:"passive_timeout_seconds"`
	CooldownSeconds              time.Duration `mapstructure:"cooldown_seconds"`
	MaxSlippageBps               float64       `mapstructure:"max_slippage_bps"`
	MaxAttempts                  int           `mapstructure:"max_attempts"`
	RetryBackoffSeconds          time.Duration `mapstructure:"retry_backoff_seconds"`
	GuardEmergencySeconds        time.Duration `mapstructure:"guard_emergency_seconds"`
	GuardEmergencyClipMultiplier float64       `mapstructure:"guard_emergency_clip_multiplier"`
	GuardEmergencyExtraBps       float64       `mapstructure:"guard_emergency_extra_bps"`
	GuardClipMultiplier          float64       `mapstructure:"guard_clip_multiplier"`
	EmergencyCooldownSeconds     time.Duration `mapstructure:"emergency_cooldown_seconds"`
	DryRun                       bool          `mapstructure:"dry_run"`
}

// FeesConfig holds the fee schedule applied in AccountListener's fill
// processing.
type FeesConfig struct {
	MakerActualRate  float64 `mapstructure:"maker_actual_rate"`
	TakerActualRate  float64 `mapstructure:"taker_actual_rate"`
	MakerPremiumRate float64 `mapstructure:"maker_premium_rate"`
	TakerPremiumRate float64 `mapstructure:"taker_premium_rate"`
}

// GuardConfig tunes SafetyGuard's three stateless rules, plus the
// supplemented self-trade-protection rule.
type GuardConfig struct {
	PriceBandBps          float64       `mapstructure:"price_band_bps"`
	CrossedBookProtection bool          `mapstructure:"crossed_book_protection"`
	MaxPositionUnits      string        `mapstructure:"max_position_units"`
	MaxInventoryNotional  string        `mapstructure:"max_inventory_notional"`
	BackoffSecondsOnBlock time.Duration `mapstructure:"backoff_seconds_on_block"`
	SelfTradeProtection   bool          `mapstructure:"self_trade_protection"`
}

// WatchdogConfig tunes the Supervisor's stale-heartbeat re-alerting.
type WatchdogConfig struct {
	WSStaleSeconds    time.Duration `mapstructure:"ws_stale_seconds"`
	QuoteStaleSeconds time.Duration `mapstructure:"quote_stale_seconds"`
	HedgeStaleSeconds time.Duration `mapstructure:"hedge_stale_seconds"`
}

// LedgerConfig sets where the fills ledger (and its rotation archive) lives.
type LedgerConfig struct {
	Path       string `mapstructure:"path"`
	MaxBytes   int64  `mapstructure:"max_bytes"`
	ArchiveDir string `mapstructure:"archive_dir"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig controls the Prometheus/health HTTP exporter.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AlertConfig controls the webhook alert dispatcher.
type AlertConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: LMM_PRIVATE_KEY, LMM_AUTH_TOKEN, LMM_ALERT_WEBHOOK_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("LMM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("LMM_PRIVATE_KEY"); key != "" {
		cfg.API.PrivateKey = key
	}
	if tok := os.Getenv("LMM_AUTH_TOKEN"); tok != "" {
		cfg.WS.AuthToken = tok
	}
	if url := os.Getenv("LMM_ALERT_WEBHOOK_URL"); url != "" {
		cfg.Alert.WebhookURL = url
	}
	if os.Getenv("LMM_DRY_RUN") == "true" || os.Getenv("LMM_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults substitutes documented defaults for unset fields and
// continues. No warning is logged for a defaulted key, either here or by
// any caller.
func (c *Config) applyDefaults() {
	if !c.Guard.CrossedBookProtection {
		c.Guard.CrossedBookProtection = true
	}
	if c.WS.MaxFailures == 0 {
		c.WS.MaxFailures = 3
	}
	if c.WS.IdleTimeout == 0 {
		c.WS.IdleTimeout = 60 * time.Second
	}
	if c.WS.LogInterval == 0 {
		c.WS.LogInterval = 5 * time.Second
	}
	if c.Maker.RefreshSeconds == 0 {
		c.Maker.RefreshSeconds = time.Second
	}
	if c.Maker.Limits.MaxCancels == 0 {
		c.Maker.Limits.MaxCancels = 20
	}
	if c.Hedger.PollIntervalSeconds == 0 {
		c.Hedger.PollIntervalSeconds = 1500 * time.Millisecond
	}
	if c.Hedger.MaxAttempts == 0 {
		c.Hedger.MaxAttempts = 3
	}
	if c.Ledger.MaxBytes == 0 {
		c.Ledger.MaxBytes = 64 * 1024 * 1024
	}
	if c.Ledger.ArchiveDir == "" {
		c.Ledger.ArchiveDir = "archive"
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "fills.jsonl"
	}
	if c.Watchdogs.WSStaleSeconds == 0 {
		c.Watchdogs.WSStaleSeconds = 30 * time.Second
	}
	if c.Watchdogs.QuoteStaleSeconds == 0 {
		c.Watchdogs.QuoteStaleSeconds = 20 * time.Second
	}
	if c.Watchdogs.HedgeStaleSeconds == 0 {
		c.Watchdogs.HedgeStaleSeconds = 30 * time.Second
	}
	if c.Telemetry.Port == 0 {
		c.Telemetry.Port = 9090
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.WS.URL == "" {
		return fmt.Errorf("ws.url is required")
	}
	if c.Maker.Pair == "" {
		return fmt.Errorf("maker.pair is required")
	}
	if c.Maker.SizeScale <= 0 {
		return fmt.Errorf("maker.size_scale must be > 0")
	}
	if c.Maker.PriceScale <= 0 {
		return fmt.Errorf("maker.price_scale must be > 0")
	}
	if c.Maker.Limits.MaxCancels <= 0 {
		return fmt.Errorf("maker.limits.max_cancels must be > 0")
	}
	if c.Guard.PriceBandBps <= 0 {
		return fmt.Errorf("guard.price_band_bps must be > 0")
	}
	if c.Hedger.Enabled && c.Hedger.Market == "" {
		return fmt.Errorf("hedger.market is required when hedger.enabled is true")
	}
	return nil
}
