package service

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Run modes. Paper trades against the built-in simulator; live requires API
// credentials and a venue executor behind the same interface.
const (
	ModePaper = "paper"
	ModeLive  = "live"
)

// Strategy variants.
const (
	VariantCrossover          = "crossover"
	VariantEnvelopeTouch      = "envelope_touch"
	VariantExtensionReversion = "extension_reversion"
)

// Sizing policies.
const (
	SizingFraction = "fraction"
	SizingLadder   = "ladder"
)

type Config struct {
	Mode      string                    `mapstructure:"mode"`
	LogLevel  string                    `mapstructure:"log_level"`
	Exchange  ExchangeConfig            `mapstructure:"exchange"`
	Metrics   MetricsConfig             `mapstructure:"metrics"`
	Notify    NotifyConfig              `mapstructure:"notify"`
	Stats     StatsConfig               `mapstructure:"stats"`
	Instances map[string]InstanceConfig `mapstructure:"instances"`
}

// ExchangeConfig is the venue connection block. Credentials are only needed
// in live mode and are normally supplied through the environment, not the
// config file.
type ExchangeConfig struct {
	Name       string `mapstructure:"name"`
	APIKey     string `mapstructure:"api_key"`
	SecretKey  string `mapstructure:"secret_key"`
	Passphrase string `mapstructure:"passphrase"`
	WSURL      string `mapstructure:"ws_url"`
	RESTURL    string `mapstructure:"rest_url"`
}

type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  int64  `mapstructure:"chat_id"`
}

type StatsConfig struct {
	Path     string `mapstructure:"path"`
	ReportAt string `mapstructure:"report_at"` // "HH:MM" local, empty disables the daily report
}

// InstanceConfig is one traded instrument with its own strategy, sizing and
// paper-account settings. Each instance runs an isolated engine.
type InstanceConfig struct {
	InstID       string           `mapstructure:"inst_id"`
	Interval     string           `mapstructure:"interval"`
	PollInterval time.Duration    `mapstructure:"poll_interval"`
	HistoryLimit int              `mapstructure:"history_limit"`
	Strategy     StrategyConfig   `mapstructure:"strategy"`
	Sizing       SizingConfig     `mapstructure:"sizing"`
	Risk         RiskConfig       `mapstructure:"risk"`
	Paper        PaperConfig      `mapstructure:"paper"`
	Instrument   InstrumentConfig `mapstructure:"instrument"`
}

type StrategyConfig struct {
	Variant              string         `mapstructure:"variant"`
	FastEMA              int            `mapstructure:"fast_ema"`
	SlowEMA              int            `mapstructure:"slow_ema"`
	TrendEMA             int            `mapstructure:"trend_ema"`
	ATRPeriod            int            `mapstructure:"atr_period"`
	TrendMarginPoints    float64        `mapstructure:"trend_margin_points"`
	CrossThresholdPoints float64        `mapstructure:"cross_threshold_points"`
	RequireTrendAgree    bool           `mapstructure:"require_trend_agree"`
	ExtensionFactor      float64        `mapstructure:"extension_factor"`
	Envelope             EnvelopeConfig `mapstructure:"envelope"`
	Sideways             SidewaysConfig `mapstructure:"sideways"`
	CooldownBars         int            `mapstructure:"cooldown_bars"`
	PostStopLock         bool           `mapstructure:"post_stop_lock"`
}

type EnvelopeConfig struct {
	Bandwidth  float64 `mapstructure:"bandwidth"`
	Multiplier float64 `mapstructure:"multiplier"`
	Window     int     `mapstructure:"window"`
}

// SidewaysConfig gates mean-reversion entries to quiet regimes. All three
// conditions must hold on a tick for entries to pass.
type SidewaysConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	GapCap    float64 `mapstructure:"gap_cap"`
	ATRMinPct float64 `mapstructure:"atr_min_pct"`
	ATRMaxPct float64 `mapstructure:"atr_max_pct"`
	SlopeCap  float64 `mapstructure:"slope_cap"`
}

type SizingConfig struct {
	Policy        string               `mapstructure:"policy"`
	RiskFraction  float64              `mapstructure:"risk_fraction"`
	StopPoints    float64              `mapstructure:"stop_points"`
	TrailingSteps []TrailingStepConfig `mapstructure:"trailing_steps"`
	Ladder        []LadderTier         `mapstructure:"ladder"`
	Basket        BasketConfig         `mapstructure:"basket"`
}

// TrailingStepConfig is one trailing-stop stage: once favorable excursion
// reaches TriggerPoints, the stop moves to entry + side × StopOffsetPoints.
// Offsets are applied exactly as configured; a later step may deliberately
// sit farther from price than the previous one.
type TrailingStepConfig struct {
	TriggerPoints    float64 `mapstructure:"trigger_points"`
	StopOffsetPoints float64 `mapstructure:"stop_offset_points"`
}

// LadderTier maps an equity floor to a per-leg notional and a leg cap. Tiers
// must be listed in ascending MinEquity order; the highest tier at or below
// current equity applies.
type LadderTier struct {
	MinEquity   float64 `mapstructure:"min_equity"`
	LegNotional float64 `mapstructure:"leg_notional"`
	MaxLegs     int     `mapstructure:"max_legs"`
}

type BasketConfig struct {
	TargetFraction float64 `mapstructure:"target_fraction"`
	StopFraction   float64 `mapstructure:"stop_fraction"`
}

type RiskConfig struct {
	MaxLossStreak int `mapstructure:"max_loss_streak"`
}

type PaperConfig struct {
	InitialBalance float64 `mapstructure:"initial_balance"`
	FeeRate        float64 `mapstructure:"fee_rate"`
	Leverage       float64 `mapstructure:"leverage"`
}

// InstrumentConfig overrides venue metadata in paper mode (live mode queries
// the venue).
type InstrumentConfig struct {
	TickSize float64 `mapstructure:"tick_size"`
	LotSize  float64 `mapstructure:"lot_size"`
	MinSize  float64 `mapstructure:"min_size"`
	CtVal    float64 `mapstructure:"ct_val"`
}

// LoadConfig reads the YAML config at path, overlays credentials from the
// environment, fills defaults and validates. Any returned error is fatal at
// startup.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	v.SetDefault("mode", ModePaper)
	v.SetDefault("log_level", "info")
	v.SetDefault("stats.path", "daily_stats.json")
	v.SetDefault("stats.report_at", "23:59")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// Credentials and tokens beat file values when present in the environment.
	if s := os.Getenv("OKX_API_KEY"); s != "" {
		cfg.Exchange.APIKey = s
	}
	if s := os.Getenv("OKX_SECRET"); s != "" {
		cfg.Exchange.SecretKey = s
	}
	if s := os.Getenv("OKX_PASSWORD"); s != "" {
		cfg.Exchange.Passphrase = s
	}
	if s := os.Getenv("TELEGRAM_TOKEN"); s != "" {
		cfg.Notify.Telegram.Token = s
	}
	if s := os.Getenv("TELEGRAM_CHAT_ID"); s != "" {
		id, err := StringToInt64(s)
		if err != nil {
			return nil, fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.Notify.Telegram.ChatID = id
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	for name, inst := range c.Instances {
		if inst.Interval == "" {
			inst.Interval = "15m"
		}
		if inst.PollInterval == 0 {
			inst.PollInterval = 3 * time.Second
		}
		if inst.HistoryLimit == 0 {
			inst.HistoryLimit = inst.Strategy.Envelope.Window + 100
		}
		if inst.Strategy.FastEMA == 0 {
			inst.Strategy.FastEMA = 50
		}
		if inst.Strategy.SlowEMA == 0 {
			inst.Strategy.SlowEMA = 100
		}
		if inst.Strategy.TrendEMA == 0 {
			inst.Strategy.TrendEMA = 200
		}
		if inst.Strategy.ATRPeriod == 0 {
			inst.Strategy.ATRPeriod = 14
		}
		if inst.Strategy.Envelope.Bandwidth == 0 {
			inst.Strategy.Envelope.Bandwidth = 8.0
		}
		if inst.Strategy.Envelope.Multiplier == 0 {
			inst.Strategy.Envelope.Multiplier = 3.0
		}
		if inst.Strategy.Envelope.Window == 0 {
			inst.Strategy.Envelope.Window = 500
			if inst.HistoryLimit < inst.Strategy.Envelope.Window+100 {
				inst.HistoryLimit = inst.Strategy.Envelope.Window + 100
			}
		}
		if inst.Sizing.Policy == "" {
			inst.Sizing.Policy = SizingFraction
		}
		if inst.Sizing.StopPoints == 0 {
			inst.Sizing.StopPoints = 300.0
		}
		if inst.Risk.MaxLossStreak == 0 {
			inst.Risk.MaxLossStreak = 3
		}
		if inst.Paper.InitialBalance == 0 {
			inst.Paper.InitialBalance = 10000
		}
		if inst.Paper.FeeRate == 0 {
			inst.Paper.FeeRate = 0.0005
		}
		if inst.Paper.Leverage == 0 {
			inst.Paper.Leverage = 15
		}
		if inst.Instrument.TickSize == 0 {
			inst.Instrument.TickSize = 0.1
		}
		if inst.Instrument.LotSize == 0 {
			inst.Instrument.LotSize = 0.01
		}
		if inst.Instrument.MinSize == 0 {
			inst.Instrument.MinSize = 0.01
		}
		if inst.Instrument.CtVal == 0 {
			inst.Instrument.CtVal = 1
		}
		c.Instances[name] = inst
	}
}

// Validate returns the first fatal configuration error, or nil.
func (c *Config) Validate() error {
	if c.Mode != ModePaper && c.Mode != ModeLive {
		return fmt.Errorf("mode must be %q or %q, got %q", ModePaper, ModeLive, c.Mode)
	}
	if c.Mode == ModeLive {
		if c.Exchange.APIKey == "" || c.Exchange.SecretKey == "" || c.Exchange.Passphrase == "" {
			return fmt.Errorf("live mode requires OKX_API_KEY, OKX_SECRET and OKX_PASSWORD")
		}
	}
	if len(c.Instances) == 0 {
		return fmt.Errorf("no instances configured")
	}
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics enabled but listen_addr is empty")
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.Token == "" || c.Notify.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram enabled but TELEGRAM_TOKEN or TELEGRAM_CHAT_ID missing")
		}
	}
	if c.Stats.Path == "" {
		return fmt.Errorf("stats.path is empty")
	}
	if c.Stats.ReportAt != "" {
		if _, err := time.Parse("15:04", c.Stats.ReportAt); err != nil {
			return fmt.Errorf("stats.report_at: %w", err)
		}
	}

	for name, inst := range c.Instances {
		if err := inst.validate(); err != nil {
			return fmt.Errorf("instance %s: %w", name, err)
		}
	}
	return nil
}

func (ic *InstanceConfig) validate() error {
	if ic.InstID == "" {
		return fmt.Errorf("inst_id is empty")
	}
	if _, err := ParseIntervalDuration(ic.Interval); err != nil {
		return fmt.Errorf("interval: %w", err)
	}
	if ic.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}

	s := ic.Strategy
	switch s.Variant {
	case VariantCrossover, VariantEnvelopeTouch, VariantExtensionReversion:
	default:
		return fmt.Errorf("unknown strategy variant %q", s.Variant)
	}
	if s.FastEMA <= 0 || s.SlowEMA <= 0 || s.TrendEMA <= 0 || s.ATRPeriod <= 0 {
		return fmt.Errorf("all indicator periods must be positive")
	}
	if s.FastEMA >= s.SlowEMA {
		return fmt.Errorf("fast_ema (%d) must be shorter than slow_ema (%d)", s.FastEMA, s.SlowEMA)
	}
	if s.Envelope.Window <= 0 || s.Envelope.Bandwidth <= 0 || s.Envelope.Multiplier <= 0 {
		return fmt.Errorf("envelope bandwidth, multiplier and window must be positive")
	}
	if s.Variant == VariantExtensionReversion && s.ExtensionFactor <= 0 {
		return fmt.Errorf("extension_reversion requires a positive extension_factor")
	}
	if s.Sideways.Enabled {
		if s.Sideways.GapCap <= 0 || s.Sideways.SlopeCap <= 0 ||
			s.Sideways.ATRMinPct < 0 || s.Sideways.ATRMaxPct <= s.Sideways.ATRMinPct {
			return fmt.Errorf("sideways filter caps must be positive with atr_max_pct > atr_min_pct")
		}
	}
	if s.CooldownBars < 0 {
		return fmt.Errorf("cooldown_bars must not be negative")
	}
	if ic.HistoryLimit < s.Envelope.Window+1 {
		return fmt.Errorf("history_limit %d below envelope window+1 (%d)", ic.HistoryLimit, s.Envelope.Window+1)
	}

	sz := ic.Sizing
	if sz.StopPoints <= 0 {
		return fmt.Errorf("stop_points must be positive")
	}
	prevTrigger := 0.0
	for i, step := range sz.TrailingSteps {
		if step.TriggerPoints <= prevTrigger {
			return fmt.Errorf("trailing step %d: trigger_points must strictly increase", i)
		}
		if step.StopOffsetPoints >= step.TriggerPoints {
			return fmt.Errorf("trailing step %d: stop_offset_points must stay below trigger_points", i)
		}
		prevTrigger = step.TriggerPoints
	}
	switch sz.Policy {
	case SizingFraction:
		if sz.RiskFraction <= 0 || sz.RiskFraction > 1 {
			return fmt.Errorf("risk_fraction must be in (0, 1]")
		}
	case SizingLadder:
		if len(sz.Ladder) == 0 {
			return fmt.Errorf("ladder policy requires at least one tier")
		}
		prev := -1.0
		for i, tier := range sz.Ladder {
			if tier.MinEquity <= prev {
				return fmt.Errorf("ladder tier %d: min_equity must strictly increase", i)
			}
			if tier.LegNotional <= 0 || tier.MaxLegs < 1 {
				return fmt.Errorf("ladder tier %d: leg_notional must be positive and max_legs >= 1", i)
			}
			prev = tier.MinEquity
		}
		if sz.Basket.TargetFraction <= 0 || sz.Basket.TargetFraction >= 1 ||
			sz.Basket.StopFraction <= 0 || sz.Basket.StopFraction >= 1 {
			return fmt.Errorf("basket target_fraction and stop_fraction must be in (0, 1)")
		}
	default:
		return fmt.Errorf("unknown sizing policy %q", sz.Policy)
	}

	if ic.Risk.MaxLossStreak < 1 {
		return fmt.Errorf("max_loss_streak must be at least 1")
	}
	if ic.Instrument.LotSize <= 0 || ic.Instrument.MinSize < 0 || ic.Instrument.CtVal <= 0 {
		return fmt.Errorf("instrument lot_size and ct_val must be positive")
	}
	if ic.Paper.InitialBalance <= 0 || ic.Paper.Leverage < 1 || ic.Paper.FeeRate < 0 {
		return fmt.Errorf("paper initial_balance must be positive, leverage >= 1, fee_rate >= 0")
	}
	return nil
}
