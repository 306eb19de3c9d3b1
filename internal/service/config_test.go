package service

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// clearCredEnv isolates the test from credentials in the host environment.
func clearCredEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"OKX_API_KEY", "OKX_SECRET", "OKX_PASSWORD", "TELEGRAM_TOKEN", "TELEGRAM_CHAT_ID"} {
		t.Setenv(k, "")
	}
}

const minimalConfig = `
instances:
  btc:
    inst_id: BTC-USDT-SWAP
    strategy:
      variant: crossover
    sizing:
      risk_fraction: 0.01
`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	clearCredEnv(t)
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Mode != ModePaper {
		t.Fatalf("mode = %s, want paper by default", cfg.Mode)
	}
	if cfg.Stats.Path != "daily_stats.json" || cfg.Stats.ReportAt != "23:59" {
		t.Fatalf("stats defaults = %+v", cfg.Stats)
	}

	inst := cfg.Instances["btc"]
	if inst.Interval != "15m" || inst.PollInterval != 3*time.Second {
		t.Fatalf("cadence defaults = %s / %s", inst.Interval, inst.PollInterval)
	}
	if inst.Strategy.FastEMA != 50 || inst.Strategy.SlowEMA != 100 || inst.Strategy.TrendEMA != 200 {
		t.Fatalf("EMA defaults = %d/%d/%d", inst.Strategy.FastEMA, inst.Strategy.SlowEMA, inst.Strategy.TrendEMA)
	}
	if inst.Strategy.ATRPeriod != 14 {
		t.Fatalf("atr default = %d", inst.Strategy.ATRPeriod)
	}
	env := inst.Strategy.Envelope
	if env.Bandwidth != 8 || env.Multiplier != 3 || env.Window != 500 {
		t.Fatalf("envelope defaults = %+v", env)
	}
	if inst.HistoryLimit != 600 {
		t.Fatalf("history_limit = %d, want window+100", inst.HistoryLimit)
	}
	if inst.Sizing.Policy != SizingFraction || inst.Sizing.StopPoints != 300 {
		t.Fatalf("sizing defaults = %+v", inst.Sizing)
	}
	if inst.Risk.MaxLossStreak != 3 {
		t.Fatalf("max_loss_streak = %d", inst.Risk.MaxLossStreak)
	}
	if inst.Paper.InitialBalance != 10000 || inst.Paper.FeeRate != 0.0005 || inst.Paper.Leverage != 15 {
		t.Fatalf("paper defaults = %+v", inst.Paper)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	clearCredEnv(t)
	t.Setenv("OKX_API_KEY", "env-key")
	t.Setenv("TELEGRAM_TOKEN", "env-token")
	t.Setenv("TELEGRAM_CHAT_ID", "777")

	body := `
exchange:
  api_key: file-key
notify:
  telegram:
    token: file-token
    chat_id: 1
` + minimalConfig
	cfg, err := LoadConfig(writeConfig(t, body))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Exchange.APIKey != "env-key" {
		t.Fatalf("api key = %s, want the environment to win", cfg.Exchange.APIKey)
	}
	if cfg.Notify.Telegram.Token != "env-token" || cfg.Notify.Telegram.ChatID != 777 {
		t.Fatalf("telegram = %+v, want env overrides", cfg.Notify.Telegram)
	}
}

func TestLoadConfigRejectsLiveWithoutCredentials(t *testing.T) {
	clearCredEnv(t)
	body := "mode: live\n" + minimalConfig
	_, err := LoadConfig(writeConfig(t, body))
	if err == nil || !strings.Contains(err.Error(), "live mode requires") {
		t.Fatalf("err = %v, want missing-credentials failure", err)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadConfigValidationFailures(t *testing.T) {
	clearCredEnv(t)
	cases := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "no instances",
			body:    "mode: paper\n",
			wantErr: "no instances",
		},
		{
			name: "unknown variant",
			body: `
instances:
  btc:
    inst_id: BTC-USDT-SWAP
    strategy:
      variant: martingale
    sizing:
      risk_fraction: 0.01
`,
			wantErr: "unknown strategy variant",
		},
		{
			name: "fraction without risk_fraction",
			body: `
instances:
  btc:
    inst_id: BTC-USDT-SWAP
    strategy:
      variant: crossover
`,
			wantErr: "risk_fraction",
		},
		{
			name: "trailing offset at trigger",
			body: `
instances:
  btc:
    inst_id: BTC-USDT-SWAP
    strategy:
      variant: crossover
    sizing:
      risk_fraction: 0.01
      trailing_steps:
        - trigger_points: 300
          stop_offset_points: 300
`,
			wantErr: "stop_offset_points",
		},
		{
			name: "trailing triggers not increasing",
			body: `
instances:
  btc:
    inst_id: BTC-USDT-SWAP
    strategy:
      variant: crossover
    sizing:
      risk_fraction: 0.01
      trailing_steps:
        - trigger_points: 300
          stop_offset_points: 100
        - trigger_points: 300
          stop_offset_points: 200
`,
			wantErr: "strictly increase",
		},
		{
			name: "ladder without tiers",
			body: `
instances:
  btc:
    inst_id: BTC-USDT-SWAP
    strategy:
      variant: crossover
    sizing:
      policy: ladder
`,
			wantErr: "at least one tier",
		},
		{
			name: "ladder without basket fractions",
			body: `
instances:
  btc:
    inst_id: BTC-USDT-SWAP
    strategy:
      variant: crossover
    sizing:
      policy: ladder
      ladder:
        - min_equity: 0
          leg_notional: 15
          max_legs: 2
`,
			wantErr: "target_fraction",
		},
		{
			name: "history below envelope window",
			body: `
instances:
  btc:
    inst_id: BTC-USDT-SWAP
    history_limit: 100
    strategy:
      variant: crossover
      envelope:
        window: 500
    sizing:
      risk_fraction: 0.01
`,
			wantErr: "history_limit",
		},
		{
			name: "fast ema not below slow",
			body: `
instances:
  btc:
    inst_id: BTC-USDT-SWAP
    strategy:
      variant: crossover
      fast_ema: 100
      slow_ema: 100
    sizing:
      risk_fraction: 0.01
`,
			wantErr: "fast_ema",
		},
		{
			name: "bad report time",
			body: `
stats:
  report_at: "25:99"
` + minimalConfig,
			wantErr: "report_at",
		},
		{
			name: "metrics without listen addr",
			body: `
metrics:
  enabled: true
` + minimalConfig,
			wantErr: "listen_addr",
		},
		{
			name: "telegram enabled without token",
			body: `
notify:
  telegram:
    enabled: true
` + minimalConfig,
			wantErr: "TELEGRAM_TOKEN",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want it to mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestLoadConfigLadderAccepted(t *testing.T) {
	clearCredEnv(t)
	body := `
instances:
  ltc:
    inst_id: LTC-USDT-SWAP
    strategy:
      variant: envelope_touch
    sizing:
      policy: ladder
      ladder:
        - min_equity: 0
          leg_notional: 15
          max_legs: 2
        - min_equity: 150
          leg_notional: 20
          max_legs: 3
      basket:
        target_fraction: 0.01
        stop_fraction: 0.005
`
	cfg, err := LoadConfig(writeConfig(t, body))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	sz := cfg.Instances["ltc"].Sizing
	if sz.Policy != SizingLadder || len(sz.Ladder) != 2 {
		t.Fatalf("sizing = %+v", sz)
	}
	if sz.Ladder[1].LegNotional != 20 || sz.Ladder[1].MaxLegs != 3 {
		t.Fatalf("tier 2 = %+v", sz.Ladder[1])
	}
}
