package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `
env: test
logger:
  level: info
  outputs: [stdout]
gateway:
  apiKey: key
  apiSecret: secret
  baseURL: https://api-testnet.bybit.com
engine:
  debounceMs: 800
  minHoldSeconds: 5
sizing:
  mode: percent
  value: 25
webhook:
  listenAddr: ":8080"
symbols:
  - BTCUSDT
  - ETHUSDT
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.Env != "test" {
		t.Errorf("env = %q", cfg.Env)
	}
	if cfg.Gateway.BaseURL != "https://api-testnet.bybit.com" {
		t.Errorf("baseURL = %q", cfg.Gateway.BaseURL)
	}
	if cfg.Engine.DebounceMs != 800 || cfg.Engine.MinHoldSeconds != 5 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Sizing.Mode != "percent" || cfg.Sizing.Value != 25 {
		t.Errorf("sizing = %+v", cfg.Sizing)
	}
	if len(cfg.Symbols) != 2 {
		t.Errorf("symbols = %v", cfg.Symbols)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	if _, err := Load(writeTempConfig(t, "env: [unclosed")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateRejections(t *testing.T) {
	base := func() AppConfig {
		return AppConfig{
			Env: "test",
			Gateway: GatewayConfig{
				APIKey: "k", APISecret: "s", BaseURL: "https://api.bybit.com",
			},
			Sizing:  SizingConfig{Mode: "percent", Value: 25},
			Symbols: []string{"BTCUSDT"},
		}
	}
	cases := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"missing env", func(c *AppConfig) { c.Env = "" }},
		{"missing api key", func(c *AppConfig) { c.Gateway.APIKey = "" }},
		{"missing base url", func(c *AppConfig) { c.Gateway.BaseURL = "" }},
		{"empty symbols", func(c *AppConfig) { c.Symbols = nil }},
		{"bad sizing mode", func(c *AppConfig) { c.Sizing.Mode = "kelly" }},
		{"zero sizing value", func(c *AppConfig) { c.Sizing.Value = 0 }},
		{"negative debounce", func(c *AppConfig) { c.Engine.DebounceMs = -1 }},
		{"negative hold", func(c *AppConfig) { c.Engine.MinHoldSeconds = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("BOT_API_KEY", "env-key")
	t.Setenv("BOT_API_SECRET", "env-secret")
	t.Setenv("BOT_DISCORD_WEBHOOK", "https://discord.test/hook")

	cfg, err := LoadWithEnvOverrides(writeTempConfig(t, validYAML))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if cfg.Gateway.APIKey != "env-key" || cfg.Gateway.APISecret != "env-secret" {
		t.Errorf("gateway = %+v", cfg.Gateway)
	}
	if cfg.Notify.DiscordWebhookURL != "https://discord.test/hook" {
		t.Errorf("discord = %q", cfg.Notify.DiscordWebhookURL)
	}
}

func TestWatcherReload(t *testing.T) {
	path := writeTempConfig(t, validYAML)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates := make(chan AppConfig, 1)
	go func() {
		_ = Watcher{Path: path, Cooldown: time.Millisecond}.Start(ctx, func(cfg AppConfig) {
			select {
			case updates <- cfg:
			default:
			}
		})
	}()

	// 等 watcher 真正挂上目录
	time.Sleep(100 * time.Millisecond)
	updated := validYAML + "  - SOLUSDT\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	select {
	case cfg := <-updates:
		if len(cfg.Symbols) != 3 {
			t.Errorf("symbols = %v", cfg.Symbols)
		}
	case <-ctx.Done():
		t.Fatal("no reload callback received")
	}
}
