package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/LagunaFan-Crypto/trading-bot-bybit/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env     string         `yaml:"env"`
	Logger  logger.Config  `yaml:"logger"`
	Gateway GatewayConfig  `yaml:"gateway"`
	Notify  NotifyConfig   `yaml:"notify"`
	Engine  EngineConfig   `yaml:"engine"`
	Sizing  SizingConfig   `yaml:"sizing"`
	Webhook WebhookConfig  `yaml:"webhook"`
	Symbols []string       `yaml:"symbols"`
}

type GatewayConfig struct {
	APIKey       string  `yaml:"apiKey"`
	APISecret    string  `yaml:"apiSecret"`
	BaseURL      string  `yaml:"baseURL"`
	WSEndpoint   string  `yaml:"wsEndpoint"`
	Category     string  `yaml:"category"`     // linear
	RecvWindowMs int     `yaml:"recvWindowMs"` // 默认 5000
	RestRate     float64 `yaml:"restRate"`     // REST 限流：每秒令牌数
	RestBurst    int     `yaml:"restBurst"`    // REST 限流：最大突发令牌数
	UseWSPrices  bool    `yaml:"useWSPrices"`  // 开启公共行情流加速最新价
}

type NotifyConfig struct {
	DiscordWebhookURL string `yaml:"discordWebhookURL"`
	ThrottleSeconds   int    `yaml:"throttleSeconds"`
}

// EngineConfig 状态机的时间窗口；去重与反手窗口是在响应速度与
// 吸收重复/矛盾信号之间的权衡，不是对上游的正确性保证。
type EngineConfig struct {
	SettlementCoin string `yaml:"settlementCoin"`
	TimeInForce    string `yaml:"timeInForce"`
	DebounceMs     int    `yaml:"debounceMs"`
	MinHoldSeconds int    `yaml:"minHoldSeconds"`
	SettlePauseMs  int    `yaml:"settlePauseMs"`
	SettleChecks   int    `yaml:"settleChecks"`
	CallTimeoutMs  int    `yaml:"callTimeoutMs"`
	TriggerBy      string `yaml:"triggerBy"` // LastPrice / MarkPrice / IndexPrice
}

type SizingConfig struct {
	Mode  string  `yaml:"mode"` // percent | fixed
	Value float64 `yaml:"value"`
}

type WebhookConfig struct {
	ListenAddr  string `yaml:"listenAddr"`
	MetricsAddr string `yaml:"metricsAddr"`
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("BOT_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("BOT_API_SECRET"); v != "" {
		cfg.Gateway.APISecret = v
	}
	if v := os.Getenv("BOT_DISCORD_WEBHOOK"); v != "" {
		cfg.Notify.DiscordWebhookURL = v
	}
	return cfg, Validate(cfg)
}

// Validate ensures required fields are present.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Gateway.APIKey == "" || cfg.Gateway.APISecret == "" {
		return errors.New("gateway.apiKey/apiSecret is required (or env overrides)")
	}
	if cfg.Gateway.BaseURL == "" {
		return errors.New("gateway.baseURL is required")
	}
	if len(cfg.Symbols) == 0 {
		return errors.New("symbols allow-list is required")
	}
	switch cfg.Sizing.Mode {
	case "percent", "fixed", "fixed_units":
	default:
		return fmt.Errorf("sizing.mode must be percent or fixed, got %q", cfg.Sizing.Mode)
	}
	if cfg.Sizing.Value <= 0 {
		return errors.New("sizing.value must be > 0")
	}
	if cfg.Engine.DebounceMs < 0 {
		return errors.New("engine.debounceMs must be >= 0")
	}
	if cfg.Engine.MinHoldSeconds < 0 {
		return errors.New("engine.minHoldSeconds must be >= 0")
	}
	if cfg.Engine.SettlePauseMs < 0 {
		return errors.New("engine.settlePauseMs must be >= 0")
	}
	if cfg.Engine.SettleChecks < 0 {
		return errors.New("engine.settleChecks must be >= 0")
	}
	if cfg.Engine.CallTimeoutMs < 0 {
		return errors.New("engine.callTimeoutMs must be >= 0")
	}
	return nil
}
