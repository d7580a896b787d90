package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	osignal "os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/LagunaFan-Crypto/trading-bot-bybit/config"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/gateway"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/infrastructure/alert"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/infrastructure/logger"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/internal/engine"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/internal/queue"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/metrics"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/position"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/protect"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/signal"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/sizing"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/webhook"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	listenAddr := flag.String("listen", "", "webhook 监听地址，覆盖配置")
	flag.Parse()

	// .env 仅用于本地开发，缺失不算错误
	_ = godotenv.Load()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if *listenAddr != "" {
		cfg.Webhook.ListenAddr = *listenAddr
	}
	if cfg.Webhook.ListenAddr == "" {
		cfg.Webhook.ListenAddr = ":8080"
	}

	logCfg := cfg.Logger
	if logCfg.Level == "" {
		logCfg = logger.DefaultConfig()
	}
	zlog, err := logger.New(logCfg)
	if err != nil {
		log.Fatalf("初始化日志失败: %v", err)
	}
	defer zlog.Close()

	if cfg.Webhook.MetricsAddr != "" {
		metrics.StartMetricsServer(cfg.Webhook.MetricsAddr)
	}

	throttle := time.Duration(cfg.Notify.ThrottleSeconds) * time.Second
	channels := []alert.Channel{alert.NewLogChannel("log", os.Stdout)}
	if cfg.Notify.DiscordWebhookURL != "" {
		channels = append(channels, alert.NewDiscordChannel("discord", cfg.Notify.DiscordWebhookURL))
	}
	alerts := alert.NewManager(channels, throttle)

	client := &gateway.BybitRESTClient{
		BaseURL:      cfg.Gateway.BaseURL,
		APIKey:       cfg.Gateway.APIKey,
		Secret:       cfg.Gateway.APISecret,
		HTTPClient:   gateway.NewDefaultHTTPClient(),
		RecvWindowMs: cfg.Gateway.RecvWindowMs,
		Category:     cfg.Gateway.Category,
		Limiter:      gateway.NewTokenBucketLimiter(cfg.Gateway.RestRate, cfg.Gateway.RestBurst),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	allow := signal.NewAllowList(cfg.Symbols)

	if cfg.Gateway.UseWSPrices {
		cache := gateway.NewPriceCache(5 * time.Second)
		client.Prices = cache
		feed := gateway.NewTickerFeed(allow.Symbols(), cache)
		if cfg.Gateway.WSEndpoint != "" {
			feed.Endpoint = cfg.Gateway.WSEndpoint
		}
		go feed.Run(ctx)
	}

	intake := queue.New()
	reader := &position.Reader{Venue: client, Alerts: alerts, Logger: zlog}
	reconciler := &protect.Reconciler{Venue: client, Logger: zlog, TriggerBy: cfg.Engine.TriggerBy}

	mode, err := sizing.ParseMode(cfg.Sizing.Mode)
	if err != nil {
		log.Fatalf("仓位策略配置无效: %v", err)
	}

	eng, err := engine.New(engine.Config{
		SettlementCoin: cfg.Engine.SettlementCoin,
		TimeInForce:    cfg.Engine.TimeInForce,
		Debounce:       time.Duration(cfg.Engine.DebounceMs) * time.Millisecond,
		MinHold:        time.Duration(cfg.Engine.MinHoldSeconds) * time.Second,
		SettlePause:    time.Duration(cfg.Engine.SettlePauseMs) * time.Millisecond,
		SettleChecks:   cfg.Engine.SettleChecks,
		CallTimeout:    time.Duration(cfg.Engine.CallTimeoutMs) * time.Millisecond,
	}, engine.Components{
		Venue:      client,
		Queue:      intake,
		Reader:     reader,
		Reconciler: reconciler,
		Policy:     sizing.Policy{Mode: mode, Value: cfg.Sizing.Value},
		Alerts:     alerts,
		Logger:     zlog,
	})
	if err != nil {
		log.Fatalf("初始化引擎失败: %v", err)
	}
	if err := eng.Start(ctx); err != nil {
		log.Fatalf("启动引擎失败: %v", err)
	}

	// 白名单与时间窗口支持热更新；凭证等其余字段需要重启生效
	go func() {
		w := config.Watcher{Path: *cfgPath}
		err := w.Start(ctx, func(next config.AppConfig) {
			allow.Replace(next.Symbols)
			eng.UpdateTiming(
				time.Duration(next.Engine.DebounceMs)*time.Millisecond,
				time.Duration(next.Engine.MinHoldSeconds)*time.Second,
				time.Duration(next.Engine.SettlePauseMs)*time.Millisecond,
				next.Engine.SettleChecks,
			)
			zlog.Info("config reloaded", zap.Strings("symbols", next.Symbols))
		})
		if err != nil && ctx.Err() == nil {
			zlog.Warn("config watcher exited", zap.Error(err))
		}
	}()

	srv := webhook.NewServer(cfg.Webhook.ListenAddr, &webhook.Handler{
		Queue:  intake,
		Allow:  allow,
		Logger: zlog,
	})
	go func() {
		zlog.Info("webhook server listening", zap.String("addr", cfg.Webhook.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Error("webhook server failed", zap.Error(err))
			cancel()
		}
	}()

	_ = alerts.SendInfo("bot started", map[string]interface{}{
		"env":     cfg.Env,
		"symbols": len(cfg.Symbols),
	})

	sigCh := make(chan os.Signal, 1)
	osignal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	zlog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	intake.Close()
	_ = eng.Stop()
	_ = alerts.SendInfo("bot stopped", nil)
}
