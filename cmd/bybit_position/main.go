package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/LagunaFan-Crypto/trading-bot-bybit/config"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/gateway"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/signal"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	symbol := flag.String("symbol", "BTCUSDT", "查询的合约符号（如 BTCUSDT）")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	client := &gateway.BybitRESTClient{
		BaseURL:      cfg.Gateway.BaseURL,
		APIKey:       cfg.Gateway.APIKey,
		Secret:       cfg.Gateway.APISecret,
		HTTPClient:   gateway.NewDefaultHTTPClient(),
		RecvWindowMs: cfg.Gateway.RecvWindowMs,
		Category:     cfg.Gateway.Category,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sym := signal.Normalize(*symbol)
	pos, err := client.GetPosition(ctx, sym)
	if err != nil {
		log.Fatalf("查询持仓失败: %v", err)
	}
	if pos.Size <= 0 {
		fmt.Printf("未找到 %s 的持仓记录\n", sym)
		return
	}
	fmt.Printf("%s qty=%.6f entry=%.4f side=%s sl=%.4f tp=%.4f\n",
		pos.Symbol, pos.Size, pos.EntryPrice, pos.Side, pos.StopLoss, pos.TakeProfit)
}
