package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// BybitPublicWSEndpoint linear 永续公共行情流。
const BybitPublicWSEndpoint = "wss://stream.bybit.com/v5/public/linear"

// PriceCache 保存 WS 推送的最新价；超过 TTL 视为过期，读方回落 REST。
type PriceCache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]pricePoint
}

type pricePoint struct {
	px float64
	ts time.Time
}

func NewPriceCache(ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &PriceCache{ttl: ttl, m: make(map[string]pricePoint)}
}

// Last 返回未过期的最新价。
func (p *PriceCache) Last(symbol string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pt, ok := p.m[symbol]
	if !ok || pt.px <= 0 || time.Since(pt.ts) > p.ttl {
		return 0, false
	}
	return pt.px, true
}

// Update 写入一条最新价。
func (p *PriceCache) Update(symbol string, px float64, ts time.Time) {
	if px <= 0 {
		return
	}
	p.mu.Lock()
	p.m[symbol] = pricePoint{px: px, ts: ts}
	p.mu.Unlock()
}

// TickerFeed 订阅 tickers.<symbol> 行情并写入 PriceCache。
// 连接断开后按固定间隔重连；行情只是加速缓存，失败不影响交易路径。
type TickerFeed struct {
	Endpoint  string
	Symbols   []string
	Cache     *PriceCache
	Dialer    *websocket.Dialer
	Reconnect time.Duration
}

func NewTickerFeed(symbols []string, cache *PriceCache) *TickerFeed {
	return &TickerFeed{
		Endpoint:  BybitPublicWSEndpoint,
		Symbols:   symbols,
		Cache:     cache,
		Dialer:    websocket.DefaultDialer,
		Reconnect: 5 * time.Second,
	}
}

type wsTickerMsg struct {
	Topic string `json:"topic"`
	Data  struct {
		Symbol    string `json:"symbol"`
		LastPrice string `json:"lastPrice"`
	} `json:"data"`
}

// Run 阻塞运行直到 ctx 取消；每次连接失败后等待 Reconnect 再试。
func (f *TickerFeed) Run(ctx context.Context) {
	if len(f.Symbols) == 0 || f.Cache == nil {
		return
	}
	for {
		if err := f.runOnce(ctx); err != nil && ctx.Err() == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.Reconnect):
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (f *TickerFeed) runOnce(ctx context.Context) error {
	conn, _, err := f.Dialer.DialContext(ctx, f.Endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	args := make([]string, 0, len(f.Symbols))
	for _, s := range f.Symbols {
		args = append(args, "tickers."+s)
	}
	sub := map[string]interface{}{"op": "subscribe", "args": args}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	// Bybit 要求客户端周期性 ping 保活
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		t := time.NewTicker(20 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				_ = conn.WriteJSON(map[string]string{"op": "ping"})
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(raw)
	}
}

func (f *TickerFeed) handleMessage(raw []byte) {
	var msg wsTickerMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	// delta 消息可能不带 lastPrice，跳过即可，缓存保留上一笔
	if msg.Data.Symbol == "" || msg.Data.LastPrice == "" {
		return
	}
	f.Cache.Update(msg.Data.Symbol, parseFloat(msg.Data.LastPrice), time.Now())
}
