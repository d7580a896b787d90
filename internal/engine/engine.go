// Package engine drives each signal through the position-transition state
// machine: decide between no-op, close-then-open, or plain open against the
// venue, with debounce and anti-flip windows.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LagunaFan-Crypto/trading-bot-bybit/gateway"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/infrastructure/alert"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/infrastructure/logger"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/internal/queue"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/position"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/protect"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/sizing"
)

// EngineState 引擎状态
type EngineState int

const (
	// StateIdle 空闲状态
	StateIdle EngineState = iota
	// StateRunning 运行状态
	StateRunning
	// StateStopped 停止状态
	StateStopped
)

// String 返回状态名称
func (s EngineState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Venue 引擎需要的全部交易所能力；任何满足该集合的客户端都可替换。
type Venue interface {
	GetPosition(ctx context.Context, symbol string) (gateway.PositionInfo, error)
	GetInstrument(ctx context.Context, symbol string) (gateway.InstrumentSpec, error)
	GetLastPrice(ctx context.Context, symbol string) (float64, error)
	GetAvailableBalance(ctx context.Context, coin string) (float64, error)
	PlaceMarketOrder(ctx context.Context, o gateway.MarketOrder) (string, error)
	SetTradingStop(ctx context.Context, ts gateway.TradingStop) error
}

// Config 引擎配置
type Config struct {
	SettlementCoin string        // 结算币种，默认 USDT
	TimeInForce    string        // 市价单 TIF，默认 GTC
	Debounce       time.Duration // 同类信号去重窗口
	MinHold        time.Duration // 开仓后的最小持有窗口
	SettlePause    time.Duration // 平仓后回读前的等待
	SettleChecks   int           // 回读确认空仓的最大轮数
	CallTimeout    time.Duration // 单次交易所调用超时
}

// Components 引擎依赖组件
type Components struct {
	Venue      Venue
	Queue      *queue.Queue
	Reader     *position.Reader
	Reconciler *protect.Reconciler
	Policy     sizing.Policy
	Alerts     *alert.Manager
	Logger     *logger.Logger
	Clock      Clock
}

// Engine 信号处理引擎：单 worker 串行驱动每个信号走完整个状态机。
type Engine struct {
	config Config

	venue      Venue
	queue      *queue.Queue
	reader     *position.Reader
	reconciler *protect.Reconciler
	policy     sizing.Policy
	alerts     *alert.Manager
	logger     *logger.Logger
	clock      Clock

	// 仅 worker 读写
	states stateMap

	state EngineState
	mu    sync.RWMutex

	stopChan chan struct{}
	doneChan chan struct{}

	stats Statistics
}

// Statistics 引擎统计信息
type Statistics struct {
	StartTime      time.Time
	TotalSignals   int64
	TotalOrders    int64
	TotalErrors    int64
	LastSignalTime time.Time
	mu             sync.RWMutex
}

// New 创建引擎
func New(cfg Config, components Components) (*Engine, error) {
	if err := validateComponents(components); err != nil {
		return nil, fmt.Errorf("invalid components: %w", err)
	}

	if cfg.SettlementCoin == "" {
		cfg.SettlementCoin = "USDT"
	}
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = "GTC"
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 800 * time.Millisecond
	}
	if cfg.MinHold <= 0 {
		cfg.MinHold = 5 * time.Second
	}
	if cfg.SettlePause <= 0 {
		cfg.SettlePause = 2 * time.Second
	}
	if cfg.SettleChecks <= 0 {
		cfg.SettleChecks = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}

	clock := components.Clock
	if clock == nil {
		clock = realClock{}
	}

	return &Engine{
		config:     cfg,
		venue:      components.Venue,
		queue:      components.Queue,
		reader:     components.Reader,
		reconciler: components.Reconciler,
		policy:     components.Policy,
		alerts:     components.Alerts,
		logger:     components.Logger,
		clock:      clock,
		states:     make(stateMap),
		state:      StateIdle,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// Start 启动 worker
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateRunning {
		e.mu.Unlock()
		return fmt.Errorf("engine already started (state: %s)", e.state)
	}
	if e.state == StateStopped {
		e.stopChan = make(chan struct{})
		e.doneChan = make(chan struct{})
	}
	e.state = StateRunning
	e.stats.StartTime = e.clock.Now()
	cfg := e.config
	e.mu.Unlock()

	e.logger.Info("Engine starting",
		zap.Duration("debounce", cfg.Debounce),
		zap.Duration("min_hold", cfg.MinHold),
		zap.Duration("settle_pause", cfg.SettlePause),
		zap.String("sizing_mode", e.policy.Mode.String()))

	go e.run(ctx)
	return nil
}

// Stop 停止 worker；幂等。
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}

	select {
	case <-e.doneChan:
	case <-time.After(30 * time.Second):
		e.logger.Warn("Timeout waiting for engine to stop")
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
	e.logger.Info("Engine stopped")
	return nil
}

// run 单 worker 主循环：一个信号处理完才取下一个。
func (e *Engine) run(ctx context.Context) {
	defer close(e.doneChan)

	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-e.stopChan:
			cancel()
		case <-workerCtx.Done():
		}
	}()

	for {
		sig, ok := e.queue.Pop(workerCtx)
		if !ok {
			e.logger.Info("Intake queue drained, worker exiting")
			return
		}

		e.stats.mu.Lock()
		e.stats.TotalSignals++
		e.stats.LastSignalTime = e.clock.Now()
		e.stats.mu.Unlock()

		e.Process(workerCtx, sig)
	}
}

// UpdateTiming 热更新时间窗口；非正值保持原配置不变。
// worker 在处理每个信号时读取快照，变更从下一个信号起生效。
func (e *Engine) UpdateTiming(debounce, minHold, settlePause time.Duration, settleChecks int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if debounce > 0 {
		e.config.Debounce = debounce
	}
	if minHold > 0 {
		e.config.MinHold = minHold
	}
	if settlePause > 0 {
		e.config.SettlePause = settlePause
	}
	if settleChecks > 0 {
		e.config.SettleChecks = settleChecks
	}
}

// timing 配置快照；与 UpdateTiming 并发安全。
func (e *Engine) timing() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config
}

// GetState 获取引擎状态
func (e *Engine) GetState() EngineState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// GetStatistics 获取统计快照
func (e *Engine) GetStatistics() (signals, orders, errs int64) {
	e.stats.mu.RLock()
	defer e.stats.mu.RUnlock()
	return e.stats.TotalSignals, e.stats.TotalOrders, e.stats.TotalErrors
}

func (e *Engine) recordOrder() {
	e.stats.mu.Lock()
	e.stats.TotalOrders++
	e.stats.mu.Unlock()
}

func (e *Engine) recordError() {
	e.stats.mu.Lock()
	e.stats.TotalErrors++
	e.stats.mu.Unlock()
}

func validateComponents(comp Components) error {
	if comp.Venue == nil {
		return errors.New("venue is required")
	}
	if comp.Queue == nil {
		return errors.New("queue is required")
	}
	if comp.Reader == nil {
		return errors.New("position reader is required")
	}
	if comp.Reconciler == nil {
		return errors.New("reconciler is required")
	}
	if comp.Logger == nil {
		return errors.New("logger is required")
	}
	return nil
}
