package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LagunaFan-Crypto/trading-bot-bybit/gateway"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/infrastructure/alert"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/infrastructure/logger"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/internal/queue"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/position"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/protect"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/signal"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/sizing"
)

// fakeVenue 模拟交易所：下单即“成交”，便于验证完整的状态转换链路。
type fakeVenue struct {
	mu sync.Mutex

	pos      gateway.PositionInfo
	posErr   error
	posReads int

	inst    gateway.InstrumentSpec
	instErr error

	price    float64
	priceErr error

	balance float64
	balErr  error

	orders   []gateway.MarketOrder
	orderErr error
	noFill   bool // 下单成功但持仓不变，模拟结算迟迟未完成

	stops   []gateway.TradingStop
	stopErr error
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		inst:    gateway.InstrumentSpec{Symbol: "BTCUSDT", MinQuantity: 1, QuantityStep: 1, Allowed: true},
		price:   100,
		balance: 1000,
	}
}

func (v *fakeVenue) GetPosition(ctx context.Context, symbol string) (gateway.PositionInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.posReads++
	if v.posErr != nil {
		return gateway.PositionInfo{}, v.posErr
	}
	if v.pos.Symbol != symbol {
		return gateway.PositionInfo{Symbol: symbol}, nil
	}
	return v.pos, nil
}

func (v *fakeVenue) GetInstrument(ctx context.Context, symbol string) (gateway.InstrumentSpec, error) {
	return v.inst, v.instErr
}

func (v *fakeVenue) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	return v.price, v.priceErr
}

func (v *fakeVenue) GetAvailableBalance(ctx context.Context, coin string) (float64, error) {
	return v.balance, v.balErr
}

func (v *fakeVenue) PlaceMarketOrder(ctx context.Context, o gateway.MarketOrder) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.orderErr != nil {
		return "", v.orderErr
	}
	v.orders = append(v.orders, o)
	if v.noFill {
		return "order-1", nil
	}
	if o.ReduceOnly {
		v.pos = gateway.PositionInfo{Symbol: o.Symbol}
	} else {
		v.pos = gateway.PositionInfo{
			Symbol: o.Symbol, Side: o.Side, Size: o.Quantity, EntryPrice: v.price,
		}
	}
	return "order-1", nil
}

func (v *fakeVenue) SetTradingStop(ctx context.Context, ts gateway.TradingStop) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stopErr != nil {
		return v.stopErr
	}
	v.stops = append(v.stops, ts)
	return nil
}

func (v *fakeVenue) orderCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestEngine(t *testing.T, venue *fakeVenue) (*Engine, *alert.MockChannel, *fakeClock) {
	return newThrottledTestEngine(t, venue, 0)
}

func newThrottledTestEngine(t *testing.T, venue *fakeVenue, throttle time.Duration) (*Engine, *alert.MockChannel, *fakeClock) {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error", Outputs: []string{"stdout"}, Format: "json"})
	require.NoError(t, err)

	mock := alert.NewMockChannel("mock")
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	eng, err := New(Config{
		SettlePause:  time.Millisecond,
		SettleChecks: 1,
	}, Components{
		Venue:      venue,
		Queue:      queue.New(),
		Reader:     &position.Reader{Venue: venue, Logger: log},
		Reconciler: &protect.Reconciler{Venue: venue, Logger: log},
		Policy:     sizing.Policy{Mode: sizing.ModePercent, Value: 0.5},
		Alerts:     alert.NewManager([]alert.Channel{mock}, throttle),
		Logger:     log,
		Clock:      clock,
	})
	require.NoError(t, err)
	return eng, mock, clock
}

func openLong(symbol string) signal.Signal {
	return signal.Signal{Kind: signal.KindOpenLong, Symbol: symbol}
}

func f(v float64) *float64 { return &v }

func lastAlert(t *testing.T, mock *alert.MockChannel) alert.Alert {
	t.Helper()
	alerts := mock.GetAlerts()
	require.NotEmpty(t, alerts)
	return alerts[len(alerts)-1]
}

func TestOpenFromFlat(t *testing.T) {
	venue := newFakeVenue()
	eng, mock, _ := newTestEngine(t, venue)

	eng.Process(context.Background(), openLong("BTCUSDT"))

	require.Equal(t, 1, venue.orderCount())
	o := venue.orders[0]
	assert.Equal(t, "Buy", o.Side)
	assert.Equal(t, 5.0, o.Quantity) // 1000 余额 × 50% / 价格 100
	assert.False(t, o.ReduceOnly)
	assert.Equal(t, "GTC", o.TimeInForce)

	require.Equal(t, 1, mock.Count())
	a := lastAlert(t, mock)
	assert.Equal(t, "INFO", a.Level)
	assert.Equal(t, "position opened", a.Message)

	_, orders, errs := eng.GetStatistics()
	assert.Equal(t, int64(1), orders)
	assert.Equal(t, int64(0), errs)
}

func TestOpenSameDirectionIsIdempotent(t *testing.T) {
	venue := newFakeVenue()
	venue.pos = gateway.PositionInfo{Symbol: "BTCUSDT", Side: "Buy", Size: 5, EntryPrice: 100}
	eng, mock, _ := newTestEngine(t, venue)

	eng.Process(context.Background(), openLong("BTCUSDT"))

	assert.Equal(t, 0, venue.orderCount())
	a := lastAlert(t, mock)
	assert.Equal(t, "already open in requested direction", a.Message)
}

func TestOpenSameDirectionReconcilesProtection(t *testing.T) {
	venue := newFakeVenue()
	venue.pos = gateway.PositionInfo{Symbol: "BTCUSDT", Side: "Buy", Size: 5, EntryPrice: 100}
	eng, _, _ := newTestEngine(t, venue)

	sig := openLong("BTCUSDT")
	sig.StopLoss = f(90)
	eng.Process(context.Background(), sig)

	assert.Equal(t, 0, venue.orderCount(), "no position change on same-direction signal")
	require.Len(t, venue.stops, 1)
	assert.Equal(t, "90", venue.stops[0].StopLoss)
}

func TestFlipClosesThenOpens(t *testing.T) {
	venue := newFakeVenue()
	venue.pos = gateway.PositionInfo{Symbol: "BTCUSDT", Side: "Buy", Size: 5, EntryPrice: 100}
	eng, mock, _ := newTestEngine(t, venue)

	eng.Process(context.Background(), signal.Signal{Kind: signal.KindOpenShort, Symbol: "BTCUSDT"})

	require.Equal(t, 2, venue.orderCount())
	closeOrder, openOrder := venue.orders[0], venue.orders[1]
	assert.True(t, closeOrder.ReduceOnly)
	assert.Equal(t, "Sell", closeOrder.Side)
	assert.Equal(t, 5.0, closeOrder.Quantity)
	assert.False(t, openOrder.ReduceOnly)
	assert.Equal(t, "Sell", openOrder.Side)

	assert.Equal(t, "position opened", lastAlert(t, mock).Message)
}

// 平仓后交易所仍报有持仓时中止反手，不再下第二笔单。
func TestFlipAbortsWhenPositionLingers(t *testing.T) {
	venue := newFakeVenue()
	venue.pos = gateway.PositionInfo{Symbol: "BTCUSDT", Side: "Buy", Size: 5, EntryPrice: 100}
	venue.noFill = true
	eng, mock, _ := newTestEngine(t, venue)

	eng.Process(context.Background(), signal.Signal{Kind: signal.KindOpenShort, Symbol: "BTCUSDT"})

	assert.Equal(t, 1, venue.orderCount(), "flip must stop after the close leg")
	a := lastAlert(t, mock)
	assert.Equal(t, "ERROR", a.Level)
	assert.Equal(t, "position still open after close, flip aborted", a.Message)
}

func TestCloseWhileLong(t *testing.T) {
	venue := newFakeVenue()
	venue.pos = gateway.PositionInfo{Symbol: "BTCUSDT", Side: "Buy", Size: 5, EntryPrice: 100}
	venue.price = 110
	eng, mock, _ := newTestEngine(t, venue)

	eng.Process(context.Background(), signal.Signal{Kind: signal.KindClose, Symbol: "BTCUSDT"})

	require.Equal(t, 1, venue.orderCount())
	o := venue.orders[0]
	assert.True(t, o.ReduceOnly)
	assert.Equal(t, "Sell", o.Side)
	assert.Equal(t, 5.0, o.Quantity)

	a := lastAlert(t, mock)
	assert.Equal(t, "position closed", a.Message)
	assert.InDelta(t, 10.0, a.Fields["realized_pct"], 1e-9)
}

func TestCloseShortProfitSign(t *testing.T) {
	venue := newFakeVenue()
	venue.pos = gateway.PositionInfo{Symbol: "BTCUSDT", Side: "Sell", Size: 5, EntryPrice: 100}
	venue.price = 90
	eng, mock, _ := newTestEngine(t, venue)

	eng.Process(context.Background(), signal.Signal{Kind: signal.KindClose, Symbol: "BTCUSDT"})

	// 空头在价格下跌时盈利
	assert.InDelta(t, 10.0, lastAlert(t, mock).Fields["realized_pct"], 1e-9)
}

func TestCloseWhileFlatIsNoop(t *testing.T) {
	venue := newFakeVenue()
	eng, mock, _ := newTestEngine(t, venue)

	eng.Process(context.Background(), signal.Signal{Kind: signal.KindClose, Symbol: "BTCUSDT"})

	assert.Equal(t, 0, venue.orderCount())
	require.Equal(t, 1, mock.Count())
	assert.Equal(t, "nothing to close", lastAlert(t, mock).Message)
}

func TestCloseOrderFailure(t *testing.T) {
	venue := newFakeVenue()
	venue.pos = gateway.PositionInfo{Symbol: "BTCUSDT", Side: "Buy", Size: 5, EntryPrice: 100}
	venue.orderErr = errors.New("retCode 110007")
	eng, mock, _ := newTestEngine(t, venue)

	eng.Process(context.Background(), signal.Signal{Kind: signal.KindClose, Symbol: "BTCUSDT"})

	a := lastAlert(t, mock)
	assert.Equal(t, "ERROR", a.Level)
	assert.Equal(t, "close order failed", a.Message)

	_, _, errs := eng.GetStatistics()
	assert.Equal(t, int64(1), errs)
}

func TestDebounceDropsDuplicate(t *testing.T) {
	venue := newFakeVenue()
	eng, mock, _ := newTestEngine(t, venue)

	eng.Process(context.Background(), openLong("BTCUSDT"))
	eng.Process(context.Background(), openLong("BTCUSDT"))

	assert.Equal(t, 1, venue.orderCount(), "duplicate must not reach the venue")
	require.Equal(t, 2, mock.Count())
	assert.Equal(t, "duplicate signal ignored", lastAlert(t, mock).Message)
}

func TestDebounceWindowExpires(t *testing.T) {
	venue := newFakeVenue()
	eng, mock, clock := newTestEngine(t, venue)

	eng.Process(context.Background(), openLong("BTCUSDT"))
	clock.advance(time.Second) // 默认窗口 800ms
	eng.Process(context.Background(), openLong("BTCUSDT"))

	// 第二次已越过窗口：持仓已同向，得到幂等响应而不是去重丢弃
	assert.Equal(t, "already open in requested direction", lastAlert(t, mock).Message)
}

func TestDebounceIsPerKind(t *testing.T) {
	venue := newFakeVenue()
	venue.pos = gateway.PositionInfo{Symbol: "BTCUSDT", Side: "Buy", Size: 5, EntryPrice: 100}
	eng, mock, _ := newTestEngine(t, venue)

	// 同一时刻的不同类型信号互不去重
	eng.Process(context.Background(), openLong("BTCUSDT"))
	eng.Process(context.Background(), signal.Signal{Kind: signal.KindClose, Symbol: "BTCUSDT"})

	assert.Equal(t, "position closed", lastAlert(t, mock).Message)
}

func TestAntiFlipWindow(t *testing.T) {
	venue := newFakeVenue()
	eng, mock, clock := newTestEngine(t, venue)

	eng.Process(context.Background(), openLong("BTCUSDT"))
	require.Equal(t, 1, venue.orderCount())

	clock.advance(time.Second) // 默认最小持有 5s
	eng.Process(context.Background(), signal.Signal{Kind: signal.KindClose, Symbol: "BTCUSDT"})

	assert.Equal(t, 1, venue.orderCount(), "close inside hold window must be discarded")
	a := lastAlert(t, mock)
	assert.Equal(t, "WARNING", a.Level)
	assert.Equal(t, "close ignored inside minimum hold window", a.Message)

	clock.advance(5 * time.Second)
	eng.Process(context.Background(), signal.Signal{Kind: signal.KindClose, Symbol: "BTCUSDT"})
	assert.Equal(t, 2, venue.orderCount())
	assert.Equal(t, "position closed", lastAlert(t, mock).Message)
}

func TestOpenPolicyRejected(t *testing.T) {
	venue := newFakeVenue()
	venue.balance = 0
	eng, mock, _ := newTestEngine(t, venue)

	eng.Process(context.Background(), openLong("BTCUSDT"))

	assert.Equal(t, 0, venue.orderCount())
	a := lastAlert(t, mock)
	assert.Equal(t, "WARNING", a.Level)
	assert.Contains(t, a.Message, "order rejected")
}

func TestOpenReadFailureBlocksOrder(t *testing.T) {
	venue := newFakeVenue()
	venue.instErr = errors.New("timeout")
	eng, mock, _ := newTestEngine(t, venue)

	eng.Process(context.Background(), openLong("BTCUSDT"))

	assert.Equal(t, 0, venue.orderCount(), "no order on unreadable instrument")
	a := lastAlert(t, mock)
	assert.Equal(t, "WARNING", a.Level)
	assert.Contains(t, a.Message, "order not placed")
}

func TestOpenWithSizeOverride(t *testing.T) {
	venue := newFakeVenue()
	eng, _, _ := newTestEngine(t, venue)

	sig := openLong("BTCUSDT")
	sig.SizeOverride = &sizing.Policy{Mode: sizing.ModeFixedUnits, Value: 2}
	eng.Process(context.Background(), sig)

	require.Equal(t, 1, venue.orderCount())
	assert.Equal(t, 2.0, venue.orders[0].Quantity)
}

func TestProtectAdjustDelegates(t *testing.T) {
	venue := newFakeVenue()
	venue.pos = gateway.PositionInfo{Symbol: "BTCUSDT", Side: "Buy", Size: 5, EntryPrice: 100}
	eng, mock, _ := newTestEngine(t, venue)

	sig := signal.Signal{Kind: signal.KindAdjustProtection, Symbol: "BTCUSDT", StopLoss: f(90)}
	eng.Process(context.Background(), sig)

	assert.Equal(t, 0, venue.orderCount(), "protection adjust never trades")
	require.Len(t, venue.stops, 1)
	assert.Equal(t, "protection applied", lastAlert(t, mock).Message)
}

func TestProtectAdjustWhileFlat(t *testing.T) {
	venue := newFakeVenue()
	eng, mock, _ := newTestEngine(t, venue)

	sig := signal.Signal{Kind: signal.KindAdjustProtection, Symbol: "BTCUSDT", StopLoss: f(90)}
	eng.Process(context.Background(), sig)

	assert.Empty(t, venue.stops)
	assert.Equal(t, "protection unchanged", lastAlert(t, mock).Message)
}

func TestProtectWriteFailure(t *testing.T) {
	venue := newFakeVenue()
	venue.pos = gateway.PositionInfo{Symbol: "BTCUSDT", Side: "Buy", Size: 5, EntryPrice: 100}
	venue.stopErr = errors.New("retCode 10001")
	eng, mock, _ := newTestEngine(t, venue)

	sig := signal.Signal{Kind: signal.KindAdjustProtection, Symbol: "BTCUSDT", StopLoss: f(90)}
	eng.Process(context.Background(), sig)

	a := lastAlert(t, mock)
	assert.Equal(t, "ERROR", a.Level)
	assert.Equal(t, "protection update failed", a.Message)
}

// 限流开启时，不同符号的同类终态仍然逐条通知。
func TestTerminalOutcomesNotThrottled(t *testing.T) {
	venue := newFakeVenue()
	eng, mock, _ := newThrottledTestEngine(t, venue, 2*time.Second)

	eng.Process(context.Background(), openLong("BTCUSDT"))
	eng.Process(context.Background(), openLong("ETHUSDT"))

	require.Equal(t, 2, mock.Count(), "one notification per terminal outcome")
	assert.Equal(t, "BTCUSDT", mock.GetAlerts()[0].Fields["symbol"])
	assert.Equal(t, "ETHUSDT", mock.GetAlerts()[1].Fields["symbol"])
	for _, a := range mock.GetAlerts() {
		assert.Equal(t, "position opened", a.Message)
	}
}

// 每个信号恰好产生一次终态通知。
func TestOneNotificationPerSignal(t *testing.T) {
	venue := newFakeVenue()
	eng, mock, clock := newTestEngine(t, venue)

	signals := []signal.Signal{
		openLong("BTCUSDT"),
		openLong("BTCUSDT"), // debounced
		{Kind: signal.KindClose, Symbol: "BTCUSDT"}, // anti-flip
	}
	for _, sig := range signals {
		eng.Process(context.Background(), sig)
		clock.advance(100 * time.Millisecond)
	}
	assert.Equal(t, len(signals), mock.Count())
}

func TestUpdateTimingWidensDebounce(t *testing.T) {
	venue := newFakeVenue()
	eng, mock, clock := newTestEngine(t, venue)

	eng.Process(context.Background(), openLong("BTCUSDT"))
	eng.UpdateTiming(10*time.Second, 0, 0, 0)

	clock.advance(5 * time.Second) // 默认 800ms 窗口早已过去
	eng.Process(context.Background(), openLong("BTCUSDT"))

	assert.Equal(t, 1, venue.orderCount())
	assert.Equal(t, "duplicate signal ignored", lastAlert(t, mock).Message)
}

func TestUpdateTimingShortensHoldWindow(t *testing.T) {
	venue := newFakeVenue()
	eng, mock, clock := newTestEngine(t, venue)

	eng.Process(context.Background(), openLong("BTCUSDT"))
	eng.UpdateTiming(0, 500*time.Millisecond, 0, 0)

	clock.advance(time.Second) // 默认最小持有 5s 本会丢弃这条平仓
	eng.Process(context.Background(), signal.Signal{Kind: signal.KindClose, Symbol: "BTCUSDT"})

	assert.Equal(t, 2, venue.orderCount())
	assert.Equal(t, "position closed", lastAlert(t, mock).Message)
}

// 非正值不覆盖现有窗口。
func TestUpdateTimingIgnoresNonPositive(t *testing.T) {
	venue := newFakeVenue()
	eng, mock, _ := newTestEngine(t, venue)

	eng.UpdateTiming(0, -time.Second, 0, 0)

	eng.Process(context.Background(), openLong("BTCUSDT"))
	eng.Process(context.Background(), openLong("BTCUSDT"))

	// 默认 800ms 去重窗口仍然生效
	assert.Equal(t, "duplicate signal ignored", lastAlert(t, mock).Message)
}

func TestEngineLifecycle(t *testing.T) {
	venue := newFakeVenue()
	eng, mock, _ := newTestEngine(t, venue)

	ctx := context.Background()
	require.NoError(t, eng.Start(ctx))
	assert.Equal(t, StateRunning, eng.GetState())
	assert.Error(t, eng.Start(ctx), "double start must fail")

	eng.queue.Push(openLong("BTCUSDT"))

	require.Eventually(t, func() bool {
		return mock.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, eng.Stop())
	assert.Equal(t, StateStopped, eng.GetState())
	require.NoError(t, eng.Stop(), "stop is idempotent")

	signals, orders, _ := eng.GetStatistics()
	assert.Equal(t, int64(1), signals)
	assert.Equal(t, int64(1), orders)
}

func TestNewValidatesComponents(t *testing.T) {
	_, err := New(Config{}, Components{})
	require.Error(t, err)
}
