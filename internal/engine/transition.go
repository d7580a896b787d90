package engine

import (
	"context"
	"time"

	"github.com/LagunaFan-Crypto/trading-bot-bybit/gateway"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/infrastructure/alert"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/metrics"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/position"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/protect"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/signal"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/sizing"
)

// outcome 每个信号恰好产生一个终态通知；静默失败视为缺陷。
type outcome struct {
	level   string
	message string
	metric  string
	fields  map[string]interface{}
}

// Process 驱动单个信号走完状态机并上报唯一的终态。
func (e *Engine) Process(ctx context.Context, sig signal.Signal) {
	out := e.transition(ctx, sig)

	metrics.SignalsTotal.WithLabelValues(sig.Kind.String(), out.metric).Inc()
	if e.logger != nil {
		e.logger.LogSignal(out.metric, sig.Kind.String(), sig.Symbol, out.fields)
	}
	if e.alerts != nil {
		fields := out.fields
		if fields == nil {
			fields = map[string]interface{}{}
		}
		// 终态通知逐条送达，不参与限流：级别+消息做键的限流会把
		// 不同符号的同类结果合并成一条
		fields["symbol"] = sig.Symbol
		_ = e.alerts.SendAlertNow(alert.Alert{Level: out.level, Message: out.message, Fields: fields})
	}
}

func (e *Engine) transition(ctx context.Context, sig signal.Signal) outcome {
	now := e.clock.Now()
	st := e.states.get(sig.Symbol)

	// 去重：同一 (symbol, kind) 在窗口内的重复投递直接丢弃，不触达交易所
	if st.debounced(sig.Kind, now, e.timing().Debounce) {
		return outcome{
			level:   "INFO",
			message: "duplicate signal ignored",
			metric:  "debounced",
		}
	}
	st.lastByKind[sig.Kind] = now

	switch sig.Kind {
	case signal.KindOpenLong:
		return e.handleOpen(ctx, sig, st, now, position.Long)
	case signal.KindOpenShort:
		return e.handleOpen(ctx, sig, st, now, position.Short)
	case signal.KindClose:
		return e.handleClose(ctx, sig, st, now)
	case signal.KindAdjustProtection:
		return e.handleProtect(ctx, sig, st)
	default:
		return outcome{level: "ERROR", message: "unknown signal kind", metric: "invalid"}
	}
}

// handleOpen 实现 Flat/同向/反向三种持仓状态下的开仓转换。
func (e *Engine) handleOpen(ctx context.Context, sig signal.Signal, st *transitionState, now time.Time, want position.Direction) outcome {
	cfg := e.timing()
	snap := e.readSnapshot(ctx, sig.Symbol)

	// 同向：无仓位变化，保护单视为"已满足"并交给对账器
	if snap.Direction == want {
		fields := map[string]interface{}{
			"direction": want.String(),
			"quantity":  snap.Quantity,
		}
		if hasProtection(sig) {
			res, err := e.reconcileProtection(ctx, sig, st)
			fields["protection"] = res.String()
			if err != nil {
				fields["protection_error"] = err.Error()
			}
		}
		return outcome{level: "INFO", message: "already open in requested direction", metric: "already_open", fields: fields}
	}

	// 反向：先 reduce-only 平掉现有仓位，回读确认空仓后再按 Flat 流程开仓
	if snap.Direction != position.Flat {
		closeSide := opposingSide(snap.Direction)
		if _, err := e.placeOrder(ctx, gateway.MarketOrder{
			Symbol:      sig.Symbol,
			Side:        closeSide,
			Quantity:    snap.Quantity,
			ReduceOnly:  true,
			TimeInForce: cfg.TimeInForce,
		}); err != nil {
			e.recordError()
			return outcome{
				level:   "ERROR",
				message: "reduce-only close failed, aborting flip",
				metric:  "close_failed",
				fields:  map[string]interface{}{"error": err.Error()},
			}
		}
		st.lastStopLoss, st.lastTakeProfit = 0, 0

		if !e.waitUntilFlat(ctx, sig.Symbol) {
			// 交易所没有如约平掉仓位：可恢复失败，下一个信号会重新读取状态
			e.recordError()
			return outcome{
				level:   "ERROR",
				message: "position still open after close, flip aborted",
				metric:  "flip_aborted",
			}
		}
	}

	// Flat 开仓
	var inst gateway.InstrumentSpec
	if err := e.callVenue(ctx, func(cctx context.Context) error {
		var err error
		inst, err = e.venue.GetInstrument(cctx, sig.Symbol)
		return err
	}); err != nil {
		metrics.VenueErrors.WithLabelValues("instrument").Inc()
		return readFailure("instrument query failed", err)
	}
	var price float64
	if err := e.callVenue(ctx, func(cctx context.Context) error {
		var err error
		price, err = e.venue.GetLastPrice(cctx, sig.Symbol)
		return err
	}); err != nil {
		metrics.VenueErrors.WithLabelValues("price").Inc()
		return readFailure("price query failed", err)
	}
	var balance float64
	if err := e.callVenue(ctx, func(cctx context.Context) error {
		var err error
		balance, err = e.venue.GetAvailableBalance(cctx, cfg.SettlementCoin)
		return err
	}); err != nil {
		metrics.VenueErrors.WithLabelValues("balance").Inc()
		return readFailure("balance query failed", err)
	}

	policy := e.policy
	if sig.SizeOverride != nil {
		policy = *sig.SizeOverride
	}
	res, err := sizing.Size(policy, sizing.Instrument{
		Symbol:       inst.Symbol,
		MinQuantity:  inst.MinQuantity,
		QuantityStep: inst.QuantityStep,
		Allowed:      inst.Allowed,
	}, balance, price)
	if err != nil {
		return outcome{
			level:   "WARNING",
			message: "order rejected: " + err.Error(),
			metric:  "policy_rejected",
		}
	}

	orderID, err := e.placeOrder(ctx, gateway.MarketOrder{
		Symbol:      sig.Symbol,
		Side:        directionSide(want),
		Quantity:    res.Quantity,
		TimeInForce: cfg.TimeInForce,
	})
	if err != nil {
		e.recordError()
		return outcome{
			level:   "ERROR",
			message: "market order failed",
			metric:  "order_failed",
			fields:  map[string]interface{}{"error": err.Error()},
		}
	}
	st.lastOpen = now
	metrics.PositionSize.WithLabelValues(sig.Symbol).Set(signedQuantity(want, res.Quantity))

	fields := map[string]interface{}{
		"order_id":  orderID,
		"direction": want.String(),
		"quantity":  res.Quantity,
		"notional":  res.Notional,
		"price":     price,
	}
	if hasProtection(sig) {
		pres, perr := e.reconcileProtection(ctx, sig, st)
		fields["protection"] = pres.String()
		if perr != nil {
			fields["protection_error"] = perr.Error()
		}
	}
	return outcome{level: "INFO", message: "position opened", metric: "opened", fields: fields}
}

// handleClose 平掉当前仓位；空仓时仅通知。
func (e *Engine) handleClose(ctx context.Context, sig signal.Signal, st *transitionState, now time.Time) outcome {
	cfg := e.timing()

	// 反手保护：开仓后的最小持有窗口内到达的平仓信号直接丢弃
	if st.insideHoldWindow(now, cfg.MinHold) {
		return outcome{
			level:   "WARNING",
			message: "close ignored inside minimum hold window",
			metric:  "antiflip_discarded",
		}
	}

	snap := e.readSnapshot(ctx, sig.Symbol)
	if snap.Direction == position.Flat {
		return outcome{level: "INFO", message: "nothing to close", metric: "noop"}
	}

	// 市价单回报不带成交价，用平仓前的最新价近似出场价
	var exitPrice float64
	priceErr := e.callVenue(ctx, func(cctx context.Context) error {
		var err error
		exitPrice, err = e.venue.GetLastPrice(cctx, sig.Symbol)
		return err
	})

	if _, err := e.placeOrder(ctx, gateway.MarketOrder{
		Symbol:      sig.Symbol,
		Side:        opposingSide(snap.Direction),
		Quantity:    snap.Quantity,
		ReduceOnly:  true,
		TimeInForce: cfg.TimeInForce,
	}); err != nil {
		e.recordError()
		return outcome{
			level:   "ERROR",
			message: "close order failed",
			metric:  "close_failed",
			fields:  map[string]interface{}{"error": err.Error()},
		}
	}
	metrics.PositionSize.WithLabelValues(sig.Symbol).Set(0)

	fields := map[string]interface{}{
		"direction": snap.Direction.String(),
		"quantity":  snap.Quantity,
	}
	if priceErr == nil && snap.EntryPrice > 0 && exitPrice > 0 {
		pct := (exitPrice - snap.EntryPrice) / snap.EntryPrice * 100
		if snap.Direction == position.Short {
			pct = -pct
		}
		fields["realized_pct"] = pct
	}

	// 平仓成功后清掉遗留的保护单
	var clearRes protect.Outcome
	clearErr := e.callVenue(ctx, func(cctx context.Context) error {
		var err error
		clearRes, err = e.reconciler.Reconcile(cctx, sig.Symbol, protect.Request{
			ClearStopLoss:   true,
			ClearTakeProfit: true,
		})
		return err
	})
	if clearErr != nil {
		fields["protection_error"] = clearErr.Error()
	} else {
		fields["protection"] = clearRes.String()
	}
	st.lastStopLoss, st.lastTakeProfit = 0, 0

	return outcome{level: "INFO", message: "position closed", metric: "closed", fields: fields}
}

// handleProtect 任何持仓状态下都只委托给对账器，从不触发开平仓。
func (e *Engine) handleProtect(ctx context.Context, sig signal.Signal, st *transitionState) outcome {
	res, err := e.reconcileProtection(ctx, sig, st)
	if err != nil {
		e.recordError()
		return outcome{
			level:   "ERROR",
			message: "protection update failed",
			metric:  "protect_failed",
			fields:  map[string]interface{}{"error": err.Error()},
		}
	}
	switch res {
	case protect.Applied:
		return outcome{level: "INFO", message: "protection applied", metric: "protect_applied"}
	default:
		return outcome{level: "INFO", message: "protection unchanged", metric: "protect_skipped"}
	}
}

func (e *Engine) reconcileProtection(ctx context.Context, sig signal.Signal, st *transitionState) (protect.Outcome, error) {
	req := protect.Request{
		StopLoss:        sig.StopLoss,
		TakeProfit:      sig.TakeProfit,
		ClearStopLoss:   sig.ClearStopLoss,
		ClearTakeProfit: sig.ClearTakeProfit,
	}
	var res protect.Outcome
	err := e.callVenue(ctx, func(cctx context.Context) error {
		var rerr error
		res, rerr = e.reconciler.Reconcile(cctx, sig.Symbol, req)
		return rerr
	})
	if err == nil && res == protect.Applied {
		if sig.StopLoss != nil {
			st.lastStopLoss = *sig.StopLoss
		}
		if sig.ClearStopLoss {
			st.lastStopLoss = 0
		}
		if sig.TakeProfit != nil {
			st.lastTakeProfit = *sig.TakeProfit
		}
		if sig.ClearTakeProfit {
			st.lastTakeProfit = 0
		}
	}
	return res, err
}

// waitUntilFlat 平仓后等待结算并回读确认；有界轮询，超出次数返回 false。
func (e *Engine) waitUntilFlat(ctx context.Context, symbol string) bool {
	cfg := e.timing()
	for i := 0; i < cfg.SettleChecks; i++ {
		if !e.pause(ctx, cfg.SettlePause) {
			return false
		}
		snap := e.readSnapshot(ctx, symbol)
		if snap.Direction == position.Flat {
			return true
		}
	}
	return false
}

func (e *Engine) readSnapshot(ctx context.Context, symbol string) position.Snapshot {
	cctx, cancel := context.WithTimeout(ctx, e.timing().CallTimeout)
	defer cancel()
	snap := e.reader.Read(cctx, symbol)
	metrics.PositionSize.WithLabelValues(symbol).Set(signedQuantity(snap.Direction, snap.Quantity))
	return snap
}

func (e *Engine) placeOrder(ctx context.Context, o gateway.MarketOrder) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timing().CallTimeout)
	defer cancel()
	id, err := e.venue.PlaceMarketOrder(cctx, o)
	if err != nil {
		metrics.VenueErrors.WithLabelValues("order").Inc()
		return "", err
	}
	e.recordOrder()
	metrics.OrdersTotal.WithLabelValues(o.Side, boolLabel(o.ReduceOnly)).Inc()
	if e.logger != nil {
		e.logger.LogOrder("placed", id, map[string]interface{}{
			"symbol":      o.Symbol,
			"side":        o.Side,
			"quantity":    o.Quantity,
			"reduce_only": o.ReduceOnly,
		})
	}
	return id, nil
}

// callVenue 为单次交易所调用加上有界超时。
func (e *Engine) callVenue(ctx context.Context, fn func(ctx context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, e.timing().CallTimeout)
	defer cancel()
	return fn(cctx)
}

func (e *Engine) pause(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func hasProtection(sig signal.Signal) bool {
	return sig.StopLoss != nil || sig.TakeProfit != nil || sig.ClearStopLoss || sig.ClearTakeProfit
}

func directionSide(d position.Direction) string {
	if d == position.Short {
		return "Sell"
	}
	return "Buy"
}

func opposingSide(d position.Direction) string {
	if d == position.Long {
		return "Sell"
	}
	return "Buy"
}

func signedQuantity(d position.Direction, qty float64) float64 {
	if d == position.Short {
		return -qty
	}
	if d == position.Flat {
		return 0
	}
	return qty
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func readFailure(msg string, err error) outcome {
	return outcome{
		level:   "WARNING",
		message: msg + ", order not placed",
		metric:  "read_failed",
		fields:  map[string]interface{}{"error": err.Error()},
	}
}
