// Package protect reconciles stop-loss/take-profit on open positions,
// skipping writes the venue already reflects.
package protect

import (
	"context"
	"math"
	"strconv"

	"github.com/LagunaFan-Crypto/trading-bot-bybit/gateway"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/infrastructure/logger"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/metrics"
	"go.uber.org/zap"
)

// Venue 保护单所需的交易所能力。
type Venue interface {
	GetPosition(ctx context.Context, symbol string) (gateway.PositionInfo, error)
	SetTradingStop(ctx context.Context, ts gateway.TradingStop) error
}

// Request 每条腿可独立设置或清除；两者都缺省表示无事可做。
type Request struct {
	StopLoss        *float64
	TakeProfit      *float64
	ClearStopLoss   bool
	ClearTakeProfit bool
}

func (r Request) empty() bool {
	return r.StopLoss == nil && r.TakeProfit == nil && !r.ClearStopLoss && !r.ClearTakeProfit
}

// Outcome 对账结果。
type Outcome int

const (
	// Skipped 无需触达交易所（无请求、无持仓或值已一致）。
	Skipped Outcome = iota
	// Applied 至少一条腿发生了写入。
	Applied
	// Failed 交易所写入失败。
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "APPLIED"
	case Failed:
		return "FAILED"
	default:
		return "SKIPPED"
	}
}

// 容差比较的阈值。交易所回传的是字符串价格，与本地浮点在
// 最后几位小数上必然有出入，精确相等没有意义。
const (
	absTolerance = 1e-9
	relTolerance = 1e-6
)

// Reconciler 幂等地同步持仓保护单。
type Reconciler struct {
	Venue     Venue
	Logger    *logger.Logger
	TriggerBy string // 触发价类型，属于交易所契约配置，默认 LastPrice
}

// Reconcile 对账单个符号的止损/止盈。
// 两条腿独立比较，只有发生变化的腿会进入唯一一次 trading-stop 调用。
func (r *Reconciler) Reconcile(ctx context.Context, symbol string, req Request) (Outcome, error) {
	if req.empty() {
		return Skipped, nil
	}

	info, err := r.Venue.GetPosition(ctx, symbol)
	if err != nil {
		// 读不到持仓按空仓处理：保护单只能挂在持仓上
		metrics.VenueErrors.WithLabelValues("position").Inc()
		if r.Logger != nil {
			r.Logger.Warn("protection read failed, skipping",
				zap.String("symbol", symbol), zap.Error(err))
		}
		return Skipped, nil
	}
	if info.Size <= 0 {
		return Skipped, nil
	}

	ts := gateway.TradingStop{Symbol: symbol, TriggerBy: r.TriggerBy}
	changed := false

	if leg, ok := resolveLeg(req.StopLoss, req.ClearStopLoss, info.StopLoss); ok {
		ts.StopLoss = leg
		changed = true
	}
	if leg, ok := resolveLeg(req.TakeProfit, req.ClearTakeProfit, info.TakeProfit); ok {
		ts.TakeProfit = leg
		changed = true
	}
	if !changed {
		metrics.ProtectionUpdates.WithLabelValues("skipped").Inc()
		return Skipped, nil
	}

	if err := r.Venue.SetTradingStop(ctx, ts); err != nil {
		metrics.VenueErrors.WithLabelValues("trading_stop").Inc()
		metrics.ProtectionUpdates.WithLabelValues("failed").Inc()
		return Failed, err
	}
	metrics.ProtectionUpdates.WithLabelValues("applied").Inc()
	if r.Logger != nil {
		r.Logger.Info("protection updated",
			zap.String("symbol", symbol),
			zap.String("stop_loss", ts.StopLoss),
			zap.String("take_profit", ts.TakeProfit))
	}
	return Applied, nil
}

// resolveLeg 决定单条腿要发送的值；第二个返回值为 false 表示该腿无需改动。
func resolveLeg(requested *float64, clear bool, current float64) (string, bool) {
	if clear {
		if current > 0 {
			return "0", true
		}
		return "", false
	}
	if requested == nil {
		return "", false
	}
	if withinTolerance(*requested, current) {
		return "", false
	}
	return strconv.FormatFloat(*requested, 'f', -1, 64), true
}

func withinTolerance(a, b float64) bool {
	diff := math.Abs(a - b)
	if diff <= absTolerance {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return diff <= scale*relTolerance
}
