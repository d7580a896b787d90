// Package position reads fresh position snapshots from the venue with a
// fail-flat policy: an unreadable position is never assumed open.
package position

import (
	"context"

	"github.com/LagunaFan-Crypto/trading-bot-bybit/gateway"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/infrastructure/logger"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/metrics"
	"go.uber.org/zap"
)

// Direction 持仓方向。
type Direction int

const (
	Flat Direction = iota
	Long
	Short
)

func (d Direction) String() string {
	switch d {
	case Long:
		return "LONG"
	case Short:
		return "SHORT"
	default:
		return "FLAT"
	}
}

// Snapshot 单次决策内使用的持仓快照；不跨信号缓存。
// 不变式：Quantity == 0 当且仅当 Direction == Flat。
type Snapshot struct {
	Symbol     string
	Quantity   float64
	Direction  Direction
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64
}

// Venue 持仓查询能力。
type Venue interface {
	GetPosition(ctx context.Context, symbol string) (gateway.PositionInfo, error)
}

// Notifier 上报读取失败；失败不会中断调用方。
type Notifier interface {
	SendWarning(message string, fields map[string]interface{}) error
}

// Reader 查询交易所持仓并转为快照。
type Reader struct {
	Venue  Venue
	Alerts Notifier
	Logger *logger.Logger
}

// Read 读取当前持仓。任何传输或解析失败都降级为 Flat 快照：
// 把未知状态当成空仓最多导致一次无效的 reduce-only 平仓（无害），
// 反过来把未知当成持仓则可能重复开仓（有害）。
func (r *Reader) Read(ctx context.Context, symbol string) Snapshot {
	info, err := r.Venue.GetPosition(ctx, symbol)
	if err != nil {
		metrics.VenueErrors.WithLabelValues("position").Inc()
		if r.Logger != nil {
			r.Logger.Warn("position read failed, treating as flat",
				zap.String("symbol", symbol), zap.Error(err))
		}
		if r.Alerts != nil {
			_ = r.Alerts.SendWarning("position read failed, treating as flat",
				map[string]interface{}{"symbol": symbol, "error": err.Error()})
		}
		return Snapshot{Symbol: symbol, Direction: Flat}
	}
	return fromInfo(info)
}

func fromInfo(info gateway.PositionInfo) Snapshot {
	snap := Snapshot{
		Symbol:     info.Symbol,
		Quantity:   info.Size,
		EntryPrice: info.EntryPrice,
		StopLoss:   info.StopLoss,
		TakeProfit: info.TakeProfit,
	}
	if info.Size <= 0 {
		snap.Quantity = 0
		snap.Direction = Flat
		return snap
	}
	switch info.Side {
	case "Buy":
		snap.Direction = Long
	case "Sell":
		snap.Direction = Short
	default:
		// 交易所报了数量却没报方向，当作空仓处理
		snap.Quantity = 0
		snap.Direction = Flat
	}
	return snap
}
