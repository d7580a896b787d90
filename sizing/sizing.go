// Package sizing converts a risk specification plus live market data into a
// tradable, venue-quantized order quantity.
package sizing

import (
	"fmt"
	"math"
)

// Mode 仓位计算模式。
type Mode int

const (
	// ModePercent 按可用余额百分比计算名义价值。
	ModePercent Mode = iota
	// ModeFixedUnits 直接使用固定合约数量。
	ModeFixedUnits
)

func (m Mode) String() string {
	switch m {
	case ModePercent:
		return "percent"
	case ModeFixedUnits:
		return "fixed"
	default:
		return "unknown"
	}
}

// ParseMode 解析配置里的模式名。
func ParseMode(s string) (Mode, error) {
	switch s {
	case "percent":
		return ModePercent, nil
	case "fixed", "fixed_units":
		return ModeFixedUnits, nil
	default:
		return 0, fmt.Errorf("unknown sizing mode %q", s)
	}
}

// Policy 进程级仓位策略；单个信号可以覆盖一次。
type Policy struct {
	Mode  Mode
	Value float64
}

// Instrument 交易对的下单约束（来自 instruments-info）。
type Instrument struct {
	Symbol       string
	MinQuantity  float64
	QuantityStep float64
	Allowed      bool
}

// Result 携带量化后的数量与名义价值，便于上报。
type Result struct {
	Quantity float64
	Notional float64
}

// RejectError 表示策略层拒绝，未触达交易所。
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return e.Reason }

func reject(format string, args ...interface{}) error {
	return &RejectError{Reason: fmt.Sprintf(format, args...)}
}

// Size 根据策略、合约约束、余额与最新价计算可下单数量。
// Percent 模式下 Value > 1 按百分比解释（25 -> 0.25），并截断到 [0,1]。
func Size(policy Policy, inst Instrument, availableBalance, lastPrice float64) (Result, error) {
	if !inst.Allowed {
		return Result{}, reject("instrument %s not tradable", inst.Symbol)
	}
	if lastPrice <= 0 {
		return Result{}, reject("invalid last price %.8f for %s", lastPrice, inst.Symbol)
	}

	var raw, notional float64
	switch policy.Mode {
	case ModePercent:
		if availableBalance <= 0 {
			return Result{}, reject("no available balance for %s", inst.Symbol)
		}
		fraction := policy.Value
		if fraction > 1 {
			fraction = fraction / 100
		}
		if fraction < 0 {
			fraction = 0
		}
		if fraction > 1 {
			fraction = 1
		}
		notional = availableBalance * fraction
		raw = notional / lastPrice
	case ModeFixedUnits:
		raw = policy.Value
		notional = raw * lastPrice
	default:
		return Result{}, reject("invalid sizing mode %d", policy.Mode)
	}

	qty := Quantize(raw, inst.QuantityStep)
	if qty <= 0 || qty < inst.MinQuantity {
		return Result{}, reject("quantity %.8f below minimum %.8f for %s",
			qty, inst.MinQuantity, inst.Symbol)
	}
	return Result{Quantity: qty, Notional: qty * lastPrice}, nil
}

// Quantize 向下取整到步长的整数倍；step <= 0 时原样返回。
func Quantize(qty, step float64) float64 {
	if step <= 0 {
		return qty
	}
	// 1e-9 容差：qty/step 因浮点尾差落在整数下方一丁点时仍取该整数，
	// 量化结果最多超出原始值 1e-9 个步长
	steps := math.Floor(qty/step + 1e-9)
	if steps <= 0 {
		return 0
	}
	// 按步长小数位数修约，避免 0.1*3 式的浮点尾差
	q := steps * step
	return roundToStep(q, step)
}

func roundToStep(v, step float64) float64 {
	decimals := 0
	for step < 1 && decimals < 12 {
		step *= 10
		decimals++
	}
	scale := math.Pow10(decimals)
	return math.Round(v*scale) / scale
}
