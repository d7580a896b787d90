// Package signal defines the canonical trading signal consumed by the engine
// and the decoding of raw webhook payloads into it.
package signal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LagunaFan-Crypto/trading-bot-bybit/sizing"
)

// Kind 信号类型。
type Kind int

const (
	KindOpenLong Kind = iota
	KindOpenShort
	KindClose
	KindAdjustProtection
)

// String 返回信号类型名称。
func (k Kind) String() string {
	switch k {
	case KindOpenLong:
		return "OPEN_LONG"
	case KindOpenShort:
		return "OPEN_SHORT"
	case KindClose:
		return "CLOSE"
	case KindAdjustProtection:
		return "ADJUST_PROTECTION"
	default:
		return "UNKNOWN"
	}
}

// Signal 入队后不可变，由引擎单次消费。
type Signal struct {
	Kind   Kind
	Symbol string

	// 可选的保护价；nil 表示本次信号不涉及该腿。
	StopLoss   *float64
	TakeProfit *float64
	// 显式清除对应腿（clear_sl / clear_tp）。
	ClearStopLoss   bool
	ClearTakeProfit bool

	// 可选的单次仓位策略覆盖。
	SizeOverride *sizing.Policy

	ReceivedAt time.Time
}

// Payload mirrors the inbound webhook JSON. sl/tp may arrive as number or
// string depending on the charting tool, hence FlexFloat.
type Payload struct {
	Action string     `json:"action"`
	Symbol string     `json:"symbol"`
	SL     *FlexFloat `json:"sl,omitempty"`
	TP     *FlexFloat `json:"tp,omitempty"`

	SizeMode  string     `json:"size_mode,omitempty"` // percent | fixed
	SizeValue *FlexFloat `json:"size_value,omitempty"`
}

// FlexFloat accepts both JSON numbers and numeric strings.
type FlexFloat float64

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if len(s) >= 2 && s[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
		if s == "" {
			*f = 0
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %q: %w", s, err)
	}
	*f = FlexFloat(v)
	return nil
}

// FromPayload 将入站 JSON 映射为规范信号；action 不识别时返回错误。
// Symbol 已在此处归一化，但 allow-list 校验留给调用方。
func FromPayload(p Payload, now time.Time) (Signal, error) {
	sig := Signal{
		Symbol:     Normalize(p.Symbol),
		ReceivedAt: now,
	}
	if sig.Symbol == "" {
		return Signal{}, fmt.Errorf("empty symbol")
	}

	switch strings.ToLower(strings.TrimSpace(p.Action)) {
	case "buy":
		sig.Kind = KindOpenLong
	case "sell":
		sig.Kind = KindOpenShort
	case "close":
		sig.Kind = KindClose
	case "update_sl":
		sig.Kind = KindAdjustProtection
		if p.SL == nil {
			return Signal{}, fmt.Errorf("update_sl requires sl")
		}
	case "update_tp":
		sig.Kind = KindAdjustProtection
		if p.TP == nil {
			return Signal{}, fmt.Errorf("update_tp requires tp")
		}
	case "clear_sl":
		sig.Kind = KindAdjustProtection
		sig.ClearStopLoss = true
	case "clear_tp":
		sig.Kind = KindAdjustProtection
		sig.ClearTakeProfit = true
	default:
		return Signal{}, fmt.Errorf("unknown action %q", p.Action)
	}

	if p.SL != nil && !sig.ClearStopLoss {
		v := float64(*p.SL)
		if v <= 0 {
			return Signal{}, fmt.Errorf("sl must be > 0, got %v", v)
		}
		sig.StopLoss = &v
	}
	if p.TP != nil && !sig.ClearTakeProfit {
		v := float64(*p.TP)
		if v <= 0 {
			return Signal{}, fmt.Errorf("tp must be > 0, got %v", v)
		}
		sig.TakeProfit = &v
	}

	if p.SizeMode != "" || p.SizeValue != nil {
		if p.SizeMode == "" || p.SizeValue == nil {
			return Signal{}, fmt.Errorf("size override requires both size_mode and size_value")
		}
		mode, err := sizing.ParseMode(p.SizeMode)
		if err != nil {
			return Signal{}, err
		}
		sig.SizeOverride = &sizing.Policy{Mode: mode, Value: float64(*p.SizeValue)}
	}

	return sig, nil
}
