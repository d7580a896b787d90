package engine

import (
	"time"

	"github.com/LagunaFan-Crypto/trading-bot-bybit/signal"
)

// Clock 抽象时间便于测试。
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// transitionState 每个符号的处理痕迹。只被唯一的 worker 触碰，无需加锁；
// 进程重启即丢失——持仓的真实来源始终是交易所。
type transitionState struct {
	lastByKind map[signal.Kind]time.Time
	lastOpen   time.Time

	// 最近一次成功写入的保护价，仅用于日志观测
	lastStopLoss   float64
	lastTakeProfit float64
}

type stateMap map[string]*transitionState

func (m stateMap) get(symbol string) *transitionState {
	st, ok := m[symbol]
	if !ok {
		st = &transitionState{lastByKind: make(map[signal.Kind]time.Time)}
		m[symbol] = st
	}
	return st
}

// debounced 同一 (symbol, kind) 在窗口内重复到达时返回 true。
func (st *transitionState) debounced(kind signal.Kind, now time.Time, window time.Duration) bool {
	if window <= 0 {
		return false
	}
	last, ok := st.lastByKind[kind]
	return ok && now.Sub(last) < window
}

// insideHoldWindow 开仓后的最小持有窗口内返回 true，用于拦截反手平仓。
func (st *transitionState) insideHoldWindow(now time.Time, window time.Duration) bool {
	if window <= 0 || st.lastOpen.IsZero() {
		return false
	}
	return now.Sub(st.lastOpen) < window
}
