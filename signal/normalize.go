package signal

import (
	"strings"
	"sync"
)

// Normalize 规范化行情工具送来的符号：去空白、转大写、去掉永续合约的 ".P" 后缀。
// 纯函数，空输入返回空串。
func Normalize(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, ".P")
	return s
}

// AllowList 维护允许交易的符号集合；条目按 Normalize 规则归一化。
// Replace 支持配置热更新，读写并发安全。
type AllowList struct {
	mu   sync.RWMutex
	syms map[string]struct{}
}

func NewAllowList(symbols []string) *AllowList {
	a := &AllowList{}
	a.Replace(symbols)
	return a
}

// Allowed 判断归一化后的符号是否在白名单内。
func (a *AllowList) Allowed(symbol string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.syms[Normalize(symbol)]
	return ok
}

// Replace 用新的符号集合整体替换白名单。
func (a *AllowList) Replace(symbols []string) {
	next := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		if n := Normalize(s); n != "" {
			next[n] = struct{}{}
		}
	}
	a.mu.Lock()
	a.syms = next
	a.mu.Unlock()
}

// Symbols 返回当前白名单快照。
func (a *AllowList) Symbols() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.syms))
	for s := range a.syms {
		out = append(out, s)
	}
	return out
}
