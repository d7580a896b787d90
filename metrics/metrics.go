// Package metrics provides Prometheus metrics for the signal bot.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SignalsTotal 按信号类型与终态统计。
	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_signals_total",
		Help: "Signals processed by kind and terminal outcome",
	}, []string{"kind", "outcome"})

	// OrdersTotal 按方向与是否 reduce-only 统计下单次数。
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_orders_total",
		Help: "Market orders placed",
	}, []string{"side", "reduce_only"})

	// VenueErrors 按操作统计交易所调用失败。
	VenueErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_venue_errors_total",
		Help: "Venue call failures by operation",
	}, []string{"op"})

	// ProtectionUpdates 止损/止盈调用结果。
	ProtectionUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_protection_updates_total",
		Help: "Trading-stop reconciliation outcomes",
	}, []string{"outcome"})

	// QueueDepth 当前待处理信号数。
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bot_queue_depth",
		Help: "Signals waiting in the intake queue",
	})

	// PositionSize 最近一次读到的持仓数量（带符号，空头为负）。
	PositionSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bot_position_size",
		Help: "Last observed signed position size",
	}, []string{"symbol"})

	// WebhookRejects 入站请求在边界被拒绝的次数。
	WebhookRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_webhook_rejects_total",
		Help: "Inbound webhook payloads rejected before the core",
	}, []string{"reason"})
)

// StartMetricsServer 启动Prometheus指标服务器
func StartMetricsServer(addr string) {
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		_ = http.ListenAndServe(addr, nil)
	}()
}
