// Package webhook is the HTTP front door: it decodes alert payloads,
// filters them against the allow-list, and hands canonical signals to the
// intake queue. Everything past the queue is the engine's business.
package webhook

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/LagunaFan-Crypto/trading-bot-bybit/infrastructure/logger"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/internal/queue"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/metrics"
	"github.com/LagunaFan-Crypto/trading-bot-bybit/signal"
)

const maxBodyBytes = 64 << 10

// Handler 接收行情工具的 webhook 并入队。
// 入队即返回：调用方不等待交易结果（fire-and-forget）。
type Handler struct {
	Queue  *queue.Queue
	Allow  *signal.AllowList
	Logger *logger.Logger
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload signal.Payload
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&payload); err != nil {
		metrics.WebhookRejects.WithLabelValues("bad_json").Inc()
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	sig, err := signal.FromPayload(payload, time.Now())
	if err != nil {
		metrics.WebhookRejects.WithLabelValues("bad_payload").Inc()
		if h.Logger != nil {
			h.Logger.Warn("webhook payload rejected",
				zap.String("action", payload.Action),
				zap.String("symbol", payload.Symbol),
				zap.Error(err))
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// 白名单在入口处拦截：白名单外的符号永远不会触达交易所
	if h.Allow != nil && !h.Allow.Allowed(sig.Symbol) {
		metrics.WebhookRejects.WithLabelValues("symbol_not_allowed").Inc()
		if h.Logger != nil {
			h.Logger.Warn("symbol not in allow-list", zap.String("symbol", sig.Symbol))
		}
		http.Error(w, "symbol not allowed", http.StatusBadRequest)
		return
	}

	if !h.Queue.Push(sig) {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	if h.Logger != nil {
		h.Logger.LogSignal("accepted", sig.Kind.String(), sig.Symbol, nil)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// NewServer 构造监听 /webhook 的 HTTP 服务。
func NewServer(addr string, h *Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/webhook", h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
