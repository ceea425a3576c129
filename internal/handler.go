package internal

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"
)

// Handler HTTP 請求處理器（握手以外的查詢端點）
type Handler struct {
	relay   *Relay
	hub     *WebSocketHub
	metrics *Metrics
	cors    *cors.Cors
	logger  *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(relay *Relay, hub *WebSocketHub, metrics *Metrics, corsCfg CORSConfig, logger *slog.Logger) *Handler {
	return &Handler{
		relay:   relay,
		hub:     hub,
		metrics: metrics,
		cors: cors.New(cors.Options{
			AllowedOrigins: corsCfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"*"},
		}),
		logger: logger,
	}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	mux.HandleFunc("GET /api/v1/apps", wrap(h.listApps))
	mux.HandleFunc("GET /api/v1/apps/{app}", wrap(h.getApp))
	mux.HandleFunc("GET /api/v1/time", wrap(h.serverTime))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))
	mux.Handle("GET /metrics", h.metrics.Handler())

	return h.cors.Handler(mux)
}

// listApps 列出所有 app 與房間
func (h *Handler) listApps(w http.ResponseWriter, r *http.Request) {
	apps := h.relay.Apps()
	h.jsonResponse(w, map[string]any{
		"apps":  apps,
		"total": len(apps),
	}, http.StatusOK)
}

// getApp 獲取單一 app
func (h *Handler) getApp(w http.ResponseWriter, r *http.Request) {
	app, ok := h.relay.App(r.PathValue("app"))
	if !ok {
		h.errorResponse(w, "app 不存在", http.StatusNotFound)
		return
	}
	h.jsonResponse(w, app, http.StatusOK)
}

// serverTime 與 time 事件相同的內容
func (h *Handler) serverTime(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.relay.Time(), http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.relay.Stats()
	stats["connections"] = h.hub.ConnectionCount()
	h.jsonResponse(w, stats, http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{
		"error": message,
	}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
