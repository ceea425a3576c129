package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 中繼服務指標
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	RoomsActive       prometheus.Gauge
	RoomsCreated      prometheus.Counter
	RoomRootResets    prometheus.Counter
	Events            *prometheus.CounterVec
	Broadcasts        *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// NewMetrics 建立指標並註冊到 registry
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zim",
			Name:      "connections_active",
			Help:      "目前的 WebSocket 連線數",
		}),
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zim",
			Name:      "rooms_active",
			Help:      "目前有人的房間數",
		}),
		RoomsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zim",
			Name:      "rooms_created_total",
			Help:      "已創建的房間總數",
		}),
		RoomRootResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zim",
			Name:      "room_root_resets_total",
			Help:      "roomRoot 房間列表重置次數",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zim",
			Name:      "events_total",
			Help:      "收到的客戶端事件數",
		}, []string{"event"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zim",
			Name:      "broadcasts_total",
			Help:      "房間廣播次數",
		}, []string{"type"}),
		gatherer: registry,
	}

	registry.MustRegister(
		m.ConnectionsActive,
		m.RoomsActive,
		m.RoomsCreated,
		m.RoomRootResets,
		m.Events,
		m.Broadcasts,
	)
	return m
}

// Handler Prometheus 指標端點
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
