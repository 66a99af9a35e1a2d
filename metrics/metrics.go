// Package metrics defines the Prometheus collectors exported by the chat
// client and the development backend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Message sources.
const (
	SourceSocket  = "socket"
	SourceHistory = "history"
	SourceCache   = "cache"
)

// Chat holds the client-side collectors.
type Chat struct {
	Connected   prometheus.Gauge
	Messages    *prometheus.CounterVec
	Duplicates  *prometheus.CounterVec
	UnreadTotal prometheus.Gauge
	Errors      *prometheus.CounterVec
	HistorySync prometheus.Histogram
}

// NewChat registers the client collectors with reg. A nil reg gets a private
// registry, so independent clients in one process do not collide.
func NewChat(reg prometheus.Registerer) *Chat {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Chat{
		Connected: f.NewGauge(prometheus.GaugeOpts{
			Name: "jobchat_socket_connected",
			Help: "1 while the chat socket has a live transport.",
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobchat_messages_total",
			Help: "Messages added to the store, by source.",
		}, []string{"source"}),
		Duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobchat_messages_duplicate_total",
			Help: "Messages collapsed into an existing entry, by source.",
		}, []string{"source"}),
		UnreadTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "jobchat_unread_total",
			Help: "Unread messages across all jobs, capped at the display ceiling.",
		}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobchat_errors_total",
			Help: "Errors surfaced to listeners, by kind.",
		}, []string{"kind"}),
		HistorySync: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "jobchat_history_sync_seconds",
			Help:    "Duration of REST history fetches.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// DevServer holds the development backend collectors.
type DevServer struct {
	Clients  *prometheus.GaugeVec
	Messages prometheus.Counter
	Joins    *prometheus.CounterVec
}

// NewDevServer registers the development backend collectors with reg.
func NewDevServer(reg prometheus.Registerer) *DevServer {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &DevServer{
		Clients: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobchat_devserver_clients",
			Help: "Connected socket clients, by transport.",
		}, []string{"transport"}),
		Messages: f.NewCounter(prometheus.CounterOpts{
			Name: "jobchat_devserver_messages_total",
			Help: "Messages accepted from clients.",
		}),
		Joins: f.NewCounterVec(prometheus.CounterOpts{
			Name: "jobchat_devserver_joins_total",
			Help: "Room join requests, by result.",
		}, []string{"result"}),
	}
}
