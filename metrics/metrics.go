package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the application counters and gauges
type Metrics struct {
	MessagesDecoded  *prometheus.CounterVec
	DecodeErrors     prometheus.Counter
	ProbesTotal      *prometheus.CounterVec
	ActiveListeners  prometheus.Gauge
	ActiveDrones     prometheus.Gauge
	WebsocketClients prometheus.Gauge
	BroadcastFrames  prometheus.Counter
	BroadcastErrors  prometheus.Counter
	PersistBatches   prometheus.Counter
	PersistErrors    prometheus.Counter
	PersistedRecords prometheus.Counter
}

var Global *Metrics

func init() {
	Global = New(prometheus.DefaultRegisterer)
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetryhub",
			Name:      "messages_decoded_total",
			Help:      "Decoded MAVLink messages by type.",
		}, []string{"type"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetryhub",
			Name:      "decode_errors_total",
			Help:      "MAVLink frames that failed to parse.",
		}),
		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemetryhub",
			Name:      "probes_total",
			Help:      "Port probe attempts by outcome.",
		}, []string{"result"}),
		ActiveListeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemetryhub",
			Name:      "active_listeners",
			Help:      "Currently bound per-port listeners.",
		}),
		ActiveDrones: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemetryhub",
			Name:      "active_drones",
			Help:      "Drone state records currently considered alive.",
		}),
		WebsocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "telemetryhub",
			Name:      "websocket_clients",
			Help:      "Connected websocket subscribers.",
		}),
		BroadcastFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetryhub",
			Name:      "broadcast_frames_total",
			Help:      "Snapshot frames delivered to subscribers.",
		}),
		BroadcastErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetryhub",
			Name:      "broadcast_errors_total",
			Help:      "Failed websocket sends.",
		}),
		PersistBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetryhub",
			Name:      "persist_batches_total",
			Help:      "Batch flushes attempted against the store.",
		}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetryhub",
			Name:      "persist_errors_total",
			Help:      "Batch flushes that failed and were retained for retry.",
		}),
		PersistedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telemetryhub",
			Name:      "persisted_records_total",
			Help:      "Drone records written to the store.",
		}),
	}

	reg.MustRegister(
		m.MessagesDecoded,
		m.DecodeErrors,
		m.ProbesTotal,
		m.ActiveListeners,
		m.ActiveDrones,
		m.WebsocketClients,
		m.BroadcastFrames,
		m.BroadcastErrors,
		m.PersistBatches,
		m.PersistErrors,
		m.PersistedRecords,
	)
	return m
}
