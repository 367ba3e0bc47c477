// Package metrics exports agreement engine events as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"itbft/pkg/consensus/events"
)

// Recorder is an events.EventTracer that updates Prometheus collectors.
type Recorder struct {
	messages    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	rejected    prometheus.Counter
	aborts      prometheus.Counter
	viewChanges prometheus.Counter
	currentView prometheus.Gauge
	decisions   prometheus.Counter
	rollbacks   prometheus.Counter
	batchSize   prometheus.Histogram
}

var _ events.EventTracer = (*Recorder)(nil)

// NewRecorder registers the collectors with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "itbft_messages_total",
			Help: "Protocol messages grouped by direction and type",
		}, []string{"direction", "type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "itbft_phase_transitions_total",
			Help: "Phase transitions grouped by the phase entered",
		}, []string{"phase"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itbft_messages_rejected_total",
			Help: "Inbound messages rejected by the engine",
		}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itbft_aborts_sent_total",
			Help: "Abort messages sent by this node",
		}),
		viewChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itbft_view_changes_total",
			Help: "Views entered after the first one",
		}),
		currentView: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "itbft_current_view",
			Help: "View the node is currently in",
		}),
		decisions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itbft_decisions_total",
			Help: "Values decided by this node",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "itbft_storage_rollbacks_total",
			Help: "Entry points rolled back after a failed state commit",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "itbft_outbound_batch_size",
			Help:    "Messages per flushed outbound batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
	}
	reg.MustRegister(
		r.messages,
		r.transitions,
		r.rejected,
		r.aborts,
		r.viewChanges,
		r.currentView,
		r.decisions,
		r.rollbacks,
		r.batchSize,
	)
	return r
}

// RecordEvent implements events.EventTracer.
func (r *Recorder) RecordEvent(nodeID uint16, eventType events.EventType, payload events.EventPayload) {
	switch eventType {
	case events.EventViewChange:
		r.viewChanges.Inc()
		if view, ok := payload["view"].(int64); ok {
			r.currentView.Set(float64(view))
		}
	case events.EventStateRestored:
		if view, ok := payload["view"].(int64); ok {
			r.currentView.Set(float64(view))
		}
	case events.EventValueDecided:
		r.decisions.Inc()
	case events.EventAbortSent:
		r.aborts.Inc()
	case events.EventMessageRejected:
		r.rejected.Inc()
	case events.EventStorageRollback:
		r.rollbacks.Inc()
	case events.EventBatchFlushed:
		if size, ok := payload["size"].(int); ok {
			r.batchSize.Observe(float64(size))
		}
	}
}

// RecordTransition implements events.EventTracer.
func (r *Recorder) RecordTransition(nodeID uint16, from, to events.State, trigger string) {
	r.transitions.WithLabelValues(string(to)).Inc()
}

// RecordMessage implements events.EventTracer.
func (r *Recorder) RecordMessage(nodeID uint16, direction events.MessageDirection, msgType string, payload events.EventPayload) {
	r.messages.WithLabelValues(string(direction), msgType).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Server serves /metrics until Shutdown.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer builds a metrics server on addr.
func NewServer(addr string, reg *prometheus.Registry, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("address", s.srv.Addr).Msg("Metrics server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
