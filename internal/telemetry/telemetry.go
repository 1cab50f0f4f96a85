// Package telemetry implements the out-of-scope "telemetry exporter"
// collaborator as a concrete Prometheus-backed implementation of the
// types.Telemetry capability interface, so the repo is a complete system
// rather than a library waiting for a host app.
//
// Built around an http.ServeMux behind an http.Server with explicit
// Read/Write/Idle timeouts, generalized from a dashboard/WebSocket hub to a
// Prometheus registry plus a `/health` JSON endpoint reporting WS and quote
// heartbeat age.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromTelemetry implements types.Telemetry on a Prometheus registry, and
// additionally serves :port/health with the documented
// {status, ws_age_seconds, quote_age_seconds} JSON body.
type PromTelemetry struct {
	registry *prometheus.Registry
	gauges   *prometheus.GaugeVec
	counters *prometheus.CounterVec

	hbMu       sync.Mutex
	heartbeats map[string]time.Time

	server *http.Server
	logger *slog.Logger
}

// New builds a PromTelemetry. It does not start listening until Run is
// called.
func New(port int, logger *slog.Logger) *PromTelemetry {
	registry := prometheus.NewRegistry()

	gauges := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lighter_mm_gauge",
		Help: "Generic named gauge values reported by the bot's components.",
	}, []string{"name", "label"})
	counters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lighter_mm_counter_total",
		Help: "Generic named counters incremented by the bot's components.",
	}, []string{"name", "label"})

	registry.MustRegister(gauges, counters)

	t := &PromTelemetry{
		registry:   registry,
		gauges:     gauges,
		counters:   counters,
		heartbeats: make(map[string]time.Time),
		logger:     logger.With("component", "telemetry"),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", t.handleHealth)

	t.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return t
}

// SetGauge implements types.Telemetry.
func (t *PromTelemetry) SetGauge(name string, v float64, labels ...string) {
	t.gauges.WithLabelValues(name, joinLabels(labels)).Set(v)
}

// IncCounter implements types.Telemetry.
func (t *PromTelemetry) IncCounter(name string, labels ...string) {
	t.counters.WithLabelValues(name, joinLabels(labels)).Inc()
}

// Touch implements types.Telemetry, recording the current time against the
// named heartbeat (e.g. "ws", "quote", "hedge"), consulted by /health and
// by Supervisor's watchdog goroutine.
func (t *PromTelemetry) Touch(heartbeat string) {
	t.hbMu.Lock()
	defer t.hbMu.Unlock()
	t.heartbeats[heartbeat] = time.Now()
}

// Age returns how long it has been since heartbeat was last touched, and
// whether it has ever been touched at all.
func (t *PromTelemetry) Age(heartbeat string) (time.Duration, bool) {
	t.hbMu.Lock()
	defer t.hbMu.Unlock()
	last, ok := t.heartbeats[heartbeat]
	if !ok {
		return 0, false
	}
	return time.Since(last), true
}

type healthResponse struct {
	Status          string  `json:"status"`
	WSAgeSeconds    float64 `json:"ws_age_seconds"`
	QuoteAgeSeconds float64 `json:"quote_age_seconds"`
}

func (t *PromTelemetry) handleHealth(w http.ResponseWriter, r *http.Request) {
	wsAge, _ := t.Age("ws")
	quoteAge, _ := t.Age("quote")

	resp := healthResponse{
		Status:          "ok",
		WSAgeSeconds:    wsAge.Seconds(),
		QuoteAgeSeconds: quoteAge.Seconds(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		t.logger.Error("encode health response failed", "error", err)
	}
}

// Run starts the HTTP listener, blocking until ctx is cancelled.
func (t *PromTelemetry) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("telemetry listening", "addr", t.server.Addr)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		t.server.Shutdown(shutdownCtx)
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func joinLabels(labels []string) string {
	if len(labels) == 0 {
		return ""
	}
	out := labels[0]
	for _, l := range labels[1:] {
		out += ":" + l
	}
	return out
}
