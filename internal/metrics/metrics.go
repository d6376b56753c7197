// ============================================================================
// Session Jobs Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
//
// Every metric carries a "domain" label (client or server) so the two job
// managers of a process can be told apart.
//
// Metrics:
//
//   1. Counters:
//      - sessionjobs_jobs_scheduled_total{domain}
//      - sessionjobs_jobs_rejected_total{domain}
//      - sessionjobs_jobs_finished_total{domain,state}   state = done|failed|cancelled
//
//   2. Histogram:
//      - sessionjobs_job_runtime_seconds{domain,state}
//        time between a worker picking the job up and its terminal state;
//        jobs cancelled while pending are not observed
//
//   3. Gauges (refreshed from Manager.Stats):
//      - sessionjobs_jobs_pending{domain}
//      - sessionjobs_jobs_running{domain}
//
// Example queries:
//
//   # failure ratio of server jobs
//   rate(sessionjobs_jobs_finished_total{domain="server",state="failed"}[5m])
//     / rate(sessionjobs_jobs_scheduled_total{domain="server"}[5m])
//
//   # backlog
//   sessionjobs_jobs_pending + sessionjobs_jobs_running
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/sessionjobs/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sessionjobs"

// Collector records job metrics. It implements jobmanager.Observer.
type Collector struct {
	scheduled *prometheus.CounterVec
	rejected  *prometheus.CounterVec
	finished  *prometheus.CounterVec
	runtime   *prometheus.HistogramVec

	pending *prometheus.GaugeVec
	running *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewCollector creates the metrics and registers them with reg. A nil reg
// uses the prometheus default registry. Registering twice with the same
// registry panics.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_scheduled_total",
			Help:      "Total number of jobs accepted by a job manager",
		}, []string{"domain"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Total number of jobs rejected by a job manager",
		}, []string{"domain"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Total number of jobs that reached a terminal state",
		}, []string{"domain", "state"}),
		runtime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_runtime_seconds",
			Help:      "Job execution time in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"domain", "state"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Current number of jobs waiting for a worker",
		}, []string{"domain"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_running",
			Help:      "Current number of jobs executing on a worker",
		}, []string{"domain"}),
	}

	reg.MustRegister(c.scheduled, c.rejected, c.finished, c.runtime, c.pending, c.running)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// JobScheduled counts an accepted job.
func (c *Collector) JobScheduled(kind types.SessionKind) {
	c.scheduled.WithLabelValues(string(kind)).Inc()
}

// JobRejected counts a rejected job.
func (c *Collector) JobRejected(kind types.SessionKind) {
	c.rejected.WithLabelValues(string(kind)).Inc()
}

// JobFinished counts a terminal job and observes its runtime if it ran.
func (c *Collector) JobFinished(kind types.SessionKind, state types.JobState, runtime time.Duration) {
	c.finished.WithLabelValues(string(kind), string(state)).Inc()
	if runtime > 0 {
		c.runtime.WithLabelValues(string(kind), string(state)).Observe(runtime.Seconds())
	}
}

// UpdateStats refreshes the gauges from a manager snapshot.
func (c *Collector) UpdateStats(s types.Stats) {
	c.pending.WithLabelValues(string(s.Domain)).Set(float64(s.Pending))
	c.running.WithLabelValues(string(s.Domain)).Set(float64(s.Running))
}

// Handler serves the metrics of the registry the collector registered with.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// Server exposes /metrics over HTTP.
type Server struct {
	srv *http.Server
	log *slog.Logger
}

// NewServer creates a metrics server listening on addr (for example ":9090").
func NewServer(addr string, c *Collector, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("Metrics server listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Metrics server failed", "error", err)
		}
	}()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
