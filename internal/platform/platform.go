// ============================================================================
// Platform - process-wide job domains and their collaborators
// ============================================================================
//
// Package: internal/platform
// File: platform.go
//
// A Platform owns one job manager per session kind and wires the
// collaborators that feed or observe them:
//
//   client jobs ──┐                  ┌── metrics.Collector (/metrics)
//                 ├── Observer ──────┤
//   server jobs ──┘                  └── notify.Hub (websocket)
//        ▲
//        └── tunnel.Server (gRPC) ── services: session.logout, lookup.*
//
// Background loop:
//   statsLoop refreshes the metrics gauges and pushes a notify update every
//   notify.refresh, so idle subscribers still see queue depth changes.
//
// Lifecycle:
//   New -> Start -> [ServeTunnel] -> Shutdown
//   Shutdown stops the tunnel first so no new server jobs arrive, then the
//   client domain (its jobs may still talk to the server), then the server
//   domain, then the HTTP endpoints.
//
// ============================================================================

package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/sessionjobs/internal/config"
	"github.com/ChuLiYu/sessionjobs/internal/jobmanager"
	"github.com/ChuLiYu/sessionjobs/internal/lookup"
	"github.com/ChuLiYu/sessionjobs/internal/metrics"
	"github.com/ChuLiYu/sessionjobs/internal/notify"
	"github.com/ChuLiYu/sessionjobs/internal/tunnel"
	"github.com/ChuLiYu/sessionjobs/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

// Option configures a Platform.
type Option func(*Platform)

// WithLogger sets the logger passed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) { p.log = l }
}

// WithRegistry registers the metrics with reg instead of the prometheus
// default registry.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(p *Platform) { p.registry = reg }
}

// Platform is the set of job domains of one process.
type Platform struct {
	cfg      *config.Config
	log      *slog.Logger
	registry prometheus.Registerer

	client *jobmanager.Manager
	server *jobmanager.Manager

	collector  *metrics.Collector
	metricsSrv *metrics.Server
	hub        *notify.Hub
	notifySrv  *http.Server
	lookup     *lookup.Service

	services   *tunnel.Services
	tunnel     *tunnel.Server
	grpcServer *grpc.Server

	stopCh   chan struct{}
	loopWg   sync.WaitGroup
	stopOnce sync.Once
	stopErr  error
}

// New builds the job domains described by cfg. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) *Platform {
	p := &Platform{
		cfg:      cfg,
		log:      slog.Default(),
		services: tunnel.NewServices(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.collector = metrics.NewCollector(p.registry)
	observers := []jobmanager.Option{
		jobmanager.WithLogger(p.log),
		jobmanager.WithObserver(p.collector),
	}
	if cfg.Notify.Enabled {
		p.hub = notify.NewHub(p.Stats, p.log.With("component", "notify"))
		observers = append(observers, jobmanager.WithObserver(p.hub))
	}

	p.client = jobmanager.New(types.KindClient, cfg.Client, observers...)
	p.server = jobmanager.New(types.KindServer, cfg.Server, observers...)
	p.tunnel = tunnel.NewServer(p.server, p.services, tunnel.WithServerLogger(p.log.With("component", "tunnel")))
	return p
}

// Start starts both job domains and the configured endpoints.
func (p *Platform) Start(ctx context.Context) error {
	if p.cfg.Lookup.DSN != "" {
		svc, err := lookup.Open(ctx, p.cfg.Lookup.DSN)
		if err != nil {
			return err
		}
		p.lookup = svc
		registerLookup(p.services, svc)
	}

	if err := p.server.Start(); err != nil {
		return fmt.Errorf("failed to start server jobs: %w", err)
	}
	if err := p.client.Start(); err != nil {
		return fmt.Errorf("failed to start client jobs: %w", err)
	}

	if p.cfg.Metrics.Enabled {
		p.metricsSrv = metrics.NewServer(p.cfg.Metrics.Address, p.collector, p.log)
		p.metricsSrv.Start()
	}

	if p.hub != nil {
		p.hub.Start()
		mux := http.NewServeMux()
		mux.Handle(p.cfg.Notify.Path, p.hub)
		p.notifySrv = &http.Server{
			Addr:              p.cfg.Notify.Address,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			p.log.Info("Notify endpoint listening", "addr", p.cfg.Notify.Address, "path", p.cfg.Notify.Path)
			if err := p.notifySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				p.log.Error("Notify server failed", "error", err)
			}
		}()
	}

	p.loopWg.Add(1)
	go p.statsLoop()

	p.log.Info("Platform started",
		"client_workers", p.client.Config().Workers,
		"server_workers", p.server.Config().Workers,
		"services", p.services.Names())
	return nil
}

// ServeTunnel serves the service tunnel on lis until Shutdown.
func (p *Platform) ServeTunnel(lis net.Listener) {
	gs := grpc.NewServer()
	p.tunnel.Register(gs)
	p.grpcServer = gs

	go func() {
		p.log.Info("Service tunnel listening", "addr", lis.Addr().String())
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			p.log.Error("Service tunnel failed", "error", err)
		}
	}()
}

// Shutdown stops every component. The job domains get the remaining time
// of ctx, or their configured shutdown timeout when ctx has no deadline.
func (p *Platform) Shutdown(ctx context.Context) error {
	p.stopOnce.Do(func() {
		p.stopErr = p.shutdown(ctx)
	})
	return p.stopErr
}

func (p *Platform) shutdown(ctx context.Context) error {
	var errs []error

	if p.grpcServer != nil {
		p.grpcServer.Stop()
	}

	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			timeout = time.Millisecond
		}
	}
	if err := p.client.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("client jobs: %w", err))
	}
	if err := p.server.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("server jobs: %w", err))
	}

	close(p.stopCh)
	p.loopWg.Wait()

	if p.notifySrv != nil {
		if err := p.notifySrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if p.hub != nil {
		p.hub.Stop()
	}
	if p.metricsSrv != nil {
		if err := p.metricsSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if p.lookup != nil {
		if err := p.lookup.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	p.log.Info("Platform stopped", "error", err)
	return err
}

func (p *Platform) statsLoop() {
	defer p.loopWg.Done()

	interval := p.cfg.Notify.Refresh
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			for _, s := range p.Stats() {
				p.collector.UpdateStats(s)
			}
			if p.hub != nil {
				p.hub.Notify()
			}
		}
	}
}

// ClientJobs returns the client job domain.
func (p *Platform) ClientJobs() *jobmanager.Manager { return p.client }

// ServerJobs returns the server job domain.
func (p *Platform) ServerJobs() *jobmanager.Manager { return p.server }

// Services returns the registry of tunnel operations.
func (p *Platform) Services() *tunnel.Services { return p.services }

// Tunnel returns the service tunnel server.
func (p *Platform) Tunnel() *tunnel.Server { return p.tunnel }

// Hub returns the notify hub, nil when notifications are disabled.
func (p *Platform) Hub() *notify.Hub { return p.hub }

// Stats returns the statistics of both domains.
func (p *Platform) Stats() []types.Stats {
	return []types.Stats{p.client.Stats(), p.server.Stats()}
}
