package platform

import (
	"context"
	"errors"
	"sync"

	"github.com/ChuLiYu/sessionjobs/internal/config"
	"github.com/ChuLiYu/sessionjobs/internal/jobmanager"
)

var (
	// ErrInitialized is returned by Init when a platform is already running.
	ErrInitialized = errors.New("platform already initialized")
	// ErrNotInitialized is returned by Shutdown before Init.
	ErrNotInitialized = errors.New("platform not initialized")
)

var (
	globalMu sync.RWMutex
	global   *Platform
)

// Init creates and starts the process-wide platform.
func Init(ctx context.Context, cfg *config.Config, opts ...Option) (*Platform, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if global != nil {
		return nil, ErrInitialized
	}
	p := New(cfg, opts...)
	if err := p.Start(ctx); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}
	global = p
	return p, nil
}

// Current returns the process-wide platform, or nil before Init.
func Current() *Platform {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return global
}

// ClientJobs returns the process-wide client job manager. It panics before
// Init.
func ClientJobs() *jobmanager.Manager {
	return mustCurrent().client
}

// ServerJobs returns the process-wide server job manager. It panics before
// Init.
func ServerJobs() *jobmanager.Manager {
	return mustCurrent().server
}

// Shutdown stops the process-wide platform. Init may be called again
// afterwards.
func Shutdown(ctx context.Context) error {
	globalMu.Lock()
	p := global
	global = nil
	globalMu.Unlock()

	if p == nil {
		return ErrNotInitialized
	}
	return p.Shutdown(ctx)
}

func mustCurrent() *Platform {
	p := Current()
	if p == nil {
		panic("platform: not initialized")
	}
	return p
}
