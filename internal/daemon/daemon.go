// Package daemon runs the background sync loops.
//
// The daemon:
// 1. Drains the outbound change queue on a short interval
// 2. Polls the push relay for remote-originated events
// 3. Periodically refreshes the active subset from the remote
// 4. Records the last-app-close anchor on graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/workmirror/workmirror/internal/queue"
	"github.com/workmirror/workmirror/internal/relay"
	"github.com/workmirror/workmirror/internal/service"
	"github.com/workmirror/workmirror/internal/store"
)

// Config holds configuration for the daemon.
type Config struct {
	// DrainInterval is how often the outbound queue is drained.
	DrainInterval time.Duration

	// RelayPollInterval is how often the push relay is polled.
	RelayPollInterval time.Duration

	// ActiveImportInterval is how often the active subset is refreshed.
	ActiveImportInterval time.Duration

	// Logger for daemon activity.
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval:        15 * time.Second,
		RelayPollInterval:    30 * time.Second,
		ActiveImportInterval: 5 * time.Minute,
		Logger:               slog.Default(),
	}
}

// Notifier receives sync lifecycle events for the shell. Implementations must
// not block.
type Notifier interface {
	Notify(event string)
}

// Daemon orchestrates the periodic sync loops.
type Daemon struct {
	svc      *service.Service
	drainer  *queue.Drainer
	poller   *relay.Poller
	store    *store.Store
	notifier Notifier
	config   *Config

	// one reentrancy guard per loop; a tick that finds its previous run
	// still going skips instead of stacking
	drainRunning  atomic.Bool
	pollRunning   atomic.Bool
	importRunning atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon. poller and notifier may be nil; the relay loop and
// shell notifications are then disabled.
func New(svc *service.Service, drainer *queue.Drainer, poller *relay.Poller, st *store.Store, notifier Notifier, config *Config) (*Daemon, error) {
	if svc == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if drainer == nil {
		return nil, fmt.Errorf("drainer cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		svc:      svc,
		drainer:  drainer,
		poller:   poller,
		store:    st,
		notifier: notifier,
		config:   config,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// A delta import runs first to cover edits made while the daemon was down,
// then the periodic loops start. Start blocks until ctx is cancelled or the
// daemon is stopped.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Info("starting daemon")

	if _, err := d.svc.ImportDelta(ctx); err != nil {
		d.config.Logger.Warn("startup delta import failed",
			slog.String("error", err.Error()))
	} else {
		d.notify("delta_import_complete")
	}

	d.wg.Add(2)
	go d.drainLoop()
	go d.importLoop()
	if d.poller != nil {
		d.wg.Add(1)
		go d.relayLoop()
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon and records the last-app-close
// anchor so the next startup's delta import covers exactly the downtime.
func (d *Daemon) Stop() error {
	d.config.Logger.Info("stopping daemon")

	d.cancel()
	d.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.SetLastAppClose(ctx, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to record app close: %w", err)
	}

	d.config.Logger.Info("daemon stopped")
	return nil
}

func (d *Daemon) drainLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if !d.drainRunning.CompareAndSwap(false, true) {
				continue
			}
			report, err := d.drainer.Drain(d.ctx)
			d.drainRunning.Store(false)
			if err != nil {
				d.config.Logger.Warn("queue drain failed",
					slog.String("error", err.Error()))
				continue
			}
			if report.Delivered > 0 {
				d.notify("queue_drained")
			}
		}
	}
}

func (d *Daemon) relayLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.RelayPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if !d.pollRunning.CompareAndSwap(false, true) {
				continue
			}
			report, err := d.poller.Poll(d.ctx)
			d.pollRunning.Store(false)
			if err != nil {
				d.config.Logger.Warn("relay poll failed",
					slog.String("error", err.Error()))
				continue
			}
			if report.Ingested > 0 || report.Trashed > 0 {
				d.notify("records_ingested")
			}
		}
	}
}

func (d *Daemon) importLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.ActiveImportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if !d.importRunning.CompareAndSwap(false, true) {
				continue
			}
			_, err := d.svc.ImportActive(d.ctx)
			d.importRunning.Store(false)
			if err != nil {
				d.config.Logger.Warn("active import failed",
					slog.String("error", err.Error()))
				continue
			}
			d.notify("active_import_complete")
		}
	}
}

func (d *Daemon) notify(event string) {
	if d.notifier != nil {
		d.notifier.Notify(event)
	}
}
