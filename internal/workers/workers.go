// Package workers implements background job processing: the media retention
// sweep, batched last-access flushing, signing-key refresh, and the storage
// janitor. Each worker runs on its own ticker; a failure in one cycle never
// stops the loop.
package workers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/amityvox/continuum/internal/events"
	"github.com/amityvox/continuum/internal/keyring"
	"github.com/amityvox/continuum/internal/media"
)

// Manager owns the background worker goroutines.
type Manager struct {
	pool    *pgxpool.Pool
	media   *media.Service
	keyring *keyring.Service
	bus     *events.Bus
	logger  *slog.Logger

	// cleanupInterval is the storage janitor period.
	cleanupInterval time.Duration

	wg sync.WaitGroup
}

// Config holds the configuration for the worker manager.
type Config struct {
	Pool    *pgxpool.Pool
	Media   *media.Service
	Keyring *keyring.Service
	Bus     *events.Bus
	Logger  *slog.Logger
	// CleanupSecondInterval is the janitor period in seconds; zero means 60.
	CleanupSecondInterval int
}

// New creates a worker manager.
func New(cfg Config) *Manager {
	interval := time.Duration(cfg.CleanupSecondInterval) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	return &Manager{
		pool:            cfg.Pool,
		media:           cfg.Media,
		keyring:         cfg.Keyring,
		bus:             cfg.Bus,
		logger:          cfg.Logger,
		cleanupInterval: interval,
	}
}

// Start launches every worker. Workers stop when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.startRetentionWorker(ctx)
	m.startAccessFlushWorker(ctx)
	m.startKeyRefreshWorker(ctx)
	m.startJanitorWorker(ctx)
}

// Wait blocks until all workers have stopped.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// startRetentionWorker runs the media retention sweep on the interval
// derived from the shortest configured retention duration.
func (m *Manager) startRetentionWorker(ctx context.Context) {
	if m.media == nil || !m.media.RetentionEnabled() {
		return
	}
	interval := m.media.SweepInterval()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		m.logger.Info("media retention worker started",
			slog.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.media.RunRetentionSweep(ctx); err != nil {
					m.logger.Error("retention sweep failed", slog.String("error", err.Error()))
					continue
				}
				if m.bus != nil {
					if err := m.bus.Publish(ctx, events.SubjectMediaPurged, events.Event{Type: "RETENTION_SWEEP"}); err != nil {
						m.logger.Debug("publishing sweep notice failed", slog.String("error", err.Error()))
					}
				}
			}
		}
	}()
}

// startAccessFlushWorker drains the batched media last-access updates.
func (m *Manager) startAccessFlushWorker(ctx context.Context) {
	if m.media == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				// Final flush on shutdown.
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := m.media.FlushAccessTimes(flushCtx); err != nil {
					m.logger.Debug("final access flush failed", slog.String("error", err.Error()))
				}
				cancel()
				return
			case <-ticker.C:
				if err := m.media.FlushAccessTimes(ctx); err != nil {
					m.logger.Debug("access flush failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// startKeyRefreshWorker re-fetches remote signing keys approaching their
// validity horizon.
func (m *Manager) startKeyRefreshWorker(ctx context.Context) {
	if m.keyring == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(15 * time.Minute)
		defer ticker.Stop()
		m.logger.Info("signing key refresh worker started")
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.keyring.RefreshAll(ctx)
			}
		}
	}()
}

// startJanitorWorker prunes inbound EDU records and server-key audit rows
// older than seven days on the configured cleanup interval.
func (m *Manager) startJanitorWorker(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.runJanitor(ctx)
			}
		}
	}()
}

// runJanitor performs one cleanup pass. Each statement is independent.
func (m *Manager) runJanitor(ctx context.Context) {
	cutoff := time.Now().Add(-7 * 24 * time.Hour)
	statements := []string{
		`DELETE FROM inbound_receipts WHERE received_at < $1`,
		`DELETE FROM inbound_device_list_updates WHERE received_at < $1`,
		`DELETE FROM inbound_to_device WHERE received_at < $1`,
		`DELETE FROM inbound_signing_key_updates WHERE received_at < $1`,
		`DELETE FROM server_key_audit WHERE detected_at < $1`,
	}
	for _, stmt := range statements {
		if ctx.Err() != nil {
			return
		}
		if _, err := m.pool.Exec(ctx, stmt, cutoff); err != nil {
			m.logger.Debug("janitor statement failed", slog.String("error", err.Error()))
		}
	}
}
