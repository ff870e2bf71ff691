// Package pipeline runs the background jobs that sit beside the vote path.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polypool/internal/domain"
	"github.com/alanyoungcy/polypool/internal/notify"
)

// archiveLockKey serialises archive runs across replicas.
const archiveLockKey = "archive:ledger"

// Alerter raises operator alerts. notify.Notifier satisfies it.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// ArchiveConfig controls the archive loop.
type ArchiveConfig struct {
	Interval time.Duration
	// LockTTL must outlast one run; a crashed holder blocks others this long.
	LockTTL time.Duration
}

// Archiver exports the ledger to cold storage on a fixed interval. With a
// lock manager, at most one replica archives at a time.
type Archiver struct {
	archiver domain.LedgerArchiver
	locks    domain.LockManager
	alerts   Alerter
	cfg      ArchiveConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewArchiver creates an Archiver. locks and alerts may be nil.
func NewArchiver(archiver domain.LedgerArchiver, locks domain.LockManager, alerts Alerter, cfg ArchiveConfig, logger *slog.Logger) *Archiver {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	return &Archiver{
		archiver: archiver,
		locks:    locks,
		alerts:   alerts,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "archiver")),
		now:      time.Now,
	}
}

// Run executes a single archive run. A run skipped because another replica
// holds the lock is not an error.
func (a *Archiver) Run(ctx context.Context) error {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, archiveLockKey, a.cfg.LockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.InfoContext(ctx, "archive run skipped, lock held elsewhere")
			return nil
		}
		if err != nil {
			return a.fail(ctx, fmt.Errorf("pipeline: archive lock: %w", err))
		}
		defer unlock()
	}

	start := a.now()
	n, err := a.archiver.ArchiveLedger(ctx, start)
	if err != nil {
		return a.fail(ctx, fmt.Errorf("pipeline: archive ledger: %w", err))
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("votes", n),
		slog.Duration("took", a.now().Sub(start)),
	)
	return nil
}

// RunLoop runs immediately and then every interval until ctx ends. Failed
// runs are logged and alerted; the loop keeps going.
func (a *Archiver) RunLoop(ctx context.Context) error {
	a.logger.InfoContext(ctx, "archive loop started", slog.Duration("interval", a.cfg.Interval))

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := a.Run(ctx); err != nil && ctx.Err() == nil {
			a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			a.logger.Info("archive loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Archiver) fail(ctx context.Context, err error) error {
	if a.alerts != nil && ctx.Err() == nil {
		_ = a.alerts.Notify(ctx, notify.EventArchiveFailed, "Ledger archive failed", err.Error())
	}
	return err
}
