package workers

import (
	"context"
	"log/slog"
	"time"
)

type ClaimReleaser interface {
	ReleaseStaleClaims(ctx context.Context) (int64, error)
}

// ClaimReaper returns submissions stuck in processing by a crashed worker to
// the ready queue.
type ClaimReaper struct {
	logger   *slog.Logger
	releaser ClaimReleaser

	// How often to look for stale claims
	interval time.Duration
}

func NewClaimReaper(logger *slog.Logger, releaser ClaimReleaser, interval time.Duration) *ClaimReaper {
	return &ClaimReaper{
		logger:   logger,
		releaser: releaser,
		interval: interval,
	}
}

// Start runs one sweep immediately and then one per interval until ctx is done.
func (cr *ClaimReaper) Start(ctx context.Context) {
	cr.logger.Info("Starting claim reaper worker", "interval", cr.interval.String())

	cr.sweep(ctx)

	ticker := time.NewTicker(cr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cr.logger.Info("Claim reaper worker stopped")
			return
		case <-ticker.C:
			cr.sweep(ctx)
		}
	}
}

func (cr *ClaimReaper) sweep(ctx context.Context) {
	count, err := cr.releaser.ReleaseStaleClaims(ctx)
	if err != nil {
		if ctx.Err() == nil {
			cr.logger.Error("Stale claim sweep failed", "error", err)
		}
		return
	}

	if count > 0 {
		cr.logger.Warn("Released stale submission claims", "count", count)
	} else {
		cr.logger.Debug("No stale submission claims")
	}
}
