// Package retention implements two background sweepers: periodic age-based
// clipboard eviction and stale-session eviction, each a ticker-driven loop
// started alongside the server's other background goroutines.
package retention

import (
	"context"
	"log/slog"
	"time"

	"go.krypton.dev/krypton/internal/clipboard"
	"go.krypton.dev/krypton/internal/domain"
)

// CleanupConfig configures the age-based clipboard sweep.
type CleanupConfig struct {
	// Enabled gates the sweeper; disabled by default.
	Enabled bool
	// IntervalHours between sweeps, clamped to >=1.
	IntervalHours int
	// WarmupDelay before the first sweep, clamped to >=1 minute.
	WarmupDelay time.Duration
	// RetentionDays for all content types.
	RetentionDays int
	// ImageRetentionDays, if >0, overrides RetentionDays for IMAGE rows only.
	ImageRetentionDays int
}

func (c CleanupConfig) interval() time.Duration {
	hours := c.IntervalHours
	if hours < 1 {
		hours = 1
	}
	return time.Duration(hours) * time.Hour
}

func (c CleanupConfig) warmup() time.Duration {
	if c.WarmupDelay < time.Minute {
		return time.Minute
	}
	return c.WarmupDelay
}

// RunCleanupSweeper blocks, running clipSvc.CleanupOlderThan on every tick,
// until ctx is cancelled. No-op if cfg.Enabled is false.
func RunCleanupSweeper(ctx context.Context, cfg CleanupConfig, clipSvc *clipboard.Service) {
	if !cfg.Enabled {
		return
	}

	select {
	case <-time.After(cfg.warmup()):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(cfg.interval())
	defer ticker.Stop()

	for {
		sweepOnce(ctx, cfg, clipSvc)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func sweepOnce(ctx context.Context, cfg CleanupConfig, clipSvc *clipboard.Service) {
	if cfg.RetentionDays > 0 {
		// When image retention has its own window, the general sweep
		// excludes IMAGE rows so they're only evicted on the image-specific
		// schedule below, not double-evicted against whichever window hits
		// first.
		types := []domain.ContentType{domain.ContentText, domain.ContentFile}
		if cfg.ImageRetentionDays <= 0 {
			types = append(types, domain.ContentImage)
		}
		for _, t := range types {
			n, err := clipSvc.CleanupOlderThan(ctx, cfg.RetentionDays, t)
			if err != nil {
				slog.Error("retention sweep failed", "contentType", t, "err", err)
			} else if n > 0 {
				slog.Info("retention sweep evicted entries", "contentType", t, "count", n, "days", cfg.RetentionDays)
			}
		}
	}
	if cfg.ImageRetentionDays > 0 {
		n, err := clipSvc.CleanupOlderThan(ctx, cfg.ImageRetentionDays, domain.ContentImage)
		if err != nil {
			slog.Error("image retention sweep failed", "err", err)
		} else if n > 0 {
			slog.Info("image retention sweep evicted entries", "count", n, "days", cfg.ImageRetentionDays)
		}
	}
}

// staleSweepInterval is the fixed cadence for stale-session eviction checks.
const staleSweepInterval = 30 * time.Second

// Terminator is anything that can be forcibly disconnected; satisfied by
// registry.Peer.
type Terminator interface {
	Terminate(reason string)
}

// StaleRegistry is the subset of *registry.Registry the stale-session
// sweeper needs.
type StaleRegistry[P Terminator] interface {
	ListStale(olderThan time.Duration) []P
}

// RunStaleSessionSweeper blocks, evicting sessions whose LastActivity
// exceeds timeout every 30s, until ctx is cancelled.
func RunStaleSessionSweeper[P Terminator](ctx context.Context, reg StaleRegistry[P], timeout time.Duration) {
	ticker := time.NewTicker(staleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, p := range reg.ListStale(timeout) {
				p.Terminate("stale connection")
			}
		case <-ctx.Done():
			return
		}
	}
}
