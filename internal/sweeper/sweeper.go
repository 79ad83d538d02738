// Package sweeper removes uploaded images that no record refers to. Such
// blobs are left behind when the process stops between writing an image and
// inserting its record.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"calibration-backend/config"
	"calibration-backend/internal/blob"
	"calibration-backend/internal/metrics"
)

// References reports which blob keys are in use.
type References interface {
	ImageKeys(ctx context.Context) (map[string]struct{}, error)
}

// Blobs lists and removes stored blobs.
type Blobs interface {
	Keys(ctx context.Context) ([]blob.Object, error)
	Remove(ctx context.Context, key string) error
}

// Sweeper periodically deletes unreferenced blobs.
type Sweeper struct {
	cfg    config.SweeperConfig
	refs   References
	blobs  Blobs
	clock  clockwork.Clock
	logger *slog.Logger
}

// New creates a Sweeper. A nil clock means the wall clock.
func New(cfg config.SweeperConfig, refs References, blobs Blobs, clock clockwork.Clock, logger *slog.Logger) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		cfg:    cfg,
		refs:   refs,
		blobs:  blobs,
		clock:  clock,
		logger: logger.With("component", "sweeper"),
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		s.logger.Info("sweeper is disabled, not starting")
		return
	}
	s.logger.Info("starting sweeper", "interval", s.cfg.Interval, "grace", s.cfg.Grace)

	s.sweepAndLog(ctx)

	timer := s.clock.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper shutting down")
			return
		case <-timer.Chan():
			s.sweepAndLog(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	removed, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info("sweep finished", "removed", removed)
	}
}

// SweepOnce removes every blob that is older than the grace period and not
// referenced by a record. It returns the number of blobs removed.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	// Blobs are listed before references are read. The grace period covers
	// images whose record insert is still in flight.
	objects, err := s.blobs.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list blobs: %w", err)
	}
	if len(objects) == 0 {
		return 0, nil
	}
	refs, err := s.refs.ImageKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load image references: %w", err)
	}

	cutoff := s.clock.Now().Add(-s.cfg.Grace)
	removed := 0
	for _, obj := range objects {
		if _, ok := refs[obj.Key]; ok {
			continue
		}
		if obj.ModTime.After(cutoff) {
			continue
		}
		if err := s.blobs.Remove(ctx, obj.Key); err != nil {
			s.logger.Warn("failed to remove orphaned blob", "key", obj.Key, "error", err)
			continue
		}
		s.logger.Debug("removed orphaned blob", "key", obj.Key, "modified", obj.ModTime.Format(time.RFC3339))
		metrics.BlobsSwept.Inc()
		removed++
	}
	return removed, nil
}
