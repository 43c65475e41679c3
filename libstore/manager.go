package libstore

import (
	"context"
	"time"

	"github.com/quay/zlog"

	"github.com/kestrelrobotics/vulnstore/enricher/nvd"
)

// DefaultInterval is the default period of the background enrichment
// runner.
const DefaultInterval = 30 * time.Minute

// Manager runs the enrichment pipeline on a fixed interval.
//
// Cancellation is observed between iterations, never mid-transaction:
// an in-flight batch finishes its current record before the loop
// exits.
type Manager struct {
	enricher  *nvd.Enricher
	interval  time.Duration
	batchSize int
}

// NewManager returns a manager ready to have its Start or Run methods
// called. Non-positive arguments select the defaults.
func NewManager(e *nvd.Enricher, interval time.Duration, batchSize int) *Manager {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if batchSize <= 0 {
		batchSize = nvd.DefaultBatchSize
	}
	return &Manager{enricher: e, interval: interval, batchSize: batchSize}
}

// Start runs enrichment batches at the configured interval.
//
// Start is designed to be run as a goroutine. Cancel the provided ctx
// to end the loop; the context's error is returned.
func (m *Manager) Start(ctx context.Context) error {
	ctx = zlog.ContextWithValues(ctx, "component", "libstore/Manager.Start")

	zlog.Info(ctx).Msg("starting initial enrichment")
	if err := m.Run(ctx); err != nil {
		zlog.Error(ctx).Err(err).Msg("error while running enrichment")
	}

	zlog.Info(ctx).Str("interval", m.interval.String()).Msg("starting background enrichment")
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := m.Run(ctx); err != nil {
				zlog.Error(ctx).Err(err).Msg("error while running enrichment")
			}
		}
	}
}

// Run performs a single enrichment batch. It is safe to call at any
// time, regardless of whether the background loop is running.
func (m *Manager) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := m.enricher.RunBatch(ctx, m.batchSize)
	if err != nil {
		return err
	}
	zlog.Debug(ctx).Int("updated", n).Msg("enrichment batch finished")
	return nil
}
