package worker

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type OrderReconciler interface {
	ReconcileDuplicates(ctx context.Context) (int, error)
}

// DuplicateSweeper is worker that periodically merges legacy duplicate
// orders left behind by clients without idempotency keys
type DuplicateSweeper struct {
	svc      OrderReconciler
	interval time.Duration
	logger   *zap.Logger
}

// NewDuplicateSweeper creates new duplicate sweeper
func NewDuplicateSweeper(svc OrderReconciler, interval time.Duration, logger *zap.Logger) *DuplicateSweeper {
	return &DuplicateSweeper{svc: svc, interval: interval, logger: logger}
}

// Run reconciles on a fixed interval until ctx is done
func (ds *DuplicateSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(ds.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ds.logger.Debug("duplicate sweeper is done")
			return
		case <-ticker.C:
			removed, err := ds.svc.ReconcileDuplicates(ctx)
			if err != nil {
				ds.logger.Error("error reconciling duplicate orders", zap.Error(err))
				continue
			}
			if removed > 0 {
				ds.logger.Info("removed duplicate orders", zap.Int("count", removed))
			}
		}
	}
}
