// Package localstore persists queued orders on the POS terminal so a sale
// survives process restarts and connectivity loss. Two backends implement the
// same contract: an embedded SQLite database (primary) and a file-backed blob
// bucket (fallback). Callers never need to know which one is active.
package localstore

import (
	"context"
	"fmt"

	"github.com/nnamdi/cafepos/internal/models"
	"go.uber.org/zap"
)

// Store is the durable local order queue contract
type Store interface {
	// Initialize creates the schema if absent. It is idempotent and safe to
	// call concurrently; callers converge on a single initialization.
	Initialize(ctx context.Context) error
	// Insert persists a new order with status pending and returns its queue id.
	Insert(ctx context.Context, payload models.OrderPayload) (string, error)
	// Get returns a single queued order
	Get(ctx context.Context, queueID string) (*models.QueuedOrder, error)
	// GetAll returns every queued order, newest first (display order)
	GetAll(ctx context.Context) ([]models.QueuedOrder, error)
	// GetPending returns orders with status pending or failed, oldest first
	GetPending(ctx context.Context) ([]models.QueuedOrder, error)
	// UpdateStatus sets the status of a queued order. Unknown queue ids are
	// logged and ignored. A synced order never leaves synced.
	UpdateStatus(ctx context.Context, queueID, status, errorMessage string) error
	// IncrementAttempt bumps the attempt counter and stamps the attempt time
	IncrementAttempt(ctx context.Context, queueID string) error
	// Stats returns per-status queue counts
	Stats(ctx context.Context) (*models.SyncStats, error)
	Close() error
}

// Open selects a backend: embedded SQLite first, blob bucket if SQLite cannot
// be opened. Both failing is fatal, an order that cannot be recorded anywhere
// must not be treated as sent.
func Open(ctx context.Context, dataDir string, logger *zap.Logger) (Store, error) {
	sqlite := NewSQLiteStore(dataDir, logger)
	err := sqlite.Initialize(ctx)
	if err == nil {
		logger.Info("order queue using sqlite backend", zap.String("dir", dataDir))
		return sqlite, nil
	}
	logger.Warn("sqlite init failed, falling back to blob backend", zap.Error(err))

	bs := NewBlobStore(dataDir, logger)
	if err := bs.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("open fallback store: %w", err)
	}
	logger.Info("order queue using blob backend", zap.String("dir", dataDir))
	return bs, nil
}
