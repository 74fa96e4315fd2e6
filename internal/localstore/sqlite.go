package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nnamdi/cafepos/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	_ "modernc.org/sqlite"
)

const queueSchema = `
	CREATE TABLE IF NOT EXISTS order_queue (
		id TEXT PRIMARY KEY,
		order_data TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		last_attempt INTEGER,
		synced_at INTEGER,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_order_queue_status ON order_queue(status);
	CREATE INDEX IF NOT EXISTS idx_order_queue_created_at ON order_queue(created_at);
`

const (
	insertQueueQuery = `
						INSERT INTO order_queue (id, order_data, status, attempts, created_at)
						VALUES (?, ?, ?, 0, ?)
`
	selectQueueByIDQuery = `
						SELECT id, order_data, status, attempts, created_at, last_attempt, synced_at, error_message
						FROM order_queue
						WHERE id = ?
`
	selectAllQueueQuery = `
						SELECT id, order_data, status, attempts, created_at, last_attempt, synced_at, error_message
						FROM order_queue
						ORDER BY created_at DESC
`
	selectPendingQueueQuery = `
						SELECT id, order_data, status, attempts, created_at, last_attempt, synced_at, error_message
						FROM order_queue
						WHERE status IN ('pending', 'failed')
						ORDER BY created_at ASC
`
	updateQueueStatusQuery = `
						UPDATE order_queue
						SET status = ?, last_attempt = ?, error_message = ?,
							synced_at = CASE WHEN ? = 'synced' THEN ? ELSE synced_at END
						WHERE id = ? AND status <> 'synced'
`
	incrementAttemptQuery = `
						UPDATE order_queue
						SET attempts = attempts + 1, last_attempt = ?
						WHERE id = ?
`
	selectStatsQuery = `
						SELECT status, COUNT(*) FROM order_queue GROUP BY status
`
)

// SQLiteStore is the embedded database backend of the local order queue
type SQLiteStore struct {
	dataDir string
	logger  *zap.Logger

	mu     sync.RWMutex
	db     *sql.DB
	initSF singleflight.Group
}

// NewSQLiteStore creates a store rooted at dataDir. The database is not
// opened until Initialize.
func NewSQLiteStore(dataDir string, logger *zap.Logger) *SQLiteStore {
	return &SQLiteStore{
		dataDir: dataDir,
		logger:  logger,
	}
}

// Initialize opens the database file and creates the schema. Concurrent
// callers share one flight.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	s.mu.RLock()
	ready := s.db != nil
	s.mu.RUnlock()
	if ready {
		return nil
	}

	_, err, _ := s.initSF.Do("init", func() (interface{}, error) {
		if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create data dir: %v", models.ErrStorageUnavailable, err)
		}

		dbPath := filepath.Join(s.dataDir, "orders.db")
		db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
		if err != nil {
			return nil, fmt.Errorf("%w: open database: %v", models.ErrStorageUnavailable, err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: ping database: %v", models.ErrStorageUnavailable, err)
		}
		if _, err := db.ExecContext(ctx, queueSchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: create schema: %v", models.ErrStorageUnavailable, err)
		}

		s.mu.Lock()
		s.db = db
		s.mu.Unlock()
		return nil, nil
	})
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) conn() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, models.ErrStorageUnavailable
	}
	return s.db, nil
}

// Insert persists a new queued order with status pending
func (s *SQLiteStore) Insert(ctx context.Context, payload models.OrderPayload) (string, error) {
	db, err := s.conn()
	if err != nil {
		return "", err
	}

	queueID := NewQueueID()
	// keep the business timestamp from the payload so local rows line up
	// with what the backend will store
	createdAt := payload.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal order payload: %w", err)
	}

	if _, err := db.ExecContext(ctx, insertQueueQuery, queueID, string(data), models.QueueStatusPending, createdAt); err != nil {
		return "", fmt.Errorf("insert queued order: %w", err)
	}

	s.logger.Debug("order saved to local queue",
		zap.String("queue_id", queueID),
		zap.Int64("created_at", createdAt))

	return queueID, nil
}

// Get returns a single queued order
func (s *SQLiteStore) Get(ctx context.Context, queueID string) (*models.QueuedOrder, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, selectQueueByIDQuery, queueID)
	qo, err := scanQueuedOrder(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrDataNotFound
		}
		return nil, err
	}
	return qo, nil
}

// GetAll returns every queued order, newest first
func (s *SQLiteStore) GetAll(ctx context.Context) ([]models.QueuedOrder, error) {
	return s.selectOrders(ctx, selectAllQueueQuery)
}

// GetPending returns orders awaiting sync, oldest first
func (s *SQLiteStore) GetPending(ctx context.Context) ([]models.QueuedOrder, error) {
	return s.selectOrders(ctx, selectPendingQueueQuery)
}

func (s *SQLiteStore) selectOrders(ctx context.Context, query string) ([]models.QueuedOrder, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := []models.QueuedOrder{}
	for rows.Next() {
		qo, err := scanQueuedOrder(rows)
		if err != nil {
			continue
		}
		orders = append(orders, *qo)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

// UpdateStatus sets the status of a queued order. A row already in synced is
// left untouched, and an unknown queue id is logged and ignored so one stale
// row can not corrupt a running sweep.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, queueID, status, errorMessage string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	var errMsg interface{}
	if errorMessage != "" {
		errMsg = errorMessage
	}

	res, err := db.ExecContext(ctx, updateQueueStatusQuery, status, now, errMsg, status, now, queueID)
	if err != nil {
		return fmt.Errorf("update queue status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("queue status update skipped",
			zap.String("queue_id", queueID),
			zap.String("status", status))
	}
	return nil
}

// IncrementAttempt bumps the attempt counter and stamps the attempt time
func (s *SQLiteStore) IncrementAttempt(ctx context.Context, queueID string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, incrementAttemptQuery, time.Now().UnixMilli(), queueID); err != nil {
		return fmt.Errorf("increment attempt: %w", err)
	}
	return nil
}

// Stats returns per-status queue counts
func (s *SQLiteStore) Stats(ctx context.Context) (*models.SyncStats, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, selectStatsQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := models.SyncStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			continue
		}
		switch status {
		case models.QueueStatusPending:
			stats.Pending = count
		case models.QueueStatusSyncing:
			stats.Syncing = count
		case models.QueueStatusSynced:
			stats.Synced = count
		case models.QueueStatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueuedOrder(row rowScanner) (*models.QueuedOrder, error) {
	var (
		qo           models.QueuedOrder
		data         string
		lastAttempt  sql.NullInt64
		syncedAt     sql.NullInt64
		errorMessage sql.NullString
	)
	if err := row.Scan(&qo.QueueID, &data, &qo.Status, &qo.Attempts, &qo.CreatedAt, &lastAttempt, &syncedAt, &errorMessage); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &qo.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal order payload: %w", err)
	}
	if lastAttempt.Valid {
		v := lastAttempt.Int64
		qo.LastAttemptAt = &v
	}
	if syncedAt.Valid {
		v := syncedAt.Int64
		qo.SyncedAt = &v
	}
	if errorMessage.Valid {
		qo.ErrorMessage = errorMessage.String
	}
	return &qo, nil
}

// NewQueueID returns a fresh queue row id
func NewQueueID() string {
	return fmt.Sprintf("queue_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
