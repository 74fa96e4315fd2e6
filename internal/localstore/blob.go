package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nnamdi/cafepos/internal/models"
	"go.uber.org/zap"
	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"
)

const blobKeyPrefix = "orders/"

// blobRecord is the on-disk document format of the fallback backend
type blobRecord struct {
	QueueID      string              `json:"id"`
	Payload      models.OrderPayload `json:"order"`
	Status       string              `json:"status"`
	Attempts     int                 `json:"attempts"`
	CreatedAt    int64               `json:"createdAt"`
	LastAttempt  *int64              `json:"lastAttempt,omitempty"`
	SyncedAt     *int64              `json:"syncedAt,omitempty"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
}

// BlobStore is the fallback backend of the local order queue. It keeps one
// JSON document per queued order in a file-backed blob bucket. Slower than
// SQLite on scans, but it only has to carry a terminal whose embedded
// database failed to open.
type BlobStore struct {
	dataDir string
	logger  *zap.Logger

	// serializes read-modify-write of individual documents
	mu     sync.Mutex
	bucket *blob.Bucket
}

// NewBlobStore creates a store rooted at dataDir. The bucket is not opened
// until Initialize.
func NewBlobStore(dataDir string, logger *zap.Logger) *BlobStore {
	return &BlobStore{
		dataDir: dataDir,
		logger:  logger,
	}
}

// Initialize opens the bucket directory, creating it if absent
func (b *BlobStore) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bucket != nil {
		return nil
	}

	dir := filepath.Join(b.dataDir, "queue")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create queue dir: %v", models.ErrStorageUnavailable, err)
	}

	bucket, err := fileblob.OpenBucket(dir, &fileblob.Options{CreateDir: true})
	if err != nil {
		return fmt.Errorf("%w: open bucket: %v", models.ErrStorageUnavailable, err)
	}
	b.bucket = bucket
	return nil
}

// Close closes the bucket
func (b *BlobStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bucket == nil {
		return nil
	}
	err := b.bucket.Close()
	b.bucket = nil
	return err
}

func (b *BlobStore) ready() (*blob.Bucket, error) {
	if b.bucket == nil {
		return nil, models.ErrStorageUnavailable
	}
	return b.bucket, nil
}

func blobKey(queueID string) string {
	return blobKeyPrefix + queueID + ".json"
}

// Insert persists a new queued order with status pending
func (b *BlobStore) Insert(ctx context.Context, payload models.OrderPayload) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket, err := b.ready()
	if err != nil {
		return "", err
	}

	createdAt := payload.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}

	rec := blobRecord{
		QueueID:   NewQueueID(),
		Payload:   payload,
		Status:    models.QueueStatusPending,
		CreatedAt: createdAt,
	}
	if err := b.writeRecord(ctx, bucket, &rec); err != nil {
		return "", err
	}

	b.logger.Debug("order saved to blob queue", zap.String("queue_id", rec.QueueID))
	return rec.QueueID, nil
}

// Get returns a single queued order
func (b *BlobStore) Get(ctx context.Context, queueID string) (*models.QueuedOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket, err := b.ready()
	if err != nil {
		return nil, err
	}

	rec, err := b.readRecord(ctx, bucket, queueID)
	if err != nil {
		return nil, err
	}
	qo := rec.toQueuedOrder()
	return &qo, nil
}

// GetAll returns every queued order, newest first
func (b *BlobStore) GetAll(ctx context.Context) ([]models.QueuedOrder, error) {
	orders, err := b.list(ctx, nil)
	if err != nil {
		return nil, err
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt > orders[j].CreatedAt })
	return orders, nil
}

// GetPending returns orders awaiting sync, oldest first
func (b *BlobStore) GetPending(ctx context.Context) ([]models.QueuedOrder, error) {
	orders, err := b.list(ctx, func(qo *models.QueuedOrder) bool {
		return qo.Status == models.QueueStatusPending || qo.Status == models.QueueStatusFailed
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt < orders[j].CreatedAt })
	return orders, nil
}

func (b *BlobStore) list(ctx context.Context, keep func(*models.QueuedOrder) bool) ([]models.QueuedOrder, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket, err := b.ready()
	if err != nil {
		return nil, err
	}

	orders := []models.QueuedOrder{}
	iter := bucket.List(&blob.ListOptions{Prefix: blobKeyPrefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		data, err := bucket.ReadAll(ctx, obj.Key)
		if err != nil {
			b.logger.Debug("skipping unreadable queue document", zap.String("key", obj.Key), zap.Error(err))
			continue
		}
		var rec blobRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			b.logger.Debug("skipping malformed queue document", zap.String("key", obj.Key), zap.Error(err))
			continue
		}
		qo := rec.toQueuedOrder()
		if keep == nil || keep(&qo) {
			orders = append(orders, qo)
		}
	}
	return orders, nil
}

// UpdateStatus sets the status of a queued order. Unknown queue ids are
// logged and ignored, a synced order never leaves synced.
func (b *BlobStore) UpdateStatus(ctx context.Context, queueID, status, errorMessage string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket, err := b.ready()
	if err != nil {
		return err
	}

	rec, err := b.readRecord(ctx, bucket, queueID)
	if err != nil {
		if errors.Is(err, models.ErrDataNotFound) {
			b.logger.Debug("queue status update skipped", zap.String("queue_id", queueID))
			return nil
		}
		return err
	}
	if rec.Status == models.QueueStatusSynced {
		return nil
	}

	now := time.Now().UnixMilli()
	rec.Status = status
	rec.LastAttempt = &now
	rec.ErrorMessage = errorMessage
	if status == models.QueueStatusSynced {
		rec.SyncedAt = &now
	}
	return b.writeRecord(ctx, bucket, rec)
}

// IncrementAttempt bumps the attempt counter and stamps the attempt time
func (b *BlobStore) IncrementAttempt(ctx context.Context, queueID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket, err := b.ready()
	if err != nil {
		return err
	}

	rec, err := b.readRecord(ctx, bucket, queueID)
	if err != nil {
		if errors.Is(err, models.ErrDataNotFound) {
			return nil
		}
		return err
	}

	now := time.Now().UnixMilli()
	rec.Attempts++
	rec.LastAttempt = &now
	return b.writeRecord(ctx, bucket, rec)
}

// Stats returns per-status queue counts
func (b *BlobStore) Stats(ctx context.Context) (*models.SyncStats, error) {
	orders, err := b.list(ctx, nil)
	if err != nil {
		return nil, err
	}

	stats := models.SyncStats{Total: len(orders)}
	for _, qo := range orders {
		switch qo.Status {
		case models.QueueStatusPending:
			stats.Pending++
		case models.QueueStatusSyncing:
			stats.Syncing++
		case models.QueueStatusSynced:
			stats.Synced++
		case models.QueueStatusFailed:
			stats.Failed++
		}
	}
	return &stats, nil
}

func (b *BlobStore) readRecord(ctx context.Context, bucket *blob.Bucket, queueID string) (*blobRecord, error) {
	data, err := bucket.ReadAll(ctx, blobKey(queueID))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, models.ErrDataNotFound
		}
		return nil, fmt.Errorf("read queue document: %w", err)
	}
	var rec blobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal queue document: %w", err)
	}
	return &rec, nil
}

func (b *BlobStore) writeRecord(ctx context.Context, bucket *blob.Bucket, rec *blobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal queue document: %w", err)
	}
	if err := bucket.WriteAll(ctx, blobKey(rec.QueueID), data, nil); err != nil {
		return fmt.Errorf("write queue document: %w", err)
	}
	return nil
}

func (r *blobRecord) toQueuedOrder() models.QueuedOrder {
	return models.QueuedOrder{
		QueueID:       r.QueueID,
		Payload:       r.Payload,
		Status:        r.Status,
		Attempts:      r.Attempts,
		CreatedAt:     r.CreatedAt,
		LastAttemptAt: r.LastAttempt,
		SyncedAt:      r.SyncedAt,
		ErrorMessage:  r.ErrorMessage,
	}
}
