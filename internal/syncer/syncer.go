// Package syncer drives queued orders from the terminal-local store to the
// order service. Orders are enqueued locally first and confirmed later: the
// common case is online-and-fast, the queue exists for the uncommon case.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nnamdi/cafepos/internal/connmon"
	"github.com/nnamdi/cafepos/internal/localstore"
	"github.com/nnamdi/cafepos/internal/models"
	"github.com/nnamdi/cafepos/internal/remote"
	"go.uber.org/zap"
)

const (
	defaultRecentTTL   = 10 * time.Second
	defaultSendTimeout = 15 * time.Second
)

// OrderSender submits one order to the order service. Implemented by
// remote.Client, faked in tests.
type OrderSender interface {
	CreateOrder(ctx context.Context, payload models.OrderPayload) (*remote.CreateOrderResult, error)
}

// Options configures an Engine
type Options struct {
	// RecentTTL is how long a freshly enqueued order is excluded from
	// sweeps, covering the lifetime of its best-effort send
	RecentTTL time.Duration
	// SendTimeout bounds one send attempt
	SendTimeout time.Duration
	// SweepInterval enables the safety-net periodic sweep, 0 disables it
	SweepInterval time.Duration
}

func (o *Options) withDefaults() Options {
	out := Options{
		RecentTTL:   defaultRecentTTL,
		SendTimeout: defaultSendTimeout,
	}
	if o == nil {
		return out
	}
	if o.RecentTTL > 0 {
		out.RecentTTL = o.RecentTTL
	}
	if o.SendTimeout > 0 {
		out.SendTimeout = o.SendTimeout
	}
	out.SweepInterval = o.SweepInterval
	return out
}

// Engine is the order queue state machine. The local store is the single
// source of truth; the engine only moves rows between statuses.
type Engine struct {
	store  localstore.Store
	sender OrderSender
	logger *zap.Logger
	opts   Options

	// re-entrancy guard: at most one sweep runs at a time
	sweeping atomic.Bool

	// recently enqueued queue ids with an in-flight best-effort send,
	// excluded from sweeps so an order is never sent twice concurrently.
	// Non-durable: loss on crash costs at most one duplicate send, which
	// the server-side dedup absorbs.
	recentMu sync.Mutex
	recent   map[string]time.Time

	sends sync.WaitGroup
}

// New creates an Engine
func New(store localstore.Store, sender OrderSender, opts *Options, logger *zap.Logger) *Engine {
	return &Engine{
		store:  store,
		sender: sender,
		logger: logger,
		opts:   opts.withDefaults(),
		recent: map[string]time.Time{},
	}
}

// Enqueue durably records an order and returns it immediately with status
// pending, then attempts one best-effort send in the background. A storage
// failure propagates to the caller: a sale that cannot be recorded locally
// must not look sent.
func (e *Engine) Enqueue(ctx context.Context, payload models.OrderPayload) (*models.QueuedOrder, error) {
	if payload.CreatedAt == 0 {
		payload.CreatedAt = time.Now().UnixMilli()
	}
	if payload.ClientOrderID == "" {
		payload.ClientOrderID = NewClientOrderID()
	}

	queueID, err := e.store.Insert(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("enqueue order: %w", err)
	}
	e.markRecent(queueID)

	e.logger.Debug("order enqueued",
		zap.String("queue_id", queueID),
		zap.String("client_order_id", payload.ClientOrderID))

	e.sends.Add(1)
	go func() {
		defer e.sends.Done()
		e.bestEffortSend(queueID, payload)
	}()

	return &models.QueuedOrder{
		QueueID:   queueID,
		Payload:   payload,
		Status:    models.QueueStatusPending,
		CreatedAt: payload.CreatedAt,
	}, nil
}

// bestEffortSend makes the single immediate attempt after enqueue. It runs
// detached from the caller's context; failure just leaves the order queued.
func (e *Engine) bestEffortSend(queueID string, payload models.OrderPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.SendTimeout)
	defer cancel()

	result, err := e.sender.CreateOrder(ctx, payload)
	if err != nil {
		e.logger.Warn("immediate send failed, order stays queued",
			zap.String("queue_id", queueID),
			zap.Error(err))
		bgCtx := context.Background()
		_ = e.store.IncrementAttempt(bgCtx, queueID)
		_ = e.store.UpdateStatus(bgCtx, queueID, models.QueueStatusFailed, err.Error())
		return
	}

	if result.IsDuplicate {
		e.logger.Debug("order already stored server-side",
			zap.String("queue_id", queueID),
			zap.String("order_id", result.ID))
	}
	_ = e.store.UpdateStatus(context.Background(), queueID, models.QueueStatusSynced, "")
	e.logger.Debug("order synced", zap.String("queue_id", queueID), zap.String("order_id", result.ID))
}

// SyncSweep re-attempts every pending and failed order, oldest first,
// sequentially. A concurrent call while a sweep is running returns a zero
// result. One failed order never aborts the sweep.
func (e *Engine) SyncSweep(ctx context.Context) models.SweepResult {
	if !e.sweeping.CompareAndSwap(false, true) {
		e.logger.Debug("sync sweep already in progress, skipping")
		return models.SweepResult{}
	}
	defer e.sweeping.Store(false)

	pending, err := e.store.GetPending(ctx)
	if err != nil {
		e.logger.Error("sweep could not read pending orders", zap.Error(err))
		return models.SweepResult{}
	}

	res := models.SweepResult{Total: len(pending)}
	for _, qo := range pending {
		if e.isRecent(qo.QueueID) {
			e.logger.Debug("skipping recently submitted order", zap.String("queue_id", qo.QueueID))
			continue
		}

		_ = e.store.UpdateStatus(ctx, qo.QueueID, models.QueueStatusSyncing, "")

		sendCtx, cancel := context.WithTimeout(ctx, e.opts.SendTimeout)
		result, err := e.sender.CreateOrder(sendCtx, qo.Payload)
		cancel()

		if err != nil {
			_ = e.store.IncrementAttempt(ctx, qo.QueueID)
			_ = e.store.UpdateStatus(ctx, qo.QueueID, models.QueueStatusFailed, err.Error())
			res.Failed++
			e.logger.Error("failed to sync order",
				zap.String("queue_id", qo.QueueID),
				zap.Error(err))
			continue
		}

		_ = e.store.UpdateStatus(ctx, qo.QueueID, models.QueueStatusSynced, "")
		res.Synced++
		e.logger.Debug("order synced",
			zap.String("queue_id", qo.QueueID),
			zap.String("order_id", result.ID),
			zap.Bool("duplicate", result.IsDuplicate))
	}

	e.logger.Info("sync sweep complete",
		zap.Int("synced", res.Synced),
		zap.Int("failed", res.Failed),
		zap.Int("total", res.Total))
	return res
}

// Run subscribes to connectivity transitions and keeps sweeping until ctx is
// done. An offline-to-online transition triggers a sweep, as does the
// optional safety-net ticker.
func (e *Engine) Run(ctx context.Context, monitor *connmon.Monitor) {
	unsubscribe := monitor.Subscribe(func(online bool) {
		if !online {
			return
		}
		go e.SyncSweep(ctx)
	})
	defer unsubscribe()

	if e.opts.SweepInterval <= 0 {
		<-ctx.Done()
		e.logger.Debug("sync engine stopped")
		return
	}

	ticker := time.NewTicker(e.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Debug("sync engine stopped")
			return
		case <-ticker.C:
			if monitor.IsOnline() {
				e.SyncSweep(ctx)
			}
		}
	}
}

// Stats reports the queue breakdown for the UI status badge
func (e *Engine) Stats(ctx context.Context) (*models.SyncStats, error) {
	return e.store.Stats(ctx)
}

// PendingCount returns the number of orders still awaiting sync
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	stats, err := e.store.Stats(ctx)
	if err != nil {
		return 0, err
	}
	return stats.Pending + stats.Failed, nil
}

// History returns all locally recorded orders, newest first
func (e *Engine) History(ctx context.Context) ([]models.QueuedOrder, error) {
	return e.store.GetAll(ctx)
}

func (e *Engine) markRecent(queueID string) {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	e.recent[queueID] = time.Now().Add(e.opts.RecentTTL)
}

func (e *Engine) isRecent(queueID string) bool {
	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	deadline, ok := e.recent[queueID]
	if !ok {
		return false
	}
	if time.Now().After(deadline) {
		delete(e.recent, queueID)
		return false
	}
	return true
}

// NewClientOrderID returns a fresh idempotency key. Generated once per order
// attempt and never regenerated on retry.
func NewClientOrderID() string {
	return fmt.Sprintf("order_%d_%s", time.Now().UnixMilli(), uuid.NewString()[:9])
}
