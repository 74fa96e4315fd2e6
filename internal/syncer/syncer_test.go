package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nnamdi/cafepos/internal/models"
	"github.com/nnamdi/cafepos/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore is an in-memory localstore.Store for engine tests
type memStore struct {
	mu        sync.Mutex
	seq       int
	rows      map[string]*models.QueuedOrder
	insertErr error
}

func newMemStore() *memStore {
	return &memStore{rows: map[string]*models.QueuedOrder{}}
}

func (m *memStore) Initialize(ctx context.Context) error { return nil }
func (m *memStore) Close() error                         { return nil }

func (m *memStore) Insert(ctx context.Context, payload models.OrderPayload) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return "", m.insertErr
	}
	m.seq++
	id := fmt.Sprintf("q%d", m.seq)
	m.rows[id] = &models.QueuedOrder{
		QueueID:   id,
		Payload:   payload,
		Status:    models.QueueStatusPending,
		CreatedAt: payload.CreatedAt,
	}
	return id, nil
}

func (m *memStore) Get(ctx context.Context, queueID string) (*models.QueuedOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qo, ok := m.rows[queueID]
	if !ok {
		return nil, models.ErrDataNotFound
	}
	cp := *qo
	return &cp, nil
}

func (m *memStore) GetAll(ctx context.Context) ([]models.QueuedOrder, error) {
	return m.list(func(*models.QueuedOrder) bool { return true }, false), nil
}

func (m *memStore) GetPending(ctx context.Context) ([]models.QueuedOrder, error) {
	return m.list(func(qo *models.QueuedOrder) bool {
		return qo.Status == models.QueueStatusPending || qo.Status == models.QueueStatusFailed
	}, true), nil
}

func (m *memStore) list(keep func(*models.QueuedOrder) bool, asc bool) []models.QueuedOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.QueuedOrder{}
	for _, qo := range m.rows {
		if keep(qo) {
			out = append(out, *qo)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if asc {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out
}

func (m *memStore) UpdateStatus(ctx context.Context, queueID, status, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	qo, ok := m.rows[queueID]
	if !ok || qo.Status == models.QueueStatusSynced {
		return nil
	}
	qo.Status = status
	qo.ErrorMessage = errorMessage
	if status == models.QueueStatusSynced {
		now := time.Now().UnixMilli()
		qo.SyncedAt = &now
	}
	return nil
}

func (m *memStore) IncrementAttempt(ctx context.Context, queueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if qo, ok := m.rows[queueID]; ok {
		qo.Attempts++
		now := time.Now().UnixMilli()
		qo.LastAttemptAt = &now
	}
	return nil
}

func (m *memStore) Stats(ctx context.Context) (*models.SyncStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := models.SyncStats{Total: len(m.rows)}
	for _, qo := range m.rows {
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

// fakeSender records create calls and fails on demand
type fakeSender struct {
	mu      sync.Mutex
	calls   []models.OrderPayload
	failFor map[string]bool // keyed by clientOrderId
	failAll bool
	block   chan struct{} // when set, calls wait here
	started chan struct{} // signaled once per call before blocking
}

func (f *fakeSender) CreateOrder(ctx context.Context, payload models.OrderPayload) (*remote.CreateOrderResult, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	f.calls = append(f.calls, payload)
	failed := f.failAll || f.failFor[payload.ClientOrderID]
	f.mu.Unlock()
	if failed {
		return nil, errors.New("send timeout")
	}
	return &remote.CreateOrderResult{ID: "rec_" + payload.ClientOrderID}, nil
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSender) callOrder() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, len(f.calls))
	for i, p := range f.calls {
		out[i] = p.CreatedAt
	}
	return out
}

func newTestEngine(store *memStore, sender *fakeSender, opts *Options) *Engine {
	return New(store, sender, opts, zap.NewNop())
}

func seedPending(store *memStore, createdAt int64, clientOrderID string) string {
	id, _ := store.Insert(context.Background(), models.OrderPayload{
		Items:         []models.OrderItem{{Name: "Rice", Price: 1500, Quantity: 1}},
		Total:         1500,
		PaymentMethod: models.PaymentMethodCash,
		Status:        models.OrderStatusCompleted,
		CashierCode:   "C100",
		ClientOrderID: clientOrderID,
		CreatedAt:     createdAt,
	})
	return id
}

func TestEngine_EnqueueReturnsPendingImmediately(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{}
	engine := newTestEngine(store, sender, nil)

	qo, err := engine.Enqueue(context.Background(), models.OrderPayload{
		Items:         []models.OrderItem{{Name: "Rice", Price: 1500, Quantity: 1}},
		Total:         1500,
		PaymentMethod: models.PaymentMethodCash,
		Status:        models.OrderStatusCompleted,
		CashierCode:   "C100",
		CreatedAt:     1000,
	})
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, qo.Status)
	assert.NotEmpty(t, qo.Payload.ClientOrderID, "idempotency key must be assigned at enqueue")
	assert.Equal(t, int64(1000), qo.CreatedAt, "business time must be preserved")

	engine.sends.Wait()
	row, err := store.Get(context.Background(), qo.QueueID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusSynced, row.Status)
	assert.Equal(t, 1, sender.callCount())
}

func TestEngine_EnqueueOfflineThenSweepRecovers(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{failAll: true}
	engine := newTestEngine(store, sender, &Options{RecentTTL: time.Millisecond})

	qo, err := engine.Enqueue(context.Background(), models.OrderPayload{
		Items:         []models.OrderItem{{Name: "Rice", Price: 1500, Quantity: 1}},
		Total:         1500,
		PaymentMethod: models.PaymentMethodCash,
		Status:        models.OrderStatusCompleted,
		CashierCode:   "C100",
		ClientOrderID: "abc",
		CreatedAt:     1000,
	})
	require.NoError(t, err)
	engine.sends.Wait()

	row, err := store.Get(context.Background(), qo.QueueID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusFailed, row.Status)
	assert.Equal(t, 1, row.Attempts)
	assert.NotEmpty(t, row.ErrorMessage)

	// connection restored
	sender.mu.Lock()
	sender.failAll = false
	sender.mu.Unlock()
	time.Sleep(5 * time.Millisecond) // recent exclusion expires

	res := engine.SyncSweep(context.Background())
	assert.Equal(t, models.SweepResult{Synced: 1, Failed: 0, Total: 1}, res)

	row, err = store.Get(context.Background(), qo.QueueID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusSynced, row.Status)

	// the retry reused the original idempotency key
	require.Equal(t, 2, sender.callCount())
	assert.Equal(t, "abc", sender.calls[0].ClientOrderID)
	assert.Equal(t, "abc", sender.calls[1].ClientOrderID)
}

func TestEngine_SweepSendsOldestFirst(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{}
	engine := newTestEngine(store, sender, nil)

	seedPending(store, 3000, "c3")
	seedPending(store, 1000, "c1")
	seedPending(store, 2000, "c2")

	res := engine.SyncSweep(context.Background())
	assert.Equal(t, models.SweepResult{Synced: 3, Failed: 0, Total: 3}, res)
	assert.Equal(t, []int64{1000, 2000, 3000}, sender.callOrder())
}

func TestEngine_SweepCountsPartialFailure(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{failFor: map[string]bool{"c2": true, "c4": true}}
	engine := newTestEngine(store, sender, nil)

	ids := map[string]string{}
	for i := 1; i <= 5; i++ {
		key := fmt.Sprintf("c%d", i)
		ids[key] = seedPending(store, int64(i*1000), key)
	}

	res := engine.SyncSweep(context.Background())
	assert.Equal(t, models.SweepResult{Synced: 3, Failed: 2, Total: 5}, res)

	for _, key := range []string{"c2", "c4"} {
		row, err := store.Get(context.Background(), ids[key])
		require.NoError(t, err)
		assert.Equal(t, models.QueueStatusFailed, row.Status)
		assert.Equal(t, 1, row.Attempts)
	}

	// failed orders stay eligible: the next sweep picks up exactly those two
	sender.mu.Lock()
	sender.failFor = nil
	sender.mu.Unlock()
	res = engine.SyncSweep(context.Background())
	assert.Equal(t, models.SweepResult{Synced: 2, Failed: 0, Total: 2}, res)
}

func TestEngine_SyncedOrdersAreNeverTouchedAgain(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{}
	engine := newTestEngine(store, sender, nil)

	id := seedPending(store, 1000, "c1")
	require.Equal(t, models.SweepResult{Synced: 1, Failed: 0, Total: 1}, engine.SyncSweep(context.Background()))

	before, err := store.Get(context.Background(), id)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res := engine.SyncSweep(context.Background())
		assert.Equal(t, models.SweepResult{}, res)
	}

	after, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusSynced, after.Status)
	assert.Equal(t, before.Attempts, after.Attempts)
	assert.Equal(t, 1, sender.callCount())
}

func TestEngine_ConcurrentSweepIsNoOp(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	engine := newTestEngine(store, sender, nil)

	seedPending(store, 1000, "c1")

	first := make(chan models.SweepResult)
	go func() { first <- engine.SyncSweep(context.Background()) }()

	<-sender.started // first sweep is mid-send

	res := engine.SyncSweep(context.Background())
	assert.Equal(t, models.SweepResult{}, res, "re-entrant sweep must return zero counts")

	close(sender.block)
	assert.Equal(t, models.SweepResult{Synced: 1, Failed: 0, Total: 1}, <-first)
	assert.Equal(t, 1, sender.callCount(), "order must not be sent twice")
}

func TestEngine_SweepSkipsRecentlySubmitted(t *testing.T) {
	store := newMemStore()
	sender := &fakeSender{
		block:   make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	engine := newTestEngine(store, sender, nil)

	_, err := engine.Enqueue(context.Background(), models.OrderPayload{
		Items:         []models.OrderItem{{Name: "Rice", Price: 1500, Quantity: 1}},
		Total:         1500,
		PaymentMethod: models.PaymentMethodCash,
		Status:        models.OrderStatusCompleted,
		CashierCode:   "C100",
		CreatedAt:     1000,
	})
	require.NoError(t, err)

	<-sender.started // best-effort send is in flight

	res := engine.SyncSweep(context.Background())
	assert.Equal(t, models.SweepResult{Synced: 0, Failed: 0, Total: 1}, res)

	close(sender.block)
	engine.sends.Wait()
	assert.Equal(t, 1, sender.callCount(), "in-flight order must not be swept")
}

func TestEngine_EnqueueStorageErrorPropagates(t *testing.T) {
	store := newMemStore()
	store.insertErr = models.ErrStorageUnavailable
	engine := newTestEngine(store, &fakeSender{}, nil)

	_, err := engine.Enqueue(context.Background(), models.OrderPayload{
		Items:       []models.OrderItem{{Name: "Rice", Price: 1500, Quantity: 1}},
		Total:       1500,
		CashierCode: "C100",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrStorageUnavailable))
}

func TestEngine_PendingCount(t *testing.T) {
	store := newMemStore()
	engine := newTestEngine(store, &fakeSender{}, nil)

	seedPending(store, 1000, "c1")
	id := seedPending(store, 2000, "c2")
	require.NoError(t, store.UpdateStatus(context.Background(), id, models.QueueStatusFailed, "err"))

	count, err := engine.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
