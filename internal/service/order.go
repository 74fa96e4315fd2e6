package service

import (
	"context"
	"errors"
	"sort"

	"github.com/nnamdi/cafepos/internal/models"
	"go.uber.org/zap"
)

// reconcileWindowMs is how far apart two orders may be created and still be
// merged by the batch reconciliation pass
const reconcileWindowMs = 60_000

// OrderRepository is interface for interacting with stored order records
type OrderRepository interface {
	// CreateOrder inserts new order record
	CreateOrder(ctx context.Context, record *models.OrderRecord) (*models.OrderRecord, error)
	// GetByClientOrderID returns the order carrying the given idempotency key
	GetByClientOrderID(ctx context.Context, clientOrderID string) (*models.OrderRecord, error)
	// FindByContent returns the earliest order matching the legacy content key
	FindByContent(ctx context.Context, createdAt int64, total float64, cashierCode, status string) (*models.OrderRecord, error)
	// GetOrdersChronological returns every order by business creation time
	GetOrdersChronological(ctx context.Context) ([]models.OrderRecord, error)
	// GetRecentOrders returns the latest orders, newest first
	GetRecentOrders(ctx context.Context, limit int) ([]models.OrderRecord, error)
	// DeleteOrder removes one order record
	DeleteOrder(ctx context.Context, id string) error
}

// OrderService accepts order submissions idempotently. Clients may retry the
// same logical order an unbounded number of times across sweeps and
// restarts; correctness lives here, not in client bookkeeping.
type OrderService struct {
	repo   OrderRepository
	logger *zap.Logger
}

// NewOrderService creates new OrderService instance
func NewOrderService(repo OrderRepository, logger *zap.Logger) *OrderService {
	return &OrderService{
		repo:   repo,
		logger: logger,
	}
}

// Create stores an order unless it is a retransmission of one already
// stored. Dedup runs in two tiers:
//  1. exact match on clientOrderId, the authoritative idempotency key;
//  2. content equality on (createdAt, total, cashierCode, status), a
//     best-effort fallback kept for clients that predate idempotency keys.
//     It only applies when the submission or the matched record is missing
//     a key; two distinct clientOrderIds are two orders no matter how alike
//     their content is.
func (os *OrderService) Create(ctx context.Context, payload models.OrderPayload) (*models.OrderRecord, bool, error) {
	if err := validatePayload(&payload); err != nil {
		return nil, false, err
	}

	if payload.ClientOrderID != "" {
		existing, err := os.repo.GetByClientOrderID(ctx, payload.ClientOrderID)
		if err == nil {
			os.logger.Debug("duplicate order detected by clientOrderId",
				zap.String("client_order_id", payload.ClientOrderID),
				zap.String("order_id", existing.ID))
			return existing, true, nil
		}
		if !errors.Is(err, models.ErrDataNotFound) {
			return nil, false, err
		}
	}

	existing, err := os.repo.FindByContent(ctx, payload.CreatedAt, payload.Total, payload.CashierCode, payload.Status)
	if err != nil && !errors.Is(err, models.ErrDataNotFound) {
		return nil, false, err
	}
	// the key is authoritative whenever both sides carry one: a content match
	// between two distinct clientOrderIds is two genuine orders
	if err == nil && (payload.ClientOrderID == "" || existing.ClientOrderID == "") {
		os.logger.Debug("duplicate order detected by content",
			zap.Int64("created_at", payload.CreatedAt),
			zap.Float64("total", payload.Total),
			zap.String("order_id", existing.ID))
		return existing, true, nil
	}

	record := &models.OrderRecord{
		Items:         payload.Items,
		Total:         payload.Total,
		PaymentMethod: payload.PaymentMethod,
		Status:        payload.Status,
		OrderType:     payload.OrderType,
		CashierCode:   payload.CashierCode,
		CashierName:   payload.CashierName,
		ClientOrderID: payload.ClientOrderID,
		CreatedAt:     payload.CreatedAt,
	}
	if record.OrderType == "" {
		record.OrderType = models.OrderTypeRegular
	}

	record, err = os.repo.CreateOrder(ctx, record)
	if err != nil {
		// two in-flight submissions with the same key can both miss the
		// lookup; the unique index decides, the loser re-reads the winner
		if errors.Is(err, models.ErrConflictData) && payload.ClientOrderID != "" {
			existing, lookupErr := os.repo.GetByClientOrderID(ctx, payload.ClientOrderID)
			if lookupErr == nil {
				return existing, true, nil
			}
		}
		return nil, false, err
	}

	os.logger.Debug("order stored",
		zap.String("order_id", record.ID),
		zap.Float64("total", record.Total),
		zap.String("cashier_code", record.CashierCode))
	return record, false, nil
}

// RecentOrders returns the latest stored orders
func (os *OrderService) RecentOrders(ctx context.Context, limit int) ([]models.OrderRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	return os.repo.GetRecentOrders(ctx, limit)
}

// ReconcileDuplicates merges duplicate groups left behind by clients that
// predate idempotency keys. Orders matching on (total, cashierCode, item
// count) within a sixty second window form a group; the earliest stored
// record survives, the rest are deleted. This is an offline cleanup pass,
// not part of the live request path.
func (os *OrderService) ReconcileDuplicates(ctx context.Context) (int, error) {
	orders, err := os.repo.GetOrdersChronological(ctx)
	if err != nil {
		return 0, err
	}

	visited := map[string]bool{}
	removed := 0

	for i := 0; i < len(orders); i++ {
		if visited[orders[i].ID] {
			continue
		}
		group := []models.OrderRecord{orders[i]}
		visited[orders[i].ID] = true

		for j := i + 1; j < len(orders); j++ {
			if visited[orders[j].ID] {
				continue
			}
			a, b := orders[i], orders[j]
			if a.Total == b.Total &&
				a.CashierCode == b.CashierCode &&
				len(a.Items) == len(b.Items) &&
				absInt64(a.CreatedAt-b.CreatedAt) <= reconcileWindowMs {
				group = append(group, b)
				visited[b.ID] = true
			}
		}

		if len(group) < 2 {
			continue
		}

		// keep the earliest by storage-insertion time
		sort.Slice(group, func(x, y int) bool {
			return group[x].InsertedAt.Before(group[y].InsertedAt)
		})
		for _, dup := range group[1:] {
			if err := os.repo.DeleteOrder(ctx, dup.ID); err != nil {
				os.logger.Error("failed to remove duplicate order",
					zap.String("order_id", dup.ID),
					zap.Error(err))
				continue
			}
			removed++
		}
		os.logger.Info("merged duplicate order group",
			zap.String("kept", group[0].ID),
			zap.Int("removed", len(group)-1),
			zap.Float64("total", group[0].Total))
	}

	return removed, nil
}

func validatePayload(payload *models.OrderPayload) error {
	if len(payload.Items) == 0 {
		return models.ErrInvalidOrder
	}
	if payload.Total < 0 {
		return models.ErrInvalidOrder
	}
	if payload.CashierCode == "" {
		return models.ErrInvalidOrder
	}
	switch payload.PaymentMethod {
	case models.PaymentMethodCash, models.PaymentMethodCard, models.PaymentMethodTransfer:
	default:
		return models.ErrInvalidOrder
	}
	switch payload.Status {
	case models.OrderStatusPending, models.OrderStatusCompleted, models.OrderStatusCancelled:
	default:
		return models.ErrInvalidOrder
	}
	if payload.CreatedAt == 0 {
		return models.ErrInvalidOrder
	}
	return nil
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
