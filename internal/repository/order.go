package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/nnamdi/cafepos/internal/models"
	"github.com/nnamdi/cafepos/internal/repository/postgres"
)

const pgErrUniqueViolationCode = "23505"

const (
	insertOrderQuery = `
						INSERT INTO orders (id, items, total, payment_method, status, order_type, cashier_code, cashier_name, client_order_id, created_at)
						VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
						RETURNING inserted_at
`
	selectOrderColumns = `
						SELECT id, items, total, payment_method, status, order_type, cashier_code, cashier_name, client_order_id, created_at, inserted_at FROM orders
`
	selectOrderByClientIDQuery = selectOrderColumns + `
						WHERE client_order_id = $1
`
	selectOrderByContentQuery = selectOrderColumns + `
						WHERE created_at = $1 AND total = $2 AND cashier_code = $3 AND status = $4
						ORDER BY inserted_at ASC
						LIMIT 1
`
	selectOrdersChronoQuery = selectOrderColumns + `
						ORDER BY created_at ASC, inserted_at ASC
`
	selectRecentOrdersQuery = selectOrderColumns + `
						ORDER BY created_at DESC
						LIMIT $1
`
	deleteOrderQuery = `
						DELETE FROM orders WHERE id = $1
`
)

// OrderRepository stores accepted orders
type OrderRepository struct {
	db *postgres.DB
}

// NewOrderRepository creates new OrderRepository instance
func NewOrderRepository(db *postgres.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// CreateOrder inserts new order record. The unique index on client_order_id
// is the last line of defense against concurrent duplicate submissions, a
// violation surfaces as ErrConflictData.
func (or *OrderRepository) CreateOrder(ctx context.Context, record *models.OrderRecord) (*models.OrderRecord, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	items, err := json.Marshal(record.Items)
	if err != nil {
		return nil, fmt.Errorf("marshal items: %w", err)
	}

	err = or.db.QueryRow(ctx, insertOrderQuery,
		record.ID,
		items,
		record.Total,
		record.PaymentMethod,
		record.Status,
		record.OrderType,
		record.CashierCode,
		nullable(record.CashierName),
		nullable(record.ClientOrderID),
		record.CreatedAt,
	).Scan(&record.InsertedAt)
	if err != nil {
		if errCode := or.db.ErrorCode(err); errCode == pgErrUniqueViolationCode {
			return nil, models.ErrConflictData
		}
		return nil, err
	}

	return record, nil
}

// GetByClientOrderID returns the order carrying the given idempotency key
func (or *OrderRepository) GetByClientOrderID(ctx context.Context, clientOrderID string) (*models.OrderRecord, error) {
	row := or.db.QueryRow(ctx, selectOrderByClientIDQuery, clientOrderID)
	record, err := scanOrderRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrDataNotFound
		}
		return nil, err
	}
	return record, nil
}

// FindByContent returns the earliest stored order matching the legacy
// content-equality key: millisecond timestamp, total, cashier and status
func (or *OrderRepository) FindByContent(ctx context.Context, createdAt int64, total float64, cashierCode, status string) (*models.OrderRecord, error) {
	row := or.db.QueryRow(ctx, selectOrderByContentQuery, createdAt, total, cashierCode, status)
	record, err := scanOrderRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrDataNotFound
		}
		return nil, err
	}
	return record, nil
}

// GetOrdersChronological returns every stored order ordered by business
// creation time, used by the duplicate reconciliation pass
func (or *OrderRepository) GetOrdersChronological(ctx context.Context) ([]models.OrderRecord, error) {
	rows, err := or.db.Query(ctx, selectOrdersChronoQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOrderRecords(rows)
}

// GetRecentOrders returns the latest orders, newest first
func (or *OrderRepository) GetRecentOrders(ctx context.Context, limit int) ([]models.OrderRecord, error) {
	rows, err := or.db.Query(ctx, selectRecentOrdersQuery, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectOrderRecords(rows)
}

// DeleteOrder removes one order record
func (or *OrderRepository) DeleteOrder(ctx context.Context, id string) error {
	cmd, err := or.db.Exec(ctx, deleteOrderQuery, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return models.ErrDataNotFound
	}
	return nil
}

func collectOrderRecords(rows pgx.Rows) ([]models.OrderRecord, error) {
	records := []models.OrderRecord{}
	for rows.Next() {
		record, err := scanOrderRecord(rows)
		if err != nil {
			continue
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func scanOrderRecord(row pgx.Row) (*models.OrderRecord, error) {
	var (
		record        models.OrderRecord
		items         []byte
		cashierName   *string
		clientOrderID *string
	)
	err := row.Scan(
		&record.ID,
		&items,
		&record.Total,
		&record.PaymentMethod,
		&record.Status,
		&record.OrderType,
		&record.CashierCode,
		&cashierName,
		&clientOrderID,
		&record.CreatedAt,
		&record.InsertedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &record.Items); err != nil {
		return nil, fmt.Errorf("unmarshal items: %w", err)
	}
	if cashierName != nil {
		record.CashierName = *cashierName
	}
	if clientOrderID != nil {
		record.ClientOrderID = *clientOrderID
	}
	return &record, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
