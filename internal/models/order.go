package models

import "time"

// payment methods accepted at the till
const (
	PaymentMethodCash     = "cash"
	PaymentMethodCard     = "card"
	PaymentMethodTransfer = "transfer"
)

// order status
const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
)

// order type
const (
	OrderTypeRegular = "regular"
	OrderTypeSpecial = "special"
)

// queue status of a locally persisted order:
// pending is saved locally and not yet sent, syncing has a send attempt in
// flight, synced is confirmed by the order service and never changes again,
// failed is eligible for the next sweep.
const (
	QueueStatusPending = "pending"
	QueueStatusSyncing = "syncing"
	QueueStatusSynced  = "synced"
	QueueStatusFailed  = "failed"
)

// OrderItem is a single line item of an order
type OrderItem struct {
	MenuItemID string  `json:"menuItemId,omitempty"`
	Name       string  `json:"name"`
	Price      float64 `json:"price"`
	Quantity   int     `json:"quantity"`
	Category   string  `json:"category,omitempty"`
	IsCustom   bool    `json:"isCustom,omitempty"`
}

// OrderPayload is the order body rung up at the till. CreatedAt is the
// cashier-side creation time in unix milliseconds and is authoritative for
// business-time ordering. It is not the enqueue time.
type OrderPayload struct {
	Items         []OrderItem `json:"items"`
	Total         float64     `json:"total"`
	PaymentMethod string      `json:"paymentMethod"`
	Status        string      `json:"status"`
	OrderType     string      `json:"orderType,omitempty"`
	CashierCode   string      `json:"cashierCode"`
	CashierName   string      `json:"cashierName,omitempty"`
	ClientOrderID string      `json:"clientOrderId,omitempty"`
	CreatedAt     int64       `json:"createdAt"`
}

// QueuedOrder is one durable row of the local order queue
type QueuedOrder struct {
	QueueID       string
	Payload       OrderPayload
	Status        string
	Attempts      int
	CreatedAt     int64
	LastAttemptAt *int64
	SyncedAt      *int64
	ErrorMessage  string
}

// OrderRecord is the durable, deduplicated server-side representation
// of an accepted order
type OrderRecord struct {
	ID            string      `json:"id"`
	Items         []OrderItem `json:"items"`
	Total         float64     `json:"total"`
	PaymentMethod string      `json:"paymentMethod"`
	Status        string      `json:"status"`
	OrderType     string      `json:"orderType"`
	CashierCode   string      `json:"cashierCode"`
	CashierName   string      `json:"cashierName,omitempty"`
	ClientOrderID string      `json:"clientOrderId,omitempty"`
	CreatedAt     int64       `json:"createdAt"`
	InsertedAt    time.Time   `json:"insertedAt"`
}

// SweepResult is the aggregate outcome of one sync sweep
type SweepResult struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// SyncStats is a per-status breakdown of the local queue
type SyncStats struct {
	Pending int `json:"pending"`
	Syncing int `json:"syncing"`
	Synced  int `json:"synced"`
	Failed  int `json:"failed"`
	Total   int `json:"total"`
}
