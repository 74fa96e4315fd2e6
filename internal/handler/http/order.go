package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/nnamdi/cafepos/internal/models"
	"go.uber.org/zap"
)

type OrderService interface {
	Create(ctx context.Context, payload models.OrderPayload) (*models.OrderRecord, bool, error)
	RecentOrders(ctx context.Context, limit int) ([]models.OrderRecord, error)
}

// OrderHandler represents HTTP handler for order-related requests
type OrderHandler struct {
	svc    OrderService
	logger *zap.Logger
}

// NewOrderHandler creates new OrderHandler instance
func NewOrderHandler(svc OrderService, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{svc: svc, logger: logger}
}

type createOrderResponse struct {
	ID          string `json:"id"`
	IsDuplicate bool   `json:"isDuplicate"`
}

// CreateOrder accepts one order submission
// 200 — order stored, or recognized as a duplicate of a stored order;
// 400 — malformed request body;
// 422 — payload fails validation;
// 500 — internal error.
func (oh *OrderHandler) CreateOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload models.OrderPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		record, isDuplicate, err := oh.svc.Create(r.Context(), payload)
		if err != nil {
			if errors.Is(err, models.ErrInvalidOrder) {
				http.Error(w, "invalid order payload", http.StatusUnprocessableEntity)
				return
			}
			oh.logger.Error("create order failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(createOrderResponse{
			ID:          record.ID,
			IsDuplicate: isDuplicate,
		})
	}
}

// RecentOrders lists the latest stored orders
func (oh *OrderHandler) RecentOrders() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 10
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			limit = n
		}

		records, err := oh.svc.RecentOrders(r.Context(), limit)
		if err != nil {
			oh.logger.Error("list recent orders failed", zap.Error(err))
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	}
}

// Ping is the lightweight reachability endpoint probed by POS terminals
func Ping() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
}
