// posagent owns the offline-first order queue of one POS terminal. The
// cashier UI talks to it over loopback: checkout enqueues locally and
// returns at once, the agent confirms orders against the order service in
// the background.
package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/nnamdi/cafepos/config"
	"github.com/nnamdi/cafepos/internal/connmon"
	handler "github.com/nnamdi/cafepos/internal/handler/http"
	"github.com/nnamdi/cafepos/internal/localstore"
	"github.com/nnamdi/cafepos/internal/models"
	"github.com/nnamdi/cafepos/internal/remote"
	"github.com/nnamdi/cafepos/internal/syncer"
	"go.uber.org/zap"
)

// newLogger creates logger with log level
func newLogger(level string) (*zap.Logger, error) {

	loggerLvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	loggerCfg := zap.NewProductionConfig()
	loggerCfg.Level = loggerLvl

	return loggerCfg.Build()
}

func main() {

	// create new config
	cfg, err := config.New()
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	// initialize logger
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Error initializing logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// open the local queue, sqlite first with blob fallback
	store, err := localstore.Open(ctx, cfg.DataDir, logger)
	if err != nil {
		logger.Fatal("Error opening local order store", zap.Error(err))
	}
	defer store.Close()

	client := remote.New(cfg.OrderServiceAddr)

	monitor := connmon.New(client.Ping, &connmon.Options{
		ProbeInterval:  cfg.ProbeInterval,
		OnlineDebounce: cfg.OnlineDebounce,
	}, logger)
	defer monitor.Close()

	engine := syncer.New(store, client, &syncer.Options{
		SweepInterval: cfg.SweepInterval,
	}, logger)
	go engine.Run(ctx, monitor)

	router := chi.NewRouter()

	router.Use(handler.Logging(logger))

	router.Post("/api/checkout", checkout(engine, logger))
	router.Post("/api/sync", syncNow(engine))
	router.Get("/api/queue/stats", queueStats(engine, monitor))
	router.Get("/api/queue/orders", queueOrders(engine))

	logger.Info("Running POS agent", zap.String("addr", cfg.AgentAddr))

	srv := &http.Server{Addr: cfg.AgentAddr, Handler: router}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("Error starting agent", zap.Error(err))
	}
}

// checkout records a completed sale. The response is written as soon as the
// order is durable locally; syncing is a background concern.
func checkout(engine *syncer.Engine, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload models.OrderPayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		qo, err := engine.Enqueue(r.Context(), payload)
		if err != nil {
			// the one unrecoverable condition: the sale is recorded nowhere
			logger.Error("checkout could not be recorded", zap.Error(err))
			http.Error(w, "order could not be saved", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"queueId":       qo.QueueID,
			"clientOrderId": qo.Payload.ClientOrderID,
			"status":        qo.Status,
		})
	}
}

// syncNow runs a user-initiated sweep
func syncNow(engine *syncer.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := engine.SyncSweep(r.Context())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	}
}

// queueStats powers the pending-count badge in the cashier UI
func queueStats(engine *syncer.Engine, monitor *connmon.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := engine.Stats(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(struct {
			*models.SyncStats
			Online bool `json:"online"`
		}{stats, monitor.IsOnline()})
	}
}

// queueOrders returns the local order history, newest first
func queueOrders(engine *syncer.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		orders, err := engine.History(r.Context())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toHistoryView(orders))
	}
}

type historyEntry struct {
	QueueID      string  `json:"queueId"`
	Total        float64 `json:"total"`
	Status       string  `json:"status"`
	Attempts     int     `json:"attempts"`
	CreatedAt    int64   `json:"createdAt"`
	SyncedAt     *int64  `json:"syncedAt,omitempty"`
	ErrorMessage string  `json:"errorMessage,omitempty"`
}

func toHistoryView(orders []models.QueuedOrder) []historyEntry {
	out := make([]historyEntry, 0, len(orders))
	for _, qo := range orders {
		out = append(out, historyEntry{
			QueueID:      qo.QueueID,
			Total:        qo.Payload.Total,
			Status:       qo.Status,
			Attempts:     qo.Attempts,
			CreatedAt:    qo.CreatedAt,
			SyncedAt:     qo.SyncedAt,
			ErrorMessage: qo.ErrorMessage,
		})
	}
	return out
}
