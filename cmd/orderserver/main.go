package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/nnamdi/cafepos/config"
	handler "github.com/nnamdi/cafepos/internal/handler/http"
	"github.com/nnamdi/cafepos/internal/repository"
	"github.com/nnamdi/cafepos/internal/repository/postgres"
	"github.com/nnamdi/cafepos/internal/service"
	"github.com/nnamdi/cafepos/internal/worker"
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

	// initialize database
	db, err := postgres.New(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("Error initializing database", zap.Error(err))
	}
	defer db.Close()

	// migrate database
	if err := db.Migrate(); err != nil {
		logger.Fatal("Error migrating database", zap.Error(err))
	}

	// dependency injection
	orderRepo := repository.NewOrderRepository(db)
	orderService := service.NewOrderService(orderRepo, logger)
	orderHandler := handler.NewOrderHandler(orderService, logger)

	// background reconciliation of legacy duplicates
	sweeper := worker.NewDuplicateSweeper(orderService, cfg.ReconcileInterval, logger)
	go sweeper.Run(ctx)

	router := chi.NewRouter()

	router.Use(handler.Logging(logger))

	router.Post("/api/orders", orderHandler.CreateOrder())
	router.Get("/api/orders/recent", orderHandler.RecentOrders())
	router.Get("/api/ping", handler.Ping())
	router.Head("/api/ping", handler.Ping())

	logger.Info("Running order service", zap.String("addr", cfg.ServerAddr))

	srv := &http.Server{Addr: cfg.ServerAddr, Handler: router}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("Error starting server", zap.Error(err))
	}
}
