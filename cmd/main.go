// cmd/main.go is the application entry point.
// It wires together all layers and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/halloween-slots/internal/clock"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/config"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/database"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/handler"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/ledger"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/locker"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/logger"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/memstore"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/notifier"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/promo"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/repository"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/schedule"
	"github.com/Shivanand-hulikatti/halloween-slots/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.NewSystem()
	hub := notifier.NewHub(log.Named("notifier"))

	// ── 1. Storage backend ───────────────────────────────────────────────
	var (
		ledgerStore  service.Ledger
		bookingStore service.BookingStore
		background   []func(context.Context)
	)
	switch cfg.Backend {
	case config.BackendPostgres:
		pool, err := database.NewPool(ctx, cfg.DB, log)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer pool.Close()
		log.Info("connected to postgres", zap.String("host", cfg.DB.Host), zap.String("db", cfg.DB.DBName))

		if err := database.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		ledgerStore = repository.NewLedgerRepository(pool, clk, cfg.LedgerMaxRetries)
		bookingStore = repository.NewBookingRepository(pool)
		background = append(background, notifier.NewPGListener(pool, hub, log.Named("pglistener")).Run)
	default:
		ledgerStore = ledger.NewMemory(clk)
		bookingStore = memstore.NewBookings()
		log.Warn("using in-memory storage, bookings are lost on restart")
	}

	// ── 2. Idempotency-key lock ──────────────────────────────────────────
	var keyLocker locker.Locker = locker.NewLocal()
	if cfg.RedisAddr != "" {
		redisPool, err := locker.NewRedisPool(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer redisPool.Close()
		keyLocker = locker.NewRedis(redisPool, "")
		log.Info("using redis idempotency lock", zap.String("addr", cfg.RedisAddr))
	}

	// ── 3. Wire up layers ────────────────────────────────────────────────
	svc := service.NewAllocationService(ledgerStore, bookingStore, clk,
		service.WithPaymentTimeout(cfg.PaymentTimeout),
		service.WithOpTimeout(cfg.OpTimeout),
		service.WithPricePerPerson(cfg.PricePerPerson),
		service.WithLocation(cfg.Location),
		service.WithPromos(promo.NewTable(promo.DefaultRules(cfg.EventYear, cfg.Location)...)),
		service.WithLocker(keyLocker),
		service.WithPublisher(hub),
		service.WithLogger(log.Named("service")),
	)

	days, err := schedule.DefaultCalendar(cfg.EventYear, cfg.Location).Days()
	if err != nil {
		return fmt.Errorf("define schedule: %w", err)
	}
	if err := svc.Provision(ctx, days); err != nil {
		return err
	}

	background = append(background,
		notifier.NewPoller(hub, svc, cfg.PollInterval, log.Named("poller")).Run,
		service.NewReconciler(svc, cfg.ReconcileInterval, log.Named("reconciler")).Run,
	)

	var wg sync.WaitGroup
	for _, fn := range background {
		wg.Add(1)
		go func(fn func(context.Context)) {
			defer wg.Done()
			fn(ctx)
		}(fn)
	}

	// ── 4. Start server with graceful shutdown ────────────────────────────
	h := handler.NewAllocationHandler(svc, hub, log.Named("http"))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      handler.NewRouter(h, log.Named("access")),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		stop()
		wg.Wait()
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	wg.Wait()
	log.Info("server stopped")
	return nil
}
