// Package main запускает HTTP-сервер банковского леджера.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/bank-ledger/internal/analytics"
	"github.com/mmeshcher/bank-ledger/internal/cache"
	"github.com/mmeshcher/bank-ledger/internal/config"
	"github.com/mmeshcher/bank-ledger/internal/handler"
	"github.com/mmeshcher/bank-ledger/internal/ledger"
	"github.com/mmeshcher/bank-ledger/internal/metrics"
	"github.com/mmeshcher/bank-ledger/internal/middleware"
	"github.com/mmeshcher/bank-ledger/internal/model"
	"github.com/mmeshcher/bank-ledger/internal/notify"
	"github.com/mmeshcher/bank-ledger/internal/repository"
	"github.com/mmeshcher/bank-ledger/internal/service"
)

const notifyQueueSize = 1024

// store объединяет всё, что нужно от хранилища остальным компонентам.
type store interface {
	service.Repository
	CompareAndSetBalance(ctx context.Context, u model.BalanceUpdate) error
	AppendTransaction(ctx context.Context, t model.Transaction) error
	LastBefore(ctx context.Context, accountID string, t time.Time) (model.Transaction, bool, error)
	CountByAccountMonth(ctx context.Context, accountID string, year int, month time.Month) (int, error)
	ListRecent(ctx context.Context, since time.Time, limit int) ([]model.Transaction, error)
	LoginStats(ctx context.Context, from, to time.Time) (model.LoginStats, error)
	LoginCounts(ctx context.Context, from, to time.Time) ([]model.AccountLogins, error)
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo store
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is empty, using in-memory storage")
		repo = repository.NewMemoryRepository()
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	var publisher notify.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.NotifyTopic)
		if err != nil {
			sugar.Fatalw("kafka initialization error", "error", err.Error())
		}
		publisher = kp
	} else {
		publisher = notify.NewLogPublisher(logger)
	}
	defer publisher.Close()
	dispatcher := notify.NewDispatcher(publisher, notifyQueueSize, logger, m)

	mutator := ledger.NewMutator(repo, repo, ledger.Options{
		MaxAttempts: cfg.ApplyMaxAttempts,
		Strategy:    ledger.Strategy(cfg.LedgerStrategy),
		Notifier:    dispatcher,
		Metrics:     m,
		Logger:      logger,
	})

	var stats service.Analytics = analytics.NewAggregator(repo)
	if cfg.RedisAddress != "" {
		client, err := cache.Connect(ctx, cfg.RedisAddress)
		if err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		defer client.Close()
		stats = analytics.NewCachedAggregator(analytics.NewAggregator(repo), cache.NewRedisCache(client, "ledger:"), cfg.CacheTTL, logger, m)
	}

	svc := service.NewService(repo, mutator, stats, dispatcher, logger)
	defer svc.Close()

	if cfg.AdminLogin != "" {
		if err := svc.EnsureAdmin(ctx, cfg.AdminLogin, cfg.AdminPassword); err != nil {
			sugar.Fatalw("admin bootstrap error", "error", err.Error())
		}
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware, metrics.Handler(registry), m)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.RunAddress)
	if err != nil {
		sugar.Fatalw("listen error", "error", err.Error())
	}

	sugar.Infow("starting bank ledger server",
		"addr", ln.Addr().String(),
		"strategy", cfg.LedgerStrategy,
		"postgres", cfg.DatabaseURI != "",
		"kafka", len(cfg.KafkaBrokers) > 0,
		"redis", cfg.RedisAddress != "",
	)
	if err := serve(ctx, server, ln, dispatcher, sugar); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

// serve обслуживает HTTP-запросы на ln до отмены ctx. Диспетчер уведомлений получает
// собственный контекст и останавливается только после server.Shutdown, поэтому уведомления
// запросов, завершившихся во время остановки, тоже доставляются.
func serve(ctx context.Context, server *http.Server, ln net.Listener, dispatcher *notify.Dispatcher, sugar *zap.SugaredLogger) error {
	notifyCtx, stopNotify := context.WithCancel(context.Background())
	defer stopNotify()

	g, ctx := errgroup.WithContext(ctx)

	// Доставка уведомлений до остановки HTTP-сервера
	g.Go(func() error {
		return dispatcher.Run(notifyCtx)
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		defer stopNotify()

		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	return g.Wait()
}
