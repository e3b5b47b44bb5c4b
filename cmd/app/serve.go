package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BuzzLyutic/taskflow-api/internal/config"
	"github.com/BuzzLyutic/taskflow-api/internal/handler"
	"github.com/BuzzLyutic/taskflow-api/internal/middleware"
	"github.com/BuzzLyutic/taskflow-api/internal/migrations"
	"github.com/BuzzLyutic/taskflow-api/internal/queue"
	"github.com/BuzzLyutic/taskflow-api/internal/repo"
	"github.com/BuzzLyutic/taskflow-api/internal/service"
	"github.com/BuzzLyutic/taskflow-api/internal/worker"
)

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the notification workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log.Level)
			if err != nil {
				return err
			}
			defer logger.Sync()

			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	// Подключаем БД
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	logger.Info("Successfully connected to the Database!")

	if cfg.Database.AutoMigrate {
		if err := migrations.Up(ctx, pool, logger); err != nil {
			return err
		}
	}

	qopts := cfg.Queue
	qopts.Logger = logger.Named("queue")
	q, err := queue.Open(ctx, qopts)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	taskRepo := repo.NewTaskRepo(pool)
	taskService := service.NewTaskService(taskRepo, logger)

	// Фоновые воркеры: outbox -> очередь, очередь -> процессор, просрочки
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	var consumers sync.WaitGroup
	var dispatcher *worker.Pool
	var sweeper *worker.Sweeper

	if cfg.Worker.Enabled {
		if rq, ok := q.(*queue.Redis); ok {
			n, err := rq.Recover(ctx)
			if err != nil {
				stopWorkers()
				return fmt.Errorf("recover in-flight jobs: %w", err)
			}
			if n > 0 {
				logger.Info("Requeued in-flight jobs", zap.Int("jobs", n))
			}
		}

		dispatcher = worker.NewPool(taskRepo, q, logger, worker.PoolConfig{
			Workers:      cfg.Worker.Dispatchers,
			Interval:     cfg.Worker.PollInterval,
			BatchSize:    cfg.Worker.BatchSize,
			Lease:        cfg.Worker.Lease,
			RetryBackoff: cfg.Worker.RetryBackoff,
		})
		dispatcher.Start(workerCtx)

		sweeper = worker.NewSweeper(taskRepo, logger, cfg.Worker.OverdueInterval, cfg.Worker.OverdueRenotify)
		sweeper.Start(workerCtx)

		processor := worker.NewProcessor(service.NewStatusService(taskRepo, logger), logger)
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			if err := q.Consume(workerCtx, processor.Handle); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("queue consumer stopped", zap.Error(err))
			}
		}()
	}

	router := handler.NewRouter(handler.RouterConfig{
		Tasks: handler.NewTaskHandler(taskService, logger),
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"database": pool,
			"queue":    q,
		}, logger),
		Auth:           middleware.Identity([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer),
		Logger:         logger,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverErr:
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}

	if dispatcher != nil {
		dispatcher.Stop()
	}
	if sweeper != nil {
		sweeper.Stop()
	}
	stopWorkers()
	consumers.Wait()

	logger.Info("Server stopped successfully!")
	return runErr
}
