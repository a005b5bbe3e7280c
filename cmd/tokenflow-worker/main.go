// Tokenflow Worker — выполняет async jobs и таймеры.
//
// Worker:
//   - Хранит jobs, переменные и incidents в PostgreSQL
//   - Захватывает due jobs под lease, выполняет в пуле воркеров
//   - При ошибке списывает попытку и переносит due date по backoff
//   - Исчерпанные jobs превращает в incidents
//   - Просыпается по сообщениям jobs.due из RabbitMQ, иначе опрашивает БД
//
// Workers масштабируются горизонтально: координация только через lease
// в таблице jobs.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Tokenflow/internal/config"
	"github.com/shaiso/Tokenflow/internal/history"
	"github.com/shaiso/Tokenflow/internal/jobs"
	"github.com/shaiso/Tokenflow/internal/mq"
	"github.com/shaiso/Tokenflow/internal/repo"
	"github.com/shaiso/Tokenflow/internal/runtime"
	"github.com/shaiso/Tokenflow/internal/telemetry"
	"github.com/shaiso/Tokenflow/internal/worker"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger()
	logger.Info("starting tokenflow-worker")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	backoff, err := cfg.Backoff()
	if err != nil {
		logger.Error("invalid retry backoff", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.DBURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := repo.Migrate(ctx, pool); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}
	logger.Info("database connected")

	historySinks := []history.Sink{repo.NewHistoryRepo(pool)}
	var incidentSinks []jobs.IncidentSink
	var notifiers []jobs.Notifier

	// RabbitMQ
	mqConn, err := mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
		mqConn = nil
	} else {
		defer mqConn.Close()
		logger.Info("RabbitMQ connected")

		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}

		publisher := mq.NewPublisher(mqConn, logger)
		notifiers = append(notifiers, publisher)
		incidentSinks = append(incidentSinks, publisher)
		historySinks = append(historySinks, publisher)
	}

	// Redis history stream (опционально)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis not available, history stream disabled", "error", err)
		} else {
			historySinks = append(historySinks, history.NewRedisSink(history.RedisConfig{
				Client: rdb,
				Stream: cfg.HistoryStream,
				MaxLen: 100_000,
			}))
			logger.Info("Redis connected", "stream", cfg.HistoryStream)
		}
	}

	rt := runtime.New(runtime.Config{
		Store:         repo.NewJobRepo(pool),
		Persister:     repo.NewVariableRepo(pool),
		Incidents:     repo.NewIncidentRepo(pool),
		IncidentSinks: incidentSinks,
		History:       historySinks,
		Notifiers:     notifiers,
		Backoff:       backoff,
		MaxRetries:    cfg.MaxRetries,
		Worker: worker.Config{
			Conn:          mqConn,
			Size:          cfg.PoolSize,
			PollInterval:  cfg.PollInterval,
			BatchSize:     cfg.BatchSize,
			LeaseDuration: cfg.LeaseDuration,
			ExecTimeout:   cfg.ExecTimeout,
		},
		Logger: logger,
	})
	rt.RegisterHandler(runtime.HTTPJobType, runtime.HTTPBody(&http.Client{Timeout: cfg.ExecTimeout}))

	if err := rt.Start(ctx); err != nil {
		logger.Error("failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              ":" + cfg.WorkerPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	// Останавливаем пул: прерванные jobs возвращаются без списания попытки
	rt.Stop()
	logger.Info("tokenflow-worker stopped")
}
