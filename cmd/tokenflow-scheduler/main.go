// Tokenflow Scheduler — анонсирует due jobs.
//
// Таймеры и backoff-повторы становятся due по времени. Scheduler раз в
// секунду находит такие jobs и публикует jobs.due, чтобы воркеры не
// ждали следующего опроса. Лидер выбирается через pg_try_advisory_lock:
// тикает только один экземпляр.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/Tokenflow/internal/config"
	"github.com/shaiso/Tokenflow/internal/mq"
	"github.com/shaiso/Tokenflow/internal/repo"
	"github.com/shaiso/Tokenflow/internal/scheduler"
	"github.com/shaiso/Tokenflow/internal/telemetry"
)

const schedLockKey int64 = 424242

func main() {
	logger := telemetry.SetupLogger()
	logger.Info("starting tokenflow-scheduler")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
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
	logger.Info("database connected")

	schedCfg := scheduler.Config{
		Jobs:      repo.NewJobRepo(pool),
		Logger:    logger,
		BatchSize: cfg.BatchSize * cfg.PoolSize,
	}

	// RabbitMQ
	mqConn, err := mq.NewConnection(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("RabbitMQ not available, only jobs_due metric is exported", "error", err)
	} else {
		defer mqConn.Close()
		if err := mq.SetupTopology(ctx, mqConn); err != nil {
			logger.Warn("failed to setup topology", "error", err)
		}
		schedCfg.Notifier = mq.NewPublisher(mqConn, logger)
	}

	sched := scheduler.New(schedCfg)

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	// scheduler loop
	go func() {
		tk := time.NewTicker(1 * time.Second)
		defer tk.Stop()

		var hasLock bool
		defer func() {
			if hasLock {
				_, _ = pool.Exec(context.Background(), "select pg_advisory_unlock($1)", schedLockKey)
			}
		}()

		for {
			select {
			case <-tk.C:
				// пытаемся стать лидером (или подтвердить лидерство)
				if !hasLock {
					var ok bool
					if err := pool.QueryRow(ctx, "select pg_try_advisory_lock($1)", schedLockKey).Scan(&ok); err != nil {
						logger.Warn("leader lock failed", "error", err)
						continue
					}
					if ok {
						logger.Info("became leader")
					}
					hasLock = ok
				}

				if !hasLock {
					// не лидер — пропускаем тик
					continue
				}

				if n, err := sched.Tick(ctx); err != nil {
					logger.Error("tick failed", "error", err)
				} else if n > 0 {
					logger.Debug("due jobs announced", "count", n)
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	port := ":8081"
	if v := os.Getenv("SCHED_PORT"); v != "" {
		port = ":" + v
	}
	srv := &http.Server{Addr: port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("http server error", "error", err)
	}
	logger.Info("tokenflow-scheduler stopped")
}
