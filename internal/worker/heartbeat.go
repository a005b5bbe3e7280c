package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaiso/Tokenflow/internal/domain"
)

// heartbeat продлевает lease выполняющегося job.
type heartbeat struct {
	done      chan struct{}
	wg        sync.WaitGroup
	leaseGone atomic.Bool
}

// startHeartbeat запускает продление lease каждые p.heartbeat.
// При потере lease отменяет контекст handler'а через cancel.
func (p *Pool) startHeartbeat(ctx context.Context, cancel context.CancelFunc, w *worker, job *domain.Job, logger *slog.Logger) *heartbeat {
	hb := &heartbeat{done: make(chan struct{})}

	hb.wg.Add(1)
	go func() {
		defer hb.wg.Done()

		ticker := time.NewTicker(p.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-hb.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				renewed, err := w.lease.Renew(ctx, job)
				if err == nil {
					logger.Debug("lease renewed", "lock_expires_at", renewed.LockExpiresAt)
					continue
				}
				if isLeaseLost(err) {
					hb.leaseGone.Store(true)
					cancel()
					return
				}
				logger.Warn("failed to renew lease", "error", err)
			}
		}
	}()

	return hb
}

// stop останавливает heartbeat и ждёт завершения горутины.
func (hb *heartbeat) stop() {
	close(hb.done)
	hb.wg.Wait()
}

// lost возвращает true, если lease был потерян во время выполнения.
func (hb *heartbeat) lost() bool {
	return hb.leaseGone.Load()
}
