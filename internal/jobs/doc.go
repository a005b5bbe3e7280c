// Package jobs реализует очередь асинхронных jobs: хранение, lease,
// retries с backoff и incidents.
//
// # Компоненты
//
//   - Store — таблица jobs (MemoryStore, repo.JobRepo для PostgreSQL)
//   - Queue — планирование и операторские операции (reset retries, suspend, delete)
//   - LeaseManager — захват job через compare-and-swap на (lock_owner, lock_expires_at)
//   - RetryScheduler — переходы после выполнения: успех удаляет job,
//     ошибка списывает одну попытку и переносит due date
//   - BackoffPolicy — задержка между попытками (Fixed по умолчанию)
//
// # Жизненный цикл job
//
//	CREATED ──► DUE ──► LEASED ──► (удалён)
//	             ▲         │
//	             └─────────┤ ошибка, retries > 0
//	                       ▼
//	                  EXHAUSTED ──► incident
//
// Предикат захвата:
//
//	due_date <= now AND retries > 0 AND NOT suspended
//	AND (lock_expires_at IS NULL OR lock_expires_at < now)
//
// Exclusive jobs одного process instance не выполняются параллельно.
// Координация между воркерами идёт только через Store (CAS и exclusivity),
// поэтому схема работает и для нескольких процессов над одной БД.
package jobs
