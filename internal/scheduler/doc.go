// Package scheduler вычисляет время таймеров и анонсирует due jobs.
//
// Структура:
//   - cron.go      — парсинг cron-выражений и "@every", NextDue
//   - scheduler.go — Scheduler: раз в тик публикует jobs.due для due jobs
//
// Использование:
//
//	sched := scheduler.New(scheduler.Config{
//	    Jobs:     jobRepo,
//	    Notifier: publisher, // опционально
//	    Logger:   logger,
//	})
//
//	// Вызывается каждый тик (обычно раз в секунду)
//	if _, err := sched.Tick(ctx); err != nil {
//	    logger.Error("scheduler tick failed", "error", err)
//	}
//
// Leader Election:
//
// Scheduler не реализует leader election самостоятельно.
// Это делается в main.go через pg_try_advisory_lock.
// Метод Tick() вызывается только лидером.
package scheduler
