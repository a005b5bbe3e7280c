// Package worker выполняет async jobs.
//
// # Обзор
//
// Pool — набор воркеров фиксированного размера. Каждый воркер имеет свой
// lease owner и в цикле:
//
//   - захватывает один доступный job (jobs.LeaseManager)
//   - выполняет Handler для job.Type с таймаутом ExecTimeout
//   - продлевает lease каждые LeaseDuration/3
//   - сообщает результат в jobs.RetryScheduler
//
// Если lease потерян во время выполнения, handler отменяется, а его
// результат отбрасывается: job принадлежит новому владельцу.
//
// # Пробуждение
//
// Idle-воркеры просыпаются по тикеру PollInterval (polling fallback)
// или по сигналу NotifyDue. Pool реализует jobs.Notifier, а при заданном
// Conn дополнительно слушает очередь RabbitMQ jobs.due.
//
//	pool := worker.New(worker.Config{
//	    Store:    store,
//	    Retry:    retry,
//	    Registry: registry,
//	    Conn:     mqConn,
//	    Size:     4,
//	    Logger:   logger,
//	})
//	pool.Start(ctx)
//	defer pool.Stop()
//
// # Тесты
//
// RunOnce и Drain выполняют циклы синхронно в вызывающей горутине.
package worker
