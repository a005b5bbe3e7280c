// Package history записывает аудит-события runtime: изменения переменных,
// переходы jobs и execution.
//
// Sink — получатель событий. Реализации:
//   - LogSink — structured log (slog)
//   - RedisSink — Redis stream (XADD)
//   - repo.HistoryRepo — таблица history_events в PostgreSQL
//   - mq.Publisher — exchange history.events в RabbitMQ
//
// Multi раздаёт событие всем получателям. Ошибки получателей логируются
// и никогда не возвращаются вызывающему: история не влияет на корректность
// jobs и переменных.
package history
