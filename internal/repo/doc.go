// Package repo — хранилище runtime в PostgreSQL (pgx).
//
// Таблицы:
//   - jobs           — очередь async jobs (JobRepo, реализует jobs.Store)
//   - variables      — переменные durable scopes (VariableRepo, variable.Persister)
//   - incidents      — исчерпанные jobs (IncidentRepo)
//   - history_events — архив истории (HistoryRepo, history.Sink)
//
// Схема лежит в schema.sql и применяется Migrate.
package repo
