package history

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Sink — получатель событий истории.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// SinkFunc — адаптер функции к Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Record вызывает f(ctx, ev).
func (f SinkFunc) Record(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Multi раздаёт события нескольким получателям.
type Multi struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewMulti создаёт fan-out. nil-получатели пропускаются.
func NewMulti(logger *slog.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multi{logger: logger}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

// Add добавляет получателя.
func (m *Multi) Add(s Sink) {
	m.sinks = append(m.sinks, s)
}

// Record передаёт событие всем получателям. Всегда возвращает nil.
func (m *Multi) Record(ctx context.Context, ev Event) error {
	for _, s := range m.sinks {
		if err := s.Record(ctx, ev); err != nil {
			m.logger.Warn("failed to record history event",
				"event_type", ev.Type,
				"event_id", ev.ID,
				"error", err,
			)
		}
	}
	return nil
}

// LogSink пишет события в structured log.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink создаёт LogSink с уровнем Debug.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, level: slog.LevelDebug}
}

// Record пишет событие в лог.
func (s *LogSink) Record(ctx context.Context, ev Event) error {
	attrs := []any{
		"event_id", ev.ID,
		"process_instance_id", ev.ProcessInstanceID,
		"execution_id", ev.ExecutionID,
	}
	if ev.VariableName != "" {
		attrs = append(attrs,
			"variable", ev.VariableName,
			"scope_id", ev.ScopeID,
			"source_scope_id", ev.SourceScopeID,
		)
	}
	if ev.JobID != uuid.Nil {
		attrs = append(attrs, "job_id", ev.JobID, "job_type", ev.JobType)
	}
	if ev.Retries != nil {
		attrs = append(attrs, "retries", *ev.Retries)
	}
	if ev.Message != "" {
		attrs = append(attrs, "message", ev.Message)
	}
	s.logger.Log(ctx, s.level, string(ev.Type), attrs...)
	return nil
}
