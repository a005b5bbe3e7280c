package history

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/Tokenflow/internal/domain"
	"github.com/shaiso/Tokenflow/internal/variable"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:            server.Addr(),
		Protocol:        2,
		DisableIdentity: true,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisSink_RecordAndRead(t *testing.T) {
	ctx := context.Background()
	client := newRedisClient(t)
	sink := NewRedisSink(RedisConfig{Client: client, Stream: "test:history"})

	job := &domain.Job{
		ID:                uuid.New(),
		Type:              "charge",
		ExecutionID:       uuid.New(),
		ProcessInstanceID: uuid.New(),
		Retries:           4,
		ExceptionMessage:  "boom",
	}
	at := time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)

	if err := sink.Record(ctx, FromJob(EventJobFailed, job, at)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := sink.Record(ctx, FromJob(EventJobSucceeded, job, at)); err != nil {
		t.Fatalf("Record: %v", err)
	}

	n, err := client.XLen(ctx, "test:history").Result()
	if err != nil {
		t.Fatalf("XLen: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 stream entries, got %d", n)
	}

	events, err := sink.Read(ctx, 10)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	first := events[0]
	if first.Type != EventJobFailed || first.JobID != job.ID || first.Message != "boom" {
		t.Errorf("unexpected first event: %+v", first)
	}
	if first.Retries == nil || *first.Retries != 4 {
		t.Errorf("expected retries=4, got %v", first.Retries)
	}
	if events[1].Type != EventJobSucceeded {
		t.Errorf("expected %s, got %s", EventJobSucceeded, events[1].Type)
	}
}

func TestRedisSink_ServerDown(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:            server.Addr(),
		Protocol:        2,
		DisableIdentity: true,
		MaxRetries:      -1,
	})
	defer func() { _ = client.Close() }()
	server.Close()

	sink := NewRedisSink(RedisConfig{Client: client})
	if err := sink.Record(context.Background(), Event{ID: uuid.New(), Type: EventJobScheduled}); err == nil {
		t.Error("expected error when redis is down")
	}
}

func TestMulti_SwallowsErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	var delivered []EventType
	failing := SinkFunc(func(context.Context, Event) error { return errors.New("sink down") })
	ok := SinkFunc(func(_ context.Context, ev Event) error {
		delivered = append(delivered, ev.Type)
		return nil
	})

	m := NewMulti(logger, failing, nil, ok)
	if err := m.Record(context.Background(), Event{ID: uuid.New(), Type: EventExecutionStarted}); err != nil {
		t.Fatalf("Multi must not return errors, got %v", err)
	}
	if len(delivered) != 1 || delivered[0] != EventExecutionStarted {
		t.Errorf("healthy sink should still receive event, got %v", delivered)
	}
	if !strings.Contains(buf.String(), "sink down") {
		t.Errorf("expected sink error to be logged, got %q", buf.String())
	}
}

func TestFromVariable(t *testing.T) {
	scope, source := uuid.New(), uuid.New()
	ev := FromVariable(variable.Event{
		Kind:          variable.EventUpdated,
		ScopeID:       scope,
		SourceScopeID: source,
		Name:          "amount",
		Value:         10,
	})

	if ev.Type != EventVariableUpdated || ev.ScopeID != scope || ev.SourceScopeID != source {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.VariableName != "amount" || ev.Value != 10 {
		t.Errorf("unexpected variable payload: %+v", ev)
	}
}

func TestLogSink_Record(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	sink := NewLogSink(logger)

	job := &domain.Job{ID: uuid.New(), Type: "charge", Retries: 0, ExceptionMessage: "boom"}
	sink.Record(context.Background(), FromJob(EventJobExhausted, job, time.Now()))

	out := buf.String()
	for _, want := range []string{"job.exhausted", "job_type=charge", "retries=0", "message=boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in log output %q", want, out)
		}
	}
}
