package mq

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParsePayload_JobDue(t *testing.T) {
	jobID := uuid.New()
	pi := uuid.New()
	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msg := NewMessage(MessageTypeJobDue, JobDuePayload{
		JobID:             jobID,
		Type:              "async-continuation",
		ProcessInstanceID: pi,
		DueDate:           due,
	})

	// Эмулируем доставку: payload приходит как map после json.Unmarshal.
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var delivered Message
	if err := json.Unmarshal(body, &delivered); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	payload, err := ParsePayload[JobDuePayload](&delivered)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if payload.JobID != jobID || payload.ProcessInstanceID != pi {
		t.Errorf("ids = %s/%s, want %s/%s", payload.JobID, payload.ProcessInstanceID, jobID, pi)
	}
	if !payload.DueDate.Equal(due) {
		t.Errorf("due = %v, want %v", payload.DueDate, due)
	}
	if delivered.Type != MessageTypeJobDue {
		t.Errorf("type = %q", delivered.Type)
	}
}

func TestParsePayload_Mismatch(t *testing.T) {
	msg := &Message{Payload: "not an object"}
	if _, err := ParsePayload[JobDuePayload](msg); err == nil {
		t.Fatal("expected error for string payload")
	}
}

func TestNewMessage(t *testing.T) {
	a := NewMessage(MessageTypeIncidentRaised, nil)
	b := NewMessage(MessageTypeIncidentRaised, nil)
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids must be unique and non-empty: %q %q", a.ID, b.ID)
	}
	if a.Timestamp.Location() != time.UTC {
		t.Errorf("timestamp must be UTC, got %v", a.Timestamp.Location())
	}
}

type countingAck struct {
	acks int
	err  error
}

func (a *countingAck) Ack(bool) error {
	a.acks++
	return a.err
}

func newTestConsumer(handler WakeupHandler) *Consumer {
	return NewConsumer(nil, slog.New(slog.NewTextHandler(io.Discard, nil)), ConsumerConfig{
		Queue:   QueueJobsDue,
		Handler: handler,
	})
}

func TestConsumer_DeliverAcksWakeup(t *testing.T) {
	var got []*Message
	c := newTestConsumer(func(_ context.Context, msg *Message) { got = append(got, msg) })

	body, _ := json.Marshal(NewMessage(MessageTypeJobDue, JobDuePayload{JobID: uuid.New()}))
	ack := &countingAck{}
	c.deliver(context.Background(), body, ack)

	if len(got) != 1 || got[0].Type != MessageTypeJobDue {
		t.Fatalf("handler calls = %+v", got)
	}
	if ack.acks != 1 {
		t.Errorf("acks = %d, want 1", ack.acks)
	}
}

func TestConsumer_DeliverDropsUnreadable(t *testing.T) {
	calls := 0
	c := newTestConsumer(func(context.Context, *Message) { calls++ })

	for _, body := range []string{"{broken", `{"id":"x","payload":{}}`} {
		ack := &countingAck{}
		c.deliver(context.Background(), []byte(body), ack)
		if ack.acks != 1 {
			t.Errorf("%q: acks = %d, unreadable wake-up must be acked", body, ack.acks)
		}
	}
	if calls != 0 {
		t.Errorf("handler called %d times for unreadable messages", calls)
	}

	// Ошибка ack не роняет consumer
	ack := &countingAck{err: errors.New("channel closed")}
	body, _ := json.Marshal(NewMessage(MessageTypeJobDue, nil))
	c.deliver(context.Background(), body, ack)
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}

func TestDecodeMessage(t *testing.T) {
	msg, err := decodeMessage([]byte(`{"id":"m1","type":"job.due","payload":{"job_id":"00000000-0000-0000-0000-000000000001"}}`))
	if err != nil {
		t.Fatalf("decodeMessage: %v", err)
	}
	if msg.ID != "m1" || msg.Type != MessageTypeJobDue {
		t.Errorf("message = %+v", msg)
	}
}
