package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Tokenflow/internal/domain"
	"github.com/shaiso/Tokenflow/internal/history"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeJobDue          MessageType = "job.due"
	MessageTypeIncidentRaised  MessageType = "incident.raised"
	MessageTypeHistoryRecorded MessageType = "history.recorded"
)

// Publisher публикует сообщения в RabbitMQ.
//
// Реализует jobs.Notifier (wake-up воркеров), jobs.IncidentSink
// и history.Sink.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// JobDuePayload — payload wake-up сообщения о due job.
type JobDuePayload struct {
	JobID             uuid.UUID `json:"job_id"`
	Type              string    `json:"type"`
	ProcessInstanceID uuid.UUID `json:"process_instance_id"`
	DueDate           time.Time `json:"due_date"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishJSON публикует произвольный JSON payload.
func (p *Publisher) PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	return p.Publish(ctx, exchange, routingKey, NewMessage(msgType, payload))
}

// NotifyDue публикует wake-up для воркеров о job, готовом к выполнению.
// Потребитель: worker pool.
func (p *Publisher) NotifyDue(ctx context.Context, job *domain.Job) error {
	return p.PublishJSON(ctx, ExchangeJobs, RoutingKeyDue, MessageTypeJobDue, JobDuePayload{
		JobID:             job.ID,
		Type:              job.Type,
		ProcessInstanceID: job.ProcessInstanceID,
		DueDate:           job.DueDate,
	})
}

// Raise публикует incident об исчерпанном job.
func (p *Publisher) Raise(ctx context.Context, incident *domain.Incident) error {
	return p.PublishJSON(ctx, ExchangeEvents, RoutingKeyIncident, MessageTypeIncidentRaised, incident)
}

// Record публикует событие истории.
func (p *Publisher) Record(ctx context.Context, ev history.Event) error {
	return p.PublishJSON(ctx, ExchangeEvents, RoutingKeyHistory, MessageTypeHistoryRecorded, ev)
}

// NewMessage создаёт сообщение с новым ID и текущим временем.
func NewMessage(msgType MessageType, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
