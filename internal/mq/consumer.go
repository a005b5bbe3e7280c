package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// WakeupHandler получает разобранное wake-up сообщение.
// Ошибок нет: wake-up идемпотентен, пропущенный job найдёт polling.
type WakeupHandler func(ctx context.Context, msg *Message)

// Consumer читает wake-up сообщения (очередь jobs.due).
//
// Каждое сообщение подтверждается сразу после обработки, повторная
// доставка не нужна. Нечитаемые сообщения отбрасываются. После обрыва
// соединения consumer ждёт Connection.Redialed и подписывается заново.
type Consumer struct {
	conn     *Connection
	logger   *slog.Logger
	queue    Queue
	handler  WakeupHandler
	prefetch int

	cancelFunc context.CancelFunc
}

// ConsumerConfig — конфигурация Consumer.
type ConsumerConfig struct {
	Queue    Queue
	Handler  WakeupHandler
	Prefetch int // default: 1
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	return &Consumer{
		conn:     conn,
		logger:   logger.With("queue", string(cfg.Queue)),
		queue:    cfg.Queue,
		handler:  cfg.Handler,
		prefetch: prefetch,
	}
}

// Start подписывается на очередь и блокируется до отмены ctx или Stop.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	for {
		// Поколение берём до подписки, чтобы не пропустить redial
		redialed := c.conn.Redialed()

		deliveries, err := c.subscribe(ctx)
		if err == nil {
			c.logger.Info("wake-up consumer started")
			c.drain(ctx, deliveries)
		} else {
			c.logger.Warn("wake-up subscribe failed", "error", err)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-redialed:
		}
	}
}

// Stop останавливает consumer.
func (c *Consumer) Stop() {
	if c.cancelFunc != nil {
		c.cancelFunc()
	}
}

func (c *Consumer) subscribe(ctx context.Context) (<-chan amqp.Delivery, error) {
	var deliveries <-chan amqp.Delivery
	err := c.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}
		d, err := ch.ConsumeWithContext(ctx, string(c.queue), "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("consume: %w", err)
		}
		deliveries = d
		return nil
	})
	return deliveries, err
}

// drain обрабатывает сообщения до закрытия канала доставки или ctx.
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("wake-up deliveries closed, waiting for redial")
				return
			}
			c.deliver(ctx, d.Body, d)
		}
	}
}

// acker — подтверждение доставки (amqp.Delivery).
type acker interface {
	Ack(multiple bool) error
}

// deliver разбирает тело, вызывает handler и подтверждает доставку.
func (c *Consumer) deliver(ctx context.Context, body []byte, ack acker) {
	msg, err := decodeMessage(body)
	if err != nil {
		c.logger.Warn("dropping unreadable wake-up", "error", err)
	} else {
		c.handler(ctx, msg)
	}
	if err := ack.Ack(false); err != nil && !errors.Is(err, amqp.ErrClosed) {
		c.logger.Warn("failed to ack wake-up", "error", err)
	}
}

func decodeMessage(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("message %q has no type", msg.ID)
	}
	return &msg, nil
}

// ParsePayload декодирует payload сообщения в T.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// Payload после json.Unmarshal — map[string]any, перекодируем в T
	raw, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}
	return result, nil
}
