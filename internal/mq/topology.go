package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeJobs   Exchange = "tokenflow.jobs"
	ExchangeEvents Exchange = "tokenflow.events"
	ExchangeDLQ    Exchange = "tokenflow.dlq"
)

// Queues — имена очередей.
const (
	QueueJobsDue         Queue = "jobs.due"
	QueueIncidentsRaised Queue = "incidents.raised"
	QueueHistoryEvents   Queue = "history.events"
	QueueDLQEvents       Queue = "dlq.events"
)

// Routing keys.
const (
	RoutingKeyDue       RoutingKey = "due"
	RoutingKeyIncident  RoutingKey = "incident"
	RoutingKeyHistory   RoutingKey = "history"
	RoutingKeyDLQEvents RoutingKey = "events"
)

// SetupTopology объявляет exchanges, queues и bindings.
// Операция идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := declareExchanges(ch); err != nil {
			return err
		}
		if err := declareQueues(ch); err != nil {
			return err
		}
		return bindQueues(ch)
	})
}

// declareExchanges создаёт обменники.
func declareExchanges(ch *amqp.Channel) error {
	exchanges := []struct {
		name Exchange
		kind string
	}{
		{ExchangeJobs, "direct"},
		{ExchangeEvents, "direct"},
		{ExchangeDLQ, "direct"},
	}

	for _, ex := range exchanges {
		err := ch.ExchangeDeclare(
			string(ex.name), // name
			ex.kind,         // type
			true,            // durable
			false,           // auto-deleted
			false,           // internal
			false,           // no-wait
			nil,             // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	return nil
}

// declareQueues создаёт очереди.
func declareQueues(ch *amqp.Channel) error {
	dlqArgs := amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQEvents),
	}

	// Wake-up сообщения теряют смысл через минуту: job всё равно найдёт poll.
	dueArgs := amqp.Table{
		"x-message-ttl": int32(60_000),
	}

	queues := []struct {
		name Queue
		args amqp.Table
	}{
		{QueueJobsDue, dueArgs},
		{QueueIncidentsRaised, dlqArgs},
		{QueueHistoryEvents, dlqArgs},
		{QueueDLQEvents, nil},
	}

	for _, q := range queues {
		_, err := ch.QueueDeclare(
			string(q.name), // name
			true,           // durable
			false,          // delete when unused
			false,          // exclusive
			false,          // no-wait
			q.args,         // arguments
		)
		if err != nil {
			return fmt.Errorf("declare queue %s: %w", q.name, err)
		}
	}

	return nil
}

// bindQueues привязывает очереди к обменникам.
func bindQueues(ch *amqp.Channel) error {
	bindings := []struct {
		queue      Queue
		routingKey RoutingKey
		exchange   Exchange
	}{
		{QueueJobsDue, RoutingKeyDue, ExchangeJobs},
		{QueueIncidentsRaised, RoutingKeyIncident, ExchangeEvents},
		{QueueHistoryEvents, RoutingKeyHistory, ExchangeEvents},
		{QueueDLQEvents, RoutingKeyDLQEvents, ExchangeDLQ},
	}

	for _, b := range bindings {
		err := ch.QueueBind(
			string(b.queue),      // queue name
			string(b.routingKey), // routing key
			string(b.exchange),   // exchange
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
		}
	}

	return nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Tokenflow RabbitMQ Topology:

    tokenflow.jobs (direct)
    └── jobs.due [routing: due, ttl 60s]
            Consumer: Worker pool (wake-up)

    tokenflow.events (direct)
    ├── incidents.raised [routing: incident]
    │       Consumer: operators / alerting
    │       DLQ: dlq.events
    └── history.events [routing: history]
            Consumer: history archive
            DLQ: dlq.events

    tokenflow.dlq (direct)
    └── dlq.events [routing: events]
            Manual processing
  `
}
