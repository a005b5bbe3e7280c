package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Задержки между попытками переподключения.
const (
	minRedialDelay = time.Second
	maxRedialDelay = 30 * time.Second
)

// ErrNoChannel — соединение с брокером сейчас не установлено.
var ErrNoChannel = errors.New("amqp channel not available")

// Connection — AMQP соединение с одним каналом и автоматическим redial.
//
// Брокер в Tokenflow только ускоряет доставку wake-up и событий, поэтому
// обрыв не фатален: публикации возвращают ErrNoChannel, consumer ждёт
// Redialed и подписывается заново.
type Connection struct {
	url    string
	logger *slog.Logger

	mu       sync.RWMutex
	conn     *amqp.Connection
	channel  *amqp.Channel
	redialed chan struct{} // закрывается при следующем успешном redial
	closed   bool
	done     chan struct{}
}

// NewConnection подключается к RabbitMQ и запускает наблюдение за соединением.
func NewConnection(url string, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		url:      url,
		logger:   logger,
		redialed: make(chan struct{}),
		done:     make(chan struct{}),
	}

	conn, ch, err := c.dial()
	if err != nil {
		return nil, err
	}
	c.conn, c.channel = conn, ch
	c.logger.Info("connected to RabbitMQ")

	go c.supervise(conn)
	return c, nil
}

func (c *Connection) dial() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return conn, ch, nil
}

// supervise ждёт обрыва conn и переподключается, пока Connection не закрыт.
func (c *Connection) supervise(conn *amqp.Connection) {
	for {
		closing := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-c.done:
			return
		case err := <-closing:
			if err != nil {
				c.logger.Warn("RabbitMQ connection lost", "error", err)
			}
		}

		c.mu.Lock()
		c.channel = nil
		c.mu.Unlock()

		next, ok := c.redial()
		if !ok {
			return
		}
		conn = next
	}
}

// redial повторяет dial с удвоением задержки.
// Возвращает false, если Connection закрыли во время ожидания.
func (c *Connection) redial() (*amqp.Connection, bool) {
	delay := minRedialDelay
	for {
		select {
		case <-c.done:
			return nil, false
		case <-time.After(delay):
		}

		conn, ch, err := c.dial()
		if err != nil {
			c.logger.Warn("RabbitMQ redial failed", "delay", delay, "error", err)
			delay = min(delay*2, maxRedialDelay)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return nil, false
		}
		c.conn, c.channel = conn, ch
		close(c.redialed)
		c.redialed = make(chan struct{})
		c.mu.Unlock()

		c.logger.Info("reconnected to RabbitMQ")
		return conn, true
	}
}

// Redialed возвращает канал, который закроется при следующем
// успешном переподключении. Каждый вызов видит текущее поколение.
func (c *Connection) Redialed() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.redialed
}

// WithChannel выполняет fn с текущим каналом или возвращает ErrNoChannel.
func (c *Connection) WithChannel(_ context.Context, fn func(ch *amqp.Channel) error) error {
	c.mu.RLock()
	ch := c.channel
	c.mu.RUnlock()

	if ch == nil || ch.IsClosed() {
		return ErrNoChannel
	}
	return fn(ch)
}

// Close закрывает канал и соединение. Повторный вызов — no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)

	var errs []error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	c.logger.Info("RabbitMQ connection closed")
	return errors.Join(errs...)
}
