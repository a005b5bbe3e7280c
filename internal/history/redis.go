package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultStream — имя Redis stream по умолчанию.
const DefaultStream = "tokenflow:history"

// RedisSink добавляет события в Redis stream.
//
// Каждая запись stream содержит поля type, id и event (JSON).
type RedisSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// RedisConfig — конфигурация RedisSink.
type RedisConfig struct {
	Client redis.UniversalClient

	// Stream — ключ stream (default: tokenflow:history).
	Stream string

	// MaxLen — приблизительная максимальная длина stream (0 — без обрезки).
	MaxLen int64
}

// NewRedisSink создаёт RedisSink.
func NewRedisSink(cfg RedisConfig) *RedisSink {
	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{client: cfg.Client, stream: stream, maxLen: cfg.MaxLen}
}

// Record добавляет событие в stream.
func (s *RedisSink) Record(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"type":  string(ev.Type),
			"id":    ev.ID.String(),
			"event": string(body),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

// Read читает последние count событий stream (для CLI и тестов).
func (s *RedisSink) Read(ctx context.Context, count int64) ([]Event, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.stream, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", s.stream, err)
	}

	events := make([]Event, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		raw, ok := msgs[i].Values["event"].(string)
		if !ok {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event %s: %w", msgs[i].ID, err)
		}
		events = append(events, ev)
	}
	return events, nil
}
