package jobs

import (
	"fmt"
	"time"
)

// Значения по умолчанию.
const (
	DefaultRetryDelay    = 10 * time.Second
	DefaultRetryMaxDelay = 10 * time.Minute
	DefaultMaxRetries    = 3
)

// BackoffPolicy вычисляет задержку перед следующей попыткой.
// attempt — номер неудачной попытки, начиная с 1.
type BackoffPolicy interface {
	Next(attempt int) time.Duration
}

// Fixed — одинаковая задержка после каждой ошибки.
type Fixed struct {
	Delay time.Duration
}

// Next возвращает Delay.
func (b Fixed) Next(int) time.Duration {
	return b.Delay
}

// Linear — задержка Delay * attempt, не больше Max.
type Linear struct {
	Delay time.Duration
	Max   time.Duration
}

// Next возвращает Delay * attempt с ограничением Max.
func (b Linear) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Delay * time.Duration(attempt)
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay
}

// Exponential — задержка Initial * 2^(attempt-1), не больше Max.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// Next возвращает экспоненциальную задержку.
func (b Exponential) Next(attempt int) time.Duration {
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = DefaultRetryMaxDelay
	}

	delay := b.Initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// DefaultBackoff — фиксированная короткая задержка.
func DefaultBackoff() BackoffPolicy {
	return Fixed{Delay: DefaultRetryDelay}
}

// ParseBackoff создаёт политику по имени: fixed, linear, exponential.
func ParseBackoff(kind string, delay, maxDelay time.Duration) (BackoffPolicy, error) {
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	if maxDelay <= 0 {
		maxDelay = DefaultRetryMaxDelay
	}

	switch kind {
	case "", "fixed":
		return Fixed{Delay: delay}, nil
	case "linear":
		return Linear{Delay: delay, Max: maxDelay}, nil
	case "exponential":
		return Exponential{Initial: delay, Max: maxDelay}, nil
	default:
		return nil, fmt.Errorf("unknown backoff %q", kind)
	}
}
