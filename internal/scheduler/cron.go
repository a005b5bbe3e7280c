package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// repeatParser — парсер выражений повторения таймеров.
//
// Поддерживает стандартный cron из 5 полей, дескрипторы (@hourly, @daily, ...)
// и интервалы "@every <duration>". Префикс CRON_TZ=<zone> задаёт timezone.
var repeatParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// NextDue вычисляет следующее время срабатывания повторяющегося таймера
// строго после from.
func NextDue(repeat string, from time.Time) (time.Time, error) {
	repeat = strings.TrimSpace(repeat)
	if repeat == "" {
		return time.Time{}, fmt.Errorf("empty repeat expression")
	}

	schedule, err := repeatParser.Parse(repeat)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse repeat expression %q: %w", repeat, err)
	}

	next := schedule.Next(from)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("repeat expression %q never fires", repeat)
	}
	return next.UTC(), nil // в UTC для хранения в БД
}

// ValidateRepeat проверяет валидность выражения повторения.
func ValidateRepeat(repeat string) error {
	if _, err := repeatParser.Parse(strings.TrimSpace(repeat)); err != nil {
		return fmt.Errorf("invalid repeat expression %q: %w", repeat, err)
	}
	return nil
}
