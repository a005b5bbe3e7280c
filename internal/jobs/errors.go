package jobs

import (
	"errors"
	"fmt"
	"strings"
)

// Ошибки очереди jobs.
var (
	// ErrNotFound — job не существует (удалён или не создавался).
	ErrNotFound = errors.New("job not found")

	// ErrLeaseLost — lease принадлежит другому воркеру или снят.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrInvalidJob — job не прошёл валидацию при планировании.
	ErrInvalidJob = errors.New("invalid job")

	// ErrInvalidRetries — значение retries вне диапазона [1, max_retries].
	ErrInvalidRetries = errors.New("invalid retries")
)

// FatalError — ошибка, которую бессмысленно повторять.
// RetryScheduler сразу переводит job в EXHAUSTED.
type FatalError struct {
	Err error
}

// Error реализует интерфейс error.
func (e *FatalError) Error() string { return e.Err.Error() }

// Unwrap возвращает исходную ошибку.
func (e *FatalError) Unwrap() error { return e.Err }

// Fatal всегда возвращает true.
func (e *FatalError) Fatal() bool { return true }

// Fatal помечает ошибку как неповторяемую.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// IsFatal проверяет, есть ли в цепочке ошибка с Fatal() == true.
// Так помечены, например, ошибки обращения к уничтоженному scope.
func IsFatal(err error) bool {
	var f interface{ Fatal() bool }
	return errors.As(err, &f) && f.Fatal()
}

// errorDetail рендерит цепочку wrap-ошибок, по строке на уровень.
func errorDetail(err error) string {
	var b strings.Builder
	for depth := 0; err != nil; depth++ {
		if depth > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s%T: %s", strings.Repeat("  ", depth), err, err.Error())
		err = errors.Unwrap(err)
	}
	return b.String()
}

// errorMessage возвращает непустое сообщение ошибки.
func errorMessage(err error) string {
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fmt.Sprintf("%T", err)
}
