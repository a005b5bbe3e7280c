package domain

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Job — отложенная асинхронная работа, привязанная к execution.
//
// Job создаётся когда:
// - Activity запрашивает асинхронное продолжение
// - Срабатывает таймер
//
// Job выполняется воркером под lease. При успехе удаляется,
// при ошибке теряет одну попытку (Retries - 1) и получает новый DueDate.
type Job struct {
	// ID — уникальный идентификатор job.
	ID uuid.UUID `json:"id"`

	// Type — тип работы, по нему воркер находит обработчик.
	Type string `json:"type"`

	// ExecutionID — ссылка на execution (не владение).
	ExecutionID uuid.UUID `json:"execution_id"`

	// ProcessInstanceID — ключ группировки для exclusive jobs.
	ProcessInstanceID uuid.UUID `json:"process_instance_id"`

	// ActivityRef — позиция в графе процесса на момент создания job.
	ActivityRef string `json:"activity_ref,omitempty"`

	// DueDate — время, начиная с которого job можно захватить.
	DueDate time.Time `json:"due_date"`

	// Retries — оставшееся количество попыток, в диапазоне [0, MaxRetries].
	Retries int `json:"retries"`

	// MaxRetries — исходный бюджет попыток.
	MaxRetries int `json:"max_retries"`

	// Exclusive — job не выполняется параллельно с другими exclusive jobs
	// того же process instance.
	Exclusive bool `json:"exclusive"`

	// Suspended — job исключён из выборки до resume.
	Suspended bool `json:"suspended"`

	// Repeat — cron-выражение или "@every <duration>" для повторяющихся таймеров.
	Repeat string `json:"repeat,omitempty"`

	// Payload — конфигурация для обработчика.
	Payload map[string]any `json:"payload,omitempty"`

	// LockOwner — ID воркера, держащего lease. Пусто, если lease нет.
	LockOwner string `json:"lock_owner,omitempty"`

	// LockExpiresAt — время истечения lease.
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty"`

	// ExceptionMessage — сообщение последней ошибки.
	ExceptionMessage string `json:"exception_message,omitempty"`

	// ExceptionDetail — подробности последней ошибки (цепочка wrap).
	ExceptionDetail string `json:"exception_detail,omitempty"`

	// Version — оптимистичная версия строки, растёт при каждом изменении.
	Version int `json:"version"`

	// CreatedAt — время создания job.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// State вычисляет состояние job на момент now.
func (j *Job) State(now time.Time) JobState {
	switch {
	case j.Retries <= 0:
		return JobStateExhausted
	case j.Suspended:
		return JobStateSuspended
	case j.IsLocked(now):
		return JobStateLeased
	case j.DueDate.After(now):
		return JobStateCreated
	default:
		return JobStateDue
	}
}

// IsLocked проверяет, держит ли кто-то не истёкший lease.
func (j *Job) IsLocked(now time.Time) bool {
	return j.LockExpiresAt != nil && !j.LockExpiresAt.Before(now)
}

// IsAcquirable — предикат выборки воркером:
// due, retries > 0, не suspended и lease отсутствует или истёк.
func (j *Job) IsAcquirable(now time.Time) bool {
	if j.Retries <= 0 || j.Suspended {
		return false
	}
	if j.DueDate.After(now) {
		return false
	}
	return j.LockExpiresAt == nil || j.LockExpiresAt.Before(now)
}

// HasException возвращает true, если последняя попытка завершилась ошибкой.
func (j *Job) HasException() bool {
	return j.ExceptionMessage != ""
}

// Attempts возвращает количество потраченных попыток.
func (j *Job) Attempts() int {
	return j.MaxRetries - j.Retries
}

// Clone возвращает глубокую копию job.
func (j *Job) Clone() *Job {
	c := *j
	if j.LockExpiresAt != nil {
		t := *j.LockExpiresAt
		c.LockExpiresAt = &t
	}
	if j.Payload != nil {
		c.Payload = maps.Clone(j.Payload)
	}
	return &c
}

// ClearLock снимает lease.
func (j *Job) ClearLock() {
	j.LockOwner = ""
	j.LockExpiresAt = nil
}
