package domain

import "strings"

// ExecutionState — состояние execution (токена) в графе процесса.
//
// Жизненный цикл:
//
//	ACTIVE ⇄ SUSPENDED
//	   ↘        ↙
//	     ENDED
type ExecutionState string

const (
	// ExecutionStateActive — токен может продвигаться, jobs выполняются.
	ExecutionStateActive ExecutionState = "ACTIVE"

	// ExecutionStateSuspended — токен приостановлен оператором.
	ExecutionStateSuspended ExecutionState = "SUSPENDED"

	// ExecutionStateEnded — activity завершена, scope уничтожен.
	ExecutionStateEnded ExecutionState = "ENDED"
)

// IsTerminal возвращает true, если execution завершён.
func (s ExecutionState) IsTerminal() bool {
	return s == ExecutionStateEnded
}

// String возвращает строковое представление ExecutionState.
func (s ExecutionState) String() string {
	return string(s)
}

// JobState — вычисляемое состояние job.
//
// Жизненный цикл:
//
//	CREATED → DUE → LEASED → (удалён)          успех
//	                       ↘ DUE (retries - 1)  ошибка, retries остались
//	                       ↘ EXHAUSTED          ошибка, retries == 0
//
// SUSPENDED — job исключён из выборки до resume.
// Удалённый job в хранилище не присутствует, отдельного состояния нет.
type JobState string

const (
	// JobStateCreated — job создан, due date в будущем.
	JobStateCreated JobState = "CREATED"

	// JobStateDue — job готов к захвату воркером.
	JobStateDue JobState = "DUE"

	// JobStateLeased — job захвачен воркером (lease не истёк).
	JobStateLeased JobState = "LEASED"

	// JobStateSuspended — job приостановлен.
	JobStateSuspended JobState = "SUSPENDED"

	// JobStateExhausted — retries исчерпаны, создан incident.
	JobStateExhausted JobState = "EXHAUSTED"
)

// IsTerminal возвращает true, если job больше не будет выбран воркерами
// без вмешательства оператора.
func (s JobState) IsTerminal() bool {
	return s == JobStateExhausted
}

// ParseJobState парсит строку в JobState без учёта регистра.
// Возвращает false для неизвестных значений.
func ParseJobState(s string) (JobState, bool) {
	state := JobState(strings.ToUpper(s))
	switch state {
	case JobStateCreated, JobStateDue, JobStateLeased, JobStateSuspended, JobStateExhausted:
		return state, true
	default:
		return "", false
	}
}
