package history

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tokenflow/internal/domain"
	"github.com/shaiso/Tokenflow/internal/variable"
)

// EventType — тип события истории.
type EventType string

const (
	EventVariableCreated EventType = "variable.created"
	EventVariableUpdated EventType = "variable.updated"
	EventVariableRemoved EventType = "variable.removed"

	EventJobScheduled EventType = "job.scheduled"
	EventJobSucceeded EventType = "job.succeeded"
	EventJobFailed    EventType = "job.failed"
	EventJobExhausted EventType = "job.exhausted"

	EventExecutionStarted EventType = "execution.started"
	EventExecutionMoved   EventType = "execution.moved"
	EventExecutionEnded   EventType = "execution.ended"
)

// Event — запись истории.
type Event struct {
	ID                uuid.UUID `json:"id"`
	Type              EventType `json:"type"`
	Time              time.Time `json:"time"`
	ProcessInstanceID uuid.UUID `json:"process_instance_id,omitempty"`
	ExecutionID       uuid.UUID `json:"execution_id,omitempty"`
	ActivityRef       string    `json:"activity_ref,omitempty"`

	// Переменные
	ScopeID       uuid.UUID `json:"scope_id,omitempty"`
	SourceScopeID uuid.UUID `json:"source_scope_id,omitempty"`
	VariableName  string    `json:"variable_name,omitempty"`
	Value         any       `json:"value,omitempty"`
	Format        string    `json:"format,omitempty"`

	// Jobs
	JobID   uuid.UUID `json:"job_id,omitempty"`
	JobType string    `json:"job_type,omitempty"`
	Retries *int      `json:"retries,omitempty"`
	Message string    `json:"message,omitempty"`
}

// FromVariable строит событие из изменения переменной.
func FromVariable(ev variable.Event) Event {
	var t EventType
	switch ev.Kind {
	case variable.EventCreated:
		t = EventVariableCreated
	case variable.EventUpdated:
		t = EventVariableUpdated
	default:
		t = EventVariableRemoved
	}
	return Event{
		ID:            uuid.New(),
		Type:          t,
		Time:          ev.Time,
		ScopeID:       ev.ScopeID,
		SourceScopeID: ev.SourceScopeID,
		VariableName:  ev.Name,
		Value:         ev.Value,
		Format:        ev.Format,
	}
}

// FromJob строит событие перехода job.
func FromJob(t EventType, job *domain.Job, at time.Time) Event {
	retries := job.Retries
	return Event{
		ID:                uuid.New(),
		Type:              t,
		Time:              at,
		ProcessInstanceID: job.ProcessInstanceID,
		ExecutionID:       job.ExecutionID,
		ActivityRef:       job.ActivityRef,
		JobID:             job.ID,
		JobType:           job.Type,
		Retries:           &retries,
		Message:           job.ExceptionMessage,
	}
}

// FromExecution строит событие жизненного цикла execution.
func FromExecution(t EventType, exec *domain.Execution, at time.Time) Event {
	return Event{
		ID:                uuid.New(),
		Type:              t,
		Time:              at,
		ProcessInstanceID: exec.ProcessInstanceID,
		ExecutionID:       exec.ID,
		ActivityRef:       exec.ActivityRef,
		ScopeID:           exec.ScopeID,
	}
}
