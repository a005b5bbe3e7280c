package domain

import (
	"time"

	"github.com/google/uuid"
)

// Incident — запись для оператора о том, что job исчерпал retries.
type Incident struct {
	ID                uuid.UUID  `json:"id"`
	JobID             uuid.UUID  `json:"job_id"`
	JobType           string     `json:"job_type"`
	ExecutionID       uuid.UUID  `json:"execution_id"`
	ProcessInstanceID uuid.UUID  `json:"process_instance_id"`
	ActivityRef       string     `json:"activity_ref,omitempty"`
	Message           string     `json:"message"`
	CreatedAt         time.Time  `json:"created_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// NewIncident создаёт incident для исчерпанного job.
func NewIncident(job *Job, now time.Time) *Incident {
	return &Incident{
		ID:                uuid.New(),
		JobID:             job.ID,
		JobType:           job.Type,
		ExecutionID:       job.ExecutionID,
		ProcessInstanceID: job.ProcessInstanceID,
		ActivityRef:       job.ActivityRef,
		Message:           job.ExceptionMessage,
		CreatedAt:         now,
	}
}

// IsOpen возвращает true, пока incident не разрешён.
func (i *Incident) IsOpen() bool {
	return i.ResolvedAt == nil
}

// Resolve помечает incident разрешённым.
func (i *Incident) Resolve(now time.Time) {
	i.ResolvedAt = &now
}
