package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Tokenflow/internal/domain"
	"github.com/shaiso/Tokenflow/internal/jobs"
)

// ErrNotConnected — команда выполнена без подключения к хранилищу.
var ErrNotConnected = errors.New("not connected")

// IncidentLister читает incidents. Реализация: repo.IncidentRepo.
type IncidentLister interface {
	List(ctx context.Context, openOnly bool, limit int) ([]*domain.Incident, error)
}

// Client — операторский доступ к таблице jobs и incidents.
type Client struct {
	Queue     *jobs.Queue
	Incidents IncidentLister
	Clock     jobs.Clock
}

// NewClient создаёт Client поверх очереди jobs.
func NewClient(queue *jobs.Queue, incidents IncidentLister) *Client {
	return &Client{
		Queue:     queue,
		Incidents: incidents,
		Clock:     jobs.SystemClock,
	}
}

// ListJobsOpts — фильтры для ListJobs.
type ListJobsOpts struct {
	ProcessInstanceID string
	Type              string
	WithException     bool
	WithRetriesLeft   bool
	Exhausted         bool
	Limit             int
}

// JobView — job с вычисленным состоянием.
type JobView struct {
	*domain.Job
	State domain.JobState `json:"state"`
}

func (c *Client) view(job *domain.Job) JobView {
	return JobView{Job: job, State: job.State(c.now())}
}

func (c *Client) now() time.Time {
	if c.Clock == nil {
		return time.Now()
	}
	return c.Clock()
}

// ListJobs возвращает jobs по фильтру.
func (c *Client) ListJobs(ctx context.Context, opts ListJobsOpts) ([]JobView, error) {
	if c.Queue == nil {
		return nil, ErrNotConnected
	}

	q := jobs.Query{
		Type:            opts.Type,
		WithException:   opts.WithException,
		WithRetriesLeft: opts.WithRetriesLeft,
		Exhausted:       opts.Exhausted,
		Limit:           opts.Limit,
	}
	if opts.ProcessInstanceID != "" {
		id, err := ParseID(opts.ProcessInstanceID)
		if err != nil {
			return nil, err
		}
		q.ProcessInstanceID = id
	}

	list, err := c.Queue.List(ctx, q)
	if err != nil {
		return nil, err
	}
	views := make([]JobView, len(list))
	for i, job := range list {
		views[i] = c.view(job)
	}
	return views, nil
}

// GetJob возвращает job по ID.
func (c *Client) GetJob(ctx context.Context, id string) (*JobView, error) {
	if c.Queue == nil {
		return nil, ErrNotConnected
	}
	jobID, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	job, err := c.Queue.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	v := c.view(job)
	return &v, nil
}

// RetryJob восстанавливает retries исчерпанного job.
func (c *Client) RetryJob(ctx context.Context, id string, retries int) (*JobView, error) {
	if c.Queue == nil {
		return nil, ErrNotConnected
	}
	jobID, err := ParseID(id)
	if err != nil {
		return nil, err
	}
	job, err := c.Queue.ResetRetries(ctx, jobID, retries)
	if err != nil {
		return nil, err
	}
	v := c.view(job)
	return &v, nil
}

// SuspendJob приостанавливает job.
func (c *Client) SuspendJob(ctx context.Context, id string) error {
	return c.withID(id, func(jobID uuid.UUID) error { return c.Queue.Suspend(ctx, jobID) })
}

// ResumeJob возобновляет job.
func (c *Client) ResumeJob(ctx context.Context, id string) error {
	return c.withID(id, func(jobID uuid.UUID) error { return c.Queue.Resume(ctx, jobID) })
}

// DeleteJob удаляет job.
func (c *Client) DeleteJob(ctx context.Context, id string) error {
	return c.withID(id, func(jobID uuid.UUID) error { return c.Queue.Delete(ctx, jobID) })
}

func (c *Client) withID(id string, fn func(uuid.UUID) error) error {
	if c.Queue == nil {
		return ErrNotConnected
	}
	jobID, err := ParseID(id)
	if err != nil {
		return err
	}
	return fn(jobID)
}

// ListIncidents возвращает incidents, по умолчанию только открытые.
func (c *Client) ListIncidents(ctx context.Context, all bool, limit int) ([]*domain.Incident, error) {
	if c.Incidents == nil {
		return nil, ErrNotConnected
	}
	return c.Incidents.List(ctx, !all, limit)
}

// ParseID разбирает UUID из аргумента команды.
func ParseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", s, err)
	}
	return id, nil
}
