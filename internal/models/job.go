package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
	StatusTimeout Status = "TIMEOUT"
)

var ErrInvalidJob = errors.New("invalid job")

func (s Status) IsValid() bool {
	switch s {
	case StatusRunning, StatusSuccess, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is accepted from s.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimeout
}

// IsRequestable reports whether a producer may request s. TIMEOUT is only
// ever assigned by the store.
func (s Status) IsRequestable() bool {
	return s == StatusRunning || s == StatusSuccess || s == StatusFailed
}

// Job is a tracked job record. Ended is nil while the job is RUNNING.
type Job struct {
	JobKey
	Name     string
	Created  time.Time
	Modified time.Time
	Ended    *time.Time
	Timeout  int64 // seconds the job may run before it times out
	Status   Status
}

// Deadline is the instant a RUNNING job becomes overdue.
func (j *Job) Deadline() time.Time {
	return j.Created.Add(time.Duration(j.Timeout) * time.Second)
}

// Overdue reports whether a RUNNING job has reached its deadline at now.
func (j *Job) Overdue(now time.Time) bool {
	return j.Status == StatusRunning && !now.Before(j.Deadline())
}

// Runtime returns how long the job ran, or has been running at now.
func (j *Job) Runtime(now time.Time) time.Duration {
	if j.Ended != nil {
		return j.Ended.Sub(j.Created)
	}
	return now.Sub(j.Created)
}

// jobJSON is the wire shape, timestamps are unix milliseconds.
type jobJSON struct {
	ID        string  `json:"id"`
	Namespace string  `json:"namespace"`
	Name      *string `json:"name,omitempty"`
	Created   *int64  `json:"created"`
	Modified  *int64  `json:"modified"`
	Status    Status  `json:"status"`
	Ended     *int64  `json:"ended"`
	Timeout   *int64  `json:"timeout"`
}

func (j Job) MarshalJSON() ([]byte, error) {
	created := j.Created.UnixMilli()
	modified := j.Modified.UnixMilli()
	timeout := j.Timeout

	out := jobJSON{
		ID:        j.ID,
		Namespace: j.Namespace,
		Created:   &created,
		Modified:  &modified,
		Status:    j.Status,
		Timeout:   &timeout,
	}
	if j.Name != "" {
		out.Name = &j.Name
	}
	if j.Ended != nil {
		ended := j.Ended.UnixMilli()
		out.Ended = &ended
	}

	return json.Marshal(out)
}

// UnmarshalJSON decodes a job and rejects any shape that is not exactly a
// RUNNING job or a terminal job.
func (j *Job) UnmarshalJSON(data []byte) error {
	var in jobJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}

	key := JobKey{ID: in.ID, Namespace: in.Namespace}
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidJob, err)
	}

	if in.Created == nil || in.Modified == nil || in.Timeout == nil {
		return fmt.Errorf("%w: missing created, modified or timeout", ErrInvalidJob)
	}
	if *in.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout %d", ErrInvalidJob, *in.Timeout)
	}

	switch {
	case in.Status == StatusRunning:
		if in.Ended != nil {
			return fmt.Errorf("%w: running job has ended set", ErrInvalidJob)
		}
	case in.Status.IsTerminal():
		if in.Ended == nil {
			return fmt.Errorf("%w: %s job has no ended", ErrInvalidJob, in.Status)
		}
		if *in.Ended < *in.Created {
			return fmt.Errorf("%w: ended before created", ErrInvalidJob)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidJob, in.Status)
	}

	*j = Job{
		JobKey:   key,
		Created:  time.UnixMilli(*in.Created),
		Modified: time.UnixMilli(*in.Modified),
		Timeout:  *in.Timeout,
		Status:   in.Status,
	}
	if in.Name != nil {
		j.Name = *in.Name
	}
	if in.Ended != nil {
		ended := time.UnixMilli(*in.Ended)
		j.Ended = &ended
	}

	return nil
}

// CreateInput is the optional body of a create request.
type CreateInput struct {
	Name    *string `json:"name,omitempty" yaml:"name"`
	Timeout *int64  `json:"timeout,omitempty" yaml:"timeout"`
}
