package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType names a job event. The same names are used as SSE frame names.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"

	// EventHeartbeat is the reserved frame name for keep-alive frames.
	EventHeartbeat EventType = "heartbeat"
)

var ErrInvalidEvent = errors.New("invalid job event")

func (t EventType) IsJobEvent() bool {
	return t == EventCreated || t == EventUpdated || t == EventDeleted
}

// JobEvent is published for every create, update and delete. Job is nil for
// DELETED events, which only carry the key.
type JobEvent struct {
	Type EventType
	Job  *Job
	Key  JobKey
}

func NewCreatedEvent(job *Job) JobEvent {
	return JobEvent{Type: EventCreated, Job: job, Key: job.JobKey}
}

func NewUpdatedEvent(job *Job) JobEvent {
	return JobEvent{Type: EventUpdated, Job: job, Key: job.JobKey}
}

func NewDeletedEvent(key JobKey) JobEvent {
	return JobEvent{Type: EventDeleted, Key: key}
}

// Terminal reports whether the event ends a single job watch.
func (e JobEvent) Terminal() bool {
	return e.Type == EventDeleted || (e.Job != nil && e.Job.Status != StatusRunning)
}

// Payload returns the value carried in the "job" field, a Job or a bare JobKey.
func (e JobEvent) Payload() any {
	if e.Type == EventDeleted {
		return e.Key
	}
	return e.Job
}

type jobEventJSON struct {
	EventType EventType       `json:"eventType"`
	Job       json.RawMessage `json:"job"`
}

func (e JobEvent) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(e.Payload())
	if err != nil {
		return nil, err
	}
	return json.Marshal(jobEventJSON{EventType: e.Type, Job: payload})
}

func (e *JobEvent) UnmarshalJSON(data []byte) error {
	var in jobEventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if len(in.Job) == 0 {
		return fmt.Errorf("%w: missing job", ErrInvalidEvent)
	}

	switch in.EventType {
	case EventCreated, EventUpdated:
		var job Job
		if err := json.Unmarshal(in.Job, &job); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		*e = JobEvent{Type: in.EventType, Job: &job, Key: job.JobKey}
	case EventDeleted:
		var key JobKey
		if err := json.Unmarshal(in.Job, &key); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
		}
		if key.ID == "" || key.Namespace == "" {
			return fmt.Errorf("%w: deleted event without key", ErrInvalidEvent)
		}
		*e = JobEvent{Type: in.EventType, Key: key}
	default:
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, in.EventType)
	}

	return nil
}
