package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJobEventJSON(t *testing.T) {
	created := time.UnixMilli(1_700_000_000_000)
	job := &Job{
		JobKey:   JobKey{Namespace: "klage", ID: "build-123"},
		Created:  created,
		Modified: created,
		Timeout:  60,
		Status:   StatusRunning,
	}

	t.Run("created event carries the job", func(t *testing.T) {
		data, err := json.Marshal(NewCreatedEvent(job))
		require.NoError(t, err)

		var event JobEvent
		require.NoError(t, json.Unmarshal(data, &event))
		require.Equal(t, EventCreated, event.Type)
		require.NotNil(t, event.Job)
		require.Equal(t, job.JobKey, event.Key)
		require.False(t, event.Terminal())
	})

	t.Run("deleted event carries only the key", func(t *testing.T) {
		data, err := json.Marshal(NewDeletedEvent(job.JobKey))
		require.NoError(t, err)
		require.JSONEq(t, `{"eventType":"deleted","job":{"id":"build-123","namespace":"klage"}}`, string(data))

		var event JobEvent
		require.NoError(t, json.Unmarshal(data, &event))
		require.Equal(t, EventDeleted, event.Type)
		require.Nil(t, event.Job)
		require.True(t, event.Terminal())
	})

	t.Run("updated terminal job ends a watch", func(t *testing.T) {
		ended := created.Add(time.Second)
		done := *job
		done.Status = StatusFailed
		done.Ended = &ended

		require.True(t, NewUpdatedEvent(&done).Terminal())
	})

	rejected := map[string]string{
		"unknown type":         `{"eventType":"renamed","job":{"id":"build-123","namespace":"klage"}}`,
		"heartbeat":            `{"eventType":"heartbeat","job":{}}`,
		"missing job":          `{"eventType":"created"}`,
		"deleted without key":  `{"eventType":"deleted","job":{}}`,
		"created with bad job": `{"eventType":"created","job":{"id":"build-123","namespace":"klage"}}`,
	}
	for name, data := range rejected {
		t.Run("rejects "+name, func(t *testing.T) {
			var event JobEvent
			require.ErrorIs(t, json.Unmarshal([]byte(data), &event), ErrInvalidEvent)
		})
	}
}
