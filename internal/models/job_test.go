package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJobKeyValidate(t *testing.T) {
	tests := []struct {
		name    string
		key     JobKey
		wantErr error
	}{
		{name: "valid", key: JobKey{Namespace: "klage", ID: "build-123"}},
		{name: "namespace too short", key: JobKey{Namespace: "abc", ID: "build-123"}, wantErr: ErrInvalidNamespace},
		{name: "namespace uppercase", key: JobKey{Namespace: "Klage", ID: "build-123"}, wantErr: ErrInvalidNamespace},
		{name: "namespace with colon", key: JobKey{Namespace: "kla:ge", ID: "build-123"}, wantErr: ErrInvalidNamespace},
		{name: "id too short", key: JobKey{Namespace: "klage", ID: "abc"}, wantErr: ErrInvalidJobID},
		{name: "id with space", key: JobKey{Namespace: "klage", ID: "build 123"}, wantErr: ErrInvalidJobID},
		{name: "id mixed case", key: JobKey{Namespace: "klage", ID: "Build_ABC"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.key.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseJobKey(t *testing.T) {
	key, err := ParseJobKey("klage:build-123")
	require.NoError(t, err)
	require.Equal(t, JobKey{Namespace: "klage", ID: "build-123"}, key)
	require.Equal(t, "klage:build-123", key.Format())

	_, err = ParseJobKey("no-separator")
	require.Error(t, err)

	_, err = ParseJobKey(":id")
	require.Error(t, err)
}

func TestJobJSON(t *testing.T) {
	created := time.UnixMilli(1_700_000_000_000)
	ended := created.Add(5 * time.Second)

	t.Run("running job encodes ended as null", func(t *testing.T) {
		job := Job{
			JobKey:   JobKey{Namespace: "klage", ID: "build-123"},
			Created:  created,
			Modified: created,
			Timeout:  600,
			Status:   StatusRunning,
		}

		data, err := json.Marshal(job)
		require.NoError(t, err)
		require.JSONEq(t, `{
			"id":"build-123","namespace":"klage","created":1700000000000,
			"modified":1700000000000,"status":"RUNNING","ended":null,"timeout":600
		}`, string(data))

		var decoded Job
		require.NoError(t, json.Unmarshal(data, &decoded))
		require.Equal(t, job.JobKey, decoded.JobKey)
		require.Nil(t, decoded.Ended)
		require.True(t, decoded.Created.Equal(created))
	})

	t.Run("terminal job keeps name and ended", func(t *testing.T) {
		job := Job{
			JobKey:   JobKey{Namespace: "klage", ID: "build-123"},
			Name:     "deploy",
			Created:  created,
			Modified: ended,
			Ended:    &ended,
			Timeout:  600,
			Status:   StatusSuccess,
		}

		data, err := json.Marshal(job)
		require.NoError(t, err)

		var decoded Job
		require.NoError(t, json.Unmarshal(data, &decoded))
		require.Equal(t, "deploy", decoded.Name)
		require.NotNil(t, decoded.Ended)
		require.True(t, decoded.Ended.Equal(ended))
		require.Equal(t, 5*time.Second, decoded.Runtime(time.Now()))
	})

	rejected := map[string]string{
		"not an object":       `"nope"`,
		"unknown status":      `{"id":"build-123","namespace":"klage","created":1,"modified":1,"status":"DONE","ended":null,"timeout":1}`,
		"missing created":     `{"id":"build-123","namespace":"klage","modified":1,"status":"RUNNING","ended":null,"timeout":1}`,
		"missing timeout":     `{"id":"build-123","namespace":"klage","created":1,"modified":1,"status":"RUNNING","ended":null}`,
		"running with ended":  `{"id":"build-123","namespace":"klage","created":1,"modified":1,"status":"RUNNING","ended":2,"timeout":1}`,
		"terminal no ended":   `{"id":"build-123","namespace":"klage","created":1,"modified":1,"status":"FAILED","ended":null,"timeout":1}`,
		"ended before create": `{"id":"build-123","namespace":"klage","created":10,"modified":1,"status":"FAILED","ended":2,"timeout":1}`,
		"invalid key":         `{"id":"b","namespace":"klage","created":1,"modified":1,"status":"RUNNING","ended":null,"timeout":1}`,
		"duck typed":          `{"status":"RUNNING","created":1}`,
	}
	for name, data := range rejected {
		t.Run("rejects "+name, func(t *testing.T) {
			var job Job
			err := json.Unmarshal([]byte(data), &job)
			require.ErrorIs(t, err, ErrInvalidJob)
		})
	}
}

func TestJobOverdue(t *testing.T) {
	created := time.UnixMilli(1_700_000_000_000)
	job := Job{Created: created, Timeout: 10, Status: StatusRunning}

	require.False(t, job.Overdue(created.Add(9*time.Second)))
	require.True(t, job.Overdue(created.Add(10*time.Second)))
	require.True(t, job.Overdue(created.Add(11*time.Second)))

	job.Status = StatusSuccess
	require.False(t, job.Overdue(created.Add(time.Hour)))
}

func TestStatus(t *testing.T) {
	require.True(t, StatusTimeout.IsTerminal())
	require.False(t, StatusRunning.IsTerminal())
	require.False(t, StatusTimeout.IsRequestable())
	require.True(t, StatusFailed.IsRequestable())
	require.False(t, Status("DONE").IsValid())
}
