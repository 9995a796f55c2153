package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/jobwatch/internal/accept"
	"github.com/wolfeidau/jobwatch/internal/auth"
	"github.com/wolfeidau/jobwatch/internal/models"
)

// authorize verifies the request's API key and returns its namespace. The
// namespace is added to the request logger.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, scope auth.Scope) (string, bool) {
	namespace, err := s.keys.Verify(r.Header.Get(APIKeyHeader), scope)
	if err != nil {
		writeError(w, r, "API key verification failed", err)
		return "", false
	}

	zerolog.Ctx(r.Context()).UpdateContext(func(c zerolog.Context) zerolog.Context {
		return c.Str("namespace", namespace)
	})
	return namespace, true
}

func jobKey(r *http.Request, namespace string) models.JobKey {
	return models.JobKey{Namespace: namespace, ID: r.PathValue("id")}
}

func (s *Server) getJobs(w http.ResponseWriter, r *http.Request) {
	namespace, ok := s.authorize(w, r, auth.ScopeRead)
	if !ok {
		return
	}
	s.serveNamespace(w, r, namespace)
}

// serveNamespace answers with the namespace's jobs as JSON or as a stream.
func (s *Server) serveNamespace(w http.ResponseWriter, r *http.Request, namespace string) {
	preferred, err := negotiate(r)
	if err != nil {
		writeError(w, r, "Content negotiation failed", err)
		return
	}

	load := func(ctx context.Context) ([]*models.Job, error) {
		return s.jobs.GetAll(ctx, namespace)
	}

	if preferred == accept.JSON {
		jobs, err := load(r.Context())
		if err != nil {
			writeError(w, r, "Failed to get jobs", err)
			return
		}
		writeJSON(w, r, http.StatusOK, jobs)
		return
	}

	if err := s.streams.WatchNamespace(w, r, namespace, load); err != nil {
		writeError(w, r, "Failed to watch namespace", err)
	}
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	namespace, ok := s.authorize(w, r, auth.ScopeRead)
	if !ok {
		return
	}

	preferred, err := negotiate(r)
	if err != nil {
		writeError(w, r, "Content negotiation failed", err)
		return
	}

	key := jobKey(r, namespace)
	job, err := s.jobs.Get(r.Context(), key)
	if err != nil {
		writeError(w, r, fmt.Sprintf("Failed to get job %q", key.ID), err)
		return
	}

	// an ended job has nothing left to stream
	if preferred == accept.JSON || job.Status.IsTerminal() {
		writeSnapshot(w, r, job)
		return
	}

	err = s.streams.WatchJob(w, r, key, func(ctx context.Context) (*models.Job, error) {
		return s.jobs.Get(ctx, key)
	})
	if err != nil {
		writeError(w, r, fmt.Sprintf("Failed to watch job %q", key.ID), err)
	}
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	namespace, ok := s.authorize(w, r, auth.ScopeWrite)
	if !ok {
		return
	}

	key := jobKey(r, namespace)
	if err := key.Validate(); err != nil {
		writeError(w, r, fmt.Sprintf("Invalid job ID %q", key.ID), err)
		return
	}

	input, err := readCreateInput(w, r)
	if err != nil {
		writeError(w, r, fmt.Sprintf("Invalid input data for job %q", key.ID), err)
		return
	}

	job, err := s.jobs.Create(r.Context(), key, input)
	if err != nil {
		writeError(w, r, fmt.Sprintf("Failed to create job %q", key.ID), err)
		return
	}

	zerolog.Ctx(r.Context()).Debug().Str("job_key", key.Format()).Msg("Created job")
	writeJSON(w, r, http.StatusCreated, job)
}

// readCreateInput decodes the optional JSON body of a create request. Bodies
// of any other content type are ignored.
func readCreateInput(w http.ResponseWriter, r *http.Request) (*models.CreateInput, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != accept.JSON {
		return nil, nil
	}

	var input *models.CreateInput
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodySize)).Decode(&input)
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, io.EOF):
		return nil, nil
	case errors.As(err, &tooLarge):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("%w: %w", errInvalidInput, err)
	case input == nil:
		return nil, fmt.Errorf("%w: null body", errInvalidInput)
	}
	return input, nil
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	namespace, ok := s.authorize(w, r, auth.ScopeWrite)
	if !ok {
		return
	}

	key := jobKey(r, namespace)
	if err := s.jobs.Delete(r.Context(), key); err != nil {
		writeError(w, r, fmt.Sprintf("Failed to delete job %q", key.ID), err)
		return
	}

	writeText(w, http.StatusOK, "Deleted job")
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	namespace, ok := s.authorize(w, r, auth.ScopeRead)
	if !ok {
		return
	}

	key := jobKey(r, namespace)
	job, err := s.jobs.Get(r.Context(), key)
	if err != nil {
		writeError(w, r, fmt.Sprintf("Failed to get job %q", key.ID), err)
		return
	}

	writeText(w, http.StatusOK, string(job.Status))
}

func (s *Server) setJobStatus(w http.ResponseWriter, r *http.Request) {
	namespace, ok := s.authorize(w, r, auth.ScopeWrite)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, r, "Failed to read status", err)
		return
	}

	status := models.Status(strings.TrimSpace(string(body)))
	if !status.IsRequestable() {
		zerolog.Ctx(r.Context()).Info().Str("requested", string(status)).Int("status", http.StatusBadRequest).Msg("Tried to set invalid status")
		writeText(w, http.StatusBadRequest, fmt.Sprintf("Invalid status %q. Expected %s, %s, or %s",
			status, models.StatusSuccess, models.StatusFailed, models.StatusRunning))
		return
	}

	s.updateStatus(w, r, jobKey(r, namespace), status)
}

// setJobStatusTo returns a handler that moves the job to status.
func (s *Server) setJobStatusTo(status models.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		namespace, ok := s.authorize(w, r, auth.ScopeWrite)
		if !ok {
			return
		}
		s.updateStatus(w, r, jobKey(r, namespace), status)
	}
}

func (s *Server) updateStatus(w http.ResponseWriter, r *http.Request, key models.JobKey, status models.Status) {
	job, err := s.jobs.Update(r.Context(), key, status)
	if err != nil {
		writeError(w, r, fmt.Sprintf("Failed to update job %q to status %q", key.ID, status), err)
		return
	}

	writeJSON(w, r, http.StatusOK, job)
}

// isJobStatus returns a handler answering "true" when the job has status.
func (s *Server) isJobStatus(status models.Status) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		namespace, ok := s.authorize(w, r, auth.ScopeRead)
		if !ok {
			return
		}

		key := jobKey(r, namespace)
		job, err := s.jobs.Get(r.Context(), key)
		if err != nil {
			writeError(w, r, fmt.Sprintf("Failed to get job %q", key.ID), err)
			return
		}

		if job.Status == status {
			writeText(w, http.StatusOK, "true")
			return
		}
		writeText(w, http.StatusOK, "false")
	}
}
