package api

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/jobwatch/internal/auth"
	"github.com/wolfeidau/jobwatch/internal/jobs"
	"github.com/wolfeidau/jobwatch/internal/models"
)

var (
	errMissingAccept = errors.New("missing Accept header")
	errNotAcceptable = errors.New("not acceptable")
	errInvalidInput  = errors.New("invalid input")
)

const notAcceptableMessage = "No acceptable content type supported. Only text/event-stream and application/json are available. " +
	"Set the Accept header to one of these values or */*."

// errorResponse maps an error to a status code and a plain text message.
func errorResponse(err error) (int, string) {
	var tooLarge *http.MaxBytesError

	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "Request body too large"
	case errors.Is(err, errMissingAccept):
		return http.StatusBadRequest, "Missing Accept header"
	case errors.Is(err, errNotAcceptable):
		return http.StatusNotAcceptable, notAcceptableMessage
	case errors.Is(err, models.ErrInvalidNamespace):
		return http.StatusBadRequest, "Invalid namespace."
	case errors.Is(err, models.ErrInvalidJobID), errors.Is(err, jobs.ErrInvalidKey):
		return http.StatusBadRequest, "Invalid job ID"
	case errors.Is(err, jobs.ErrInvalidInput), errors.Is(err, errInvalidInput):
		return http.StatusBadRequest, "Invalid input"
	case errors.Is(err, jobs.ErrInvalidStatus):
		return http.StatusBadRequest, "Invalid status. Expected SUCCESS, FAILED, or RUNNING"
	case errors.Is(err, auth.ErrInvalidScope):
		return http.StatusBadRequest, "Invalid scope."
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, "Unauthenticated. Provide a namespace API key in the " + APIKeyHeader + " header or a bearer token."
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusForbidden, "Unauthorized. You do not have access to the requested resource or action."
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound, "Job not found"
	case errors.Is(err, jobs.ErrAlreadyExists):
		return http.StatusConflict, "Job already exists"
	case errors.Is(err, jobs.ErrAlreadyEnded):
		return http.StatusConflict, "Job already ended"
	case errors.Is(err, jobs.ErrConflict):
		return http.StatusConflict, "Job changed concurrently, retry the request"
	case errors.Is(err, jobs.ErrUpdating):
		return http.StatusInternalServerError, "Error updating job data"
	case errors.Is(err, jobs.ErrDeleting):
		return http.StatusInternalServerError, "Error deleting job data"
	default:
		return http.StatusInternalServerError, "Unknown error"
	}
}

// writeError logs err against the request and writes the mapped response.
func writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status, body := errorResponse(err)

	log := zerolog.Ctx(r.Context())
	event := log.Warn()
	if status >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).Int("status", status).Msg(msg)

	writeText(w, status, body)
}
