package client

import "github.com/wolfeidau/jobwatch/internal/models"

// Outcome classifies how a watch ended.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeTimeout Outcome = "timeout"
	// OutcomeRunning means the watch deadline elapsed while the job was still running.
	OutcomeRunning Outcome = "running"
	OutcomeError   Outcome = "error"
)

// Result is the final state of a watch. Job is the last job seen, if any.
type Result struct {
	Outcome Outcome
	Job     *models.Job
}

// Handle maps a job to an outcome and reports whether the watch is done.
func Handle(job *models.Job) (Outcome, bool) {
	switch job.Status {
	case models.StatusSuccess:
		return OutcomeSuccess, true
	case models.StatusFailed:
		return OutcomeFailed, true
	case models.StatusTimeout:
		return OutcomeTimeout, true
	default:
		return OutcomeRunning, false
	}
}
