package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/wolfeidau/jobwatch/internal/models"
)

const maxFrameSize = 1 << 20

type frame struct {
	event string
	data  string
}

// readFrames calls fn for every blank line terminated frame in r until fn
// returns false or r is exhausted.
func readFrames(r io.Reader, fn func(frame) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxFrameSize)

	var (
		f     frame
		lines int
	)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if lines > 0 && !fn(f) {
				return nil
			}
			f, lines = frame{}, 0
			continue
		}

		lines++
		switch {
		case strings.HasPrefix(line, "event:"):
			f.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			f.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	return scanner.Err()
}

// readStream hands every job frame to the handler. It returns done once the
// handler ends the watch; a nil error with done unset means the stream ended
// early and the caller should reconnect.
func (w *watch) readStream(ctx context.Context, body io.Reader) (Result, bool, error) {
	w.log.Info().Msg("Waiting for events")

	var (
		result Result
		done   bool
		fatal  error
	)
	err := readFrames(body, func(f frame) bool {
		switch models.EventType(f.event) {
		case models.EventHeartbeat:
			w.log.Debug().Msg("Heartbeat")
			return true
		case models.EventDeleted:
			fatal = ErrDeleted
			return false
		case models.EventCreated, models.EventUpdated:
		case "":
			w.log.Warn().Str("data", f.data).Msg("Frame without event name, skipping")
			return true
		default:
			w.log.Debug().Str("event", f.event).Msg("Unknown event, skipping")
			return true
		}

		job, err := decodeJob(f.data)
		if err != nil {
			w.log.Warn().Err(err).Str("event", f.event).Msg("Malformed frame, skipping")
			return true
		}

		result, done = w.handle(job)
		return !done
	})
	if fatal != nil || done {
		return result, done, fatal
	}
	if err != nil && ctx.Err() == nil {
		w.log.Warn().Err(err).Msg("Stream read failed")
	}
	return Result{}, false, nil
}

func decodeJob(data string) (*models.Job, error) {
	if data == "" {
		return nil, fmt.Errorf("%w: empty data", ErrProtocol)
	}
	var job models.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return &job, nil
}
