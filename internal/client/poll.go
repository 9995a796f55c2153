package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wolfeidau/jobwatch/internal/models"
)

// poll treats the initial JSON response as the first snapshot and then
// re-fetches the job every PollInterval until it ends or ctx is done.
func (w *watch) poll(ctx context.Context, res *http.Response) (Result, error) {
	w.log.Info().Dur("interval", w.client.cfg.PollInterval).Msg("Server offered JSON, polling")

	job, err := decodeBody(res.Body)
	_ = res.Body.Close()
	if err != nil {
		w.log.Warn().Err(err).Msg("Malformed job, skipping")
	} else if result, done := w.handle(job); done {
		return result, nil
	}

	ticker := time.NewTicker(w.client.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, context.Cause(ctx)
		case <-ticker.C:
		}

		job, err := w.client.fetchJob(ctx, w.id)
		switch {
		case err == nil:
		case errors.Is(err, ErrProtocol):
			w.log.Warn().Err(err).Msg("Malformed job, skipping")
			continue
		case errors.Is(err, ErrTransport) && ctx.Err() == nil:
			w.log.Warn().Err(err).Msg("Poll failed, retrying")
			continue
		default:
			return Result{}, err
		}

		if result, done := w.handle(job); done {
			return result, nil
		}
	}
}

// fetchJob gets a job snapshot through the caching client.
func (c *Client) fetchJob(ctx context.Context, id string) (*models.Job, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.jobPath(id), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", contentTypeJSON)

	res, err := c.poll.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, readStatusError(res)
	}
	defer res.Body.Close()

	return decodeBody(res.Body)
}

func decodeBody(r io.Reader) (*models.Job, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxFrameSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return decodeJob(string(data))
}
