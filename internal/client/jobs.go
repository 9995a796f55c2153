package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/wolfeidau/jobwatch/internal/models"
)

// Create creates a running job. A nil input uses the server defaults.
func (c *Client) Create(ctx context.Context, id string, input *models.CreateInput) (*models.Job, error) {
	var body any
	if input != nil {
		body = input
	}

	var job models.Job
	if err := c.do(ctx, http.MethodPost, c.jobPath(id), body, http.StatusCreated, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Get returns the current job snapshot.
func (c *Client) Get(ctx context.Context, id string) (*models.Job, error) {
	return c.fetchJob(ctx, id)
}

// List returns every job in the API key's namespace.
func (c *Client) List(ctx context.Context) ([]*models.Job, error) {
	var jobs []*models.Job
	if err := c.do(ctx, http.MethodGet, "jobs", nil, http.StatusOK, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// SetStatus requests a status transition.
func (c *Client) SetStatus(ctx context.Context, id string, status models.Status) (*models.Job, error) {
	var job models.Job
	if err := c.do(ctx, http.MethodPut, c.jobPath(id)+"/status", string(status), http.StatusOK, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.jobPath(id), nil, http.StatusOK, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body any, want int, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", contentTypeJSON)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	res, err := c.stream.Do(req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if res.StatusCode != want {
		return readStatusError(res)
	}
	defer res.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %w", ErrProtocol, err)
	}
	return nil
}

// ParseStatus accepts a requestable status in any case.
func ParseStatus(s string) (models.Status, error) {
	status := models.Status(strings.ToUpper(strings.TrimSpace(s)))
	if !status.IsRequestable() {
		return "", fmt.Errorf("invalid status %q", s)
	}
	return status, nil
}
