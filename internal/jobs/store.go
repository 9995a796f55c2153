// Package jobs is the authoritative job store. It validates keys, applies the
// RUNNING -> SUCCESS | FAILED | TIMEOUT state machine, persists records with a
// retention expiry and publishes a JobEvent after every mutation.
package jobs

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/jobwatch/internal/models"
	"github.com/wolfeidau/jobwatch/internal/store"
	"github.com/wolfeidau/jobwatch/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sentinel errors for common error conditions
var (
	ErrInvalidKey    = errors.New("invalid job key")
	ErrInvalidInput  = errors.New("invalid job input")
	ErrInvalidStatus = errors.New("invalid status")
	ErrNotFound      = errors.New("job not found")
	ErrAlreadyExists = errors.New("job already exists")
	ErrAlreadyEnded  = errors.New("job already ended")
	ErrUpdating      = errors.New("error updating job")
	ErrDeleting      = errors.New("error deleting job")
	ErrStore         = errors.New("job store failure")
	ErrConflict      = errors.New("job changed concurrently")
)

// errStale is returned by apply when the record changed after it was read.
var errStale = errors.New("stale job record")

const (
	DefaultTimeout   = 10 * time.Minute
	DefaultRetention = 30 * 24 * time.Hour

	// maxUpdateAttempts bounds re-reads when another writer keeps winning.
	maxUpdateAttempts = 5
)

// Publisher receives an event after every successful mutation.
type Publisher interface {
	Publish(ctx context.Context, event models.JobEvent) error
}

// Config holds job lifecycle settings.
type Config struct {
	// DefaultTimeout applies when a create request has no timeout.
	DefaultTimeout time.Duration
	// Retention is the expiry of every record and the upper bound of a timeout.
	Retention time.Duration
}

// ApplyDefaults applies default values to unset configuration fields.
func (c *Config) ApplyDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
}

// scheduleFunc runs f once after d and returns a function that cancels it.
type scheduleFunc func(d time.Duration, f func()) (stop func() bool)

type timer struct {
	stop func() bool
}

func afterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps and overdue checks.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used by background timeout checks.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Store implements the job lifecycle on top of a store.KV.
type Store struct {
	kv        store.KV
	publisher Publisher
	cfg       Config
	now       func() time.Time
	schedule  scheduleFunc
	logger    zerolog.Logger
	metrics   *telemetry.Metrics
	locks     *keyLocks

	mu     sync.Mutex
	timers map[string]*timer
	closed bool
}

// NewStore creates a job store.
func NewStore(kv store.KV, publisher Publisher, cfg Config, opts ...Option) *Store {
	cfg.ApplyDefaults()

	s := &Store{
		kv:        kv,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		schedule:  afterFunc,
		logger:    zerolog.Nop(),
		metrics:   telemetry.GetMetrics(),
		locks:     newKeyLocks(),
		timers:    make(map[string]*timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close cancels pending timeout checks. Overdue jobs are still caught lazily.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for key, t := range s.timers {
		t.stop()
		delete(s.timers, key)
	}
}

// Create stores a new RUNNING job and schedules its timeout check.
func (s *Store) Create(ctx context.Context, key models.JobKey, input *models.CreateInput) (*models.Job, error) {
	log := zerolog.Ctx(ctx)

	if err := key.Validate(); err != nil {
		log.Debug().Err(err).Msg("Tried to create job with invalid key")
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	timeout, err := s.timeoutSeconds(input)
	if err != nil {
		return nil, err
	}

	now := s.now()
	job := &models.Job{
		JobKey:   key,
		Created:  now,
		Modified: now,
		Timeout:  timeout,
		Status:   models.StatusRunning,
	}
	if input != nil && input.Name != nil {
		job.Name = *input.Name
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	ok, err := s.kv.SetNX(ctx, key.Format(), data, s.cfg.Retention)
	if err != nil {
		log.Error().Err(err).Str("job_key", key.Format()).Msg("Error setting job data")
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	if !ok {
		return nil, ErrAlreadyExists
	}

	s.metrics.JobsCreatedTotal.Add(ctx, 1)
	s.publish(ctx, models.NewCreatedEvent(job))
	s.scheduleTimeout(key, time.Duration(timeout)*time.Second)

	log.Debug().Str("job_key", key.Format()).Int64("timeout", timeout).Msg("Created job")

	return job, nil
}

// timeoutSeconds resolves the requested timeout, capped at the retention window.
func (s *Store) timeoutSeconds(input *models.CreateInput) (int64, error) {
	timeout := int64(s.cfg.DefaultTimeout / time.Second)
	if input != nil && input.Timeout != nil {
		if *input.Timeout <= 0 {
			return 0, fmt.Errorf("%w: timeout must be positive, got %d", ErrInvalidInput, *input.Timeout)
		}
		timeout = *input.Timeout
	}
	return min(timeout, int64(s.cfg.Retention/time.Second)), nil
}

func (s *Store) scheduleTimeout(key models.JobKey, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	id := key.Format()
	if prev, ok := s.timers[id]; ok {
		prev.stop()
	}

	t := &timer{}
	t.stop = s.schedule(after, func() {
		s.mu.Lock()
		if s.timers[id] == t {
			delete(s.timers, id)
		}
		s.mu.Unlock()

		s.checkTimeout(key)
	})
	s.timers[id] = t
}

// checkTimeout re-reads the job, which moves it to TIMEOUT when overdue.
func (s *Store) checkTimeout(key models.JobKey) {
	ctx := s.logger.WithContext(context.Background())

	job, err := s.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error().Err(err).Str("job_key", key.Format()).Msg("Failed to get job for timeout check")
		}
		return
	}

	s.logger.Debug().Str("job_key", key.Format()).Str("status", string(job.Status)).Msg("Timeout check complete")
}

// Get returns the job, deleting records that fail to decode and moving
// overdue RUNNING jobs to TIMEOUT.
func (s *Store) Get(ctx context.Context, key models.JobKey) (*models.Job, error) {
	if err := key.Validate(); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("Tried to get job with invalid key")
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	return s.get(ctx, key)
}

func (s *Store) get(ctx context.Context, key models.JobKey) (*models.Job, error) {
	job, raw, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}

	if job.Overdue(s.now()) {
		zerolog.Ctx(ctx).Warn().Str("job_key", key.Format()).Msg("Job has timed out")
		return s.expire(ctx, job, raw)
	}

	return job, nil
}

// expire moves an overdue job to TIMEOUT under the job's lock.
func (s *Store) expire(ctx context.Context, job *models.Job, raw []byte) (*models.Job, error) {
	unlock := s.locks.lock(job.Format())
	defer unlock()

	return s.update(ctx, job, raw, models.StatusTimeout)
}

// read fetches and decodes the record, deleting it when it is not a valid job.
// The raw bytes are returned for the compare and swap in apply.
func (s *Store) read(ctx context.Context, key models.JobKey) (*models.Job, []byte, error) {
	log := zerolog.Ctx(ctx)

	data, err := s.kv.Get(ctx, key.Format())
	if errors.Is(err, store.ErrKeyNotFound) {
		log.Debug().Str("job_key", key.Format()).Msg("Job not found")
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil || job.JobKey != key {
		log.Error().Err(err).Str("job_key", key.Format()).Bytes("data", data).Msg("Invalid job, deleting")
		s.deleteInvalid(ctx, key)
		return nil, nil, ErrNotFound
	}

	return &job, data, nil
}

func (s *Store) deleteInvalid(ctx context.Context, key models.JobKey) {
	s.metrics.JobsInvalidTotal.Add(ctx, 1)
	if err := s.delete(ctx, key); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("job_key", key.Format()).Msg("Failed to delete invalid job")
	}
}

// GetAll returns every job in the namespace, newest first.
func (s *Store) GetAll(ctx context.Context, namespace string) ([]*models.Job, error) {
	log := zerolog.Ctx(ctx)

	if !models.IsValidNamespace(namespace) {
		return nil, fmt.Errorf("%w: %w: %q", ErrInvalidKey, models.ErrInvalidNamespace, namespace)
	}

	keys, err := s.kv.Keys(ctx, models.NamespacePattern(namespace))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	if len(keys) == 0 {
		return []*models.Job{}, nil
	}

	values, err := s.kv.MGet(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	now := s.now()
	jobs := make([]*models.Job, 0, len(values))
	for i, data := range values {
		if data == nil {
			continue
		}

		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil || job.Format() != keys[i] {
			log.Error().Err(err).Str("job_key", keys[i]).Msg("Invalid job, deleting")
			if key, err := models.ParseJobKey(keys[i]); err == nil {
				s.deleteInvalid(ctx, key)
			}
			continue
		}

		if job.Overdue(now) {
			expired, err := s.expire(ctx, &job, data)
			if err != nil {
				log.Error().Err(err).Str("job_key", keys[i]).Msg("Failed to time out job")
				continue
			}
			jobs = append(jobs, expired)
			continue
		}

		jobs = append(jobs, &job)
	}

	slices.SortStableFunc(jobs, func(a, b *models.Job) int {
		return cmp.Or(b.Created.Compare(a.Created), strings.Compare(a.ID, b.ID))
	})

	return jobs, nil
}

// Update requests a status transition.
func (s *Store) Update(ctx context.Context, key models.JobKey, status models.Status) (*models.Job, error) {
	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}
	if !status.IsRequestable() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	unlock := s.locks.lock(key.Format())
	defer unlock()

	// an overdue job takes a single transition to TIMEOUT in apply
	existing, raw, err := s.read(ctx, key)
	if err != nil {
		return nil, err
	}

	return s.update(ctx, existing, raw, status)
}

// update applies requested to the record read as raw. When another writer
// changed the record in between, it re-reads and tries again, so a second
// terminal status sees the first and fails with ErrAlreadyEnded.
// Callers hold the job's lock.
func (s *Store) update(ctx context.Context, existing *models.Job, raw []byte, requested models.Status) (*models.Job, error) {
	for range maxUpdateAttempts {
		updated, err := s.apply(ctx, existing, raw, requested)
		if !errors.Is(err, errStale) {
			return updated, err
		}

		zerolog.Ctx(ctx).Debug().Str("job_key", existing.Format()).Msg("Job changed during update, retrying")

		existing, raw, err = s.read(ctx, existing.JobKey)
		if err != nil {
			return nil, err
		}
	}

	return nil, ErrConflict
}

func (s *Store) apply(ctx context.Context, existing *models.Job, raw []byte, requested models.Status) (*models.Job, error) {
	log := zerolog.Ctx(ctx)
	key := existing.Format()

	if existing.Status.IsTerminal() {
		if requested == existing.Status {
			return existing, nil
		}
		log.Warn().
			Str("job_key", key).
			Str("status", string(existing.Status)).
			Str("requested", string(requested)).
			Msg("Failed to update job, already ended")
		return nil, ErrAlreadyEnded
	}

	now := s.now()
	status := requested
	if existing.Overdue(now) {
		status = models.StatusTimeout
	}

	updated := *existing
	updated.Status = status
	updated.Modified = now
	updated.Ended = nil

	switch {
	case status == models.StatusTimeout:
		ended := existing.Deadline()
		updated.Ended = &ended
	case status.IsTerminal():
		updated.Ended = &now
	}

	data, err := json.Marshal(&updated)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpdating, err)
	}

	swapped, err := s.kv.CompareAndSwap(ctx, key, raw, data)
	if errors.Is(err, store.ErrKeyNotFound) {
		log.Debug().Str("job_key", key).Msg("Job deleted during update")
		return nil, ErrNotFound
	}
	if err != nil {
		log.Error().Err(err).Str("job_key", key).Msg("Error updating job data")
		return nil, fmt.Errorf("%w: %w", ErrUpdating, err)
	}
	if !swapped {
		return nil, errStale
	}

	s.metrics.JobsUpdatedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	if status == models.StatusTimeout {
		s.metrics.JobsTimedOutTotal.Add(ctx, 1)
	}
	s.publish(ctx, models.NewUpdatedEvent(&updated))

	return &updated, nil
}

// Delete removes the job and publishes a DELETED event.
func (s *Store) Delete(ctx context.Context, key models.JobKey) error {
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	unlock := s.locks.lock(key.Format())
	defer unlock()

	return s.delete(ctx, key)
}

func (s *Store) delete(ctx context.Context, key models.JobKey) error {
	log := zerolog.Ctx(ctx)

	if err := s.kv.Del(ctx, key.Format()); err != nil {
		log.Error().Err(err).Str("job_key", key.Format()).Msg("Error deleting job data")
		return fmt.Errorf("%w: %w", ErrDeleting, err)
	}

	s.mu.Lock()
	if t, ok := s.timers[key.Format()]; ok {
		t.stop()
		delete(s.timers, key.Format())
	}
	s.mu.Unlock()

	s.metrics.JobsDeletedTotal.Add(ctx, 1)
	s.publish(ctx, models.NewDeletedEvent(key))

	log.Debug().Str("job_key", key.Format()).Msg("Deleted job")
	return nil
}

// Namespaces returns every namespace that holds at least one job, sorted.
func (s *Store) Namespaces(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, "*")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}

	seen := make(map[string]struct{})
	for _, k := range keys {
		key, err := models.ParseJobKey(k)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Str("key", k).Msg("Invalid key format")
			continue
		}
		seen[key.Namespace] = struct{}{}
	}

	namespaces := make([]string, 0, len(seen))
	for ns := range seen {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	return namespaces, nil
}

// Ping reports whether the data connection is alive.
func (s *Store) Ping(ctx context.Context) bool {
	if err := s.kv.Ping(ctx); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Store ping failed")
		return false
	}
	return true
}

// Clean deletes every record that does not decode as a job and publishes a
// DELETED event for each. It returns the number of records removed.
func (s *Store) Clean(ctx context.Context) (int, error) {
	log := zerolog.Ctx(ctx)

	keys, err := s.kv.Keys(ctx, "*")
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStore, err)
	}
	if len(keys) == 0 {
		log.Debug().Msg("No jobs to clean up")
		return 0, nil
	}

	values, err := s.kv.MGet(ctx, keys...)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStore, err)
	}

	var invalid []string
	for i, data := range values {
		if data == nil {
			continue
		}
		var job models.Job
		if err := json.Unmarshal(data, &job); err == nil && job.Format() == keys[i] {
			continue
		}
		invalid = append(invalid, keys[i])
	}

	if len(invalid) == 0 {
		log.Debug().Msg("No invalid jobs found")
		return 0, nil
	}

	log.Warn().Strs("keys", invalid).Msg("Deleting invalid jobs")
	if err := s.kv.Del(ctx, invalid...); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrDeleting, err)
	}
	s.metrics.JobsInvalidTotal.Add(ctx, int64(len(invalid)))

	for _, k := range invalid {
		key, err := models.ParseJobKey(k)
		if err != nil {
			log.Error().Str("key", k).Msg("Invalid key format")
			continue
		}
		s.publish(ctx, models.NewDeletedEvent(key))
	}

	log.Debug().Int("count", len(invalid)).Msg("Deleted invalid jobs")
	return len(invalid), nil
}

// publish logs failures. The record is already persisted and polling
// watchers will still see it.
func (s *Store) publish(ctx context.Context, event models.JobEvent) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		zerolog.Ctx(ctx).Error().
			Err(err).
			Str("job_key", event.Key.Format()).
			Str("event_type", string(event.Type)).
			Msg("Failed to publish job event")
	}
}
