// Package stream serves job events to watchers as server-sent events.
//
// A stream starts with a "created" frame per job in the snapshot, continues
// with one frame per JobEvent and sends a heartbeat frame on an interval:
//
//	event:created
//	data:{"id":"build-123","namespace":"klage",...}
//
//	event:heartbeat
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/jobwatch/internal/events"
	"github.com/wolfeidau/jobwatch/internal/models"
	"github.com/wolfeidau/jobwatch/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	ContentType = "text/event-stream"

	DefaultHeartbeatInterval = time.Second
	DefaultBufferSize        = 64
)

// WriteFrame writes one event frame with a JSON data line.
func WriteFrame(w io.Writer, name models.EventType, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode frame data: %w", err)
	}
	_, err = fmt.Fprintf(w, "event:%s\ndata:%s\n\n", name, payload)
	return err
}

// WriteHeartbeat writes a frame with no data line.
func WriteHeartbeat(w io.Writer) error {
	_, err := fmt.Fprintf(w, "event:%s\n\n", models.EventHeartbeat)
	return err
}

// Subscriber attaches listeners to job events.
type Subscriber interface {
	Subscribe(ctx context.Context, key models.JobKey, listener events.Listener) (*events.Subscription, error)
	SubscribeAll(ctx context.Context, namespace string, listener events.Listener) (*events.Subscription, error)
}

// Option configures a Server.
type Option func(*Server)

// WithHeartbeatInterval sets the heartbeat period.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// WithBufferSize sets the per-watcher event buffer. A watcher that overflows
// it has its stream closed so it reconnects to a fresh snapshot.
func WithBufferSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

// Server runs watch streams.
type Server struct {
	subscriber Subscriber
	heartbeat  time.Duration
	bufferSize int
	metrics    *telemetry.Metrics
}

func NewServer(subscriber Subscriber, opts ...Option) *Server {
	s := &Server{
		subscriber: subscriber,
		heartbeat:  DefaultHeartbeatInterval,
		bufferSize: DefaultBufferSize,
		metrics:    telemetry.GetMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WatchJob streams a single job. It subscribes before calling load so no
// event after the snapshot is missed, and returns once the job is deleted or
// no longer RUNNING, the client disconnects or the watcher falls behind the
// event buffer. Errors returned before any byte is written leave the response
// untouched.
func (s *Server) WatchJob(w http.ResponseWriter, r *http.Request, key models.JobKey, load func(ctx context.Context) (*models.Job, error)) error {
	subscribe := func(ctx context.Context, l events.Listener) (*events.Subscription, error) {
		return s.subscriber.Subscribe(ctx, key, l)
	}
	snapshot := func(ctx context.Context) ([]*models.Job, error) {
		job, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return []*models.Job{job}, nil
	}
	return s.watch(w, r, subscribe, snapshot, true)
}

// WatchNamespace streams every job in a namespace until the client disconnects.
func (s *Server) WatchNamespace(w http.ResponseWriter, r *http.Request, namespace string, load func(ctx context.Context) ([]*models.Job, error)) error {
	subscribe := func(ctx context.Context, l events.Listener) (*events.Subscription, error) {
		return s.subscriber.SubscribeAll(ctx, namespace, l)
	}
	return s.watch(w, r, subscribe, load, false)
}

type watcher struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	metrics *telemetry.Metrics
	ctx     context.Context
}

func (wt *watcher) frame(name models.EventType, data any) error {
	if err := WriteFrame(wt.w, name, data); err != nil {
		return err
	}
	wt.metrics.FramesWrittenTotal.Add(wt.ctx, 1, metric.WithAttributes(attribute.String("event", string(name))))
	return wt.rc.Flush()
}

func (wt *watcher) heartbeat() error {
	if err := WriteHeartbeat(wt.w); err != nil {
		return err
	}
	wt.metrics.FramesWrittenTotal.Add(wt.ctx, 1, metric.WithAttributes(attribute.String("event", string(models.EventHeartbeat))))
	return wt.rc.Flush()
}

func (s *Server) watch(
	w http.ResponseWriter,
	r *http.Request,
	subscribe func(context.Context, events.Listener) (*events.Subscription, error),
	load func(context.Context) ([]*models.Job, error),
	single bool,
) error {
	ctx := r.Context()
	log := zerolog.Ctx(ctx)

	rc := http.NewResponseController(w)

	received := make(chan models.JobEvent, s.bufferSize)
	lagged := make(chan struct{}, 1)
	listener := func(event models.JobEvent) {
		select {
		case received <- event:
		default:
			s.metrics.ChannelOverflowTotal.Add(context.Background(), 1)
			log.Warn().Str("job_key", event.Key.Format()).Msg("Event channel full, dropping event")
			select {
			case lagged <- struct{}{}:
			default:
			}
		}
	}

	sub, err := subscribe(ctx, listener)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	var (
		ticker  *time.Ticker
		cleanup sync.Once
	)
	closeAll := func() {
		cleanup.Do(func() {
			if ticker != nil {
				ticker.Stop()
			}
			if err := sub.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to unsubscribe")
			}
		})
	}
	defer closeAll()

	jobs, err := load(ctx)
	if err != nil {
		return err
	}

	header := w.Header()
	header.Set("Content-Type", ContentType)
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	s.metrics.ActiveStreams.Add(ctx, 1)
	defer s.metrics.ActiveStreams.Add(context.Background(), -1)

	wt := &watcher{w: w, rc: rc, metrics: s.metrics, ctx: ctx}

	for _, job := range jobs {
		if err := wt.frame(models.EventCreated, job); err != nil {
			log.Debug().Err(err).Msg("Failed to write snapshot")
			return nil
		}
	}
	if single && len(jobs) == 1 && jobs[0].Status != models.StatusRunning {
		return nil
	}
	if len(jobs) == 0 {
		if err := rc.Flush(); err != nil {
			return nil
		}
	}

	ticker = time.NewTicker(s.heartbeat)

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Watcher disconnected")
			return nil
		case <-lagged:
			// events were lost, the client reconnects and reloads
			log.Warn().Msg("Watcher fell behind, closing stream")
			return nil
		case <-ticker.C:
			if err := wt.heartbeat(); err != nil {
				log.Debug().Err(err).Msg("Failed to write heartbeat")
				return nil
			}
		case event := <-received:
			if err := wt.frame(event.Type, event.Payload()); err != nil {
				log.Debug().Err(err).Msg("Failed to write event")
				return nil
			}
			if single && event.Terminal() {
				log.Debug().Str("job_key", event.Key.Format()).Str("event_type", string(event.Type)).Msg("Job ended, closing stream")
				return nil
			}
		}
	}
}
