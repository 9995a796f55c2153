// Package events turns job mutations into JobEvents on the store's pub/sub
// and dispatches received events to per-job and per-namespace listeners.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/wolfeidau/jobwatch/internal/models"
	"github.com/wolfeidau/jobwatch/internal/store"
	"github.com/wolfeidau/jobwatch/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var ErrClosed = errors.New("fanout closed")

// Listener receives decoded events on the dispatch goroutine. It must not block.
type Listener func(event models.JobEvent)

// Fanout publishes events through a store.Broker and shares one subscriber
// connection between all listeners.
type Fanout struct {
	broker  store.Broker
	sub     store.Subscriber
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu       sync.Mutex
	channels map[string]map[*Subscription]Listener
	patterns map[string]map[*Subscription]Listener
	closed   bool

	done chan struct{}
}

// New opens the subscriber connection and starts the dispatch goroutine.
func New(ctx context.Context, broker store.Broker, logger zerolog.Logger) (*Fanout, error) {
	sub, err := broker.NewSubscriber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open subscriber: %w", err)
	}

	f := &Fanout{
		broker:   broker,
		sub:      sub,
		logger:   logger.With().Str("module", "events").Logger(),
		metrics:  telemetry.GetMetrics(),
		channels: make(map[string]map[*Subscription]Listener),
		patterns: make(map[string]map[*Subscription]Listener),
		done:     make(chan struct{}),
	}
	go f.dispatch()

	return f, nil
}

// Close closes the subscriber connection and waits for dispatch to stop.
func (f *Fanout) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	err := f.sub.Close()
	<-f.done
	return err
}

// Publish encodes the event and publishes it on the job's channel. It does not
// wait for listeners.
func (f *Fanout) Publish(ctx context.Context, event models.JobEvent) error {
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("event_type", string(event.Type)))

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	f.metrics.EventPublishTotal.Add(ctx, 1, attrs)
	err = f.broker.Publish(ctx, event.Key.Format(), data)
	f.metrics.EventPublishDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
	if err != nil {
		f.metrics.EventPublishErrorsTotal.Add(ctx, 1, attrs)
		return err
	}
	return nil
}

// Subscribe attaches a listener for a single job.
func (f *Fanout) Subscribe(ctx context.Context, key models.JobKey, listener Listener) (*Subscription, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	return f.add(ctx, f.channels, key.Format(), false, listener)
}

// SubscribeAll attaches a listener for every job in a namespace.
func (f *Fanout) SubscribeAll(ctx context.Context, namespace string, listener Listener) (*Subscription, error) {
	if !models.IsValidNamespace(namespace) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidNamespace, namespace)
	}
	return f.add(ctx, f.patterns, models.NamespacePattern(namespace), true, listener)
}

// add registers the listener and subscribes the connection on the first
// listener for name.
func (f *Fanout) add(ctx context.Context, registry map[string]map[*Subscription]Listener, name string, pattern bool, listener Listener) (*Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}

	listeners, ok := registry[name]
	if !ok {
		var err error
		if pattern {
			err = f.sub.PSubscribe(ctx, name)
		} else {
			err = f.sub.Subscribe(ctx, name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to subscribe to %s: %w", name, err)
		}
		listeners = make(map[*Subscription]Listener)
		registry[name] = listeners
	}

	s := &Subscription{fanout: f, registry: registry, name: name, pattern: pattern}
	listeners[s] = listener

	return s, nil
}

// remove detaches s and unsubscribes the connection when it was the last
// listener for its name.
func (f *Fanout) remove(s *Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	listeners, ok := s.registry[s.name]
	if !ok {
		return nil
	}
	delete(listeners, s)
	if len(listeners) > 0 {
		return nil
	}
	delete(s.registry, s.name)

	if f.closed {
		return nil
	}

	// detached from the caller, whose request context may already be done
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.pattern {
		return f.sub.PUnsubscribe(ctx, s.name)
	}
	return f.sub.Unsubscribe(ctx, s.name)
}

// ListenerCount returns the number of attached listeners.
func (f *Fanout) ListenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, listeners := range f.channels {
		n += len(listeners)
	}
	for _, listeners := range f.patterns {
		n += len(listeners)
	}
	return n
}

// listeners returns a snapshot of the listeners for a message.
func (f *Fanout) listeners(msg *store.Message) []Listener {
	f.mu.Lock()
	defer f.mu.Unlock()

	registry, name := f.channels, msg.Channel
	if msg.Pattern != "" {
		registry, name = f.patterns, msg.Pattern
	}

	out := make([]Listener, 0, len(registry[name]))
	for _, l := range registry[name] {
		out = append(out, l)
	}
	return out
}

func (f *Fanout) dispatch() {
	defer close(f.done)

	for msg := range f.sub.Messages() {
		var event models.JobEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			f.logger.Debug().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed event")
			f.metrics.EventsMalformedTotal.Add(context.Background(), 1)
			continue
		}

		for _, l := range f.listeners(msg) {
			l(event)
		}
	}

	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if !closed {
		f.logger.Error().Msg("Subscriber connection closed unexpectedly")
	}
}

// Subscription is one attached listener.
type Subscription struct {
	fanout   *Fanout
	registry map[string]map[*Subscription]Listener
	name     string
	pattern  bool
	once     sync.Once
}

// Close detaches the listener. It is safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.fanout.remove(s)
	})
	return err
}
