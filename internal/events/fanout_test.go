package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/jobwatch/internal/models"
	"github.com/wolfeidau/jobwatch/internal/store/memory"
)

type collector struct {
	mu     sync.Mutex
	events []models.JobEvent
}

func (c *collector) Listen(event models.JobEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) Events() []models.JobEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.JobEvent(nil), c.events...)
}

func newFanout(t *testing.T) (*Fanout, *memory.Backend) {
	t.Helper()

	backend := memory.New()
	f, err := New(context.Background(), backend, zerolog.Nop())
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = f.Close()
		_ = backend.Close()
	})
	return f, backend
}

func runningJob(key models.JobKey) *models.Job {
	now := time.UnixMilli(1_700_000_000_000)
	return &models.Job{JobKey: key, Created: now, Modified: now, Timeout: 60, Status: models.StatusRunning}
}

var (
	jobA = models.JobKey{Namespace: "klage", ID: "build-aaa"}
	jobB = models.JobKey{Namespace: "klage", ID: "build-bbb"}
	jobC = models.JobKey{Namespace: "other", ID: "build-ccc"}
)

func TestPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	f, _ := newFanout(t)

	single := &collector{}
	all := &collector{}

	sub, err := f.Subscribe(ctx, jobA, single.Listen)
	require.NoError(t, err)
	defer sub.Close()

	subAll, err := f.SubscribeAll(ctx, "klage", all.Listen)
	require.NoError(t, err)
	defer subAll.Close()

	require.NoError(t, f.Publish(ctx, models.NewCreatedEvent(runningJob(jobA))))
	require.NoError(t, f.Publish(ctx, models.NewCreatedEvent(runningJob(jobB))))
	require.NoError(t, f.Publish(ctx, models.NewCreatedEvent(runningJob(jobC))))
	require.NoError(t, f.Publish(ctx, models.NewDeletedEvent(jobA)))

	require.Eventually(t, func() bool { return single.Len() == 2 && all.Len() == 3 }, time.Second, 10*time.Millisecond)

	events := single.Events()
	require.Equal(t, models.EventCreated, events[0].Type)
	require.Equal(t, jobA, events[0].Key)
	require.Equal(t, models.EventDeleted, events[1].Type)
	require.Nil(t, events[1].Job)

	for _, event := range all.Events() {
		require.Equal(t, "klage", event.Key.Namespace)
	}
}

func TestListenersAreReferenceCounted(t *testing.T) {
	ctx := context.Background()
	f, _ := newFanout(t)

	first := &collector{}
	second := &collector{}

	subFirst, err := f.Subscribe(ctx, jobA, first.Listen)
	require.NoError(t, err)
	subSecond, err := f.Subscribe(ctx, jobA, second.Listen)
	require.NoError(t, err)

	require.NoError(t, subFirst.Close())
	require.NoError(t, subFirst.Close())

	require.NoError(t, f.Publish(ctx, models.NewCreatedEvent(runningJob(jobA))))
	require.Eventually(t, func() bool { return second.Len() == 1 }, time.Second, 10*time.Millisecond)
	require.Zero(t, first.Len())

	require.NoError(t, subSecond.Close())

	f.mu.Lock()
	require.Empty(t, f.channels)
	f.mu.Unlock()

	// a namespace watcher leaving does not detach another namespace watcher
	nsFirst := &collector{}
	nsSecond := &collector{}
	a, err := f.SubscribeAll(ctx, "klage", nsFirst.Listen)
	require.NoError(t, err)
	b, err := f.SubscribeAll(ctx, "klage", nsSecond.Listen)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	require.NoError(t, f.Publish(ctx, models.NewCreatedEvent(runningJob(jobB))))
	require.Eventually(t, func() bool { return nsSecond.Len() == 1 }, time.Second, 10*time.Millisecond)
	require.Zero(t, nsFirst.Len())
	require.NoError(t, b.Close())
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	ctx := context.Background()
	f, backend := newFanout(t)

	c := &collector{}
	sub, err := f.Subscribe(ctx, jobA, c.Listen)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, backend.Publish(ctx, jobA.Format(), []byte("not json")))
	require.NoError(t, backend.Publish(ctx, jobA.Format(), []byte(`{"eventType":"created","job":{"id":"build-aaa"}}`)))
	require.NoError(t, f.Publish(ctx, models.NewUpdatedEvent(runningJob(jobA))))

	require.Eventually(t, func() bool { return c.Len() == 1 }, time.Second, 10*time.Millisecond)
	require.Equal(t, models.EventUpdated, c.Events()[0].Type)
}

func TestSubscribeValidation(t *testing.T) {
	ctx := context.Background()
	f, _ := newFanout(t)

	_, err := f.Subscribe(ctx, models.JobKey{Namespace: "klage", ID: "no"}, func(models.JobEvent) {})
	require.ErrorIs(t, err, models.ErrInvalidJobID)

	_, err = f.SubscribeAll(ctx, "Not Valid", func(models.JobEvent) {})
	require.ErrorIs(t, err, models.ErrInvalidNamespace)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	f, _ := newFanout(t)

	sub, err := f.Subscribe(ctx, jobA, func(models.JobEvent) {})
	require.NoError(t, err)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())

	_, err = f.Subscribe(ctx, jobA, func(models.JobEvent) {})
	require.ErrorIs(t, err, ErrClosed)

	require.NoError(t, sub.Close())
}
