package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/clusterd/internal/model"
	"github.com/t77yq/clusterd/internal/store"
	"github.com/t77yq/clusterd/internal/store/memory"
	"github.com/t77yq/clusterd/internal/testutil"
)

type staticProvider struct {
	s store.Store
}

func (p staticProvider) Store(ctx context.Context) (store.Store, error) { return p.s, nil }

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBus(t *testing.T, clusterID int, shardIDs []int, s store.Store, opts ...Option) *Bus {
	t.Helper()
	config := DefaultConfig()
	config.ClusterID = clusterID
	config.TotalClusters = 2
	config.ShardIDs = shardIDs
	return New(config, staticProvider{s}, zaptest.NewLogger(t), opts...)
}

// counter records how often each event type was dispatched
type counter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (c *counter) handler(ctx context.Context, evt *model.CrossClusterEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[evt.ID]++
	return nil
}

func (c *counter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

func TestSendEventSkipsProducer(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	producer := newTestBus(t, 0, []int{0, 1, 2}, s)
	consumer := newTestBus(t, 1, []int{3, 4}, s)

	var seenProducer, seenConsumer counter
	producer.Handle("ping", seenProducer.handler)
	consumer.Handle("ping", seenConsumer.handler)

	id, err := producer.SendEvent(ctx, "ping", map[string]any{"n": 1})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	n, err := producer.ProcessPendingEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = consumer.ProcessPendingEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 0, seenProducer.total())
	assert.Equal(t, 1, seenConsumer.total())
	assert.Equal(t, int64(1), producer.Metrics().EventsSent)
	assert.Equal(t, int64(1), consumer.Metrics().EventsReceived)
}

func TestSendEventIncludeSelf(t *testing.T) {
	ctx := context.Background()
	b := newTestBus(t, 0, []int{0}, memory.New())

	var seen counter
	b.Handle("ping", seen.handler)

	_, err := b.SendEvent(ctx, "ping", nil, IncludeSelf())
	require.NoError(t, err)

	n, err := b.ProcessPendingEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, seen.total())
}

func TestSendEventTargets(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	producer := newTestBus(t, 0, []int{0, 1, 2}, s)
	owner := newTestBus(t, 1, []int{3, 4}, s)
	other := newTestBus(t, 2, []int{5, 6}, s)

	var seenOwner, seenOther counter
	owner.Handle("ping", seenOwner.handler)
	other.Handle("ping", seenOther.handler)

	_, err := producer.SendEvent(ctx, "ping", nil, TargetShards(4))
	require.NoError(t, err)

	// An empty target list means every cluster
	_, err = producer.SendEvent(ctx, "ping", nil, TargetShards())
	require.NoError(t, err)

	_, err = owner.ProcessPendingEvents(ctx)
	require.NoError(t, err)
	_, err = other.ProcessPendingEvents(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, seenOwner.total())
	assert.Equal(t, 1, seenOther.total())
}

func TestSendEventRequiresType(t *testing.T) {
	b := newTestBus(t, 0, []int{0}, memory.New())
	_, err := b.SendEvent(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrEmptyEventType)
}

func TestProcessPendingEventsConcurrentIdempotence(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	producer := newTestBus(t, 0, []int{0}, s)
	consumer := newTestBus(t, 1, []int{1}, s)

	var seen counter
	consumer.Handle("ping", seen.handler)

	for i := 0; i < 5; i++ {
		_, err := producer.SendEvent(ctx, "ping", nil)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := consumer.ProcessPendingEvents(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	seen.mu.Lock()
	defer seen.mu.Unlock()
	assert.Len(t, seen.calls, 5)
	for id, n := range seen.calls {
		assert.Equal(t, 1, n, id)
	}
}

func TestHandlerFailureLeavesEventUnmarked(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	clock := &testClock{t: time.Now()}

	producer := newTestBus(t, 0, []int{0}, s)
	consumer := newTestBus(t, 1, []int{1}, s)
	producer.now = clock.Now
	consumer.now = clock.Now

	var failing atomic.Bool
	failing.Store(true)
	var attempts atomic.Int32
	consumer.Handle("flaky", func(ctx context.Context, evt *model.CrossClusterEvent) error {
		attempts.Add(1)
		if failing.Load() {
			return errors.New("downstream unavailable")
		}
		return nil
	})

	var seen counter
	consumer.Handle("ping", seen.handler)

	_, err := producer.SendEvent(ctx, "flaky", nil)
	require.NoError(t, err)
	clock.Advance(time.Millisecond)
	_, err = producer.SendEvent(ctx, "ping", nil)
	require.NoError(t, err)

	n, err := consumer.ProcessPendingEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "later events still processed")
	assert.Equal(t, 1, seen.total())
	assert.Equal(t, int64(1), consumer.Metrics().EventsFailed)

	pending, err := s.PendingEvents(ctx, store.EventQuery{ClusterID: 1, ShardIDs: []int{1}, Now: clock.Now()})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "flaky", pending[0].Type)

	// Not retried before its delay has passed
	n, err = consumer.ProcessPendingEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int32(1), attempts.Load())

	failing.Store(false)
	clock.Advance(consumer.config.PollInterval)
	n, err = consumer.ProcessPendingEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Empty(t, consumer.retries)
}

func TestFailingEventsDoNotBlockNewer(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	clock := &testClock{t: time.Now()}

	producer := newTestBus(t, 0, []int{0}, s)
	consumer := newTestBus(t, 1, []int{1}, s)
	producer.now = clock.Now
	consumer.now = clock.Now
	consumer.config.BatchSize = 2

	var badAttempts atomic.Int32
	consumer.Handle("bad", func(ctx context.Context, evt *model.CrossClusterEvent) error {
		badAttempts.Add(1)
		return errors.New("rest api unavailable")
	})
	var good counter
	consumer.Handle("good", good.handler)

	for _, eventType := range []string{"bad", "bad", "good"} {
		_, err := producer.SendEvent(ctx, eventType, nil)
		require.NoError(t, err)
		clock.Advance(time.Millisecond)
	}

	// The first batch holds only the failing events
	n, err := consumer.ProcessPendingEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int32(2), badAttempts.Load())

	for i := 0; i < 4; i++ {
		_, err := consumer.ProcessPendingEvents(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, good.total(), "newer event dispatched exactly once")
	assert.Equal(t, int32(2), badAttempts.Load(), "failing events wait for their delay")

	// Once due they are retried, with a longer delay next time
	clock.Advance(consumer.config.PollInterval)
	_, err = consumer.ProcessPendingEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(4), badAttempts.Load())

	clock.Advance(consumer.config.PollInterval)
	_, err = consumer.ProcessPendingEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(4), badAttempts.Load())

	clock.Advance(consumer.config.PollInterval)
	_, err = consumer.ProcessPendingEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(6), badAttempts.Load())
	assert.Equal(t, int64(6), consumer.Metrics().EventsFailed)

	// Retry state goes away with the events
	clock.Advance(producer.config.EventTTL)
	_, err = consumer.ProcessPendingEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, consumer.retries)
	assert.Equal(t, 1, good.total())
}

func TestRetryDelay(t *testing.T) {
	b := newTestBus(t, 1, []int{1}, memory.New())
	b.config.PollInterval = 5 * time.Second

	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, time.Minute, time.Minute,
	}
	for i, d := range want {
		assert.Equal(t, d, b.retryDelay(i+1), "attempt %d", i+1)
	}

	b.config.PollInterval = 2 * time.Minute
	assert.Equal(t, maxRetryDelay, b.retryDelay(1))
}

func TestHandlerPanicIsFailure(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	producer := newTestBus(t, 0, []int{0}, s)
	consumer := newTestBus(t, 1, []int{1}, s)
	consumer.Handle("boom", func(ctx context.Context, evt *model.CrossClusterEvent) error {
		panic("nil guild")
	})

	_, err := producer.SendEvent(ctx, "boom", nil)
	require.NoError(t, err)

	n, err := consumer.ProcessPendingEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, int64(1), consumer.Metrics().EventsFailed)
}

// flakyMarkStore fails the first MarkProcessed call
type flakyMarkStore struct {
	store.Store
	failed atomic.Bool
}

func (f *flakyMarkStore) MarkProcessed(ctx context.Context, eventID string, clusterID int) (bool, error) {
	if !f.failed.Swap(true) {
		return false, errors.New("write timeout")
	}
	return f.Store.MarkProcessed(ctx, eventID, clusterID)
}

func TestMarkFailureDoesNotRedispatch(t *testing.T) {
	ctx := context.Background()
	s := &flakyMarkStore{Store: memory.New()}

	producer := newTestBus(t, 0, []int{0}, s)
	consumer := newTestBus(t, 1, []int{1}, s)

	var seen counter
	consumer.Handle("ping", seen.handler)

	_, err := producer.SendEvent(ctx, "ping", nil)
	require.NoError(t, err)

	n, err := consumer.ProcessPendingEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = consumer.ProcessPendingEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 1, seen.total())
}

func TestUnknownEventTypeIsMarked(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	producer := newTestBus(t, 0, []int{0}, s)
	consumer := newTestBus(t, 1, []int{1}, s)

	_, err := producer.SendEvent(ctx, "loan_recalculate", nil)
	require.NoError(t, err)

	n, err := consumer.ProcessPendingEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = consumer.ProcessPendingEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestExpiredEventsArePurged(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	clock := &testClock{t: time.Now()}

	producer := newTestBus(t, 0, []int{0}, s)
	consumer := newTestBus(t, 1, []int{1}, s)
	producer.now = clock.Now
	consumer.now = clock.Now

	var seen counter
	consumer.Handle("ping", seen.handler)

	_, err := producer.SendEvent(ctx, "ping", nil, WithEventTTL(time.Minute))
	require.NoError(t, err)

	clock.Advance(time.Minute)
	n, err := consumer.ProcessPendingEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, seen.total())

	deleted, err := s.DeleteExpiredEvents(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted, "already purged by the poll")
}

type fakeGateway struct{}

func (fakeGateway) ShardLatencies() map[int]float64 { return map[int]float64{3: 42, 4: 40} }

func (fakeGateway) GuildCounts() map[int]int { return map[int]int{3: 7, 4: 9} }

type fakeSampler struct{}

func (fakeSampler) Self() (*model.ProcessStats, error) {
	return &model.ProcessStats{MemoryMB: 64, CPUPercent: 1.5, ThreadCount: 12}, nil
}

func TestPublishStatusAndStaleness(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	clock := &testClock{t: time.Now()}

	b := newTestBus(t, 1, []int{3, 4}, s, WithShardSource(fakeGateway{}), WithSampler(fakeSampler{}))
	b.now = clock.Now
	b.startTime = clock.Now()

	clock.Advance(90 * time.Second)
	require.NoError(t, b.PublishStatus(ctx))
	require.NoError(t, b.PublishStatus(ctx))

	recs, err := b.GetAllShardStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1, "status is upserted per cluster")

	rec := recs[0]
	assert.Equal(t, 1, rec.ClusterID)
	assert.Equal(t, []int{3, 4}, rec.ShardIDs)
	assert.Equal(t, model.ShardStatusOnline, rec.Status)
	assert.Equal(t, map[int]float64{3: 42, 4: 40}, rec.LatencyMS)
	assert.Equal(t, map[int]int{3: 7, 4: 9}, rec.GuildCounts)
	assert.Equal(t, 64.0, rec.MemoryMB)
	assert.Equal(t, int32(12), rec.ThreadCount)
	assert.Equal(t, 90*time.Second, rec.Uptime)
	assert.Equal(t, int64(2), b.Metrics().HealthChecks)

	clock.Advance(5*time.Minute + time.Second)
	recs, err = b.GetAllShardStatuses(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestRunWakesOnNotification(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, nc := testutil.StartNATS(t)
	s := memory.New()

	producer := newTestBus(t, 0, []int{0}, s, WithNotifier(NewNATSNotifier(nc, "", zaptest.NewLogger(t))))

	config := DefaultConfig()
	config.ClusterID = 1
	config.ShardIDs = []int{1}
	config.PollInterval = time.Hour
	consumer := New(config, staticProvider{s}, zaptest.NewLogger(t),
		WithNotifier(NewNATSNotifier(testutil.Connect(t, srv), "", zaptest.NewLogger(t))))

	var seen counter
	consumer.Handle("ping", seen.handler)

	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	// Run publishes a heartbeat as soon as it starts, which also means the
	// subscription is in place
	require.Eventually(t, func() bool {
		recs, err := s.ListStatuses(context.Background(), time.Time{})
		return err == nil && len(recs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	_, err := producer.SendEvent(context.Background(), "ping", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return seen.total() == 1 }, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}
