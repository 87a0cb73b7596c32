package bridge

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rbridge/cli/internal/bridge/model"
	"rbridge/cli/internal/bridge/wire"
	"rbridge/cli/internal/testutil/fakebackend"
)

const waitFor = 2 * time.Second

func waitForStream(t *testing.T, backend *fakebackend.Server, filter ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		f := backend.StreamFilters()
		return len(f) == 1 && slices.Equal(f[0], filter)
	}, waitFor, 5*time.Millisecond, "stream with filter %v never opened", filter)
}

func event(id, eventType string) *wire.Event {
	return &wire.Event{EventID: id, EventType: eventType, Source: "test", TimestampMs: time.Now().UnixMilli(), Data: []byte(`{}`)}
}

type collector struct {
	mu  sync.Mutex
	ids []string
}

func (c *collector) handle(_ context.Context, ev model.Event) error {
	c.mu.Lock()
	c.ids = append(c.ids, ev.ID)
	c.mu.Unlock()
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.ids)
}

func TestListenerDispatchesInReceiveOrder(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)
	var c collector
	b.Subscribe("tick", c.handle)
	require.True(t, b.Start(context.Background()))
	waitForStream(t, backend)

	var want []string
	for i := range 100 {
		id := fmt.Sprint(i)
		want = append(want, id)
		require.Equal(t, 1, backend.Emit(event(id, "tick")))
	}

	require.Eventually(t, func() bool { return len(c.snapshot()) == 100 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, want, c.snapshot())
	assert.Equal(t, 100.0, testutil.ToFloat64(b.Metrics().EventsDispatched))
}

func TestListenerMarksBackendEvents(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)
	got := make(chan model.Event, 1)
	b.Subscribe("note", func(_ context.Context, ev model.Event) error {
		got <- ev
		return nil
	})
	require.True(t, b.Start(context.Background()))
	waitForStream(t, backend)

	require.True(t, b.PublishEvent(context.Background(), "note", model.Payload(`{"x":1}`)))
	select {
	case ev := <-got:
		assert.Equal(t, model.OriginBackend, ev.Metadata[model.MetadataOrigin])
		assert.JSONEq(t, `{"x":1}`, ev.Payload.String())
	case <-time.After(waitFor):
		t.Fatal("published event never came back through the stream")
	}
}

func TestListenerStartStopIsIdempotent(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)

	assert.True(t, b.Stop(time.Second), "stop before start is safe")
	assert.Equal(t, ListenerStopped, b.ListenerState())

	require.True(t, b.Start(context.Background()))
	assert.True(t, b.Start(context.Background()))
	assert.Equal(t, ListenerRunning, b.ListenerState())
	waitForStream(t, backend)

	assert.True(t, b.Stop(time.Second))
	assert.Equal(t, ListenerStopped, b.ListenerState())
	assert.True(t, b.Stop(time.Second))

	require.True(t, b.Start(context.Background()), "restart after stop")
	waitForStream(t, backend)
	assert.True(t, b.Stop(time.Second))
}

func TestStopDuringReceiveReturnsWithinJoinTimeout(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)
	var c collector
	b.Subscribe("tick", c.handle)
	require.True(t, b.Start(context.Background()))
	waitForStream(t, backend)

	const join = 500 * time.Millisecond
	started := time.Now()
	assert.True(t, b.Stop(join))
	assert.Less(t, time.Since(started), join)

	backend.Emit(event("late", "tick"))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, c.snapshot(), "no dispatch after stop")
	assert.Equal(t, 1, b.registry.Len(), "stop leaves subscriptions untouched")
}

func TestStartContextCancellationEndsLoop(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, b.Start(ctx))
	waitForStream(t, backend)
	cancel()

	require.Eventually(t, func() bool { return len(backend.StreamFilters()) == 0 }, waitFor, 5*time.Millisecond)
	assert.True(t, b.Stop(time.Second))
}

func TestListenerDrainsWithoutSubscribers(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)
	require.True(t, b.Start(context.Background()))
	waitForStream(t, backend)

	for i := range 50 {
		assert.Equal(t, 1, backend.Emit(event(fmt.Sprint(i), fmt.Sprintf("type-%d", i%3))))
	}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(b.Metrics().EventsDispatched) == 50
	}, waitFor, 5*time.Millisecond)
}

func TestSubscribeWhileRunningReceivesNextEvent(t *testing.T) {
	cfg := testConfig()
	cfg.PollInterval = 200 * time.Millisecond
	backend := fakebackend.Start(t)
	b := newTestBridgeWithConfig(t, backend, cfg)
	var a, late collector
	b.Subscribe("a", a.handle)
	require.True(t, b.Start(context.Background()))
	waitForStream(t, backend)

	b.Subscribe("b", late.handle)
	require.Equal(t, 1, backend.Emit(event("b-1", "b")), "the open stream must carry the new type")
	require.Equal(t, 1, backend.Emit(event("a-1", "a")))

	require.Eventually(t, func() bool { return len(a.snapshot()) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"b-1"}, late.snapshot())
	assert.Len(t, backend.StreamFilters(), 1, "subscription changes do not reopen the stream")
}

func TestUnsubscribeWhileRunningStopsDelivery(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)
	var keep, drop collector
	b.Subscribe("a", keep.handle)
	id := b.Subscribe("a", drop.handle)
	require.True(t, b.Start(context.Background()))
	waitForStream(t, backend)

	backend.Emit(event("1", "a"))
	require.Eventually(t, func() bool { return len(drop.snapshot()) == 1 }, waitFor, 5*time.Millisecond)

	require.True(t, b.Unsubscribe(id))
	backend.Emit(event("2", "a"))
	require.Eventually(t, func() bool { return len(keep.snapshot()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"1"}, drop.snapshot())
}

func TestTimedOutStopBlocksRestartUntilLoopExits(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)
	entered := make(chan struct{})
	release := make(chan struct{})
	b.Subscribe("slow", func(context.Context, model.Event) error {
		close(entered)
		<-release
		return nil
	})
	require.True(t, b.Start(context.Background()))
	waitForStream(t, backend)

	backend.Emit(event("1", "slow"))
	<-entered

	assert.False(t, b.Stop(20*time.Millisecond))
	assert.Equal(t, ListenerStopping, b.ListenerState())
	assert.False(t, b.Start(context.Background()), "old loop still running")

	close(release)
	require.Eventually(t, func() bool { return b.ListenerState() == ListenerStopped }, waitFor, 5*time.Millisecond)
	require.True(t, b.Start(context.Background()))
	assert.True(t, b.Stop(time.Second))
}

func TestListenerSurvivesAbsentBackend(t *testing.T) {
	backend := fakebackend.Start(t)
	backend.SetDown(true)
	b := newTestBridge(t, backend, WithLazyConnect())
	var c collector
	b.Subscribe("tick", c.handle)

	require.True(t, b.Start(context.Background()))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, ListenerRunning, b.ListenerState())
	// Each cycle sleeps at least one reconnect delay and makes three checks
	// separated by the same delay, so 150ms cannot add up to many checks.
	assert.Less(t, backend.HealthChecks(), 40, "listener must not spin while the backend is absent")

	backend.SetDown(false)
	waitForStream(t, backend)
	backend.Emit(event("1", "tick"))
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, waitFor, 5*time.Millisecond)
}

func TestListenerReconnectsAfterMidStreamOutage(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)
	var c collector
	b.Subscribe("tick", c.handle)
	require.True(t, b.Start(context.Background()))
	waitForStream(t, backend)

	backend.SetDown(true)
	require.Eventually(t, func() bool { return b.State() != model.Connected }, waitFor, 5*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(b.Metrics().StreamErrors), 1.0)

	backend.SetDown(false)
	waitForStream(t, backend)
	backend.Emit(event("after", "tick"))
	require.Eventually(t, func() bool { return slices.Contains(c.snapshot(), "after") }, waitFor, 5*time.Millisecond)
	assert.Equal(t, model.Connected, b.State())
}

func TestFailingHandlersDoNotStopListener(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)
	var c collector
	b.Subscribe("tick", func(context.Context, model.Event) error { panic("handler bug") })
	b.Subscribe("tick", func(context.Context, model.Event) error { return fmt.Errorf("rejected") })
	b.Subscribe("tick", c.handle)
	require.True(t, b.Start(context.Background()))
	waitForStream(t, backend)

	backend.Emit(event("1", "tick"))
	backend.Emit(event("2", "tick"))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 4.0, testutil.ToFloat64(b.Metrics().CallbackFailures))
	assert.Equal(t, ListenerRunning, b.ListenerState())
}

func TestConcurrentSubscribeAgainstRunningListener(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)
	var c collector
	b.Subscribe("hot", c.handle)
	require.True(t, b.Start(context.Background()))
	waitForStream(t, backend)

	ctx, cancel := context.WithCancel(context.Background())
	var emitted atomic.Int64
	var emitter sync.WaitGroup
	emitter.Add(1)
	go func() {
		defer emitter.Done()
		for i := 0; ctx.Err() == nil; i++ {
			backend.Emit(event(fmt.Sprint(i), "hot"))
			emitted.Add(1)
		}
	}()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 200 {
				id := b.Subscribe("hot", func(context.Context, model.Event) error { return nil })
				assert.True(t, b.Unsubscribe(id))
			}
		}()
	}
	wg.Wait()
	cancel()
	emitter.Wait()

	assert.True(t, b.Stop(time.Second))
	assert.Equal(t, 1, b.registry.Len())
	assert.Positive(t, emitted.Load())
	assert.NotEmpty(t, c.snapshot())
}
