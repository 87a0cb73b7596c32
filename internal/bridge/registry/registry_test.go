package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"rbridge/cli/internal/bridge/model"
	bridgeerrors "rbridge/cli/internal/errors"
)

func recorder(name string, mu *sync.Mutex, calls *[]string) Handler {
	return func(_ context.Context, ev model.Event) error {
		mu.Lock()
		*calls = append(*calls, name+":"+ev.ID)
		mu.Unlock()
		return nil
	}
}

func TestDispatchInRegistrationOrder(t *testing.T) {
	r := New(WithLogger(zaptest.NewLogger(t)))
	var mu sync.Mutex
	var calls []string

	r.Subscribe("a", recorder("first", &mu, &calls))
	r.Subscribe("a", recorder("second", &mu, &calls))
	r.Subscribe("b", recorder("other", &mu, &calls))
	r.Subscribe("a", recorder("third", &mu, &calls))

	n := r.Dispatch(context.Background(), model.Event{ID: "1", Type: "a"})
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"first:1", "second:1", "third:1"}, calls)
}

func TestUnsubscribedHandlerNeverCalled(t *testing.T) {
	r := New()
	var mu sync.Mutex
	var calls []string

	keep := r.Subscribe("a", recorder("keep", &mu, &calls))
	drop := r.Subscribe("a", recorder("drop", &mu, &calls))
	require.NotEqual(t, keep, drop)

	assert.True(t, r.Unsubscribe(drop))
	assert.False(t, r.Unsubscribe(drop), "second unsubscribe must report not found")
	assert.False(t, r.Unsubscribe("missing"))

	r.Dispatch(context.Background(), model.Event{ID: "1", Type: "a"})
	assert.Equal(t, []string{"keep:1"}, calls)
}

func TestSubscribeUnsubscribeSequences(t *testing.T) {
	type step struct {
		subscribe   string // handler name to subscribe, or ""
		unsubscribe string // handler name to unsubscribe, or ""
	}
	tests := []struct {
		name     string
		steps    []step
		expected []string
	}{
		{
			name:     "all subscribed",
			steps:    []step{{subscribe: "x"}, {subscribe: "y"}},
			expected: []string{"x:e", "y:e"},
		},
		{
			name:     "middle removed",
			steps:    []step{{subscribe: "x"}, {subscribe: "y"}, {subscribe: "z"}, {unsubscribe: "y"}},
			expected: []string{"x:e", "z:e"},
		},
		{
			name:     "resubscribe goes to the end",
			steps:    []step{{subscribe: "x"}, {subscribe: "y"}, {unsubscribe: "x"}, {subscribe: "x"}},
			expected: []string{"y:e", "x:e"},
		},
		{
			name:     "everything removed",
			steps:    []step{{subscribe: "x"}, {unsubscribe: "x"}},
			expected: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			var mu sync.Mutex
			var calls []string
			ids := map[string]string{}
			for _, s := range tt.steps {
				if s.subscribe != "" {
					ids[s.subscribe] = r.Subscribe("evt", recorder(s.subscribe, &mu, &calls))
				}
				if s.unsubscribe != "" {
					require.True(t, r.Unsubscribe(ids[s.unsubscribe]))
				}
			}
			r.Dispatch(context.Background(), model.Event{ID: "e", Type: "evt"})
			assert.Equal(t, tt.expected, calls)
		})
	}
}

func TestHandlerFailuresAreIsolated(t *testing.T) {
	var failures []error
	r := New(
		WithLogger(zaptest.NewLogger(t)),
		WithFailureHook(func(_ Subscription, err error) { failures = append(failures, err) }),
	)
	var mu sync.Mutex
	var calls []string

	r.Subscribe("a", func(context.Context, model.Event) error { return errors.New("boom") })
	r.Subscribe("a", func(context.Context, model.Event) error { panic("kaboom") })
	r.Subscribe("a", recorder("survivor", &mu, &calls))

	require.NotPanics(t, func() {
		r.Dispatch(context.Background(), model.Event{ID: "1", Type: "a"})
	})
	assert.Equal(t, []string{"survivor:1"}, calls)
	require.Len(t, failures, 2)
	for _, err := range failures {
		assert.True(t, bridgeerrors.Is(err, bridgeerrors.Callback))
	}
}

func TestEventTypesAndLen(t *testing.T) {
	r := New()
	id := r.Subscribe("b", func(context.Context, model.Event) error { return nil })
	r.Subscribe("a", func(context.Context, model.Event) error { return nil })
	assert.Equal(t, []string{"a", "b"}, r.EventTypes())

	r.Unsubscribe(id)
	assert.Equal(t, []string{"a"}, r.EventTypes())
	assert.Equal(t, 1, r.Len())

	r.Close()
	assert.Empty(t, r.EventTypes())
	assert.Equal(t, 0, r.Len())
}

func TestConcurrentSubscribeDuringDispatch(t *testing.T) {
	r := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var dispatchWG sync.WaitGroup
	dispatchWG.Add(1)
	go func() {
		defer dispatchWG.Done()
		for i := 0; ctx.Err() == nil; i++ {
			r.Dispatch(ctx, model.Event{ID: fmt.Sprint(i), Type: "hot"})
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := r.Subscribe("hot", func(context.Context, model.Event) error { return nil })
				assert.True(t, r.Unsubscribe(id))
			}
		}()
	}
	wg.Wait()
	cancel()
	dispatchWG.Wait()
	assert.Equal(t, 0, r.Len())
}
