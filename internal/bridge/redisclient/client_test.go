package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rbridge/cli/internal/bridge/wire"
	bridgeerrors "rbridge/cli/internal/errors"
)

func newClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := New(Config{Addr: mr.Addr(), KeyPrefix: "test"})
	require.NoError(t, c.Dial(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestCheckRegistersSession(t *testing.T) {
	c, mr := newClient(t)
	require.NoError(t, c.Check(context.Background(), "sess-1"))
	assert.True(t, mr.Exists("test:sessions"))
	assert.NotEmpty(t, mr.HGet("test:sessions", "sess-1"))
}

func TestCheckAgainstStoppedServerIsConnectivity(t *testing.T) {
	c, mr := newClient(t)
	mr.Close()

	err := c.Check(context.Background(), "s")
	require.Error(t, err)
	assert.True(t, bridgeerrors.Unavailable(err))
}

func TestStateRoundTrip(t *testing.T) {
	c, mr := newClient(t)
	ctx := context.Background()

	got, err := c.GetState(ctx, &wire.StateRequest{Key: "k"})
	require.NoError(t, err)
	assert.False(t, got.Found)

	set, err := c.SetState(ctx, &wire.StateRequest{Key: "k", Value: []byte(`{"a":1}`)})
	require.NoError(t, err)
	assert.True(t, set.Success)
	v, err := mr.Get("test:state:k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, v)

	got, err = c.GetState(ctx, &wire.StateRequest{Key: "k"})
	require.NoError(t, err)
	assert.True(t, got.Found)
	assert.JSONEq(t, `{"a":1}`, string(got.Value))

	del, err := c.DeleteState(ctx, &wire.StateRequest{Key: "k"})
	require.NoError(t, err)
	assert.True(t, del.Success)
	del, err = c.DeleteState(ctx, &wire.StateRequest{Key: "k"})
	require.NoError(t, err)
	assert.False(t, del.Success)
}

func TestExecuteTaskUsesRequestReplyLists(t *testing.T) {
	c, mr := newClient(t)

	// A worker: pop the request and push the reply.
	go func() {
		for i := 0; i < 200; i++ {
			if items, err := mr.List("test:tasks:echo"); err == nil && len(items) > 0 {
				var req wire.TaskRequest
				if wire.Unmarshal([]byte(items[0]), &req) != nil {
					return
				}
				body, _ := wire.Marshal(&wire.TaskResponse{TaskID: req.TaskID, Status: "success", Output: req.Input, ExecutionTime: 0.5})
				_, _ = mr.Lpush("test:results:"+req.TaskID, string(body))
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := c.ExecuteTask(ctx, &wire.TaskRequest{TaskID: "t1", TaskType: "echo", Input: []byte(`"hi"`), TimeoutSeconds: 5})
	require.NoError(t, err)
	assert.Equal(t, "t1", resp.TaskID)
	assert.JSONEq(t, `"hi"`, string(resp.Output))
	assert.Equal(t, 0.5, resp.ExecutionTime)
}

func TestExecuteTaskTimeoutIsApplicationError(t *testing.T) {
	c, _ := newClient(t)

	_, err := c.ExecuteTask(context.Background(), &wire.TaskRequest{TaskID: "t2", TaskType: "slow", TimeoutSeconds: 1})
	require.Error(t, err)
	assert.Equal(t, bridgeerrors.Application, bridgeerrors.KindOf(err))
	assert.Contains(t, err.Error(), "timed out")
}

func TestPublishAndStream(t *testing.T) {
	tests := []struct {
		name   string
		filter []string
	}{
		{name: "filtered", filter: []string{"a"}},
		{name: "all types", filter: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newClient(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			stream, err := c.StreamEvents(ctx, &wire.StreamRequest{SessionID: "s", EventTypes: tt.filter})
			require.NoError(t, err)
			defer stream.Close()

			resp, err := c.PublishEvent(ctx, &wire.Event{EventID: "e1", EventType: "a", Source: "test", Data: []byte(`{"n":1}`)})
			require.NoError(t, err)
			assert.True(t, resp.Success)

			ev, err := stream.Recv()
			require.NoError(t, err)
			assert.Equal(t, "e1", ev.EventID)
			assert.JSONEq(t, `{"n":1}`, string(ev.Data))
		})
	}
}

func TestStreamRecvUnblocksOnCancel(t *testing.T) {
	c, _ := newClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := c.StreamEvents(ctx, &wire.StreamRequest{SessionID: "s", EventTypes: []string{"a"}})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := stream.Recv()
		done <- err
	}()
	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
		assert.False(t, bridgeerrors.Unavailable(err), "cancellation is not an outage")
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not unblock after cancel")
	}
	assert.NoError(t, stream.Close())
}

func TestClassify(t *testing.T) {
	assert.Equal(t, bridgeerrors.Connectivity, bridgeerrors.KindOf(classify("op", errClosed{})))
	assert.Equal(t, bridgeerrors.Application, bridgeerrors.KindOf(classify("op", context.DeadlineExceeded)))
}

type errClosed struct{}

func (errClosed) Error() string { return "redis: client is closed" }
