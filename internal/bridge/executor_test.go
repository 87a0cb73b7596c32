package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"rbridge/cli/internal/bridge/model"
	"rbridge/cli/internal/bridge/wire"
	"rbridge/cli/internal/testutil/fakebackend"
)

func TestExecuteTaskSuccess(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)

	res := b.ExecuteTask(context.Background(), model.TaskRequest{
		TaskType: "summarize",
		Input:    model.MustJSON(map[string]any{"text": "hello"}),
		AgentID:  "agent-7",
	})

	require.True(t, res.OK(), res.Error)
	assert.Equal(t, model.StatusSuccess, res.Status)
	assert.NotEmpty(t, res.TaskID)
	assert.Equal(t, "agent-7", res.AgentID)
	assert.JSONEq(t, `{"text":"hello"}`, res.Output.String())
	assert.Equal(t, 10*time.Millisecond, res.ExecutionTime)
	assert.False(t, res.Retried)

	tasks := backend.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, model.DefaultTaskTimeoutSeconds, tasks[0].TimeoutSeconds)
	assert.Equal(t, res.TaskID, tasks[0].Metadata[model.MetadataIdempotencyKey])
	assert.Equal(t, b.Session().SessionID, tasks[0].SessionID)
}

func TestExecuteTaskRetriesOnceOnUnavailable(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)
	backend.FailNext(fakebackend.ExecuteTask, 1)

	res := b.ExecuteTask(context.Background(), model.TaskRequest{
		TaskID:   "t-1",
		TaskType: "echo",
		Metadata: map[string]string{model.MetadataIdempotencyKey: "caller-key"},
	})

	require.True(t, res.OK(), res.Error)
	assert.True(t, res.Retried)
	assert.Equal(t, 2, backend.Calls(fakebackend.ExecuteTask), "exactly one retry")
	assert.Equal(t, 2, backend.HealthChecks(), "reconnect before retry")

	tasks := backend.Tasks()
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, "t-1", task.TaskID)
		assert.Equal(t, "caller-key", task.Metadata[model.MetadataIdempotencyKey])
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(b.Metrics().Retries.WithLabelValues(string(model.OpExecuteTask))))
}

func TestExecuteTaskGivesUpAfterRetry(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)
	backend.FailNext(fakebackend.ExecuteTask, 5)

	res := b.ExecuteTask(context.Background(), model.TaskRequest{TaskID: "t-2", TaskType: "echo"})

	assert.Equal(t, model.StatusError, res.Status)
	assert.Contains(t, res.Error, "injected outage")
	assert.True(t, res.Retried)
	assert.Equal(t, "t-2", res.TaskID)
	assert.Equal(t, 2, backend.Calls(fakebackend.ExecuteTask))
}

func TestApplicationErrorsAreNotRetried(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)
	backend.SetTaskFunc(func(*wire.TaskRequest) (*wire.TaskResponse, error) {
		return nil, status.Error(codes.InvalidArgument, "unknown task type")
	})

	res := b.ExecuteTask(context.Background(), model.TaskRequest{TaskType: "nope"})

	assert.Equal(t, model.StatusError, res.Status)
	assert.Contains(t, res.Error, "unknown task type")
	assert.False(t, res.Retried)
	assert.Equal(t, 1, backend.Calls(fakebackend.ExecuteTask))
	assert.Equal(t, model.Connected, b.State(), "application errors leave the connection alone")
}

func TestBackendReportedTaskFailure(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)
	backend.SetTaskFunc(func(req *wire.TaskRequest) (*wire.TaskResponse, error) {
		return &wire.TaskResponse{TaskID: req.TaskID, Error: "agent crashed"}, nil
	})

	res := b.ExecuteTask(context.Background(), model.TaskRequest{TaskType: "flaky"})
	assert.Equal(t, model.StatusError, res.Status)
	assert.Equal(t, "agent crashed", res.Error)
}

func TestInvalidTaskInputIsRejectedLocally(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)

	res := b.ExecuteTask(context.Background(), model.TaskRequest{TaskType: "echo", Input: model.Payload("{not json")})
	assert.Equal(t, model.StatusError, res.Status)
	assert.Contains(t, res.Error, "invalid task input")
	assert.Zero(t, backend.Calls(fakebackend.ExecuteTask))
}

func TestStateRoundTrip(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)
	ctx := context.Background()

	_, found := b.GetState(ctx, "cursor")
	assert.False(t, found)

	require.True(t, b.SetState(ctx, "cursor", model.Payload(`{"offset":42,"tags":["a","b"]}`)))
	v, found := b.GetState(ctx, "cursor")
	require.True(t, found)
	assert.JSONEq(t, `{"offset":42,"tags":["a","b"]}`, v.String())

	assert.True(t, b.DeleteState(ctx, "cursor"))
	_, found = b.GetState(ctx, "cursor")
	assert.False(t, found)
	assert.False(t, b.DeleteState(ctx, "cursor"), "deleting a missing key is not confirmed")
}

func TestStateRetriesOnceOnUnavailable(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)
	backend.FailNext(fakebackend.SetState, 1)

	assert.True(t, b.SetState(context.Background(), "k", model.Payload(`"v"`)))
	assert.Equal(t, 2, backend.Calls(fakebackend.SetState))
}

func TestSetStateRejectsNonJSON(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)

	assert.False(t, b.SetState(context.Background(), "k", model.Payload("plain text")))
	assert.Zero(t, backend.Calls(fakebackend.SetState))
}

func TestPublishEventKeepsEventIDAcrossRetry(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)
	backend.FailNext(fakebackend.PublishEvent, 1)

	ok := b.PublishEvent(context.Background(), "order.created", model.Payload(`{"id":1}`),
		WithSource("orders"), WithMetadata(map[string]string{"tenant": "acme"}))
	require.True(t, ok)
	assert.Equal(t, 2, backend.Calls(fakebackend.PublishEvent))

	published := backend.Published()
	require.Len(t, published, 2)
	assert.Equal(t, published[0].EventID, published[1].EventID, "the retry reuses the event id")
	ev := published[1]
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, "order.created", ev.EventType)
	assert.Equal(t, "orders", ev.Source)
	assert.Equal(t, "acme", ev.Metadata["tenant"])
	assert.NotZero(t, ev.TimestampMs)
}

func TestPublishEventDefaults(t *testing.T) {
	backend := fakebackend.Start(t)
	b := newTestBridge(t, backend)

	require.True(t, b.PublishEvent(context.Background(), "ping", nil, WithEventID("evt-1")))
	published := backend.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "evt-1", published[0].EventID)
	assert.Equal(t, model.DefaultEventSource, published[0].Source)
}

func TestDegradedMode(t *testing.T) {
	backend := fakebackend.Start(t)
	backend.SetDown(true)
	b := newTestBridge(t, backend)
	require.True(t, b.IsDegraded())
	ctx := context.Background()

	var mu sync.Mutex
	var got []model.Event
	b.Subscribe("note", func(_ context.Context, ev model.Event) error {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
		return nil
	})

	assert.True(t, b.PublishEvent(ctx, "note", model.Payload(`{"n":1}`), WithSource("svc")))
	mu.Lock()
	require.Len(t, got, 1, "degraded publish dispatches synchronously")
	assert.Equal(t, "svc", got[0].Source)
	assert.Equal(t, model.OriginLocal, got[0].Metadata[model.MetadataOrigin])
	assert.JSONEq(t, `{"n":1}`, got[0].Payload.String())
	mu.Unlock()

	_, found := b.GetState(ctx, "k")
	assert.False(t, found)
	assert.False(t, b.SetState(ctx, "k", model.Payload(`1`)))
	assert.False(t, b.DeleteState(ctx, "k"))

	res := b.ExecuteTask(ctx, model.TaskRequest{TaskID: "t", TaskType: "echo"})
	assert.Equal(t, model.StatusError, res.Status)
	assert.Equal(t, degradedReason, res.Error)

	for _, m := range []string{fakebackend.ExecuteTask, fakebackend.GetState, fakebackend.SetState, fakebackend.DeleteState, fakebackend.PublishEvent} {
		assert.Zero(t, backend.Calls(m), m)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(b.Metrics().LocalPublishes))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.Metrics().Operations.WithLabelValues(string(model.OpExecuteTask), statusDegraded)))
}

func TestDegradedProbeIsRateLimited(t *testing.T) {
	backend := fakebackend.Start(t)
	backend.SetDown(true)
	cfg := testConfig()
	cfg.ReconnectAttempts = 0
	cfg.ReconnectDelay = time.Minute
	b := newTestBridgeWithConfig(t, backend, cfg)
	require.True(t, b.IsDegraded())
	require.Equal(t, 1, backend.HealthChecks())

	b.GetState(context.Background(), "a")
	b.GetState(context.Background(), "b")
	b.GetState(context.Background(), "c")
	assert.Equal(t, 2, backend.HealthChecks(), "one probe per reconnect delay")
}

func TestLeavesDegradedModeWhenBackendReturns(t *testing.T) {
	backend := fakebackend.Start(t)
	backend.SetDown(true)
	b := newTestBridge(t, backend)
	require.True(t, b.IsDegraded())

	backend.SetDown(false)
	require.Eventually(t, func() bool {
		return b.SetState(context.Background(), "k", model.Payload(`"back"`))
	}, 2*time.Second, 20*time.Millisecond)

	assert.False(t, b.IsDegraded())
	assert.Equal(t, model.Connected, b.State())
}

func TestOperationsAreTraced(t *testing.T) {
	backend := fakebackend.Start(t)
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	b := newTestBridge(t, backend, WithTracerProvider(tp))
	backend.FailNext(fakebackend.GetState, 1)

	b.GetState(context.Background(), "k")

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "bridge."+string(model.OpGetState), spans[0].Name())
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes() {
		attrs[kv.Key] = kv.Value
	}
	assert.True(t, attrs["retried"].AsBool())
	assert.Equal(t, model.StatusSuccess, attrs["status"].AsString())
}
