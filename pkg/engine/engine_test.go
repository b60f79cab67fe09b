package engine_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/conduit/pkg/engine"
	"github.com/dukex/conduit/pkg/log"
	"github.com/dukex/conduit/pkg/models"
	"github.com/dukex/conduit/pkg/persistence"
	"github.com/dukex/conduit/pkg/protocol"
	"github.com/dukex/conduit/pkg/registry"
	"github.com/dukex/conduit/pkg/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	engine  *engine.Engine
	history *testutil.History
	events  *testutil.Events
}

func newHarness(types engine.NodeTypes, opts ...engine.Option) *harness {
	h := &harness{history: testutil.NewHistory(), events: &testutil.Events{}}

	opts = append([]engine.Option{
		engine.WithLogger(log.Discard()),
		engine.WithNotifier(h.events),
	}, opts...)

	h.engine = engine.New(types, h.history, opts...)

	return h
}

func (h *harness) run(t *testing.T, workflow *models.Workflow, input models.PortData) *models.Execution {
	t.Helper()

	execution, err := h.engine.Run(context.Background(), engine.RunRequest{Workflow: workflow, Input: input})
	require.NoError(t, err)

	return execution
}

func statuses(execution *models.Execution) map[string]models.NodeStatus {
	result := make(map[string]models.NodeStatus, len(execution.Results))
	for _, r := range execution.Results {
		result[r.NodeID] = r.Status
	}

	return result
}

func result(t *testing.T, execution *models.Execution, nodeID string) *models.NodeExecutionResult {
	t.Helper()

	r, ok := execution.Result(nodeID)
	require.True(t, ok, "no result for %s", nodeID)

	return r
}

// inputRecorder is a pass-through node type that remembers the input it received per node.
type inputRecorder struct {
	*testutil.FuncNode

	mu     sync.Mutex
	inputs map[string]models.PortData
}

func newInputRecorder(typeKey string) *inputRecorder {
	rec := &inputRecorder{inputs: map[string]models.PortData{}}
	rec.FuncNode = testutil.NewFuncNode(typeKey, func(_ context.Context, req protocol.ExecuteRequest) (models.PortData, error) {
		rec.mu.Lock()
		rec.inputs[req.NodeID] = req.Input
		rec.mu.Unlock()

		return models.PortData{models.MainPort: req.Input[models.MainPort]}, nil
	})

	return rec
}

func (r *inputRecorder) input(nodeID string) models.PortData {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.inputs[nodeID]
}

func TestRun_LinearWorkflow(t *testing.T) {
	h := newHarness(testutil.NewTypes(testutil.PassThrough("trigger"), testutil.PassThrough("step")))

	workflow := testutil.CreateTestWorkflow(
		[]*models.Node{
			testutil.CreateTestNode("a", "trigger"),
			testutil.CreateTestNode("b", "step"),
			testutil.CreateTestNode("c", "step"),
		},
		testutil.Connect("a", "b"),
		testutil.Connect("b", "c"),
	)

	execution := h.run(t, workflow, models.PortData{models.MainPort: testutil.Items(1, 2)})

	assert.Equal(t, models.ExecutionSuccess, execution.Status)
	assert.Equal(t, "a", execution.TriggerNodeID)
	require.NotNil(t, execution.FinishedAt)
	assert.Equal(t, []string{"a", "b", "c"}, []string{
		execution.Results[0].NodeID, execution.Results[1].NodeID, execution.Results[2].NodeID,
	})
	assert.Equal(t, testutil.Items(1, 2), result(t, execution, "c").Data[models.MainPort])
	assert.Equal(t, 1, h.history.Saves(execution.ID))
	assert.Empty(t, h.engine.Running())
}

func TestRun_FailedNodeSkipsDownstream(t *testing.T) {
	h := newHarness(testutil.NewTypes(
		testutil.PassThrough("trigger"),
		testutil.PassThrough("step"),
		testutil.Fail("broken", protocol.Permanent(errors.New("bad input"))),
	))

	workflow := testutil.CreateTestWorkflow(
		[]*models.Node{
			testutil.CreateTestNode("A", "trigger"),
			testutil.CreateTestNode("B", "broken"),
			testutil.CreateTestNode("C", "step"),
			testutil.CreateTestNode("D", "step"),
		},
		testutil.Connect("A", "B"),
		testutil.Connect("B", "C"),
		testutil.Connect("B", "D"),
	)

	execution := h.run(t, workflow, nil)

	assert.Equal(t, models.ExecutionError, execution.Status)
	assert.Equal(t, map[string]models.NodeStatus{
		"A": models.NodeStatusSuccess,
		"B": models.NodeStatusError,
		"C": models.NodeStatusSkipped,
		"D": models.NodeStatusSkipped,
	}, statuses(execution))

	b := result(t, execution, "B")
	require.NotNil(t, b.Error)
	assert.Equal(t, "bad input", b.Error.Message)
	assert.False(t, b.Error.Retryable)
	assert.Equal(t, "upstream node failed", result(t, execution, "C").SkipReason)
	assert.Contains(t, execution.Error, "node B failed")
}

func TestRun_ContinueOnFail(t *testing.T) {
	rec := newInputRecorder("step")
	h := newHarness(testutil.NewTypes(
		testutil.PassThrough("trigger"),
		testutil.Fail("broken", errors.New("boom")),
		rec,
	))

	workflow := testutil.CreateTestWorkflow(
		[]*models.Node{
			testutil.CreateTestNode("a", "trigger"),
			testutil.CreateTestNode("b", "broken", testutil.WithSettings(models.NodeSettings{
				ContinueOnFail: true,
				MaxRetries:     1,
			})),
			testutil.CreateTestNode("c", "step"),
		},
		testutil.Connect("a", "b"),
		testutil.Connect("b", "c"),
	)

	execution := h.run(t, workflow, nil)

	assert.Equal(t, models.ExecutionSuccess, execution.Status)

	b := result(t, execution, "b")
	assert.Equal(t, models.NodeStatusSuccess, b.Status)
	assert.Nil(t, b.Error)
	assert.Equal(t, 1, b.Retries)
	assert.Equal(t, models.PortData{models.MainPort: {{"error": "boom"}}}, b.Data)

	assert.Equal(t, models.NodeStatusSuccess, result(t, execution, "c").Status)
	assert.Equal(t, models.Items{{"error": "boom"}}, rec.input("c")[models.MainPort])
}

func TestRun_FanInKeepsDeclaredOrder(t *testing.T) {
	slow := testutil.NewFuncNode("slow", func(ctx context.Context, _ protocol.ExecuteRequest) (models.PortData, error) {
		select {
		case <-time.After(30 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		return models.PortData{models.MainPort: testutil.Items(1, 2)}, nil
	})
	rec := newInputRecorder("collect")

	h := newHarness(testutil.NewTypes(
		testutil.PassThrough("trigger"),
		slow,
		testutil.Emit("fast", testutil.Items(3, 4)),
		rec,
	))

	workflow := testutil.CreateTestWorkflow(
		[]*models.Node{
			testutil.CreateTestNode("start", "trigger"),
			testutil.CreateTestNode("A", "slow"),
			testutil.CreateTestNode("B", "fast"),
			testutil.CreateTestNode("merge", "collect"),
		},
		testutil.Connect("start", "A"),
		testutil.Connect("start", "B"),
		testutil.Connect("A", "merge"),
		testutil.Connect("B", "merge"),
	)

	execution := h.run(t, workflow, nil)

	assert.Equal(t, models.ExecutionSuccess, execution.Status)
	assert.Equal(t, testutil.Items(1, 2, 3, 4), rec.input("merge")[models.MainPort])

	// B completes first, results follow completion order.
	order := make([]string, 0, len(execution.Results))
	for _, r := range execution.Results {
		order = append(order, r.NodeID)
	}

	assert.Equal(t, []string{"start", "B", "A", "merge"}, order)
}

func TestRun_FanOutDuplicatesOutput(t *testing.T) {
	rec := newInputRecorder("collect")
	h := newHarness(testutil.NewTypes(testutil.PassThrough("trigger"), rec))

	workflow := testutil.CreateTestWorkflow(
		[]*models.Node{
			testutil.CreateTestNode("start", "trigger"),
			testutil.CreateTestNode("x", "collect"),
			testutil.CreateTestNode("y", "collect"),
		},
		testutil.Connect("start", "x"),
		testutil.Connect("start", "y"),
	)

	h.run(t, workflow, models.PortData{models.MainPort: testutil.Items("a")})

	assert.Equal(t, testutil.Items("a"), rec.input("x")[models.MainPort])
	assert.Equal(t, testutil.Items("a"), rec.input("y")[models.MainPort])
}

func TestRun_DisabledNodeIsSkippedWithEmptyOutput(t *testing.T) {
	rec := newInputRecorder("collect")
	h := newHarness(testutil.NewTypes(
		testutil.PassThrough("trigger"),
		testutil.Fail("never", errors.New("must not run")),
		rec,
	))

	workflow := testutil.CreateTestWorkflow(
		[]*models.Node{
			testutil.CreateTestNode("start", "trigger"),
			testutil.CreateTestNode("off", "never", testutil.WithDisabled()),
			testutil.CreateTestNode("after", "collect"),
		},
		testutil.Connect("start", "off"),
		testutil.Connect("off", "after"),
	)

	execution := h.run(t, workflow, models.PortData{models.MainPort: testutil.Items(1)})

	assert.Equal(t, models.ExecutionSuccess, execution.Status)
	assert.Equal(t, models.NodeStatusSkipped, result(t, execution, "off").Status)
	assert.Equal(t, "node is disabled", result(t, execution, "off").SkipReason)
	assert.Equal(t, models.NodeStatusSuccess, result(t, execution, "after").Status)
	assert.Empty(t, rec.input("after")[models.MainPort])
}

func TestRun_UnemittedBranchIsSkipped(t *testing.T) {
	branch := testutil.NewFuncNode("branch", func(_ context.Context, req protocol.ExecuteRequest) (models.PortData, error) {
		return models.PortData{"true": req.Input[models.MainPort]}, nil
	})
	branch.Desc.Outputs = []string{"true", "false"}

	h := newHarness(testutil.NewTypes(testutil.PassThrough("trigger"), branch, testutil.PassThrough("step")))

	workflow := testutil.CreateTestWorkflow(
		[]*models.Node{
			testutil.CreateTestNode("start", "trigger"),
			testutil.CreateTestNode("if", "branch"),
			testutil.CreateTestNode("yes", "step"),
			testutil.CreateTestNode("no", "step"),
			testutil.CreateTestNode("no-after", "step"),
		},
		testutil.Connect("start", "if"),
		testutil.ConnectPorts("if", "true", "yes", models.MainPort),
		testutil.ConnectPorts("if", "false", "no", models.MainPort),
		testutil.Connect("no", "no-after"),
	)

	execution := h.run(t, workflow, models.PortData{models.MainPort: testutil.Items(1)})

	assert.Equal(t, models.ExecutionSuccess, execution.Status)
	assert.Equal(t, map[string]models.NodeStatus{
		"start":    models.NodeStatusSuccess,
		"if":       models.NodeStatusSuccess,
		"yes":      models.NodeStatusSuccess,
		"no":       models.NodeStatusSkipped,
		"no-after": models.NodeStatusSkipped,
	}, statuses(execution))
	assert.Equal(t, "no input data", result(t, execution, "no-after").SkipReason)
}

func TestRun_Retries(t *testing.T) {
	var calls atomic.Int32

	flaky := testutil.NewFuncNode("flaky", func(context.Context, protocol.ExecuteRequest) (models.PortData, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("temporarily unavailable")
		}

		return models.PortData{models.MainPort: testutil.Items("ok")}, nil
	})

	h := newHarness(testutil.NewTypes(testutil.PassThrough("trigger"), flaky))

	t.Run("succeeds within the retry budget", func(t *testing.T) {
		calls.Store(0)

		workflow := testutil.CreateTestWorkflow(
			[]*models.Node{
				testutil.CreateTestNode("start", "trigger"),
				testutil.CreateTestNode("call", "flaky", testutil.WithSettings(models.NodeSettings{
					MaxRetries:   2,
					RetryDelayMs: 1,
				})),
			},
			testutil.Connect("start", "call"),
		)

		execution := h.run(t, workflow, nil)

		assert.Equal(t, models.ExecutionSuccess, execution.Status)
		assert.Equal(t, 2, result(t, execution, "call").Retries)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("no retry when unset", func(t *testing.T) {
		calls.Store(0)

		workflow := testutil.CreateTestWorkflow(
			[]*models.Node{
				testutil.CreateTestNode("start", "trigger"),
				testutil.CreateTestNode("call", "flaky"),
			},
			testutil.Connect("start", "call"),
		)

		execution := h.run(t, workflow, nil)

		assert.Equal(t, models.ExecutionError, execution.Status)
		call := result(t, execution, "call")
		assert.Equal(t, 0, call.Retries)
		assert.True(t, call.Error.Retryable)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("permanent errors are not retried", func(t *testing.T) {
		var permanentCalls atomic.Int32

		h := newHarness(testutil.NewTypes(
			testutil.PassThrough("trigger"),
			testutil.NewFuncNode("auth", func(context.Context, protocol.ExecuteRequest) (models.PortData, error) {
				permanentCalls.Add(1)

				return nil, protocol.Permanent(errors.New("bad credentials"))
			}),
		))

		workflow := testutil.CreateTestWorkflow(
			[]*models.Node{
				testutil.CreateTestNode("start", "trigger"),
				testutil.CreateTestNode("call", "auth", testutil.WithSettings(models.NodeSettings{MaxRetries: 5})),
			},
			testutil.Connect("start", "call"),
		)

		execution := h.run(t, workflow, nil)

		assert.Equal(t, models.ExecutionError, execution.Status)
		assert.Equal(t, int32(1), permanentCalls.Load())
		assert.False(t, result(t, execution, "call").Error.Retryable)
	})
}

func TestRun_NodeTimeout(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	types := testutil.NewTypes(
		testutil.PassThrough("trigger"),
		testutil.NewFuncNode("wait", func(ctx context.Context, _ protocol.ExecuteRequest) (models.PortData, error) {
			<-ctx.Done()

			return nil, ctx.Err()
		}),
		testutil.NewFuncNode("stuck", func(context.Context, protocol.ExecuteRequest) (models.PortData, error) {
			<-release

			return nil, nil
		}),
	)

	h := newHarness(types)

	t.Run("timeout is retried like any failure", func(t *testing.T) {
		workflow := testutil.CreateTestWorkflow(
			[]*models.Node{
				testutil.CreateTestNode("start", "trigger"),
				testutil.CreateTestNode("slow", "wait", testutil.WithSettings(models.NodeSettings{
					TimeoutMs:  20,
					MaxRetries: 1,
				})),
			},
			testutil.Connect("start", "slow"),
		)

		execution := h.run(t, workflow, nil)

		slow := result(t, execution, "slow")
		assert.Equal(t, models.NodeStatusError, slow.Status)
		assert.True(t, slow.Error.Timeout)
		assert.True(t, slow.Error.Retryable)
		assert.Equal(t, 1, slow.Retries)
	})

	t.Run("handler ignoring its context is abandoned", func(t *testing.T) {
		workflow := testutil.CreateTestWorkflow(
			[]*models.Node{
				testutil.CreateTestNode("start", "trigger"),
				testutil.CreateTestNode("stuck", "stuck"),
			},
			testutil.Connect("start", "stuck"),
		)
		workflow.Settings.TimeoutMs = 20

		started := time.Now()
		execution := h.run(t, workflow, nil)

		assert.Less(t, time.Since(started), 2*time.Second)
		assert.Equal(t, models.ExecutionError, execution.Status)
		assert.True(t, result(t, execution, "stuck").Error.Timeout)
	})
}

func TestRun_ExecutionTimeout(t *testing.T) {
	h := newHarness(testutil.NewTypes(
		testutil.PassThrough("trigger"),
		testutil.PassThrough("step"),
		testutil.NewFuncNode("wait", func(ctx context.Context, _ protocol.ExecuteRequest) (models.PortData, error) {
			<-ctx.Done()

			return nil, ctx.Err()
		}),
	))

	workflow := testutil.CreateTestWorkflow(
		[]*models.Node{
			testutil.CreateTestNode("start", "trigger"),
			testutil.CreateTestNode("slow", "wait"),
			testutil.CreateTestNode("after", "step"),
		},
		testutil.Connect("start", "slow"),
		testutil.Connect("slow", "after"),
	)

	execution, err := h.engine.Run(context.Background(), engine.RunRequest{
		Workflow: workflow,
		Options:  engine.RunOptions{Timeout: 50 * time.Millisecond},
	})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionError, execution.Status)
	assert.Equal(t, "execution timed out", execution.Error)
	assert.Equal(t, models.NodeStatusError, result(t, execution, "slow").Status)
	assert.Equal(t, models.NodeStatusSkipped, result(t, execution, "after").Status)
	assert.Equal(t, "execution timed out", result(t, execution, "after").SkipReason)
}

func TestCancel(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	h := newHarness(testutil.NewTypes(
		testutil.PassThrough("trigger"),
		testutil.PassThrough("step"),
		testutil.NewFuncNode("block", func(_ context.Context, req protocol.ExecuteRequest) (models.PortData, error) {
			close(entered)
			<-release

			return models.PortData{models.MainPort: req.Input[models.MainPort]}, nil
		}),
	))

	workflow := testutil.CreateTestWorkflow(
		[]*models.Node{
			testutil.CreateTestNode("start", "trigger"),
			testutil.CreateTestNode("busy", "block"),
			testutil.CreateTestNode("next", "step"),
		},
		testutil.Connect("start", "busy"),
		testutil.Connect("busy", "next"),
	)

	started, err := h.engine.Start(context.Background(), engine.RunRequest{
		Workflow: workflow,
		Options:  engine.RunOptions{Manual: true},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionRunning, started.Status)
	assert.Equal(t, models.TriggerKindManual, started.Mode)

	<-entered

	cancelled, err := h.engine.Cancel(context.Background(), started.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionCancelled, cancelled.Status)

	_, err = h.engine.Cancel(context.Background(), started.ID)
	require.ErrorIs(t, err, engine.ErrNotCancellable)

	close(release)
	h.engine.Wait()

	final, err := h.engine.Get(context.Background(), started.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionCancelled, final.Status)
	assert.Equal(t, models.NodeStatusSuccess, result(t, final, "busy").Status)
	assert.Equal(t, models.NodeStatusSkipped, result(t, final, "next").Status)
	assert.Equal(t, "execution cancelled", result(t, final, "next").SkipReason)
	assert.Equal(t, 1, h.history.Saves(started.ID))

	t.Run("after completion", func(t *testing.T) {
		_, err := h.engine.Cancel(context.Background(), started.ID)
		assert.ErrorIs(t, err, engine.ErrNotCancellable)
	})

	t.Run("unknown execution", func(t *testing.T) {
		_, err := h.engine.Cancel(context.Background(), "missing")
		assert.ErrorIs(t, err, engine.ErrExecutionNotRunning)
		assert.True(t, persistence.IsExecutionNotFound(err))
	})
}

func TestRun_CallerContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	h := newHarness(testutil.NewTypes(
		testutil.PassThrough("trigger"),
		testutil.PassThrough("step"),
		testutil.NewFuncNode("cancel", func(_ context.Context, req protocol.ExecuteRequest) (models.PortData, error) {
			cancel()

			return models.PortData{models.MainPort: req.Input[models.MainPort]}, nil
		}),
	))

	workflow := testutil.CreateTestWorkflow(
		[]*models.Node{
			testutil.CreateTestNode("start", "cancel"),
			testutil.CreateTestNode("next", "step"),
		},
		testutil.Connect("start", "next"),
	)

	execution, err := h.engine.Run(ctx, engine.RunRequest{Workflow: workflow})
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionCancelled, execution.Status)
	assert.Equal(t, models.NodeStatusSkipped, result(t, execution, "next").Status)
}

func TestRun_DefinitionsAreSnapshotted(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	reg := registry.New(log.Discard())
	require.NoError(t, reg.Register(testutil.PassThrough("trigger")))
	require.NoError(t, reg.Register(testutil.NewFuncNode("gate", func(_ context.Context, req protocol.ExecuteRequest) (models.PortData, error) {
		close(entered)
		<-release

		return models.PortData{models.MainPort: req.Input[models.MainPort]}, nil
	})))
	require.NoError(t, reg.Register(testutil.Emit("step", testutil.Items("v1"))))

	h := newHarness(reg)

	workflow := testutil.CreateTestWorkflow(
		[]*models.Node{
			testutil.CreateTestNode("start", "trigger"),
			testutil.CreateTestNode("gate", "gate"),
			testutil.CreateTestNode("step", "step"),
		},
		testutil.Connect("start", "gate"),
		testutil.Connect("gate", "step"),
	)

	started, err := h.engine.Start(context.Background(), engine.RunRequest{Workflow: workflow})
	require.NoError(t, err)

	<-entered
	require.NoError(t, reg.Register(testutil.Fail("step", errors.New("v2 fails"))))
	close(release)
	h.engine.Wait()

	final, err := h.engine.Get(context.Background(), started.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ExecutionSuccess, final.Status)
	assert.Equal(t, testutil.Items("v1"), result(t, final, "step").Data[models.MainPort])

	// A new run picks up the replacement.
	execution := h.run(t, workflow, nil)
	assert.Equal(t, models.ExecutionError, execution.Status)
}

func TestRun_ResolvesTemplates(t *testing.T) {
	echo := testutil.NewFuncNode("echo", func(_ context.Context, req protocol.ExecuteRequest) (models.PortData, error) {
		return models.PortData{models.MainPort: {{"message": req.Parameters["message"]}}}, nil
	})
	echo.Desc.Properties.Properties["message"] = &models.Property{Type: "string"}

	h := newHarness(testutil.NewTypes(testutil.PassThrough("trigger"), echo))

	workflow := testutil.CreateTestWorkflow(
		[]*models.Node{
			testutil.CreateTestNode("start", "trigger"),
			testutil.CreateTestNode("greet", "echo", testutil.WithParameters(map[string]any{
				"message": "hello {{ .json.name }} in {{ .vars.env }}",
			})),
			testutil.CreateTestNode("repeat", "echo", testutil.WithParameters(map[string]any{
				"message": "{{ .nodes.greet.json.message }} via {{ .trigger.json.name }}",
			})),
		},
		testutil.Connect("start", "greet"),
		testutil.Connect("greet", "repeat"),
	)

	execution := h.run(t, workflow, models.PortData{models.MainPort: {{"name": "ann"}}})

	require.Equal(t, models.ExecutionSuccess, execution.Status)
	assert.Equal(t, "hello ann in test", result(t, execution, "greet").Data.First(models.MainPort)["message"])
	assert.Equal(t, "hello ann in test via ann", result(t, execution, "repeat").Data.First(models.MainPort)["message"])
	assert.Equal(t, map[string]any{"message": "hello ann in test"}, result(t, execution, "greet").Parameters)
}

func TestRun_PropertyValidation(t *testing.T) {
	counter := testutil.NewFuncNode("counter", func(_ context.Context, req protocol.ExecuteRequest) (models.PortData, error) {
		return models.PortData{models.MainPort: {{"count": req.Parameters["count"]}}}, nil
	})
	counter.Desc.Properties.Properties["count"] = &models.Property{Type: "number", Default: 3.0}

	h := newHarness(testutil.NewTypes(testutil.PassThrough("trigger"), counter))

	build := func(params map[string]any) *models.Workflow {
		return testutil.CreateTestWorkflow(
			[]*models.Node{
				testutil.CreateTestNode("start", "trigger"),
				testutil.CreateTestNode("count", "counter", testutil.WithParameters(params),
					testutil.WithSettings(models.NodeSettings{MaxRetries: 3})),
			},
			testutil.Connect("start", "count"),
		)
	}

	t.Run("defaults are applied", func(t *testing.T) {
		execution := h.run(t, build(nil), nil)

		require.Equal(t, models.ExecutionSuccess, execution.Status)
		assert.Equal(t, 3.0, result(t, execution, "count").Data.First(models.MainPort)["count"])
		assert.Equal(t, 3.0, result(t, execution, "count").Parameters["count"])
	})

	t.Run("wrong type fails without retry", func(t *testing.T) {
		execution := h.run(t, build(map[string]any{"count": "many"}), nil)

		count := result(t, execution, "count")
		assert.Equal(t, models.NodeStatusError, count.Status)
		assert.Contains(t, count.Error.Message, "invalid parameters")
		assert.False(t, count.Error.Retryable)
		assert.Equal(t, 0, count.Retries)
	})
}

func TestRun_Credentials(t *testing.T) {
	var seen atomic.Value

	caller := testutil.NewFuncNode("caller", func(_ context.Context, req protocol.ExecuteRequest) (models.PortData, error) {
		seen.Store(req.Parameters["header"])

		return models.PortData{models.MainPort: {{"user": req.Credentials.String("auth", "user")}}}, nil
	})
	caller.Desc.CredentialSlots = []string{"auth"}

	secrets := &testutil.Secrets{
		Bags:  map[string]map[string]any{"cred-1": {"token": "s3cr3t", "user": "svc"}},
		Owner: "test-user",
	}

	h := newHarness(testutil.NewTypes(testutil.PassThrough("trigger"), caller), engine.WithCredentials(secrets))

	build := func(credentialID string) *models.Workflow {
		return testutil.CreateTestWorkflow(
			[]*models.Node{
				testutil.CreateTestNode("start", "trigger"),
				testutil.CreateTestNode("call", "caller",
					testutil.WithCredential("auth", credentialID),
					testutil.WithParameters(map[string]any{"header": `Bearer {{ secret "auth" "token" }}`}),
				),
			},
			testutil.Connect("start", "call"),
		)
	}

	t.Run("secrets reach the handler but not the record", func(t *testing.T) {
		execution := h.run(t, build("cred-1"), nil)

		require.Equal(t, models.ExecutionSuccess, execution.Status)
		assert.Equal(t, "Bearer s3cr3t", seen.Load())

		call := result(t, execution, "call")
		assert.Equal(t, "Bearer [redacted]", call.Parameters["header"])
		assert.Equal(t, "svc", call.Data.First(models.MainPort)["user"])

		for _, event := range h.events.All() {
			assert.NotContains(t, fmt.Sprintf("%+v", event), "s3cr3t")
		}
	})

	t.Run("resolution failure is permanent", func(t *testing.T) {
		execution := h.run(t, build("cred-missing"), nil)

		call := result(t, execution, "call")
		assert.Equal(t, models.NodeStatusError, call.Status)
		assert.False(t, call.Error.Retryable)
		assert.Contains(t, call.Error.Message, "cred-missing")
	})

	t.Run("wrong owner is forbidden", func(t *testing.T) {
		execution, err := h.engine.Run(context.Background(), engine.RunRequest{
			Workflow: build("cred-1"),
			ActorID:  "someone-else",
		})
		require.NoError(t, err)

		assert.Contains(t, result(t, execution, "call").Error.Message, "another user")
	})
}

func TestRun_HandlerContractViolations(t *testing.T) {
	h := newHarness(testutil.NewTypes(
		testutil.PassThrough("trigger"),
		testutil.NewFuncNode("panics", func(context.Context, protocol.ExecuteRequest) (models.PortData, error) {
			panic("kaboom")
		}),
		testutil.NewFuncNode("extra", func(context.Context, protocol.ExecuteRequest) (models.PortData, error) {
			return models.PortData{"other": testutil.Items(1)}, nil
		}),
	))

	for _, tc := range []struct {
		nodeType string
		message  string
	}{
		{"panics", "node panicked: kaboom"},
		{"extra", `undeclared output port "other"`},
	} {
		t.Run(tc.nodeType, func(t *testing.T) {
			workflow := testutil.CreateTestWorkflow(
				[]*models.Node{
					testutil.CreateTestNode("start", "trigger"),
					testutil.CreateTestNode("bad", tc.nodeType, testutil.WithSettings(models.NodeSettings{MaxRetries: 2})),
				},
				testutil.Connect("start", "bad"),
			)

			execution := h.run(t, workflow, nil)

			bad := result(t, execution, "bad")
			assert.Equal(t, models.NodeStatusError, bad.Status)
			assert.Contains(t, bad.Error.Message, tc.message)
			assert.Equal(t, 0, bad.Retries)
		})
	}
}

func TestRun_ParallelBranches(t *testing.T) {
	var (
		active  atomic.Int32
		maxSeen atomic.Int32
	)

	track := testutil.NewFuncNode("track", func(_ context.Context, req protocol.ExecuteRequest) (models.PortData, error) {
		n := active.Add(1)
		defer active.Add(-1)

		for {
			seen := maxSeen.Load()
			if n <= seen || maxSeen.CompareAndSwap(seen, n) {
				break
			}
		}

		time.Sleep(20 * time.Millisecond)

		return models.PortData{models.MainPort: req.Input[models.MainPort]}, nil
	})

	workflow := testutil.CreateTestWorkflow(
		[]*models.Node{
			testutil.CreateTestNode("start", "trigger"),
			testutil.CreateTestNode("a", "track"),
			testutil.CreateTestNode("b", "track"),
			testutil.CreateTestNode("c", "track"),
		},
		testutil.Connect("start", "a"),
		testutil.Connect("start", "b"),
		testutil.Connect("start", "c"),
	)

	t.Run("independent nodes overlap", func(t *testing.T) {
		maxSeen.Store(0)
		h := newHarness(testutil.NewTypes(testutil.PassThrough("trigger"), track))

		execution := h.run(t, workflow, nil)

		assert.Equal(t, models.ExecutionSuccess, execution.Status)
		assert.Greater(t, maxSeen.Load(), int32(1))
	})

	t.Run("bounded by max parallel", func(t *testing.T) {
		maxSeen.Store(0)
		h := newHarness(testutil.NewTypes(testutil.PassThrough("trigger"), track), engine.WithMaxParallel(1))

		execution := h.run(t, workflow, nil)

		assert.Equal(t, models.ExecutionSuccess, execution.Status)
		assert.Equal(t, int32(1), maxSeen.Load())
	})
}

func TestRun_Events(t *testing.T) {
	h := newHarness(testutil.NewTypes(testutil.PassThrough("trigger"), testutil.PassThrough("step")))

	workflow := testutil.CreateTestWorkflow(
		[]*models.Node{
			testutil.CreateTestNode("a", "trigger"),
			testutil.CreateTestNode("b", "step"),
			testutil.CreateTestNode("c", "step"),
		},
		testutil.Connect("a", "b"),
		testutil.Connect("a", "c"),
	)

	execution := h.run(t, workflow, models.PortData{models.MainPort: testutil.Items(1)})
	events := h.events.All()

	require.NotEmpty(t, events)
	assert.Equal(t, models.EventExecutionStarted, events[0].Type)
	assert.Equal(t, models.EventExecutionFinished, events[len(events)-1].Type)
	assert.Equal(t, string(models.ExecutionSuccess), events[len(events)-1].Status)

	for _, nodeID := range []string{"a", "b", "c"} {
		startedAt, finishedAt := -1, -1

		for i, event := range events {
			if event.NodeID != nodeID {
				continue
			}

			assert.Equal(t, execution.ID, event.ExecutionID)

			switch event.Type {
			case models.EventNodeStarted:
				startedAt = i
			case models.EventNodeFinished:
				finishedAt = i
			}
		}

		require.GreaterOrEqual(t, startedAt, 0, nodeID)
		assert.Less(t, startedAt, finishedAt, nodeID)
	}
}

func TestValidate(t *testing.T) {
	required := testutil.PassThrough("needs-input")
	required.Desc.Inputs = []models.InputPortSpec{{Name: models.MainPort, Required: true}}

	withURL := testutil.PassThrough("fetch")
	withURL.Desc.Properties = &models.JSONSchema{
		Type:       "object",
		Properties: map[string]*models.Property{"url": {Type: "string"}, "method": {Type: "string", Default: "GET"}},
		Required:   []string{"url", "method"},
	}

	types := testutil.NewTypes(testutil.PassThrough("trigger"), testutil.PassThrough("step"), required, withURL)

	base := func() *models.Workflow {
		return testutil.CreateTestWorkflow(
			[]*models.Node{
				testutil.CreateTestNode("a", "trigger"),
				testutil.CreateTestNode("b", "step"),
			},
			testutil.Connect("a", "b"),
		)
	}

	testCases := []struct {
		name     string
		mutate   func(*models.Workflow)
		start    string
		expected error
	}{
		{
			name: "dangling connection",
			mutate: func(w *models.Workflow) {
				w.Connections = append(w.Connections, testutil.Connect("b", "ghost"))
			},
			expected: engine.ErrDanglingConnection,
		},
		{
			name: "unknown node type",
			mutate: func(w *models.Workflow) {
				w.Nodes = append(w.Nodes, testutil.CreateTestNode("x", "nope"))
			},
			expected: engine.ErrUnknownNodeType,
		},
		{
			name: "unknown port",
			mutate: func(w *models.Workflow) {
				w.Connections[0].SourcePort = "error"
			},
			expected: engine.ErrUnknownPort,
		},
		{
			name: "required input without connection",
			mutate: func(w *models.Workflow) {
				w.Nodes = append(w.Nodes, testutil.CreateTestNode("x", "needs-input"))
				w.Connections = append(w.Connections, testutil.Connect("a", "x"))
				w.Nodes = append(w.Nodes, testutil.CreateTestNode("y", "needs-input"))
			},
			start:    "a",
			expected: engine.ErrMissingRequiredInput,
		},
		{
			name: "missing required property",
			mutate: func(w *models.Workflow) {
				w.Nodes = append(w.Nodes, testutil.CreateTestNode("x", "fetch"))
				w.Connections = append(w.Connections, testutil.Connect("b", "x"))
			},
			expected: engine.ErrMissingRequiredProperty,
		},
		{
			name: "cycle",
			mutate: func(w *models.Workflow) {
				w.Nodes = append(w.Nodes, testutil.CreateTestNode("c", "step"))
				w.Connections = append(w.Connections, testutil.Connect("b", "c"), testutil.Connect("c", "b"))
			},
			expected: engine.ErrCycle,
		},
		{
			name:     "unknown start node",
			mutate:   func(*models.Workflow) {},
			start:    "ghost",
			expected: engine.ErrStartNodeNotFound,
		},
		{
			name: "duplicate node id",
			mutate: func(w *models.Workflow) {
				w.Nodes = append(w.Nodes, testutil.CreateTestNode("b", "step"))
			},
			expected: engine.ErrDuplicateNodeID,
		},
		{
			name: "no start candidate",
			mutate: func(w *models.Workflow) {
				w.Connections = append(w.Connections, testutil.Connect("b", "a"))
			},
			expected: engine.ErrStartNodeNotFound,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(types)
			workflow := base()
			tc.mutate(workflow)

			err := h.engine.Validate(workflow, tc.start)
			require.ErrorIs(t, err, tc.expected)
			assert.ErrorIs(t, err, engine.ErrInvalidWorkflow)
			assert.True(t, engine.IsValidationError(err))

			execution, err := h.engine.Run(context.Background(), engine.RunRequest{Workflow: workflow, StartNodeID: tc.start})
			assert.Nil(t, execution)
			require.ErrorIs(t, err, tc.expected)
			assert.Empty(t, h.events.All())
		})
	}

	t.Run("property with default and disabled nodes pass", func(t *testing.T) {
		h := newHarness(types)
		workflow := base()
		workflow.Nodes = append(workflow.Nodes,
			testutil.CreateTestNode("x", "fetch", testutil.WithParameters(map[string]any{"url": "http://example.com"})),
			testutil.CreateTestNode("y", "fetch", testutil.WithDisabled()),
		)
		workflow.Connections = append(workflow.Connections, testutil.Connect("b", "x"), testutil.Connect("b", "y"))

		assert.NoError(t, h.engine.Validate(workflow, ""))
	})

	t.Run("cycle outside the reachable subgraph is ignored", func(t *testing.T) {
		h := newHarness(types)
		workflow := base()
		workflow.Nodes = append(workflow.Nodes,
			testutil.CreateTestNode("p", "step"),
			testutil.CreateTestNode("q", "step"),
		)
		workflow.Connections = append(workflow.Connections, testutil.Connect("p", "q"), testutil.Connect("q", "p"))

		assert.NoError(t, h.engine.Validate(workflow, "a"))
	})
}

// TestRun_Terminates runs random acyclic graphs with random failures and checks that every
// reachable node gets exactly one result and that failures never leak into success.
func TestRun_Terminates(t *testing.T) {
	h := newHarness(testutil.NewTypes(
		testutil.PassThrough("trigger"),
		testutil.PassThrough("step"),
		testutil.Fail("broken", protocol.Permanent(errors.New("boom"))),
	))

	for seed := int64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewSource(seed))

		const size = 12

		nodes := []*models.Node{testutil.CreateTestNode("n0", "trigger")}
		connections := []*models.Connection{}
		sources := map[string][]string{}

		for j := 1; j < size; j++ {
			nodeType := "step"
			if rng.Intn(5) == 0 {
				nodeType = "broken"
			}

			settings := models.NodeSettings{ContinueOnFail: rng.Intn(4) == 0}
			id := fmt.Sprintf("n%d", j)
			nodes = append(nodes, testutil.CreateTestNode(id, nodeType, testutil.WithSettings(settings)))

			picked := map[int]bool{}
			for k := 0; k < 1+rng.Intn(2); k++ {
				i := rng.Intn(j)
				if picked[i] {
					continue
				}

				picked[i] = true
				source := fmt.Sprintf("n%d", i)
				connections = append(connections, testutil.Connect(source, id))
				sources[id] = append(sources[id], source)
			}
		}

		execution := h.run(t, testutil.CreateTestWorkflow(nodes, connections...), nil)

		require.Len(t, execution.Results, size, "seed %d", seed)

		got := statuses(execution)
		require.Len(t, got, size, "seed %d", seed)

		for id, srcs := range sources {
			for _, source := range srcs {
				if got[source] == models.NodeStatusError {
					assert.Equal(t, models.NodeStatusSkipped, got[id], "seed %d node %s", seed, id)
				}
			}
		}
	}
}
