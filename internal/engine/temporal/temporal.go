// Package temporal implements engine.Engine by scheduling one adapter call
// as a durable Temporal workflow + activity pair, so the adapter-call
// retry sequence survives a process restart mid-retry. This is optional:
// the session/state stores remain the actual durability boundary. The
// engine is chosen for the whole process (ENGINE_BACKEND in
// cmd/flowhostd), not per tenant.
//
// Reduced from a general workflow/activity registry (arbitrary names,
// typed planner/tool activities, child workflows, signals) to the one
// workflow this package ever runs: dispatch a single adapter call.
package temporal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/flowforge/flowhost/internal/engine"
)

const (
	workflowName = "flowhost.DispatchAdapterCall"
	activityName = "flowhost.DispatchAdapterCall.Activity"

	// activityStartToCloseTimeout bounds one activity attempt; Temporal
	// requires either this or a schedule-to-close timeout to be set.
	activityStartToCloseTimeout = 30 * time.Second
)

// Options configures the Temporal-backed engine.
type Options struct {
	Client    client.Client // pre-configured Temporal client; required
	TaskQueue string
	Policy    engine.RetryPolicy
}

// Engine schedules adapter calls as durable Temporal workflow runs.
type Engine struct {
	client    client.Client
	taskQueue string
	policy    engine.RetryPolicy
	worker    worker.Worker

	mu       sync.Mutex
	adapters engine.Adapters
}

// New builds a Temporal-backed Engine and registers its workflow and
// activity on a worker for opts.TaskQueue. Call Bind before Start so the
// activity handler has a live engine.Adapters to dispatch through.
func New(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, fmt.Errorf("temporal engine: client is required")
	}
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal engine: task queue is required")
	}
	e := &Engine{client: opts.Client, taskQueue: opts.TaskQueue, policy: opts.Policy}
	e.worker = worker.New(opts.Client, opts.TaskQueue, worker.Options{})
	e.worker.RegisterWorkflowWithOptions(e.workflow, workflow.RegisterOptions{Name: workflowName})
	e.worker.RegisterActivityWithOptions(e.activity, activity.RegisterOptions{Name: activityName})
	return e, nil
}

// Bind installs the Adapters the activity dispatches through.
func (e *Engine) Bind(adapters engine.Adapters) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adapters = adapters
}

// Start runs the worker until interrupted; it blocks, so callers run it on
// its own goroutine.
func (e *Engine) Start() error {
	return e.worker.Run(worker.InterruptCh())
}

// Stop gracefully shuts the worker down.
func (e *Engine) Stop() {
	e.worker.Stop()
}

// callInput is the workflow/activity's wire payload: a plain struct so
// Temporal's default data converter (de)serializes it without a custom
// codec.
type callInput struct {
	Adapter   string
	Operation string
	Payload   json.RawMessage
}

// workflow is the deterministic entry point: one activity call under the
// bound RetryPolicy, no branching, so replay is trivially deterministic.
func (e *Engine) workflow(ctx workflow.Context, in callInput) (json.RawMessage, error) {
	ao := workflow.ActivityOptions{
		TaskQueue:           e.taskQueue,
		StartToCloseTimeout: activityStartToCloseTimeout,
		RetryPolicy:         convertRetryPolicy(e.policy),
	}
	actx := workflow.WithActivityOptions(ctx, ao)
	var out json.RawMessage
	if err := workflow.ExecuteActivity(actx, activityName, in).Get(actx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// activity dispatches through the bound Adapters. It does not retry
// itself: Temporal's own activity retry (configured via RetryPolicy on the
// workflow's ActivityOptions) drives re-attempts when this engine is
// active, in place of internal/host/retry.Do.
func (e *Engine) activity(ctx context.Context, in callInput) (json.RawMessage, error) {
	e.mu.Lock()
	adapters := e.adapters
	e.mu.Unlock()
	if adapters == nil {
		return nil, fmt.Errorf("temporal engine: no adapters bound")
	}
	return adapters.Call(ctx, in.Adapter, in.Operation, in.Payload)
}

// Call implements engine.Engine: it starts a durable workflow run keyed by
// req.ID and waits for its result.
func (e *Engine) Call(ctx context.Context, req engine.CallRequest) (json.RawMessage, error) {
	opts := client.StartWorkflowOptions{ID: req.ID, TaskQueue: e.taskQueue}
	run, err := e.client.ExecuteWorkflow(ctx, opts, workflowName, callInput{
		Adapter:   req.Adapter,
		Operation: req.Operation,
		Payload:   req.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal engine: start workflow %q: %w", req.ID, err)
	}
	var out json.RawMessage
	if err := run.Get(ctx, &out); err != nil {
		return nil, fmt.Errorf("temporal engine: workflow %q failed: %w", req.ID, err)
	}
	return out, nil
}

func convertRetryPolicy(p engine.RetryPolicy) *temporal.RetryPolicy {
	if p.MaxAttempts == 0 && p.InitialBackoff == 0 && p.MaxBackoff == 0 {
		return nil
	}
	return &temporal.RetryPolicy{
		InitialInterval: p.InitialBackoff,
		MaximumInterval: p.MaxBackoff,
		MaximumAttempts: int32(p.MaxAttempts),
	}
}
