package driver

import (
	"context"
	"encoding/json"

	"github.com/flowforge/flowhost/internal/flowir"
)

// AdapterCall is the decoded payload of an mcp.exec node.
type AdapterCall struct {
	Component string          `json:"component"`
	Action    string          `json:"action"`
	Args      json.RawMessage `json:"args"`
}

// AdapterInvoke performs one adapter call. Implementations own outbox
// dedup, the retry envelope, and telemetry — the driver only knows that dispatching an mcp.exec node means
// calling this function once.
type AdapterInvoke func(ctx context.Context, call AdapterCall) (json.RawMessage, error)

// SubFlowExecutor resolves and executes a named flow for a flow.call node.
// It returns only a value or an error, so a sub-flow that suspends has to
// be reported as an error (the session machine's executor does so), and
// the driver fails the node with it.
type SubFlowExecutor func(ctx context.Context, flowID flowir.FlowID, input json.RawMessage) (json.RawMessage, error)

// Observer receives infallible, side-effect-only callbacks around each
// node's dispatch, used for transcripts.
type Observer interface {
	BeforeNode(ctx context.Context, node *flowir.Node, payload json.RawMessage)
	AfterNode(ctx context.Context, node *flowir.Node, payload json.RawMessage, output json.RawMessage)
	NodeError(ctx context.Context, node *flowir.Node, payload json.RawMessage, err error)
}

// NoopObserver implements Observer with no-ops.
type NoopObserver struct{}

func (NoopObserver) BeforeNode(context.Context, *flowir.Node, json.RawMessage)                  {}
func (NoopObserver) AfterNode(context.Context, *flowir.Node, json.RawMessage, json.RawMessage) {}
func (NoopObserver) NodeError(context.Context, *flowir.Node, json.RawMessage, error)              {}

// Hooks bundles the collaborators Execute/Resume need beyond the flow IR
// itself.
type Hooks struct {
	AdapterInvoke AdapterInvoke
	SubFlow       SubFlowExecutor
	Observer      Observer
}

func (h Hooks) observer() Observer {
	if h.Observer != nil {
		return h.Observer
	}
	return NoopObserver{}
}
