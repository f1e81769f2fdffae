package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flowforge/flowhost/internal/flowir"
	"github.com/flowforge/flowhost/internal/template"
)

// dispatchResult is what one node's dispatch produces: an output payload
// to record in scratchpad.nodes, and optionally a wait reason if the node
// is an await-input.
type dispatchResult struct {
	output json.RawMessage
	egress json.RawMessage // non-nil if this node emits to the reply egress list
	wait   bool
	reason string
}

func dispatchNode(ctx context.Context, node *flowir.Node, payload json.RawMessage, sp *Scratchpad, hooks Hooks) (dispatchResult, error) {
	switch {
	case node.Component == "qa.process":
		return dispatchResult{output: payload}, nil

	case node.Component == "mcp.exec":
		return dispatchMCPExec(ctx, payload, sp, hooks)

	case node.Component == "templating.handlebars":
		return dispatchTemplating(payload, sp)

	case node.Component == "flow.call":
		return dispatchFlowCall(ctx, payload, hooks)

	case strings.HasPrefix(node.Component, "emit"):
		return dispatchResult{output: payload, egress: payload}, nil

	case node.Component == "session.wait":
		return dispatchSessionWait(payload)

	default:
		return dispatchResult{}, fmt.Errorf("driver: unsupported node component %q", node.Component)
	}
}

func dispatchMCPExec(ctx context.Context, payload json.RawMessage, sp *Scratchpad, hooks Hooks) (dispatchResult, error) {
	var call AdapterCall
	if err := json.Unmarshal(payload, &call); err != nil {
		return dispatchResult{}, fmt.Errorf("driver: decode mcp.exec payload: %w", err)
	}
	if hooks.AdapterInvoke == nil {
		return dispatchResult{}, fmt.Errorf("driver: mcp.exec dispatched with no AdapterInvoke hook")
	}
	resp, err := hooks.AdapterInvoke(ctx, call)
	if err != nil {
		return dispatchResult{}, err
	}
	sp.LastAdapter = call.Component
	sp.LastOperation = call.Action
	sp.LastResponse = resp
	return dispatchResult{output: resp}, nil
}

type templatingPayload struct {
	Template string         `json:"template"`
	Partials map[string]string `json:"partials,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

func dispatchTemplating(payload json.RawMessage, sp *Scratchpad) (dispatchResult, error) {
	var tp templatingPayload
	if err := json.Unmarshal(payload, &tp); err != nil {
		return dispatchResult{}, fmt.Errorf("driver: decode templating.handlebars payload: %w", err)
	}
	sp.Data = MergeData(sp.Data, tp.Data)
	rendered, err := template.Render(tp.Template, sp.RenderContext(), tp.Partials)
	if err != nil {
		return dispatchResult{}, fmt.Errorf("driver: render templating.handlebars template: %w", err)
	}
	out, err := json.Marshal(map[string]string{"text": rendered})
	if err != nil {
		return dispatchResult{}, err
	}
	return dispatchResult{output: out}, nil
}

type flowCallPayload struct {
	FlowID flowir.FlowID   `json:"flow_id"`
	Input  json.RawMessage `json:"input,omitempty"`
}

func dispatchFlowCall(ctx context.Context, payload json.RawMessage, hooks Hooks) (dispatchResult, error) {
	var fc flowCallPayload
	if err := json.Unmarshal(payload, &fc); err != nil {
		return dispatchResult{}, fmt.Errorf("driver: decode flow.call payload: %w", err)
	}
	if hooks.SubFlow == nil {
		return dispatchResult{}, fmt.Errorf("driver: flow.call dispatched with no SubFlow executor")
	}
	out, err := hooks.SubFlow(ctx, fc.FlowID, fc.Input)
	if err != nil {
		return dispatchResult{}, err
	}
	return dispatchResult{output: out}, nil
}

func dispatchSessionWait(payload json.RawMessage) (dispatchResult, error) {
	var asString string
	if err := json.Unmarshal(payload, &asString); err == nil {
		return dispatchResult{wait: true, reason: asString}, nil
	}
	var obj struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(payload, &obj); err != nil {
		return dispatchResult{}, fmt.Errorf("driver: decode session.wait payload: %w", err)
	}
	return dispatchResult{wait: true, reason: obj.Reason}, nil
}
