// Package driver implements the per-invocation flow driver: it interprets
// a flowir.Flow against an input, rendering each node's payload and
// dispatching on component, producing either a completed value or a
// wait-point descriptor.
package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowforge/flowhost/internal/flowir"
	"github.com/flowforge/flowhost/internal/host/retry"
)

// Outcome is the result of one Execute or Resume call.
type Outcome struct {
	Completed  bool
	Value      json.RawMessage
	Waiting    bool
	Reason     string
	ResumeFrom flowir.NodeID

	// NodesVisited counts the nodes the node loop passed through during
	// this call, including the one that triggered Waiting (which the
	// caller has not yet advanced past: it still owns the scratchpad's
	// cursor position until the caller resumes through it).
	NodesVisited int
}

// maxNodeVisits bounds the node loop against malformed flows whose routes
// cycle forever; it is an engine safety net, not a spec-mandated limit.
const maxNodeVisits = 10000

// Execute runs flow from its configured starting node.
func Execute(ctx context.Context, flow *flowir.Flow, input json.RawMessage, hooks Hooks, policy retry.Policy) (*Outcome, *Scratchpad, error) {
	sp := NewScratchpad()
	sp.LastInput = input
	return runWithRetry(ctx, flow, sp, flow.Start, hooks, policy)
}

// Resume continues flow from resumeFrom, after replacing the scratchpad's
// last input with input.
func Resume(ctx context.Context, flow *flowir.Flow, sp *Scratchpad, resumeFrom flowir.NodeID, input json.RawMessage, hooks Hooks, policy retry.Policy) (*Outcome, *Scratchpad, error) {
	base := cloneScratchpad(sp)
	base.LastInput = input
	return runWithRetry(ctx, flow, base, resumeFrom, hooks, policy)
}

// runWithRetry wraps the node loop in the driver's retry envelope: only
// TransientError is retried, up to policy.MaxAttempts, with
// backoff_delay_ms sleeps between attempts. Each
// attempt starts from a fresh clone of the base scratchpad so a retried
// attempt does not observe a partially-mutated scratchpad from the
// previous failed attempt.
func runWithRetry(ctx context.Context, flow *flowir.Flow, base *Scratchpad, start flowir.NodeID, hooks Hooks, policy retry.Policy) (*Outcome, *Scratchpad, error) {
	var outcome *Outcome
	var final *Scratchpad
	err := retry.Do(ctx, policy, IsTransient, func(ctx context.Context, _ int) error {
		attempt := cloneScratchpad(base)
		o, err := run(ctx, flow, attempt, start, hooks)
		if err != nil {
			return err
		}
		outcome = o
		final = attempt
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return outcome, final, nil
}

func run(ctx context.Context, flow *flowir.Flow, sp *Scratchpad, start flowir.NodeID, hooks Hooks) (*Outcome, error) {
	var egress []json.RawMessage
	current := start
	visited := 0
	for i := 0; i < maxNodeVisits; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node, ok := flow.Nodes.Get(current)
		if !ok {
			return nil, fmt.Errorf("driver: node %q not found in flow %q", current, flow.ID)
		}
		payload, err := renderPayload(node.PayloadExpr, sp)
		if err != nil {
			hooks.observer().NodeError(ctx, node, payload, err)
			return nil, Classify(err)
		}
		hooks.observer().BeforeNode(ctx, node, payload)
		res, err := dispatchNode(ctx, node, payload, sp, hooks)
		if err != nil {
			hooks.observer().NodeError(ctx, node, payload, err)
			return nil, Classify(err)
		}
		hooks.observer().AfterNode(ctx, node, payload, res.output)
		sp.Nodes[string(node.ID)] = NodeResult{OK: true, Payload: res.output}
		visited++
		if res.egress != nil {
			egress = append(egress, res.egress)
		}

		if res.wait {
			to, out, ok := flowir.FirstMatch(node.Routes)
			if !ok || out {
				return &Outcome{Waiting: true, Reason: res.reason, NodesVisited: visited}, nil
			}
			return &Outcome{Waiting: true, Reason: res.reason, ResumeFrom: to, NodesVisited: visited}, nil
		}

		to, out, ok := flowir.FirstMatch(node.Routes)
		if !ok {
			o := finish(egress, nil)
			o.NodesVisited = visited
			return o, nil
		}
		if out {
			o := finish(egress, res.output)
			o.NodesVisited = visited
			return o, nil
		}
		current = to
	}
	return nil, fmt.Errorf("driver: flow %q exceeded %d node visits, likely a routing cycle", flow.ID, maxNodeVisits)
}

// finish assembles the final return value: if any payloads were emitted
// along the way, return [...egress, final] (flattened if final is an
// array); otherwise return final (or null).
func finish(egress []json.RawMessage, final json.RawMessage) *Outcome {
	if len(egress) == 0 {
		if final == nil {
			final = json.RawMessage("null")
		}
		return &Outcome{Completed: true, Value: final}
	}
	combined := append([]json.RawMessage(nil), egress...)
	if final != nil {
		if isJSONArray(final) {
			var items []json.RawMessage
			if err := json.Unmarshal(final, &items); err == nil {
				combined = append(combined, items...)
			} else {
				combined = append(combined, final)
			}
		} else {
			combined = append(combined, final)
		}
	}
	b, err := json.Marshal(combined)
	if err != nil {
		b = json.RawMessage("null")
	}
	return &Outcome{Completed: true, Value: b}
}

func isJSONArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func cloneScratchpad(sp *Scratchpad) *Scratchpad {
	if sp == nil {
		return NewScratchpad()
	}
	b, err := json.Marshal(sp)
	if err != nil {
		return NewScratchpad()
	}
	out := NewScratchpad()
	if err := json.Unmarshal(b, out); err != nil {
		return NewScratchpad()
	}
	if out.Nodes == nil {
		out.Nodes = make(map[string]NodeResult)
	}
	return out
}
