package session

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/flowforge/flowhost/internal/driver"
	"github.com/flowforge/flowhost/internal/errs"
	"github.com/flowforge/flowhost/internal/flowir"
	"github.com/flowforge/flowhost/internal/host/retry"
)

// Adapters resolves a named adapter and invokes it. Machine
// wraps the call with outbox dedup and the retry envelope; the adapter
// itself is a pure {adapter, operation, payload} -> JSON contract.
type Adapters interface {
	Call(ctx context.Context, adapter, operation string, payload json.RawMessage) (json.RawMessage, error)
}

// Flows resolves a flow by id, for the top-level step and for flow.call
// sub-flow dispatch.
type Flows interface {
	Flow(ctx context.Context, id flowir.FlowID) (*flowir.Flow, error)
}

// Telemetry receives fire-and-forget key/value emissions.
type Telemetry interface {
	Emit(ctx context.Context, event string, fields map[string]any)
}

// Machine is the session state machine: it owns the
// CAS-guarded load/mutate/persist cycle around one flow driver execution.
type Machine struct {
	Sessions  SessionHost
	States    StateHost
	Flows     Flows
	Adapters  Adapters
	Telemetry Telemetry
	Policy    Policy
	Observer  driver.Observer
}

// Outcome is the JSON-shaped result of one Step call: {status, reason?,
// response?}. A flow that completes surfaces its terminal value under
// response, same as an in-flight adapter response does on a pending
// outcome.
type Outcome struct {
	Status   string          `json:"status"`
	Reason   string          `json:"reason,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// Step drives one event through the named flow for the given session,
// loading or creating the session's snapshot, gating on policy, running
// the flow driver, and persisting the result under optimistic concurrency.
func (m *Machine) Step(ctx context.Context, tenantKey string, flowID flowir.FlowID, sessionHint string, input json.RawMessage) (*Outcome, error) {
	flow, err := m.Flows.Flow(ctx, flowID)
	if err != nil {
		return nil, errs.New(errs.FlowNotFound, fmt.Sprintf("flow %q", flowID), err)
	}

	// Step 1: policy gate. steps.len() is interpreted as the number of
	// adapter-dispatching (mcp.exec) nodes reachable in the flow, a static
	// upper bound checked before any adapter is invoked.
	if n := countAdapterNodes(flow); n > m.Policy.MaxEgressAdapters {
		return nil, errs.New(errs.Policy, fmt.Sprintf("flow %q has %d adapter steps, exceeds max_egress_adapters=%d", flowID, n, m.Policy.MaxEgressAdapters), nil)
	}
	if int64(len(input)) > m.Policy.MaxPayloadBytes {
		return nil, errs.New(errs.Policy, "input payload exceeds max_payload_bytes", nil)
	}

	key := Key{TenantKey: tenantKey, FlowID: flowID, SessionHint: sessionHint}

	// Step 2: load or create snapshot.
	snap, err := m.Sessions.Get(ctx, key)
	isNew := false
	if err != nil {
		if err != ErrNotFound {
			return nil, errs.New(errs.Session, "load snapshot", err)
		}
		isNew = true
		sessionID := sessionHint
		if sessionID == "" {
			sessionID = randomSessionID()
		}
		snap = &Snapshot{Key: key, SessionID: sessionID, Outbox: map[OutboxKey]OutboxEntry{}}
	}

	// Step 3: treat-as-new / expected revision.
	expectedRevision := snap.Revision
	if !isNew {
		isNew = snap.IsNew()
	}

	// Step 4: seed scratchpad with this event's input.
	sp := driver.NewScratchpad()
	if len(snap.State) > 0 {
		if err := json.Unmarshal(snap.State, sp); err != nil {
			return nil, errs.New(errs.State, "decode scratchpad", err)
		}
		if sp.Nodes == nil {
			sp.Nodes = map[string]driver.NodeResult{}
		}
	}
	sp.LastInput = input

	// Step 5: wake from wait — handled by resuming the flow driver from
	// snap.Cursor's recorded resume node rather than re-entering the node
	// that produced the wait (that node already ran to completion).
	var outcomeResult *driver.Outcome
	hooks := driver.Hooks{
		AdapterInvoke: m.adapterInvoke(snap, input),
		Observer:      m.observer(),
	}
	hooks.SubFlow = m.subFlow(snap, hooks)

	if snap.Waiting != nil {
		resumeFrom := flowir.NodeID(snap.Cursor.ResumeNode)
		snap.Waiting = nil
		// The node that triggered the previous wait was visited but not
		// counted towards position (the caller hadn't yet advanced past
		// it); resuming through it now does.
		snap.Cursor.Position++
		outcomeResult, sp, err = driver.Resume(ctx, flow, sp, resumeFrom, input, hooks, noRetryPolicy(m.Policy))
	} else {
		outcomeResult, sp, err = driver.Execute(ctx, flow, input, hooks, noRetryPolicy(m.Policy))
	}
	if err != nil {
		// Adapter failures (and everything else the driver surfaces) are
		// fatal for this step; session state is NOT persisted so the next
		// delivery retries from expectedRevision.
		return nil, errs.New(errs.AdapterCall, "flow execution failed", err)
	}

	var out Outcome
	if outcomeResult.Waiting {
		snap.Waiting = &Waiting{Reason: outcomeResult.Reason}
		snap.Cursor.ResumeNode = string(outcomeResult.ResumeFrom)
		out = Outcome{Status: "pending", Reason: outcomeResult.Reason, Response: sp.LastResponse}
		// The node that triggered this wait counts towards position only
		// once a future call resumes past it.
		snap.Cursor.Position += outcomeResult.NodesVisited - 1
	} else {
		out = Outcome{Status: "done", Response: outcomeResult.Value}
		snap.Cursor.Position += outcomeResult.NodesVisited
	}
	lastOutcome, err := json.Marshal(out)
	if err != nil {
		return nil, errs.New(errs.Serialization, "encode outcome", err)
	}
	snap.LastOutcome = lastOutcome

	stateBytes, err := json.Marshal(sp)
	if err != nil {
		return nil, errs.New(errs.Serialization, "encode scratchpad", err)
	}
	snap.State = stateBytes

	// Step 7: persist — state store first, then the CAS session write.
	stateKey := stateKeyFor(key)
	if err := m.States.SetJSON(ctx, stateKey, stateBytes); err != nil {
		return nil, errs.New(errs.State, "persist scratchpad", err)
	}
	if isNew {
		if err := m.Sessions.Put(ctx, snap); err != nil {
			return nil, errs.New(errs.Session, "create snapshot", err)
		}
	} else {
		ok, err := m.Sessions.UpdateCAS(ctx, snap, expectedRevision)
		if err != nil {
			return nil, errs.New(errs.Session, "update snapshot", err)
		}
		if !ok {
			return nil, errs.New(errs.Session, "CAS conflict, retry from a fresh read", nil)
		}
	}

	return &out, nil
}

// adapterInvoke builds the AdapterInvoke hook the flow driver calls for
// every mcp.exec node: outbox dedup keyed by (seq, payload_hash), then a
// real adapter call under the retry envelope.
func (m *Machine) adapterInvoke(snap *Snapshot, input json.RawMessage) driver.AdapterInvoke {
	return func(ctx context.Context, call driver.AdapterCall) (json.RawMessage, error) {
		resolved, err := substitutePayload(call.Args, input)
		if err != nil {
			return nil, err
		}
		seq := snap.Cursor.OutboxSeq
		hash := hashPayload(seq, resolved)
		outboxKey := OutboxKey{Seq: seq, Hash: hash}
		if entry, ok := snap.Outbox[outboxKey]; ok {
			m.emit(ctx, "adapter_dispatch", map[string]any{"adapter": call.Component, "dedup": "hit"})
			snap.Cursor.OutboxSeq++
			return entry.Response, nil
		}

		var resp json.RawMessage
		err = retry.Do(ctx, m.Policy.Retry, driver.IsTransient, func(ctx context.Context, attempt int) error {
			r, callErr := m.Adapters.Call(ctx, call.Component, call.Action, resolved)
			if callErr != nil {
				return driver.Classify(callErr)
			}
			resp = r
			return nil
		})
		if err != nil {
			return nil, err
		}
		snap.Outbox[outboxKey] = OutboxEntry{Response: resp}
		snap.Cursor.OutboxSeq++
		m.emit(ctx, "adapter_dispatch", map[string]any{"adapter": call.Component, "phase": "finish"})
		return resp, nil
	}
}

// subFlow builds the flow.call dispatcher. It reuses the parent's adapter
// and observer hooks (but not SubFlow itself, to avoid a self-reference)
// so nested adapter calls share the same outbox and retry policy as the
// rest of the session.
func (m *Machine) subFlow(snap *Snapshot, parent driver.Hooks) driver.SubFlowExecutor {
	childHooks := driver.Hooks{AdapterInvoke: parent.AdapterInvoke, Observer: parent.Observer}
	return func(ctx context.Context, flowID flowir.FlowID, input json.RawMessage) (json.RawMessage, error) {
		sub, err := m.Flows.Flow(ctx, flowID)
		if err != nil {
			return nil, errs.New(errs.FlowNotFound, fmt.Sprintf("sub-flow %q", flowID), err)
		}
		out, _, err := driver.Execute(ctx, sub, input, childHooks, noRetryPolicy(m.Policy))
		if err != nil {
			return nil, err
		}
		if out.Waiting {
			return nil, fmt.Errorf("driver: sub-flow %q suspended, flow.call cannot resume", flowID)
		}
		return out.Value, nil
	}
}

// noRetryPolicy disables the flow driver's own loop-level retry envelope:
// Machine already retries each individual adapter call (with outbox dedup
// around it) via m.Policy.Retry, so wrapping the whole node loop in a
// second retry layer would re-dispatch already-completed, side-effect-free
// nodes for no benefit.
func noRetryPolicy(Policy) retry.Policy {
	return retry.Policy{MaxAttempts: 1}
}

func (m *Machine) observer() driver.Observer {
	if m.Observer != nil {
		return m.Observer
	}
	return driver.NoopObserver{}
}

func (m *Machine) emit(ctx context.Context, event string, fields map[string]any) {
	if m.Telemetry != nil {
		m.Telemetry.Emit(ctx, event, fields)
	}
}

// substitutePayload replaces the literal token "$ingress" with the whole
// of the scratchpad's last_input, recursively over the payload tree. This
// mirrors driver's own render step so a caller observes the same
// substitution whether it happens inside the node-level template render
// or at the outer adapter-dispatch boundary.
func substitutePayload(args json.RawMessage, inputRaw json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		return args, nil
	}
	var v any
	if err := json.Unmarshal(args, &v); err != nil {
		return nil, fmt.Errorf("session: decode adapter args: %w", err)
	}
	var lastInput any
	if len(inputRaw) > 0 {
		_ = json.Unmarshal(inputRaw, &lastInput)
	}
	substituted := substituteIngress(v, lastInput)
	out, err := json.Marshal(substituted)
	if err != nil {
		return nil, fmt.Errorf("session: encode resolved payload: %w", err)
	}
	return out, nil
}

func substituteIngress(v any, lastInput any) any {
	switch t := v.(type) {
	case string:
		if t == "$ingress" {
			return lastInput
		}
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			out[k] = substituteIngress(elem, lastInput)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = substituteIngress(elem, lastInput)
		}
		return out
	default:
		return v
	}
}

func hashPayload(seq uint64, payload json.RawMessage) string {
	h := sha256.New()
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	h.Write(seqBytes[:])
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func randomSessionID() string {
	return uuid.NewString()
}

func stateKeyFor(k Key) string {
	return strings.Join([]string{k.TenantKey, string(k.FlowID), k.SessionHint}, "/")
}

func countAdapterNodes(flow *flowir.Flow) int {
	n := 0
	for _, id := range flow.Nodes.Order() {
		node, ok := flow.Nodes.Get(id)
		if ok && node.Component == "mcp.exec" {
			n++
		}
	}
	return n
}
