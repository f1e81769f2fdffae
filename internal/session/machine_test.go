package session

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowhost/internal/driver"
	"github.com/flowforge/flowhost/internal/errs"
	"github.com/flowforge/flowhost/internal/flowir"
	storeinmem "github.com/flowforge/flowhost/internal/store/inmem"
)

type fakeFlows struct {
	flows map[flowir.FlowID]*flowir.Flow
}

func newFakeFlows() *fakeFlows {
	return &fakeFlows{flows: map[flowir.FlowID]*flowir.Flow{}}
}

func (f *fakeFlows) add(t *testing.T, raw string) {
	t.Helper()
	flow, err := flowir.ParseFlow([]byte(raw))
	require.NoError(t, err)
	f.flows[flow.ID] = flow
}

func (f *fakeFlows) Flow(_ context.Context, id flowir.FlowID) (*flowir.Flow, error) {
	flow, ok := f.flows[id]
	if !ok {
		return nil, errs.New(errs.FlowNotFound, string(id), nil)
	}
	return flow, nil
}

type fakeAdapters struct {
	calls int
	out   json.RawMessage
	err   error
}

func (a *fakeAdapters) Call(context.Context, string, string, json.RawMessage) (json.RawMessage, error) {
	a.calls++
	return a.out, a.err
}

func newMachine(flows *fakeFlows, adapters *fakeAdapters) *Machine {
	return &Machine{
		Sessions: storeinmem.NewSessionStore(),
		States:   storeinmem.NewStateStore(),
		Flows:    flows,
		Adapters: adapters,
		Policy:   DefaultPolicy(),
	}
}

const echoFlow = `{
  "id": "echo",
  "nodes": {
    "start": {
      "component": "qa.process",
      "payload_expr": "$ingress",
      "routes": [{"out": true}]
    }
  }
}`

func TestStep_CompletesSingleNodeFlow(t *testing.T) {
	flows := newFakeFlows()
	flows.add(t, echoFlow)
	m := newMachine(flows, &fakeAdapters{})

	out, err := m.Step(context.Background(), "local::acme", "echo", "sess-1", json.RawMessage(`{"msg":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, "done", out.Status)
	require.JSONEq(t, `{"msg":"hi"}`, string(out.Response))
}

func TestStep_FlowNotFoundSurfacesAsErrsKind(t *testing.T) {
	m := newMachine(newFakeFlows(), &fakeAdapters{})
	_, err := m.Step(context.Background(), "local::acme", "missing", "sess-1", json.RawMessage(`{}`))
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.FlowNotFound, e.Kind)
}

func TestStep_PayloadOverBudgetRejected(t *testing.T) {
	flows := newFakeFlows()
	flows.add(t, echoFlow)
	m := newMachine(flows, &fakeAdapters{})
	m.Policy.MaxPayloadBytes = 4

	_, err := m.Step(context.Background(), "local::acme", "echo", "sess-1", json.RawMessage(`{"msg":"this is too long"}`))
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.Policy, e.Kind)
}

const twoAdapterFlow = `{
  "id": "two-adapters",
  "nodes": {
    "first": {
      "component": "mcp.exec",
      "payload_expr": {"component": "weather", "action": "lookup", "args": {}},
      "routes": [{"to": "second"}]
    },
    "second": {
      "component": "mcp.exec",
      "payload_expr": {"component": "weather", "action": "lookup", "args": {}},
      "routes": [{"out": true}]
    }
  }
}`

func TestStep_RejectsFlowExceedingMaxEgressAdapters(t *testing.T) {
	flows := newFakeFlows()
	flows.add(t, twoAdapterFlow)
	m := newMachine(flows, &fakeAdapters{out: json.RawMessage(`{}`)})
	m.Policy.MaxEgressAdapters = 1

	_, err := m.Step(context.Background(), "local::acme", "two-adapters", "sess-1", json.RawMessage(`{}`))
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	require.Equal(t, errs.Policy, e.Kind)
}

func TestStep_DispatchesAdapterAndReturnsItsResponse(t *testing.T) {
	flow := `{
	  "id": "weather",
	  "nodes": {
	    "start": {
	      "component": "mcp.exec",
	      "payload_expr": {"component": "weather", "action": "lookup", "args": {}},
	      "routes": [{"out": true}]
	    }
	  }
	}`
	flows := newFakeFlows()
	flows.add(t, flow)
	adapters := &fakeAdapters{out: json.RawMessage(`{"temp":72}`)}
	m := newMachine(flows, adapters)

	out, err := m.Step(context.Background(), "local::acme", "weather", "sess-1", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Equal(t, "done", out.Status)
	require.JSONEq(t, `{"temp":72}`, string(out.Response))
	require.Equal(t, 1, adapters.calls)
}

const waitThenEchoFlow = `{
  "id": "wait-then-echo",
  "nodes": {
    "start": {
      "component": "session.wait",
      "payload_expr": "need more info",
      "routes": [{"to": "finish"}]
    },
    "finish": {
      "component": "qa.process",
      "payload_expr": "$ingress",
      "routes": [{"out": true}]
    }
  }
}`

func TestStep_WaitThenResume(t *testing.T) {
	flows := newFakeFlows()
	flows.add(t, waitThenEchoFlow)
	m := newMachine(flows, &fakeAdapters{})

	first, err := m.Step(context.Background(), "local::acme", "wait-then-echo", "sess-1", json.RawMessage(`{"msg":"first"}`))
	require.NoError(t, err)
	require.Equal(t, "pending", first.Status)
	require.Equal(t, "need more info", first.Reason)

	second, err := m.Step(context.Background(), "local::acme", "wait-then-echo", "sess-1", json.RawMessage(`{"msg":"second"}`))
	require.NoError(t, err)
	require.Equal(t, "done", second.Status)
	require.JSONEq(t, `{"msg":"second"}`, string(second.Response))
}

const sendWaitEchoFlow = `{
  "id": "send-wait-echo",
  "nodes": {
    "send": {
      "component": "qa.process",
      "payload_expr": "$ingress",
      "routes": [{"to": "wait"}]
    },
    "wait": {
      "component": "session.wait",
      "payload_expr": "need help",
      "routes": [{"to": "echo"}]
    },
    "echo": {
      "component": "qa.process",
      "payload_expr": "$ingress",
      "routes": [{"out": true}]
    }
  }
}`

func TestStep_CursorPositionTracksStepsAcrossWaitAndResume(t *testing.T) {
	flows := newFakeFlows()
	flows.add(t, sendWaitEchoFlow)
	m := newMachine(flows, &fakeAdapters{})

	first, err := m.Step(context.Background(), "local::acme", "send-wait-echo", "sess-1", json.RawMessage(`{"msg":"need help"}`))
	require.NoError(t, err)
	require.Equal(t, "pending", first.Status)

	snap, err := m.Sessions.Get(context.Background(), Key{TenantKey: "local::acme", FlowID: "send-wait-echo", SessionHint: "sess-1"})
	require.NoError(t, err)
	require.Equal(t, 1, snap.Cursor.Position)

	second, err := m.Step(context.Background(), "local::acme", "send-wait-echo", "sess-1", json.RawMessage(`{"msg":"echo: need help"}`))
	require.NoError(t, err)
	require.Equal(t, "done", second.Status)
	require.JSONEq(t, `{"msg":"echo: need help"}`, string(second.Response))

	snap, err = m.Sessions.Get(context.Background(), Key{TenantKey: "local::acme", FlowID: "send-wait-echo", SessionHint: "sess-1"})
	require.NoError(t, err)
	require.Equal(t, 3, snap.Cursor.Position)
}

func TestStep_SecondCallWithSameSessionHintReusesSession(t *testing.T) {
	flows := newFakeFlows()
	flows.add(t, echoFlow)
	m := newMachine(flows, &fakeAdapters{})

	_, err := m.Step(context.Background(), "local::acme", "echo", "sess-1", json.RawMessage(`{"msg":"a"}`))
	require.NoError(t, err)
	_, err = m.Step(context.Background(), "local::acme", "echo", "sess-1", json.RawMessage(`{"msg":"b"}`))
	require.NoError(t, err)

	snap, err := m.Sessions.Get(context.Background(), Key{TenantKey: "local::acme", FlowID: "echo", SessionHint: "sess-1"})
	require.NoError(t, err)
	require.Equal(t, uint64(2), snap.Revision)
}

func TestAdapterInvoke_DedupsOnRepeatedOutboxKey(t *testing.T) {
	adapters := &fakeAdapters{out: json.RawMessage(`{"v":1}`)}
	m := newMachine(newFakeFlows(), adapters)
	snap := &Snapshot{Key: Key{TenantKey: "t", FlowID: "f", SessionHint: "s"}, Outbox: map[OutboxKey]OutboxEntry{}}

	invoke := m.adapterInvoke(snap, json.RawMessage(`{}`))
	call := driver.AdapterCall{Component: "weather", Action: "lookup", Args: json.RawMessage(`{}`)}

	resp1, err := invoke(context.Background(), call)
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(resp1))
	require.Equal(t, 1, adapters.calls)

	// Re-invoking against the same un-advanced cursor hits the outbox and
	// must not call the adapter a second time.
	snap.Cursor.OutboxSeq = 0
	resp2, err := invoke(context.Background(), call)
	require.NoError(t, err)
	require.JSONEq(t, `{"v":1}`, string(resp2))
	require.Equal(t, 1, adapters.calls)
}
