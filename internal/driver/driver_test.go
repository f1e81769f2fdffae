package driver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowhost/internal/flowir"
	"github.com/flowforge/flowhost/internal/host/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func mustParseFlow(t *testing.T, doc string) *flowir.Flow {
	t.Helper()
	flow, err := flowir.ParseFlow([]byte(doc))
	require.NoError(t, err)
	return flow
}

func TestClassify(t *testing.T) {
	require.Nil(t, Classify(nil))

	transient := Classify(errors.New("service unavailable"))
	var tErr *TransientError
	require.ErrorAs(t, transient, &tErr)

	permanent := Classify(errors.New("bad request"))
	var pErr *PermanentError
	require.ErrorAs(t, permanent, &pErr)
}

func TestIsTransient(t *testing.T) {
	require.True(t, IsTransient(Classify(errors.New("internal error"))))
	require.False(t, IsTransient(Classify(errors.New("not found"))))
	require.False(t, IsTransient(nil))
}

func TestMergeData_NestedObjectsMergeScalarsOverwrite(t *testing.T) {
	dst := map[string]any{
		"user": map[string]any{"name": "Ada", "age": 30},
		"kept": "yes",
	}
	src := map[string]any{
		"user": map[string]any{"age": 31, "city": "London"},
	}
	merged := MergeData(dst, src)
	require.Equal(t, "yes", merged["kept"])
	user := merged["user"].(map[string]any)
	require.Equal(t, "Ada", user["name"])
	require.Equal(t, 31, user["age"])
	require.Equal(t, "London", user["city"])
}

func TestScratchpad_RenderContext(t *testing.T) {
	sp := NewScratchpad()
	sp.LastInput = json.RawMessage(`{"text":"hi"}`)
	sp.LastAdapter = "weather"
	sp.LastOperation = "lookup"
	sp.LastResponse = json.RawMessage(`{"temp":72}`)
	sp.Nodes["n1"] = NodeResult{OK: true, Payload: json.RawMessage(`"done"`)}

	ctx := sp.RenderContext()
	require.Equal(t, "weather", ctx["last_adapter"])
	require.Equal(t, "lookup", ctx["last_operation"])
	li := ctx["last_input"].(map[string]any)
	require.Equal(t, "hi", li["text"])
	nodes := ctx["nodes"].(map[string]any)
	n1 := nodes["n1"].(map[string]any)
	require.Equal(t, true, n1["ok"])
	require.Equal(t, "done", n1["payload"])
}

const qaEchoFlow = `{
	"id": "echo",
	"start": "say",
	"nodes": {
		"say": {"component": "qa.process", "payload_expr": "$ingress", "routes": [{"out": true}]}
	}
}`

func TestExecute_QAProcessEchoesIngress(t *testing.T) {
	flow := mustParseFlow(t, qaEchoFlow)
	outcome, _, err := Execute(context.Background(), flow, json.RawMessage(`"hello"`), Hooks{}, fastPolicy())
	require.NoError(t, err)
	require.True(t, outcome.Completed)
	require.JSONEq(t, `"hello"`, string(outcome.Value))
}

const emitThenEchoFlow = `{
	"id": "emit-echo",
	"start": "notify",
	"nodes": {
		"notify": {"component": "emit.reply", "payload_expr": {"kind": "ack"}, "routes": [{"to": "say"}]},
		"say": {"component": "qa.process", "payload_expr": "$ingress", "routes": [{"out": true}]}
	}
}`

func TestExecute_EmitNodeAccumulatesEgressBeforeFinal(t *testing.T) {
	flow := mustParseFlow(t, emitThenEchoFlow)
	outcome, _, err := Execute(context.Background(), flow, json.RawMessage(`"hi"`), Hooks{}, fastPolicy())
	require.NoError(t, err)
	require.True(t, outcome.Completed)
	require.JSONEq(t, `[{"kind":"ack"},"hi"]`, string(outcome.Value))
}

const waitThenEchoFlow = `{
	"id": "wait-echo",
	"start": "pause",
	"nodes": {
		"pause": {"component": "session.wait", "payload_expr": "need more input", "routes": [{"to": "say"}]},
		"say": {"component": "qa.process", "payload_expr": "$ingress", "routes": [{"out": true}]}
	}
}`

func TestExecuteThenResume_CrossesWaitPoint(t *testing.T) {
	flow := mustParseFlow(t, waitThenEchoFlow)
	outcome, sp, err := Execute(context.Background(), flow, json.RawMessage(`"first"`), Hooks{}, fastPolicy())
	require.NoError(t, err)
	require.True(t, outcome.Waiting)
	require.Equal(t, "need more input", outcome.Reason)
	require.Equal(t, flowir.NodeID("say"), outcome.ResumeFrom)
	require.Equal(t, 1, outcome.NodesVisited)

	resumed, _, err := Resume(context.Background(), flow, sp, outcome.ResumeFrom, json.RawMessage(`"second"`), Hooks{}, fastPolicy())
	require.NoError(t, err)
	require.True(t, resumed.Completed)
	require.JSONEq(t, `"second"`, string(resumed.Value))
	require.Equal(t, 1, resumed.NodesVisited)
}

const waitNoRouteFlow = `{
	"id": "wait-out",
	"start": "pause",
	"nodes": {
		"pause": {"component": "session.wait", "payload_expr": {"reason": "blocked"}, "routes": [{"out": true}]}
	}
}`

func TestExecute_SessionWaitWithOutRouteHasNoResumeTarget(t *testing.T) {
	flow := mustParseFlow(t, waitNoRouteFlow)
	outcome, _, err := Execute(context.Background(), flow, json.RawMessage(`"x"`), Hooks{}, fastPolicy())
	require.NoError(t, err)
	require.True(t, outcome.Waiting)
	require.Equal(t, "blocked", outcome.Reason)
	require.Equal(t, flowir.NodeID(""), outcome.ResumeFrom)
}

const mcpExecFlow = `{
	"id": "weather",
	"start": "lookup",
	"nodes": {
		"lookup": {"component": "mcp.exec", "payload_expr": {"component": "weather", "action": "lookup", "args": {"city": "NYC"}}, "routes": [{"out": true}]}
	}
}`

func TestExecute_McpExecDispatchesThroughAdapterInvokeHook(t *testing.T) {
	flow := mustParseFlow(t, mcpExecFlow)
	var seen AdapterCall
	hooks := Hooks{
		AdapterInvoke: func(_ context.Context, call AdapterCall) (json.RawMessage, error) {
			seen = call
			return json.RawMessage(`{"temp":72}`), nil
		},
	}
	outcome, sp, err := Execute(context.Background(), flow, nil, hooks, fastPolicy())
	require.NoError(t, err)
	require.True(t, outcome.Completed)
	require.JSONEq(t, `{"temp":72}`, string(outcome.Value))
	require.Equal(t, "weather", seen.Component)
	require.Equal(t, "lookup", seen.Action)
	require.Equal(t, "weather", sp.LastAdapter)
	require.Equal(t, "lookup", sp.LastOperation)
}

func TestExecute_McpExecWithNoHookIsPermanentError(t *testing.T) {
	flow := mustParseFlow(t, mcpExecFlow)
	_, _, err := Execute(context.Background(), flow, nil, Hooks{}, fastPolicy())
	require.Error(t, err)
	var pErr *PermanentError
	require.ErrorAs(t, err, &pErr)
}

const flowCallFlow = `{
	"id": "delegate",
	"start": "call",
	"nodes": {
		"call": {"component": "flow.call", "payload_expr": {"flow_id": "sub", "input": "$ingress"}, "routes": [{"out": true}]}
	}
}`

func TestExecute_FlowCallDispatchesThroughSubFlowHook(t *testing.T) {
	flow := mustParseFlow(t, flowCallFlow)
	var gotFlowID flowir.FlowID
	hooks := Hooks{
		SubFlow: func(_ context.Context, flowID flowir.FlowID, input json.RawMessage) (json.RawMessage, error) {
			gotFlowID = flowID
			return json.RawMessage(`"sub-result"`), nil
		},
	}
	outcome, _, err := Execute(context.Background(), flow, json.RawMessage(`"payload"`), hooks, fastPolicy())
	require.NoError(t, err)
	require.True(t, outcome.Completed)
	require.JSONEq(t, `"sub-result"`, string(outcome.Value))
	require.Equal(t, flowir.FlowID("sub"), gotFlowID)
}

const templatingFlow = `{
	"id": "greet",
	"start": "render",
	"nodes": {
		"render": {"component": "templating.handlebars", "payload_expr": {"template": "Hi {{last_input}}", "data": {}}, "routes": [{"out": true}]}
	}
}`

func TestExecute_TemplatingHandlebarsRendersAgainstScratchpad(t *testing.T) {
	flow := mustParseFlow(t, templatingFlow)
	outcome, _, err := Execute(context.Background(), flow, json.RawMessage(`"Ada"`), Hooks{}, fastPolicy())
	require.NoError(t, err)
	require.True(t, outcome.Completed)
	require.JSONEq(t, `{"text":"Hi Ada"}`, string(outcome.Value))
}

func TestExecute_UnknownNodeReferencedByRouteIsError(t *testing.T) {
	flow := mustParseFlow(t, `{
		"id": "broken",
		"start": "a",
		"nodes": {
			"a": {"component": "qa.process", "payload_expr": "$ingress", "routes": [{"to": "missing"}]}
		}
	}`)
	_, _, err := Execute(context.Background(), flow, json.RawMessage(`"x"`), Hooks{}, fastPolicy())
	require.Error(t, err)
}

func TestExecute_RetriesTransientAdapterErrorThenSucceeds(t *testing.T) {
	flow := mustParseFlow(t, mcpExecFlow)
	attempts := 0
	hooks := Hooks{
		AdapterInvoke: func(context.Context, AdapterCall) (json.RawMessage, error) {
			attempts++
			if attempts == 1 {
				return nil, errors.New("transient upstream hiccup")
			}
			return json.RawMessage(`{"temp":50}`), nil
		},
	}
	outcome, _, err := Execute(context.Background(), flow, nil, hooks, fastPolicy())
	require.NoError(t, err)
	require.True(t, outcome.Completed)
	require.Equal(t, 2, attempts)
}

func TestExecute_PermanentAdapterErrorIsNotRetried(t *testing.T) {
	flow := mustParseFlow(t, mcpExecFlow)
	attempts := 0
	hooks := Hooks{
		AdapterInvoke: func(context.Context, AdapterCall) (json.RawMessage, error) {
			attempts++
			return nil, errors.New("invalid request")
		},
	}
	_, _, err := Execute(context.Background(), flow, nil, hooks, fastPolicy())
	require.Error(t, err)
	require.Equal(t, 1, attempts)
}
