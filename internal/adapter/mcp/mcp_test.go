package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHTTPCaller_CallTool_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "tools/call", req.Method)

		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		require.NoError(t, json.Unmarshal(req.Params, &params))
		require.Equal(t, "weather.lookup", params.Name)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"temp":72}`)})
	}))
	defer srv.Close()

	caller := NewHTTPCaller(srv.URL)
	resp, err := caller.CallTool(context.Background(), CallRequest{Suite: "weather", Tool: "lookup", Payload: json.RawMessage(`{"city":"nyc"}`)})
	require.NoError(t, err)
	require.JSONEq(t, `{"temp":72}`, string(resp.Result))
}

func TestHTTPCaller_CallTool_JSONRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: 1, Error: &rpcError{Code: ErrInvalidParams, Message: "bad city"}})
	}))
	defer srv.Close()

	caller := NewHTTPCaller(srv.URL)
	_, err := caller.CallTool(context.Background(), CallRequest{Suite: "weather", Tool: "lookup"})
	require.Error(t, err)
	var rpcErr *Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, ErrInvalidParams, rpcErr.Code)
}

func TestAdapter_Call_DelegatesToCaller(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: 1, Result: json.RawMessage(`{"ok":true}`)})
	}))
	defer srv.Close()

	a := &Adapter{Caller: NewHTTPCaller(srv.URL), Suite: "weather"}
	out, err := a.Call(context.Background(), "lookup", json.RawMessage(`{}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(out))
}

func TestError_Error(t *testing.T) {
	var nilErr *Error
	require.Equal(t, "", nilErr.Error())

	e := &Error{Code: ErrMethodNotFound, Message: "nope"}
	require.Contains(t, e.Error(), "nope")
}
