// Package flowir defines the flow intermediate representation: a directed
// graph of nodes with template-expanded payloads and ordered routes.
package flowir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type (
	// FlowID identifies a flow uniquely within a pack.
	FlowID string

	// NodeID identifies a node uniquely within a flow.
	NodeID string

	// Flow is the loaded, validated representation of a FlowIR document.
	// Flow is loaded once per pack version and cached by the pack resolver;
	// it is never mutated after load.
	Flow struct {
		ID         FlowID
		Start      NodeID
		Nodes      *NodeMap
		Parameters json.RawMessage
	}

	// Node is a single unit of work in a flow.
	Node struct {
		ID          NodeID
		Component   string
		PayloadExpr json.RawMessage
		Routes      []Route
	}

	// Route is one outbound edge from a node. Routes are scanned in order;
	// the first one that matches wins.
	Route struct {
		To  NodeID
		Out bool
	}

	// wireFlow and wireNode mirror the JSON wire shape; Nodes is an object
	// (ordered-map) so we decode key order explicitly below rather than
	// relying on Go's unordered map decoding.
	wireFlow struct {
		ID         FlowID            `json:"id"`
		Start      NodeID            `json:"start"`
		Nodes      json.RawMessage   `json:"nodes"`
		Parameters json.RawMessage   `json:"parameters"`
	}
	wireNode struct {
		Component   string          `json:"component"`
		PayloadExpr json.RawMessage `json:"payload_expr"`
		Routes      []wireRoute     `json:"routes"`
	}
	wireRoute struct {
		To  NodeID `json:"to"`
		Out bool   `json:"out"`
	}
)

// ErrEmptyID indicates a flow or node id was empty.
var ErrEmptyID = errors.New("flowir: id must not be empty")

// ErrStartNotFound indicates flow.start does not name a node in flow.nodes.
var ErrStartNotFound = errors.New("flowir: start node not present in nodes")

// ErrDuplicateNode indicates the same node id appeared twice.
var ErrDuplicateNode = errors.New("flowir: duplicate node id")

// ParseFlow decodes and validates a FlowIR document, preserving node
// declaration order (the "first key in nodes" start-node fallback below
// depends on that order).
func ParseFlow(data []byte) (*Flow, error) {
	var wf wireFlow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("flowir: decode flow: %w", err)
	}
	if wf.ID == "" {
		return nil, ErrEmptyID
	}
	nodes, err := parseNodeMap(wf.Nodes)
	if err != nil {
		return nil, err
	}
	if nodes.Len() == 0 {
		return nil, fmt.Errorf("flowir: flow %q has no nodes", wf.ID)
	}
	start := wf.Start
	if start == "" {
		start = nodes.order[0]
	}
	if _, ok := nodes.Get(start); !ok {
		return nil, fmt.Errorf("%w: %q", ErrStartNotFound, start)
	}
	return &Flow{ID: wf.ID, Start: start, Nodes: nodes, Parameters: wf.Parameters}, nil
}

func parseNodeMap(raw json.RawMessage) (*NodeMap, error) {
	// Decode into a json.RawMessage-valued map first to recover key order
	// via a Decoder token stream, since encoding/json does not preserve
	// object key order through map[string]T.
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("flowir: decode nodes: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("flowir: nodes must be a JSON object")
	}
	nm := newNodeMap()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("flowir: decode node key: %w", err)
		}
		key, _ := keyTok.(string)
		if key == "" {
			return nil, ErrEmptyID
		}
		var wn wireNode
		if err := dec.Decode(&wn); err != nil {
			return nil, fmt.Errorf("flowir: decode node %q: %w", key, err)
		}
		routes := make([]Route, 0, len(wn.Routes))
		for _, r := range wn.Routes {
			routes = append(routes, Route{To: r.To, Out: r.Out})
		}
		node := &Node{ID: NodeID(key), Component: wn.Component, PayloadExpr: wn.PayloadExpr, Routes: routes}
		if !nm.put(NodeID(key), node) {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateNode, key)
		}
	}
	return nm, nil
}

// FirstMatch scans a node's routes in order and returns the first matching
// target. ok is false only when no route matched (a malformed flow; the
// driver treats this as "out" with an empty payload).
func FirstMatch(routes []Route) (to NodeID, out bool, ok bool) {
	for _, r := range routes {
		if r.Out || r.To == "out" {
			return "", true, true
		}
		if r.To != "" {
			return r.To, false, true
		}
	}
	return "", false, false
}
