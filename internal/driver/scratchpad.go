package driver

import "encoding/json"

// NodeResult records one node's dispatch outcome in the scratchpad under
// scratchpad.nodes[node_id].
type NodeResult struct {
	OK      bool            `json:"ok"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Meta    json.RawMessage `json:"meta,omitempty"`
}

// Scratchpad is the flow-visible execution scratchpad: last_input,
// last_adapter, last_operation, and last_response, plus Nodes (per-node
// outputs) and Data (data merged in by templating.handlebars nodes), all
// of which RenderContext exposes to templates.
type Scratchpad struct {
	LastInput     json.RawMessage        `json:"last_input,omitempty"`
	LastAdapter   string                 `json:"last_adapter,omitempty"`
	LastOperation string                 `json:"last_operation,omitempty"`
	LastResponse  json.RawMessage        `json:"last_response,omitempty"`
	Nodes         map[string]NodeResult  `json:"nodes,omitempty"`
	Data          map[string]any         `json:"data,omitempty"`
}

// NewScratchpad returns an empty Scratchpad.
func NewScratchpad() *Scratchpad {
	return &Scratchpad{Nodes: make(map[string]NodeResult)}
}

// RenderContext builds the map handed to the template engine: scratchpad
// fields plus any merged Data, exposed under predictable top-level keys so
// templates can reference {{last_input.text}}, {{nodes.<id>.payload}},
// {{foo}} (for merged data), etc.
func (s *Scratchpad) RenderContext() map[string]any {
	ctx := map[string]any{}
	for k, v := range s.Data {
		ctx[k] = v
	}
	ctx["last_input"] = decodeAny(s.LastInput)
	ctx["last_adapter"] = s.LastAdapter
	ctx["last_operation"] = s.LastOperation
	ctx["last_response"] = decodeAny(s.LastResponse)
	nodes := map[string]any{}
	for id, r := range s.Nodes {
		nodes[id] = map[string]any{
			"ok":      r.OK,
			"payload": decodeAny(r.Payload),
			"meta":    decodeAny(r.Meta),
		}
	}
	ctx["nodes"] = nodes
	return ctx
}

func decodeAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// MergeData performs the shallow, object-wise recursive merge required by
// templating.handlebars nodes: scalars overwrite,
// nested objects merge key-by-key.
func MergeData(dst map[string]any, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				dst[k] = MergeData(existing, sub)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}
