package driver

import (
	"encoding/json"
	"fmt"

	"github.com/flowforge/flowhost/internal/template"
)

// ingressToken is the literal placeholder a node's payload_expr uses to
// stand in for the whole of the scratchpad's last_input, e.g. an "echo"
// node's payload_expr `"$ingress"`. It is honoured as a special case of
// render: any string leaf equal to exactly this token is substituted with
// the raw last_input value (not stringified), before any remaining string
// leaves are run through the template engine.
const ingressToken = "$ingress"

// renderPayload materialises a node's payload_expr against the scratchpad.
// It walks the decoded JSON tree: a string leaf equal to ingressToken
// becomes the raw last_input value; any other string leaf is rendered as
// a Handlebars template; all other JSON types pass through unchanged.
func renderPayload(expr json.RawMessage, sp *Scratchpad) (json.RawMessage, error) {
	if len(expr) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(expr, &v); err != nil {
		return nil, fmt.Errorf("driver: decode payload_expr: %w", err)
	}
	ctx := sp.RenderContext()
	rendered, err := renderValue(v, sp, ctx)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(rendered)
	if err != nil {
		return nil, fmt.Errorf("driver: encode rendered payload: %w", err)
	}
	return out, nil
}

func renderValue(v any, sp *Scratchpad, ctx map[string]any) (any, error) {
	switch t := v.(type) {
	case string:
		if t == ingressToken {
			return decodeAny(sp.LastInput), nil
		}
		out, err := template.Render(t, ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("driver: render payload string: %w", err)
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			rendered, err := renderValue(elem, sp, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			rendered, err := renderValue(elem, sp, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}
