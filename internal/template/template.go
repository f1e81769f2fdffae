// Package template renders Handlebars-compatible templates in non-strict
// mode for the flow driver's "render" step and for templating.handlebars nodes.
package template

import (
	"fmt"

	"github.com/aymerick/raymond"
)

// Render compiles and executes source against data. raymond renders
// unresolved paths as empty strings rather than erroring, which is exactly
// the non-strict behaviour the spec requires — no extra configuration is
// needed to get there.
//
// partials, if non-empty, are registered on a private clone of the
// template's partial table scoped to this single render: one node's
// partials must never leak into a sibling node's render.
func Render(source string, data any, partials map[string]string) (string, error) {
	tpl, err := raymond.Parse(source)
	if err != nil {
		return "", fmt.Errorf("template: parse: %w", err)
	}
	if len(partials) > 0 {
		tpl.RegisterPartials(partials)
	}
	tpl.RegisterHelpers(builtinHelpers)
	out, err := tpl.Exec(data)
	if err != nil {
		return "", fmt.Errorf("template: exec: %w", err)
	}
	return out, nil
}

// builtinHelpers mirrors the small, deterministic helper set the corpus's
// own Handlebars user (dotprompt) registers: a json-dump helper is the only
// one generically useful outside a chat-prompt context (role/media helpers
// there are prompt-specific, not part of this engine's sandbox).
var builtinHelpers = map[string]any{
	"json": jsonHelper,
}

func jsonHelper(v any, options *raymond.Options) raymond.SafeString {
	b, err := marshalCompact(v)
	if err != nil {
		return raymond.SafeString(err.Error())
	}
	return raymond.SafeString(b)
}
