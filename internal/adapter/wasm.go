package adapter

import (
	"context"
	"encoding/json"
	"fmt"

	extism "github.com/extism/go-sdk"
)

// WasmAdapter dispatches Call to an exported Extism plugin function. It
// implements the synchronous "given inputs, return a JSON value or a
// typed error" contract expected of Wasm tool execution.
type WasmAdapter struct {
	plugin *extism.Plugin
	// Func maps an operation name to the plugin's exported function name,
	// for adapters whose wasm module names its export differently from the
	// mcp.exec operation string.
	Func map[string]string
}

// NewWasmAdapter loads a Wasm component from wasmBytes with WASI enabled
// and no host functions: deny-by-default capabilities for plugin code.
func NewWasmAdapter(ctx context.Context, wasmBytes []byte, funcs map[string]string) (*WasmAdapter, error) {
	manifest := extism.Manifest{Wasm: []extism.Wasm{extism.WasmData{Data: wasmBytes}}}
	plugin, err := extism.NewPlugin(ctx, manifest, extism.PluginConfig{EnableWasi: true}, nil)
	if err != nil {
		return nil, fmt.Errorf("adapter: load wasm plugin: %w", err)
	}
	return &WasmAdapter{plugin: plugin, Func: funcs}, nil
}

// Call implements Adapter.
func (w *WasmAdapter) Call(_ context.Context, operation string, payload json.RawMessage) (json.RawMessage, error) {
	fn := operation
	if mapped, ok := w.Func[operation]; ok {
		fn = mapped
	}
	if !w.plugin.FunctionExists(fn) {
		return nil, fmt.Errorf("adapter: wasm plugin missing export %q", fn)
	}
	_, out, err := w.plugin.Call(fn, payload)
	if err != nil {
		return nil, fmt.Errorf("adapter: wasm call %q: %w", fn, err)
	}
	return json.RawMessage(out), nil
}

// Close releases the underlying plugin.
func (w *WasmAdapter) Close(ctx context.Context) error {
	return w.plugin.Close(ctx)
}
