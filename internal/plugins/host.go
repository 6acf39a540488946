// Package plugins implements the WASM plugin host: pre_prompt and
// post_response hooks that wrap the Agent Client's call into the
// claude CLI subprocess.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Host manages compiled WASM plugin instances.
type Host struct {
	runtime wazero.Runtime
	plugins map[string]*LoadedPlugin
}

// LoadedPlugin is a compiled plugin ready to be instantiated per call.
type LoadedPlugin struct {
	Manifest Manifest
	module   wazero.CompiledModule
}

// NewHost creates a WASM plugin host with the WASI preview1 imports
// instantiated, matching what every plugin module is compiled against.
func NewHost(ctx context.Context) (*Host, error) {
	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, fmt.Errorf("instantiating WASI: %w", err)
	}

	return &Host{
		runtime: rt,
		plugins: make(map[string]*LoadedPlugin),
	}, nil
}

// LoadPlugin reads a plugin.yaml manifest and compiles the .wasm
// module it names, relative to the manifest's directory.
func (h *Host) LoadPlugin(ctx context.Context, manifestPath string) (*LoadedPlugin, error) {
	manifest, err := LoadManifestFromFile(manifestPath)
	if err != nil {
		return nil, err
	}

	wasmPath := manifest.WASMPath
	if !filepath.IsAbs(wasmPath) {
		wasmPath = filepath.Join(filepath.Dir(manifestPath), wasmPath)
	}
	wasmBytes, err := os.ReadFile(wasmPath)
	if err != nil {
		return nil, fmt.Errorf("reading plugin module %s: %w", wasmPath, err)
	}

	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compiling plugin %s: %w", manifest.Name, err)
	}

	plugin := &LoadedPlugin{Manifest: *manifest, module: compiled}
	h.plugins[manifest.Name] = plugin
	return plugin, nil
}

// GetPlugin returns a loaded plugin by name.
func (h *Host) GetPlugin(name string) (*LoadedPlugin, bool) {
	p, ok := h.plugins[name]
	return p, ok
}

// Plugins returns every loaded plugin, for RunHook's fan-out.
func (h *Host) Plugins() []*LoadedPlugin {
	all := make([]*LoadedPlugin, 0, len(h.plugins))
	for _, p := range h.plugins {
		all = append(all, p)
	}
	return all
}

// RunHook invokes the named hook on every loaded plugin that declares
// it, threading each plugin's JSON-decoded result into the next
// plugin's input. Plugins are held in a map keyed by name, so the order
// in which they run is not defined and need not match load order.
// Plugins that don't declare the hook are skipped, not failed.
func (h *Host) RunHook(ctx context.Context, hook string, input HookInput) (HookInput, error) {
	for _, plugin := range h.Plugins() {
		if !plugin.Manifest.participatesIn(hook) {
			continue
		}
		result, err := h.invoke(ctx, plugin, hook, input)
		if err != nil {
			return input, fmt.Errorf("plugin %s hook %s: %w", plugin.Manifest.Name, hook, err)
		}
		input = result
	}
	return input, nil
}

// HookInput is the JSON payload passed to a plugin hook. pre_prompt
// sees Message populated; post_response sees Text and ToolCalls.
type HookInput struct {
	SessionID string   `json:"session_id"`
	UserID    string   `json:"user_id"`
	Message   string   `json:"message,omitempty"`
	Text      string   `json:"text,omitempty"`
	ToolCalls []string `json:"tool_calls,omitempty"`
}

func (h *Host) invoke(ctx context.Context, plugin *LoadedPlugin, hook string, input HookInput) (HookInput, error) {
	config := wazero.NewModuleConfig().
		WithStdout(os.Stdout).
		WithStderr(os.Stderr)

	mod, err := h.runtime.InstantiateModule(ctx, plugin.module, config)
	if err != nil {
		return input, fmt.Errorf("instantiating: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	hookFn := mod.ExportedFunction(hook)
	if hookFn == nil {
		return input, fmt.Errorf("module does not export %q", hook)
	}
	allocFn := mod.ExportedFunction("alloc")
	if allocFn == nil {
		return input, fmt.Errorf("module does not export %q", "alloc")
	}

	payload, err := json.Marshal(input)
	if err != nil {
		return input, fmt.Errorf("marshaling hook input: %w", err)
	}

	allocated, err := allocFn.Call(ctx, uint64(len(payload)))
	if err != nil {
		return input, fmt.Errorf("calling alloc: %w", err)
	}
	ptr := uint32(allocated[0])

	mem := mod.Memory()
	if !mem.Write(ptr, payload) {
		return input, fmt.Errorf("writing hook input to plugin memory")
	}

	results, err := hookFn.Call(ctx, uint64(ptr), uint64(len(payload)))
	if err != nil {
		return input, fmt.Errorf("calling %s: %w", hook, err)
	}
	if len(results) < 2 {
		return input, fmt.Errorf("%s returned unexpected results", hook)
	}

	outPtr, outSize := uint32(results[0]), uint32(results[1])
	data, ok := mem.Read(outPtr, outSize)
	if !ok {
		return input, fmt.Errorf("reading hook output from plugin memory")
	}

	var out HookInput
	if err := json.Unmarshal(data, &out); err != nil {
		return input, fmt.Errorf("parsing hook output: %w", err)
	}
	return out, nil
}

// Close releases all plugin resources.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}
