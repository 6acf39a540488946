package plugins

import (
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"
)

// Manifest describes a plugin's hook participation, loaded from a
// sidecar plugin.yaml next to the plugin's .wasm module.
type Manifest struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Hooks       []string `json:"hooks"` // subset of "pre_prompt", "post_response"
	WASMPath    string   `json:"wasm_path"`
}

// participatesIn reports whether the manifest declares the given hook.
func (m Manifest) participatesIn(hook string) bool {
	for _, h := range m.Hooks {
		if h == hook {
			return true
		}
	}
	return false
}

// LoadManifestFromFile loads a plugin manifest from a plugin.yaml file.
// yaml.Unmarshal accepts plain JSON too, so either form works.
func LoadManifestFromFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest %s: name is required", path)
	}
	if m.WASMPath == "" {
		return nil, fmt.Errorf("manifest %s: wasm_path is required", path)
	}
	return &m, nil
}

// ResolveManifestPath finds a plugin's plugin.yaml by name under dir,
// the configured plugin directory (Config.PluginDir).
func ResolveManifestPath(dir, name string) string {
	return filepath.Join(dir, name, "plugin.yaml")
}
