package plugins

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "plugin.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadManifestFromFileYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "name: redactor\nversion: \"1.0\"\nhooks: [pre_prompt, post_response]\nwasm_path: redactor.wasm\n")

	m, err := LoadManifestFromFile(path)
	if err != nil {
		t.Fatalf("LoadManifestFromFile: %v", err)
	}
	if m.Name != "redactor" {
		t.Errorf("Name = %q, want redactor", m.Name)
	}
	if !m.participatesIn(HookPrePrompt) || !m.participatesIn(HookPostResponse) {
		t.Errorf("expected both hooks declared, got %v", m.Hooks)
	}
}

func TestLoadManifestFromFileMissingName(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "wasm_path: x.wasm\n")

	if _, err := LoadManifestFromFile(path); err == nil {
		t.Fatal("expected error for manifest missing name")
	}
}

func TestLoadManifestFromFileMissingWASMPath(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, "name: x\n")

	if _, err := LoadManifestFromFile(path); err == nil {
		t.Fatal("expected error for manifest missing wasm_path")
	}
}

func TestManifestParticipatesInUnknownHook(t *testing.T) {
	m := Manifest{Name: "x", WASMPath: "x.wasm", Hooks: []string{HookPrePrompt}}
	if m.participatesIn(HookPostResponse) {
		t.Error("expected participatesIn(post_response) to be false")
	}
}

func TestResolveManifestPath(t *testing.T) {
	got := ResolveManifestPath("/opt/plugins", "redactor")
	want := filepath.Join("/opt/plugins", "redactor", "plugin.yaml")
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
