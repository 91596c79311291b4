package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func writePolicy(t *testing.T, path, src string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}
}

func TestLoaderLoadFromPaths(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, filepath.Join(dir, "zeta.rego"), "package froyoflow.custom.zeta\n")
	writePolicy(t, filepath.Join(dir, "nested", "alpha.rego"), `# Alpha checks things.
# severity: warning
package froyoflow.custom.alpha
`)
	writePolicy(t, filepath.Join(dir, "nested", "alpha_test.rego"), "package froyoflow.custom.alpha_test\n")
	writePolicy(t, filepath.Join(dir, "README.md"), "not a policy")

	single := filepath.Join(t.TempDir(), "single.rego")
	writePolicy(t, single, "package froyoflow.custom.single\n")

	loader := NewLoader(zerolog.Nop())
	policies, err := loader.LoadFromPaths([]string{dir, single})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}

	names := make([]string, len(policies))
	for i, p := range policies {
		names[i] = p.Name
	}
	want := []string{"alpha", "single", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("policies = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("policies[%d] = %s, want %s", i, names[i], want[i])
		}
	}

	alpha := policies[0]
	if alpha.Severity != SeverityWarning || alpha.Description != "Alpha checks things." {
		t.Errorf("unexpected alpha policy: %+v", alpha)
	}
	if alpha.Source != filepath.Join(dir, "nested", "alpha.rego") {
		t.Errorf("Source = %s", alpha.Source)
	}
}

func TestLoaderMissingPath(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths([]string{filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestIsPolicyFile(t *testing.T) {
	tests := map[string]bool{
		"limits.rego":      true,
		"dir/naming.rego":  true,
		"limits_test.rego": false,
		"limits.rego.bak":  false,
		"policy.yaml":      false,
	}
	for path, want := range tests {
		if got := isPolicyFile(path); got != want {
			t.Errorf("isPolicyFile(%q) = %v, want %v", path, got, want)
		}
	}
}
