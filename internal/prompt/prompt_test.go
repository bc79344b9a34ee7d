package prompt

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolvePrecedence(t *testing.T) {
	library := NewLibrary(map[string]string{"m1": "configured role"}, "generic fallback")

	cases := []struct {
		name         string
		model        string
		globalPrompt string
		perModel     map[string]string
		want         string
	}{
		{
			name:     "per-model override wins over everything",
			model:    "m1",
			perModel: map[string]string{"m1": "pinned role"},
			want:     "pinned role",
		},
		{
			name:         "per-model empty string is honored verbatim",
			model:        "m1",
			globalPrompt: "global role",
			perModel:     map[string]string{"m1": ""},
			want:         "",
		},
		{
			name:         "global prompt beats configured default",
			model:        "m1",
			globalPrompt: "global role",
			want:         "global role",
		},
		{
			name:  "configured default when nothing from the caller",
			model: "m1",
			want:  "configured role",
		},
		{
			name:  "fallback for unknown model",
			model: "m9",
			want:  "generic fallback",
		},
		{
			name:     "per-model entry for another model does not apply",
			model:    "m1",
			perModel: map[string]string{"other": "other role"},
			want:     "configured role",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := library.Resolve(tc.model, tc.globalPrompt, tc.perModel)
			if got != tc.want {
				t.Errorf("Resolve(%q, %q, %v) = %q, want %q",
					tc.model, tc.globalPrompt, tc.perModel, got, tc.want)
			}
		})
	}
}

func TestNewLibraryDefaults(t *testing.T) {
	library := NewLibrary(map[string]string{"  ": "ignored", "m1": "role"}, "")
	if library.Fallback() != DefaultFallback {
		t.Errorf("blank fallback should use the built-in one, got %q", library.Fallback())
	}
	if _, ok := library.Default(""); ok {
		t.Error("blank model keys should be dropped")
	}
	if text, ok := library.Default("m1"); !ok || text != "role" {
		t.Errorf("expected m1 default, got %q (ok=%v)", text, ok)
	}
}

func TestLoadLibraryFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yaml")
	content := `roles:
  - model: m1
    prompt: "You are a careful historian."
    description: history specialist
  - model: m2
    prompt: "You are a terse mathematician."
  - model: ""
    prompt: "orphan"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write roles file: %v", err)
	}

	library, err := LoadLibrary(path, map[string]string{"m2": "override role"}, "")
	if err != nil {
		t.Fatalf("LoadLibrary returned error: %v", err)
	}
	if text, _ := library.Default("m1"); text != "You are a careful historian." {
		t.Errorf("m1 role lost: %q", text)
	}
	// 配置覆盖优先于文件内容。
	if text, _ := library.Default("m2"); text != "override role" {
		t.Errorf("override should win over file, got %q", text)
	}
	if _, ok := library.Default(""); ok {
		t.Error("entries without a model name should be skipped")
	}
}

func TestLoadLibraryMissingFile(t *testing.T) {
	if _, err := LoadLibrary(filepath.Join(t.TempDir(), "absent.yaml"), nil, ""); err == nil {
		t.Fatal("expected error for a missing roles file")
	}
}

func TestLoadLibraryWithoutFile(t *testing.T) {
	library, err := LoadLibrary("", map[string]string{"m1": "role"}, "fb")
	if err != nil {
		t.Fatalf("LoadLibrary returned error: %v", err)
	}
	if text, _ := library.Default("m1"); text != "role" {
		t.Errorf("override-only library lost m1: %q", text)
	}
	if library.Fallback() != "fb" {
		t.Errorf("fallback lost: %q", library.Fallback())
	}
}
