package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolve(t *testing.T) {
	r := New("/srv/bort", map[string]string{
		"memory": "memory",
		"os":     "/opt/bort/os",
	})

	tests := []struct {
		name string
		path string
		want string
	}{
		{"memory prefix", "memory:x_queue.md", filepath.Join("/srv/bort/memory", "x_queue.md")},
		{"memory nested", "memory:hats/inbox.md", filepath.Join("/srv/bort/memory", "hats", "inbox.md")},
		{"absolute root", "os:hat-profiles.yaml", filepath.Join("/opt/bort/os", "hat-profiles.yaml")},
		{"bare prefix", "memory:", "/srv/bort/memory"},
		{"absolute path unchanged", "/etc/bort/bort.yaml", "/etc/bort/bort.yaml"},
		{"relative path unchanged", "relative/path", "relative/path"},
		{"empty string unchanged", "", ""},
		{"unknown prefix", "kb:foo", "kb:foo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(tt.path)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.path, err)
			}
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestResolve_EscapeRejected(t *testing.T) {
	r := New("/srv/bort", map[string]string{"memory": "memory"})
	if _, err := r.Resolve("memory:../secrets.json"); err == nil {
		t.Error("Resolve(memory:../secrets.json) should fail")
	}
}

func TestResolve_NilReceiver(t *testing.T) {
	var r *Resolver
	got, err := r.Resolve("memory:foo.md")
	if err != nil {
		t.Fatalf("nil Resolve error: %v", err)
	}
	if got != "memory:foo.md" {
		t.Errorf("nil Resolve = %q, want unchanged", got)
	}
}

func TestResolve_HomeExpansion(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	var r *Resolver
	got, _ := r.Resolve("~/.openclaw/openclaw.json")
	want := filepath.Join(home, ".openclaw", "openclaw.json")
	if got != want {
		t.Errorf("Resolve(~/...) = %q, want %q", got, want)
	}
}

func TestNew_Empty(t *testing.T) {
	if r := New("/x", nil); r != nil {
		t.Errorf("New(nil) = %v, want nil", r)
	}
}
