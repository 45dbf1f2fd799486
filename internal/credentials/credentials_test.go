package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore_GetSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".openclaw", "openclaw.json")
	s := NewFileStore(path)
	ctx := context.Background()

	if v, err := s.Get(ctx, AccessToken); v != "" || err != nil {
		t.Fatalf("Get() on missing file = %q, %v", v, err)
	}
	if err := s.Set(ctx, AccessToken, "tok-1"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if v, _ := s.Get(ctx, AccessToken); v != "tok-1" {
		t.Errorf("Get() = %q, want tok-1", v)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("mode = %o, want 600", perm)
	}
}

func TestFileStore_PreservesOtherContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openclaw.json")
	os.WriteFile(path, []byte(`{"agents": {"default": "bort"}, "env": {"shell": true, "vars": {"OTHER": "x", "X_REFRESH_TOKEN": "r1"}}}`), 0o600)
	s := NewFileStore(path)
	ctx := context.Background()

	if v, _ := s.Get(ctx, RefreshToken); v != "r1" {
		t.Errorf("Get(refresh) = %q", v)
	}
	if err := s.Set(ctx, AccessToken, "new"); err != nil {
		t.Fatal(err)
	}

	var doc struct {
		Agents map[string]string `json:"agents"`
		Env    struct {
			Shell bool              `json:"shell"`
			Vars  map[string]string `json:"vars"`
		} `json:"env"`
	}
	data, _ := os.ReadFile(path)
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Agents["default"] != "bort" || !doc.Env.Shell || doc.Env.Vars["OTHER"] != "x" || doc.Env.Vars[AccessToken] != "new" {
		t.Errorf("document = %s", data)
	}
}

func TestFileStore_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openclaw.json")
	os.WriteFile(path, []byte("[1,2"), 0o600)
	s := NewFileStore(path)
	if _, err := s.Get(context.Background(), AccessToken); err == nil {
		t.Error("Get() on malformed file should fail")
	}
	if err := s.Set(context.Background(), AccessToken, "v"); err == nil {
		t.Error("Set() must not overwrite a malformed file")
	}
	if data, _ := os.ReadFile(path); string(data) != "[1,2" {
		t.Errorf("malformed file rewritten: %q", data)
	}
}

func TestEnvOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "openclaw.json")
	file := NewFileStore(path)
	ctx := context.Background()
	file.Set(ctx, AccessToken, "from-file")
	file.Set(ctx, RefreshToken, "refresh-file")

	env := map[string]string{AccessToken: "from-env"}
	o := &EnvOverlay{Store: file, Getenv: func(k string) string { return env[k] }}

	if v, _ := o.Get(ctx, AccessToken); v != "from-env" {
		t.Errorf("env should win: %q", v)
	}
	if v, _ := o.Get(ctx, RefreshToken); v != "refresh-file" {
		t.Errorf("file fallback: %q", v)
	}
	if err := o.Set(ctx, AccessToken, "rotated"); err != nil {
		t.Fatal(err)
	}
	if v, _ := file.Get(ctx, AccessToken); v != "rotated" {
		t.Errorf("Set should write through: %q", v)
	}

	if err := (&EnvOverlay{}).Set(ctx, "k", "v"); err == nil {
		t.Error("Set without store should fail")
	}
}

func TestRequire(t *testing.T) {
	o := &EnvOverlay{Getenv: func(string) string { return "" }}
	_, err := Require(context.Background(), o, AccessToken)
	if !errors.Is(err, ErrMissing) {
		t.Errorf("Require() error = %v, want ErrMissing", err)
	}

	o.Getenv = func(k string) string { return "v-" + k }
	if v, err := Require(context.Background(), o, ClientID); err != nil || v != "v-"+ClientID {
		t.Errorf("Require() = %q, %v", v, err)
	}
}

func TestPresence(t *testing.T) {
	o := &EnvOverlay{Getenv: func(k string) string {
		if k == AccessToken {
			return "x"
		}
		return ""
	}}
	got := Presence(context.Background(), o, AccessToken, RefreshToken)
	if !got[AccessToken] || got[RefreshToken] {
		t.Errorf("Presence() = %v", got)
	}
}

func testSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "credentials.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	s := testSQLite(t)
	ctx := context.Background()

	if v, err := s.Get(ctx, AccessToken); v != "" || err != nil {
		t.Errorf("Get(missing) = %q, %v", v, err)
	}
	s.Set(ctx, AccessToken, "a")
	s.Set(ctx, AccessToken, "b")
	s.Set(ctx, ClientID, "c")
	if v, _ := s.Get(ctx, AccessToken); v != "b" {
		t.Errorf("upsert: Get() = %q", v)
	}
	keys, err := s.Keys(ctx)
	if err != nil || len(keys) != 2 || keys[0] != AccessToken {
		t.Errorf("Keys() = %v, %v", keys, err)
	}
}

func TestSQLiteStore_PersistAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.db")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Set(context.Background(), RefreshToken, "r")
	s.Close()

	s2, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if v, _ := s2.Get(context.Background(), RefreshToken); v != "r" {
		t.Errorf("after reopen: %q", v)
	}
}

func TestOpenSQLite_InvalidPath(t *testing.T) {
	if _, err := OpenSQLite(filepath.Join(t.TempDir(), "no", "such", "dir", "c.db")); err == nil {
		t.Error("expected error for missing directory")
	}
}
