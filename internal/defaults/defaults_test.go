package defaults

import (
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"testing"

	"github.com/bort-os/bort/internal/budget"
	"github.com/bort-os/bort/internal/config"
	"github.com/bort-os/bort/internal/policy"
	"github.com/bort-os/bort/internal/router"
)

func TestConfigMatchesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bort.yaml")
	if err := os.WriteFile(path, ConfigYAML, 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := config.Default(); !reflect.DeepEqual(cfg, want) {
		t.Errorf("example config = %+v\nwant %+v", cfg, want)
	}
}

func TestPolicyMatchesBuiltin(t *testing.T) {
	got, err := policy.Parse(PolicyYAML, "hat-profiles.yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := policy.Builtin()
	if !slices.Equal(got.Names(), want.Names()) {
		t.Fatalf("hats = %v, want %v", got.Names(), want.Names())
	}
	for _, name := range want.Names() {
		g, _ := got.Hat(name)
		w, _ := want.Hat(name)
		if g.IdentityUsage != w.IdentityUsage ||
			g.DefaultDataSensitivity != w.DefaultDataSensitivity ||
			g.LogFileName() != w.LogFileName() ||
			!slices.Equal(g.AllowedIdentityContexts, w.AllowedIdentityContexts) ||
			!slices.Equal(g.AllowedTaskTypes, w.AllowedTaskTypes) ||
			!slices.Equal(g.AllowedCommands, w.AllowedCommands) ||
			!slices.Equal(g.AllowedSkills, w.AllowedSkills) ||
			!slices.Equal(g.DefaultModelChain, w.DefaultModelChain) {
			t.Errorf("hat %q = %+v, want %+v", name, g, w)
		}
		if len(g.Guards) != len(w.Guards) {
			t.Errorf("hat %q guards = %d, want %d", name, len(g.Guards), len(w.Guards))
			continue
		}
		for i := range w.Guards {
			if g.Guards[i].Name != w.Guards[i].Name || g.Guards[i].When != w.Guards[i].When || g.Guards[i].Ask != w.Guards[i].Ask {
				t.Errorf("hat %q guard %d = %+v, want %+v", name, i, g.Guards[i], w.Guards[i])
			}
		}
	}
}

func TestSignupGuardFires(t *testing.T) {
	tbl, err := policy.Parse(PolicyYAML, "hat-profiles.yaml")
	if err != nil {
		t.Fatal(err)
	}
	inbox, _ := tbl.Hat("inbox")
	vars := map[string]any{
		"hat": "inbox", "intent": "email", "taskType": "ops", "taskSize": "small",
		"risk": "low", "dataSensitivity": "medium", "identityContext": "human", "thinking": "",
		"externalStateChange": true, "approvalNeeded": true, "policyOverride": false,
		"actions": []string{"Sign up for newsletter"},
	}
	if _, blocked := inbox.CheckGuards(vars); !blocked {
		t.Error("signup guard did not fire for a human signup")
	}
	vars["actions"] = []string{"read inbox"}
	if ask, blocked := inbox.CheckGuards(vars); blocked {
		t.Errorf("guard fired for a plain read: %q", ask)
	}
}

func TestRoutingMatchesDefault(t *testing.T) {
	got, err := router.ParseTables(RoutingYAML)
	if err != nil {
		t.Fatalf("ParseTables: %v", err)
	}
	if want := router.DefaultTables(); !reflect.DeepEqual(got, want) {
		t.Errorf("routing.yaml = %+v\nwant %+v", got, want)
	}
}

func TestPricingMatchesBuiltin(t *testing.T) {
	p, err := budget.ParsePricing(PricingJSON)
	if err != nil {
		t.Fatalf("ParsePricing: %v", err)
	}
	builtin := budget.BuiltinCosts()
	if p.Defaults.Unknown == nil || *p.Defaults.Unknown != builtin.Unknown {
		t.Errorf("defaults.unknown = %v, want %v", p.Defaults.Unknown, builtin.Unknown)
	}
	if !slices.Equal(p.Routes, builtin.Rows) {
		t.Errorf("routes = %+v, want %+v", p.Routes, builtin.Rows)
	}
}

func TestFiles(t *testing.T) {
	for _, f := range Files() {
		if len(f.Data) == 0 {
			t.Errorf("%s is empty", f.Name)
		}
	}
}
