package policy

import (
	"sort"
	"sync"
)

// SourceBuiltin names a table built from the compiled-in defaults.
const SourceBuiltin = "builtin"

// Table maps hat names to their policy. It is immutable after
// construction and safe for concurrent use.
type Table struct {
	hats   map[string]*Hat
	names  []string
	source string
}

func newTable(hats map[string]*Hat, source string) *Table {
	names := make([]string, 0, len(hats))
	for name, h := range hats {
		h.Name = name
		names = append(names, name)
	}
	sort.Strings(names)
	return &Table{hats: hats, names: names, source: source}
}

// Hat looks up a hat by name.
func (t *Table) Hat(name string) (*Hat, bool) {
	h, ok := t.hats[name]
	return h, ok
}

// Names returns the hat names in sorted order.
func (t *Table) Names() []string {
	return append([]string(nil), t.names...)
}

// Source is the file path the table was loaded from, or [SourceBuiltin].
func (t *Table) Source() string {
	return t.source
}

// Current lets a fixed Table serve as a [Source].
func (t *Table) Current() *Table {
	return t
}

const signupGuard = `identityContext == "human" && actions.exists(a, a.matches("(?i)sign\\s*up|register|create\\s*account"))`

var builtin = sync.OnceValue(func() *Table {
	hats := map[string]*Hat{
		"inbox": {
			IdentityUsage:           "human_primary",
			AllowedIdentityContexts: []string{"human"},
			DefaultDataSensitivity:  "medium",
			Guards: []Guard{{
				Name: "signup_identity",
				When: signupGuard,
				Ask:  "confirm signup identityContext=agent (bort@…) OR explicit instruction to use human Gmail",
			}},
		},
		"web": {
			IdentityUsage:           "agent_only",
			AllowedIdentityContexts: []string{"agent"},
			DefaultDataSensitivity:  "low",
		},
		"resale": {
			IdentityUsage:           "agent_only",
			AllowedIdentityContexts: []string{"agent"},
			DefaultDataSensitivity:  "medium",
		},
		"ops-core": {
			IdentityUsage:           "mixed",
			AllowedIdentityContexts: []string{"human", "agent"},
			DefaultDataSensitivity:  "medium",
			LogFile:                 "ops.md",
		},
	}
	for _, h := range hats {
		for i := range h.Guards {
			if err := h.Guards[i].compile(); err != nil {
				panic("policy: builtin guard: " + err.Error())
			}
		}
	}
	return newTable(hats, SourceBuiltin)
})

// Builtin returns the conservative compiled-in table. No commands or
// skills are allowlisted and task types are unrestricted.
func Builtin() *Table {
	return builtin()
}
