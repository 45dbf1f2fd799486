package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/bort-os/bort/internal/policy"
)

// EscalateAfter is the number of consecutive rejections after which
// the full envelope template is appended to the ask.
const EscalateAfter = 2

// Result is the outcome of a validation. On rejection Ask carries the
// human-readable message and Issues the deduplicated items behind it.
type Result struct {
	OK       bool      `json:"ok"`
	Ask      string    `json:"ask,omitempty"`
	Issues   []string  `json:"issues,omitempty"`
	Envelope *Envelope `json:"-"`
}

// Validator checks envelopes against the current policy table. It
// keeps one piece of state, the consecutive-failure counter, and is
// safe for concurrent use. It performs no I/O.
type Validator struct {
	source policy.Source

	mu       sync.Mutex
	failures int
}

// NewValidator returns a Validator reading policy from src. A nil src
// uses [policy.Builtin].
func NewValidator(src policy.Source) *Validator {
	if src == nil {
		src = policy.Builtin()
	}
	return &Validator{source: src}
}

// ConsecutiveFailures returns the current rejection streak.
func (v *Validator) ConsecutiveFailures() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.failures
}

// Validate checks input, which should be a decoded JSON object
// ([Raw] or map[string]any). Any other value is rejected. Validate
// never panics.
func (v *Validator) Validate(input any) Result {
	table := v.table()
	env, issues := check(input, table)

	v.mu.Lock()
	defer v.mu.Unlock()
	if len(issues) == 0 {
		v.failures = 0
		return Result{OK: true, Envelope: env}
	}
	v.failures++
	ask := "Need: " + strings.Join(issues, ", ")
	if v.failures >= EscalateAfter {
		ask += "\n\nTask Envelope template:\n" + Template(table)
	}
	return Result{Ask: ask, Issues: issues}
}

// ValidateJSON decodes data and validates it. Undecodable input is
// rejected as a non-object.
func (v *Validator) ValidateJSON(data []byte) Result {
	var input any
	if err := json.Unmarshal(data, &input); err != nil {
		return v.Validate(nil)
	}
	return v.Validate(input)
}

func (v *Validator) table() (t *policy.Table) {
	defer func() {
		if recover() != nil || t == nil {
			t = policy.Builtin()
		}
	}()
	return v.source.Current()
}

// check runs the validation steps in order and stops at the first
// category of failure.
func check(input any, table *policy.Table) (env *Envelope, issues []string) {
	defer func() {
		if r := recover(); r != nil {
			env, issues = nil, []string{"Task Envelope (object)"}
		}
	}()

	raw, ok := asObject(input)
	if !ok {
		return nil, []string{"Task Envelope (object)"}
	}

	var set issueSet
	for _, f := range RequiredFields {
		if _, present := raw[f]; !present {
			set.add(f)
		}
	}

	env = &Envelope{}
	if val, present := raw["hat"]; present {
		s, isStr := val.(string)
		if _, known := table.Hat(s); !isStr || !known {
			set.add("hat")
		}
		env.Hat = s
	}
	if val, present := raw["intent"]; present {
		s, isStr := val.(string)
		if !isStr || strings.TrimSpace(s) == "" {
			set.add("intent")
		}
		env.Intent = s
	}
	enumField(raw, "taskType", TaskTypes, &env.TaskType, &set)
	enumField(raw, "taskSize", TaskSizes, &env.TaskSize, &set)
	enumField(raw, "risk", Levels, &env.Risk, &set)
	enumField(raw, "dataSensitivity", Levels, &env.DataSensitivity, &set)
	enumField(raw, "identityContext", IdentityContexts, &env.IdentityContext, &set)
	boolField(raw, "externalStateChange", &env.ExternalStateChange, &set)
	boolField(raw, "approvalNeeded", &env.ApprovalNeeded, &set)
	boolField(raw, "policyOverride", &env.PolicyOverride, &set)
	stringField(raw, "preferredModel", &env.PreferredModel, &set)
	stringField(raw, "policyOverrideReason", &env.PolicyOverrideReason, &set)
	stringField(raw, "thinking", &env.Thinking, &set)
	if val, present := raw["actions"]; present {
		actions, isList := asStrings(val)
		if !isList {
			set.add("actions")
		}
		env.Actions = actions
	}
	if len(set.items) > 0 {
		return nil, set.items
	}

	hat, _ := table.Hat(env.Hat)

	if !hat.AllowsIdentity(env.IdentityContext) {
		return nil, []string{fmt.Sprintf("identityContext (%s) for hat=%s",
			strings.Join(hat.AllowedIdentityContexts, "|"), env.Hat)}
	}

	if !hat.AllowsTaskType(env.TaskType) {
		return nil, []string{fmt.Sprintf("taskType (%s) for hat=%s",
			strings.Join(hat.AllowedTaskTypes, "|"), env.Hat)}
	}

	if blocked := blockedTags(env, hat); len(blocked) > 0 && !env.HasOverride() {
		issues := make([]string, 0, len(blocked)+1)
		for _, tag := range blocked {
			issues = append(issues, fmt.Sprintf("allowlisted %s for hat=%s", tag, env.Hat))
		}
		issues = append(issues, "or policyOverride=true with a non-empty policyOverrideReason")
		return nil, issues
	}

	if ask, blocked := hat.CheckGuards(env.GuardVars()); blocked {
		return nil, []string{ask}
	}

	if env.ExternalStateChange && !env.ApprovalNeeded {
		return nil, []string{"approvalNeeded=true (externalStateChange=true)"}
	}

	return env, nil
}

func blockedTags(env *Envelope, hat *policy.Hat) []Tag {
	var blocked []Tag
	seen := make(map[Tag]bool)
	for _, tag := range env.Tags() {
		allowed := false
		switch tag.Kind {
		case "cmd":
			allowed = hat.AllowsCommand(tag.Value)
		case "skill":
			allowed = hat.AllowsSkill(tag.Value)
		}
		if !allowed && !seen[tag] {
			seen[tag] = true
			blocked = append(blocked, tag)
		}
	}
	return blocked
}

func asObject(input any) (map[string]any, bool) {
	switch m := input.(type) {
	case Raw:
		return m, true
	case map[string]any:
		return m, true
	default:
		return nil, false
	}
}

// asStrings accepts a list and renders each element as text. Non-string
// elements are rendered as JSON.
func asStrings(val any) ([]string, bool) {
	switch list := val.(type) {
	case []string:
		return append([]string(nil), list...), true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
				continue
			}
			b, err := json.Marshal(item)
			if err != nil {
				out = append(out, fmt.Sprint(item))
				continue
			}
			out = append(out, string(b))
		}
		return out, true
	default:
		return nil, false
	}
}

func enumField(raw map[string]any, key string, allowed []string, dst *string, set *issueSet) {
	val, present := raw[key]
	if !present {
		return
	}
	if !oneOf(val, allowed) {
		set.add(key)
		return
	}
	*dst = val.(string)
}

func boolField(raw map[string]any, key string, dst *bool, set *issueSet) {
	val, present := raw[key]
	if !present {
		return
	}
	b, ok := val.(bool)
	if !ok {
		set.add(key)
		return
	}
	*dst = b
}

func stringField(raw map[string]any, key string, dst *string, set *issueSet) {
	val, present := raw[key]
	if !present || val == nil {
		return
	}
	s, ok := val.(string)
	if !ok {
		set.add(key)
		return
	}
	*dst = s
}

type issueSet struct {
	items []string
	seen  map[string]bool
}

func (s *issueSet) add(item string) {
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if !s.seen[item] {
		s.seen[item] = true
		s.items = append(s.items, item)
	}
}

// Template renders the field-by-field envelope template shown on
// repeated rejections. Hat names come from the live table.
func Template(table *policy.Table) string {
	if table == nil {
		table = policy.Builtin()
	}
	return strings.Join([]string{
		"{",
		fmt.Sprintf("  hat: %q,", strings.Join(table.Names(), "|")),
		`  intent: "triage|build|research|maintain|report|backup|restore|diagnose|audit",`,
		fmt.Sprintf("  taskType: %q,", strings.Join(TaskTypes, "|")),
		fmt.Sprintf("  taskSize: %q,", strings.Join(TaskSizes, "|")),
		fmt.Sprintf("  risk: %q,", strings.Join(Levels, "|")),
		fmt.Sprintf("  dataSensitivity: %q,", strings.Join(Levels, "|")),
		"  externalStateChange: true|false,",
		fmt.Sprintf("  identityContext: %q,", strings.Join(IdentityContexts, "|")),
		`  actions: ["..."],`,
		"  approvalNeeded: true|false",
		"}",
	}, "\n")
}
