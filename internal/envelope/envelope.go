// Package envelope defines the Task Envelope, the structured request
// every hat execution must present, and the [Validator] that turns
// untrusted input into a validated [Envelope].
package envelope

import (
	"slices"
	"strings"
)

// Enumerated field values.
var (
	TaskTypes        = []string{"classify", "summarize", "code", "spec", "research", "ops"}
	TaskSizes        = []string{"small", "medium", "large"}
	Levels           = []string{"low", "medium", "high"}
	IdentityContexts = []string{"human", "agent"}
)

// RequiredFields lists the keys every envelope must carry, in the
// order they are reported when missing.
var RequiredFields = []string{
	"hat",
	"intent",
	"taskType",
	"taskSize",
	"risk",
	"dataSensitivity",
	"externalStateChange",
	"identityContext",
	"actions",
	"approvalNeeded",
}

// Raw is an undecoded, untrusted envelope as it arrives from a caller.
type Raw map[string]any

// Envelope is a validated task request. Only [Validator.Validate]
// produces one; the router and metered caller accept nothing else.
type Envelope struct {
	Hat                  string   `json:"hat"`
	Intent               string   `json:"intent"`
	TaskType             string   `json:"taskType"`
	TaskSize             string   `json:"taskSize"`
	Risk                 string   `json:"risk"`
	DataSensitivity      string   `json:"dataSensitivity"`
	ExternalStateChange  bool     `json:"externalStateChange"`
	IdentityContext      string   `json:"identityContext"`
	Actions              []string `json:"actions"`
	ApprovalNeeded       bool     `json:"approvalNeeded"`
	PreferredModel       string   `json:"preferredModel,omitempty"`
	Thinking             string   `json:"thinking,omitempty"`
	PolicyOverride       bool     `json:"policyOverride,omitempty"`
	PolicyOverrideReason string   `json:"policyOverrideReason,omitempty"`
}

// Tag is a policy-checked action entry such as "cmd:git status" or
// "skill:weather".
type Tag struct {
	Kind  string // "cmd" or "skill"
	Value string
}

func (t Tag) String() string {
	return t.Kind + ":" + t.Value
}

// Tags extracts the cmd: and skill: entries from actions. Prefix
// matching is case-insensitive; the value keeps its case.
func (e *Envelope) Tags() []Tag {
	var tags []Tag
	for _, a := range e.Actions {
		s := strings.TrimSpace(a)
		for _, kind := range []string{"cmd", "skill"} {
			if len(s) > len(kind) && strings.EqualFold(s[:len(kind)+1], kind+":") {
				tags = append(tags, Tag{Kind: kind, Value: strings.TrimSpace(s[len(kind)+1:])})
				break
			}
		}
	}
	return tags
}

// HasOverride reports whether the envelope carries a usable explicit
// policy bypass.
func (e *Envelope) HasOverride() bool {
	return e.PolicyOverride && strings.TrimSpace(e.PolicyOverrideReason) != ""
}

// GuardVars exposes the envelope to per-hat CEL guards.
func (e *Envelope) GuardVars() map[string]any {
	actions := e.Actions
	if actions == nil {
		actions = []string{}
	}
	return map[string]any{
		"hat":                 e.Hat,
		"intent":              e.Intent,
		"taskType":            e.TaskType,
		"taskSize":            e.TaskSize,
		"risk":                e.Risk,
		"dataSensitivity":     e.DataSensitivity,
		"identityContext":     e.IdentityContext,
		"thinking":            e.Thinking,
		"externalStateChange": e.ExternalStateChange,
		"approvalNeeded":      e.ApprovalNeeded,
		"policyOverride":      e.PolicyOverride,
		"actions":             actions,
	}
}

// Header renders the short execution header shown before a hat runs.
func Header(e *Envelope) string {
	actions := strings.Join(e.Actions, "; ")
	if actions == "" {
		actions = "none"
	}
	approval := "no"
	if e.ApprovalNeeded {
		approval = "yes"
	}
	return strings.Join([]string{
		"Hat: " + e.Hat,
		"dataSensitivity: " + e.DataSensitivity,
		"actions: " + actions,
		"approvalNeeded: " + approval,
	}, "\n")
}

func oneOf(v any, allowed []string) bool {
	s, ok := v.(string)
	return ok && slices.Contains(allowed, s)
}
