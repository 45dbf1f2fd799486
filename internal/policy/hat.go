// Package policy holds the per-role ("hat") policy table that gates
// every task envelope: which identities a hat may act as, which task
// types it may run, which commands and skills it may invoke, and any
// semantic guards written as CEL expressions.
//
// A [Table] is immutable once built. Reloading constructs a new Table
// and swaps it into a [Holder]; nothing is mutated in place.
package policy

import (
	"regexp"
	"slices"
	"strings"
)

// Hat is the policy for one role.
type Hat struct {
	Name string `yaml:"-" json:"name"`
	// IdentityUsage is descriptive (human_primary, agent_only, mixed).
	IdentityUsage           string   `yaml:"identity_usage,omitempty" json:"identity_usage,omitempty"`
	AllowedIdentityContexts []string `yaml:"allowed_identity_contexts" json:"allowed_identity_contexts"`
	// AllowedTaskTypes restricts task types. Empty means unrestricted.
	AllowedTaskTypes       []string `yaml:"allowed_task_types,omitempty" json:"allowed_task_types,omitempty"`
	DefaultDataSensitivity string   `yaml:"default_data_sensitivity" json:"default_data_sensitivity"`
	AllowedCommands        []string `yaml:"allowed_commands,omitempty" json:"allowed_commands,omitempty"`
	AllowedSkills          []string `yaml:"allowed_skills,omitempty" json:"allowed_skills,omitempty"`
	DefaultModelChain      []string `yaml:"default_model_chain,omitempty" json:"default_model_chain,omitempty"`
	// LogFile is the per-hat audit file name. Defaults to the sanitized
	// hat name with a .md extension.
	LogFile string  `yaml:"log_file,omitempty" json:"log_file,omitempty"`
	Guards  []Guard `yaml:"guards,omitempty" json:"guards,omitempty"`
}

// AllowsIdentity reports whether the hat may act as identityContext.
func (h *Hat) AllowsIdentity(identityContext string) bool {
	return slices.Contains(h.AllowedIdentityContexts, identityContext)
}

// RestrictsTaskTypes reports whether the hat limits task types.
func (h *Hat) RestrictsTaskTypes() bool {
	return len(h.AllowedTaskTypes) > 0
}

// AllowsTaskType reports whether taskType may run under this hat.
func (h *Hat) AllowsTaskType(taskType string) bool {
	return !h.RestrictsTaskTypes() || slices.Contains(h.AllowedTaskTypes, taskType)
}

// AllowsCommand reports whether the exact command string is allowlisted.
func (h *Hat) AllowsCommand(cmd string) bool {
	return slices.Contains(h.AllowedCommands, cmd)
}

// AllowsSkill reports whether the skill identifier is allowlisted.
func (h *Hat) AllowsSkill(skill string) bool {
	return slices.Contains(h.AllowedSkills, skill)
}

var unsafeFileChars = regexp.MustCompile(`[^a-z0-9._-]+`)

// LogFileName returns the audit file name for this hat.
func (h *Hat) LogFileName() string {
	if h.LogFile != "" {
		return h.LogFile
	}
	return SanitizeFileName(h.Name) + ".md"
}

// SanitizeFileName lowercases name and replaces anything outside
// [a-z0-9._-] with a dash.
func SanitizeFileName(name string) string {
	s := unsafeFileChars.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-.")
	if s == "" {
		return "unknown"
	}
	return s
}
