// Package redact suppresses secret-shaped output before it reaches a
// user, a log, or a durable file. Matching is intentionally over-broad:
// a false positive costs a pointer message, a false negative leaks a
// credential.
package redact

import (
	"fmt"
	"regexp"
)

// Pointer is shown in place of suppressed output. It never carries any
// part of the matched text.
const Pointer = "Suppressed output (dataSensitivity=high). Only a pointer is shown; see memory for the compact summary heading."

// Result is the outcome of [Filter.Check]. BlockID names the matcher
// that fired; it is empty when OK is true.
type Result struct {
	OK      bool   `json:"ok"`
	BlockID string `json:"blockId,omitempty"`
	Pointer string `json:"pointer,omitempty"`
}

type matcher struct {
	id string
	re *regexp.Regexp
}

// Filter runs an ordered list of matchers. The zero value is not
// usable; construct with [New]. A Filter is safe for concurrent use.
type Filter struct {
	matchers []matcher
}

// Order matters: the first match decides the reported BlockID.
var defaultMatchers = []matcher{
	{"auth_bearer", regexp.MustCompile(`(?i)Authorization:\s*Bearer\s+\S+`)},
	{"openai_key", regexp.MustCompile(`\bsk-(proj-)?[A-Za-z0-9\-_]{20,}\b`)},
	{"google_api_key", regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{20,}\b`)},
	{"github_pat", regexp.MustCompile(`\bghp_[A-Za-z0-9]{20,}\b`)},
	{"google_oauth_access", regexp.MustCompile(`\bya29\.[0-9A-Za-z\-_]+\b`)},
	{"token_kv", regexp.MustCompile(`(?i)\b(access_token|refresh_token|id_token)\b["']?\s*[:=]`)},
	{"cookie_header", regexp.MustCompile(`(?i)\b(Set-Cookie|Cookie):\s*.+`)},
	{"private_key_block", regexp.MustCompile(`-----BEGIN [A-Z0-9 ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z0-9 ]*PRIVATE KEY-----`)},
	{"base64_run", regexp.MustCompile(`[A-Za-z0-9+/]{60,}={0,2}`)},
	{"email_received_headers", regexp.MustCompile(`(?i)\nReceived:\s.+`)},
}

// New returns a Filter with the built-in matcher set.
func New() *Filter {
	return &Filter{matchers: defaultMatchers}
}

// Check scans v in its string form. Any value is accepted; nil scans
// as the empty string.
func (f *Filter) Check(v any) Result {
	s := coerce(v)
	for _, m := range f.matchers {
		if m.re.MatchString(s) {
			return Result{BlockID: m.id, Pointer: Pointer}
		}
	}
	return Result{OK: true}
}

// Suppress returns text unchanged when it is clean, or [Pointer] when
// any matcher fires.
func (f *Filter) Suppress(text string) string {
	if r := f.Check(text); !r.OK {
		return r.Pointer
	}
	return text
}

// IDs lists the matcher identifiers in evaluation order.
func (f *Filter) IDs() []string {
	ids := make([]string, len(f.matchers))
	for i, m := range f.matchers {
		ids[i] = m.id
	}
	return ids
}

func coerce(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case error:
		return x.Error()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
