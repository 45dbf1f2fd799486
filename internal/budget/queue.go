package budget

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/bort-os/bort/internal/redact"
)

// ErrCorruptQueue is returned when the queue document cannot be parsed.
var ErrCorruptQueue = errors.New("action queue is corrupt")

// Queue reasons.
const (
	ReasonBlockedByBudget    = "blocked_by_budget"
	ReasonBlockedByRateLimit = "blocked_by_rate_limit"
)

// MaxDetails bounds the quoted details written per queue entry.
const MaxDetails = 240

// QueueEntry is one deferred action.
type QueueEntry struct {
	TS          time.Time `json:"ts"`
	Reason      string    `json:"reason"`
	ActionType  string    `json:"actionType"`
	Method      string    `json:"method"`
	Endpoint    string    `json:"endpoint"`
	EstimateUSD float64   `json:"estimateUsd"`
	Details     string    `json:"details"`
}

// QueueStore is an append-only log of deferred actions.
type QueueStore interface {
	Append(ctx context.Context, e QueueEntry) error
	Entries(ctx context.Context) ([]QueueEntry, error)
}

var queueHeader = strings.Join([]string{
	"# X Action Queue",
	"",
	"Schema (append-only):",
	"",
	"```yaml",
	"- ts: <ISO-8601>",
	"  reason: blocked_by_budget|other",
	"  actionType: tweet|follow|unfollow|lookup|other",
	"  method: GET|POST|DELETE",
	"  endpoint: /2/...",
	"  estimateUsd: <number>",
	"  details: <short human-safe string; no secrets>",
	"```",
	"",
	"---",
	"",
}, "\n")

const queueSeparator = "\n---\n"

// FileQueue is a markdown document: a fixed header followed by one
// YAML list item per entry. Entries are only ever appended, each in a
// single write, so concurrent writers never rewrite each other.
type FileQueue struct {
	path   string
	filter *redact.Filter
}

// NewFileQueue returns a queue at path. Details pass through filter;
// nil uses the default filter.
func NewFileQueue(path string, filter *redact.Filter) *FileQueue {
	if filter == nil {
		filter = redact.New()
	}
	return &FileQueue{path: path, filter: filter}
}

// Path returns the queue document location.
func (q *FileQueue) Path() string { return q.path }

// Ensure writes the header if the document does not exist yet.
func (q *FileQueue) Ensure() error {
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return fmt.Errorf("create queue directory: %w", err)
	}
	f, err := os.OpenFile(q.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("create queue: %w", err)
	}
	if _, err := f.WriteString(queueHeader); err != nil {
		f.Close()
		return fmt.Errorf("write queue header: %w", err)
	}
	return f.Close()
}

// Append writes e as one block.
func (q *FileQueue) Append(ctx context.Context, e QueueEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := q.Ensure(); err != nil {
		return err
	}
	block := q.format(e)

	f, err := os.OpenFile(q.path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	if _, err := f.WriteString(block); err != nil {
		f.Close()
		return fmt.Errorf("append queue entry: %w", err)
	}
	return f.Close()
}

func (q *FileQueue) format(e QueueEntry) string {
	if e.TS.IsZero() {
		e.TS = time.Now()
	}
	lines := []string{
		"- ts: " + e.TS.UTC().Format("2006-01-02T15:04:05.000Z"),
		"  reason: " + token(e.Reason, ReasonBlockedByBudget),
		"  actionType: " + token(e.ActionType, "other"),
		"  method: " + token(strings.ToUpper(e.Method), "GET"),
		"  endpoint: " + quote(e.Endpoint),
		"  estimateUsd: " + strconv.FormatFloat(e.EstimateUSD, 'f', -1, 64),
		"  details: " + quoteDetails(q.filter.Suppress(e.Details)),
		"",
	}
	return strings.Join(lines, "\n")
}

// token keeps a bare YAML scalar to a safe character set.
func token(s, def string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, strings.TrimSpace(s))
	if s == "" {
		return def
	}
	return s
}

// quoteDetails returns a double-quoted string no longer than
// MaxDetails, trimming the text rather than the closing quote.
func quoteDetails(s string) string {
	if s == "" {
		return `""`
	}
	r := []rune(s)
	if len(r) > MaxDetails {
		r = r[:MaxDetails]
	}
	out := quote(string(r))
	for len([]rune(out)) > MaxDetails && len(r) > 0 {
		r = r[:len(r)-1]
		out = quote(string(r))
	}
	return out
}

func quote(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.Encode(s)
	return strings.TrimSuffix(buf.String(), "\n")
}

type queueYAML struct {
	TS          string  `yaml:"ts"`
	Reason      string  `yaml:"reason"`
	ActionType  string  `yaml:"actionType"`
	Method      string  `yaml:"method"`
	Endpoint    string  `yaml:"endpoint"`
	EstimateUSD float64 `yaml:"estimateUsd"`
	Details     string  `yaml:"details"`
}

// Entries parses every queued entry. A missing document has none.
func (q *FileQueue) Entries(ctx context.Context) ([]QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(q.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	i := bytes.Index(data, []byte(queueSeparator))
	if i < 0 {
		return nil, fmt.Errorf("%w: %s: header separator missing", ErrCorruptQueue, q.path)
	}
	body := bytes.TrimSpace(data[i+len(queueSeparator):])
	if len(body) == 0 {
		return nil, nil
	}
	var raw []queueYAML
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptQueue, q.path, err)
	}
	out := make([]QueueEntry, 0, len(raw))
	for _, r := range raw {
		ts, err := time.Parse(time.RFC3339Nano, r.TS)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: entry timestamp %q", ErrCorruptQueue, q.path, r.TS)
		}
		out = append(out, QueueEntry{
			TS:          ts,
			Reason:      r.Reason,
			ActionType:  r.ActionType,
			Method:      r.Method,
			Endpoint:    r.Endpoint,
			EstimateUSD: r.EstimateUSD,
			Details:     r.Details,
		})
	}
	return out, nil
}
