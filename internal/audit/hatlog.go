package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bort-os/bort/internal/policy"
	"github.com/bort-os/bort/internal/redact"
)

// HighSensitivityLine replaces every detail line of a
// dataSensitivity=high event.
const HighSensitivityLine = "Logged high-sensitivity event (details suppressed)."

// GeneralLog receives events that carry no hat.
const GeneralLog = "logs.md"

// maxLines bounds the detail lines kept per entry.
const maxLines = 3

// HatLog appends markdown entries to one file per hat in Dir:
//
//	## 2026-01-02 15:04:05 UTC - model selection
//
//	- category: code_ops
//	- model: openai-codex/gpt-5.3-codex (code_ops)
type HatLog struct {
	Dir    string
	Policy policy.Source  // resolves per-hat file names; nil uses builtin
	Filter *redact.Filter // optional; suppresses secret-shaped lines
	Now    func() time.Time
}

// Record implements [Sink].
func (h *HatLog) Record(_ context.Context, ev Event) error {
	if h.Dir == "" {
		return nil
	}
	if err := os.MkdirAll(h.Dir, 0o755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	path := filepath.Join(h.Dir, h.fileFor(ev.Hat))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open hat log: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(h.block(ev)); err != nil {
		return fmt.Errorf("append hat log: %w", err)
	}
	return nil
}

func (h *HatLog) fileFor(hat string) string {
	if hat == "" {
		return GeneralLog
	}
	src := h.Policy
	if src == nil {
		src = policy.Builtin()
	}
	if p, ok := src.Current().Hat(hat); ok {
		return p.LogFileName()
	}
	return policy.SanitizeFileName(hat) + ".md"
}

func (h *HatLog) block(ev Event) string {
	heading := ev.Heading
	if heading == "" {
		now := ev.Time
		if now.IsZero() {
			now = time.Now()
			if h.Now != nil {
				now = h.Now()
			}
		}
		heading = Stamp(now) + " - " + ev.Kind
	}

	lines := make([]string, 0, maxLines)
	for _, l := range ev.Lines {
		l = strings.TrimSpace(strings.ReplaceAll(l, "\n", " "))
		if l == "" {
			continue
		}
		if ev.DataSensitivity == "high" {
			l = HighSensitivityLine
		} else if h.Filter != nil {
			l = h.Filter.Suppress(l)
		}
		lines = append(lines, l)
		if len(lines) == maxLines {
			break
		}
	}
	if len(lines) == 0 {
		lines = append(lines, "(no details)")
	}

	var b strings.Builder
	b.WriteString("\n## ")
	b.WriteString(heading)
	b.WriteString("\n\n")
	for _, l := range lines {
		b.WriteString("- ")
		b.WriteString(l)
		b.WriteString("\n")
	}
	return b.String()
}

// Stamp formats t as a UTC heading timestamp.
func Stamp(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04:05") + " UTC"
}
