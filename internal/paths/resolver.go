// Package paths resolves the named directory prefixes used throughout
// bort configuration. Operator-facing file locations are written as
// "memory:x_queue.md" or "os:hat-profiles.yaml" and expanded against
// the workspace once at startup.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Resolver maps named prefixes to absolute directory paths. A nil
// *Resolver is valid and only performs home directory expansion.
type Resolver struct {
	roots  map[string]string // "memory:" -> "/srv/bort/memory"
	sorted []string          // prefixes by descending length
}

// New creates a Resolver from a prefix-to-directory map. Keys are
// prefix names with or without the trailing colon. Relative
// directories are anchored at base; "~" is expanded. Returns nil if
// the map is empty.
func New(base string, prefixes map[string]string) *Resolver {
	if len(prefixes) == 0 {
		return nil
	}
	base = ExpandHome(base)
	r := &Resolver{
		roots:  make(map[string]string, len(prefixes)),
		sorted: make([]string, 0, len(prefixes)),
	}
	for name, dir := range prefixes {
		key := name
		if !strings.HasSuffix(key, ":") {
			key += ":"
		}
		dir = ExpandHome(dir)
		if !filepath.IsAbs(dir) && base != "" {
			dir = filepath.Join(base, dir)
		}
		r.roots[key] = filepath.Clean(dir)
		r.sorted = append(r.sorted, key)
	}
	// Longer prefixes first so "os:" never shadows "ossify:".
	sort.Slice(r.sorted, func(i, j int) bool {
		if len(r.sorted[i]) != len(r.sorted[j]) {
			return len(r.sorted[i]) > len(r.sorted[j])
		}
		return r.sorted[i] < r.sorted[j]
	})
	return r
}

// Resolve expands a prefixed path. Unprefixed paths are returned with
// only "~" expanded. A prefixed path may not climb out of its root.
func (r *Resolver) Resolve(path string) (string, error) {
	if r != nil {
		for _, prefix := range r.sorted {
			if !strings.HasPrefix(path, prefix) {
				continue
			}
			root := r.roots[prefix]
			rel := strings.TrimPrefix(path, prefix)
			if rel == "" {
				return root, nil
			}
			full := filepath.Join(root, rel)
			if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
				return "", fmt.Errorf("path %q escapes %s root", path, strings.TrimSuffix(prefix, ":"))
			}
			return full, nil
		}
	}
	return ExpandHome(path), nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
