package xapi

import (
	"strconv"
	"strings"
)

// Extract copies the values at dot paths out of a decoded JSON
// document. Numeric segments index arrays. Paths that do not resolve
// are omitted; nil is returned when paths is empty.
func Extract(doc any, paths []string) map[string]any {
	if len(paths) == 0 {
		return nil
	}
	out := make(map[string]any, len(paths))
	for _, p := range paths {
		if v, ok := lookup(doc, p); ok {
			out[p] = v
		}
	}
	return out
}

func lookup(doc any, path string) (any, bool) {
	cur := doc
	found := false
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
		found = true
	}
	return cur, found
}
