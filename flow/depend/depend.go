// Package depend walks a ValueSpec and extracts the set of executables it
// reads from, each tagged with whether it is read in streaming or terminal
// mode.
package depend

import (
	"regexp"
	"strings"

	"github.com/flowgraph/engine/flow"
)

// templateRef matches a `{{ expr }}` segment and captures its body so the
// leading root identifier of every referenced path can be extracted, the
// same grammar render.preprocess assumes.
var templateRef = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// identifierPath matches a bare dotted identifier path appearing anywhere in
// an expression body (covers both a whole-body bare path and a path embedded
// in a larger pipeline expression).
var identifierPath = regexp.MustCompile(`\$?[A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*`)

// Extract returns the set of dependencies spec reads from, recursively.
// Dependencies are deduplicated by (id, streaming); if the same root is read
// both in streaming and terminal mode by different parts of a container, both
// entries are returned since callers (stream_input_dependencies) distinguish
// them.
func Extract(spec flow.ValueSpec) []flow.Dependency {
	seen := make(map[flow.Dependency]bool)
	var out []flow.Dependency
	add := func(d flow.Dependency) {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	extract(spec, add)
	return out
}

func extract(spec flow.ValueSpec, add func(flow.Dependency)) {
	switch s := spec.(type) {
	case flow.Literal:
		// no dependencies
	case flow.Template:
		for _, root := range rootsIn(s.Text) {
			add(flow.Dependency{ID: flow.ExecutableID(root), Streaming: s.StreamingFlag})
		}
	case flow.Link:
		root := rootOf(s.Path)
		add(flow.Dependency{ID: flow.ExecutableID(root), Streaming: s.StreamingFlag})
	case flow.Lambda:
		for _, root := range rootsInExpr(s.Body) {
			add(flow.Dependency{ID: flow.ExecutableID(root), Streaming: s.StreamingFlag})
		}
	case flow.Container:
		for _, field := range s.Fields {
			extract(field, add)
		}
		for _, item := range s.Items {
			extract(item, add)
		}
	}
}

func rootOf(path string) string {
	path = strings.TrimPrefix(path, "$.")
	path = strings.TrimPrefix(path, "$")
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i]
	}
	return path
}

func rootsIn(text string) []string {
	var roots []string
	for _, m := range templateRef.FindAllStringSubmatch(text, -1) {
		roots = append(roots, rootsInExpr(m[1])...)
	}
	return roots
}

func rootsInExpr(expr string) []string {
	var roots []string
	for _, m := range identifierPath.FindAllString(expr, -1) {
		if strings.HasPrefix(m, "$") {
			m = strings.TrimPrefix(m, "$.")
			m = strings.TrimPrefix(m, "$")
			if m == "" {
				continue
			}
		}
		roots = append(roots, rootOf(m))
	}
	return roots
}
