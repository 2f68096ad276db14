package engine

import (
	"github.com/flowgraph/engine/flow"
	"github.com/flowgraph/engine/flow/action"
	"github.com/flowgraph/engine/flow/depend"
)

// Validate performs the pre-flight configuration consistency check: it
// walks every executable's declared dependencies and confirms each root is
// either a known variable or a known executable id (in the current flow or
// an enclosing loop's scope), and that every action invocation names a
// registered action. It never evaluates a single ValueSpec or starts a
// single task; this is pure static structure, the narrow slice of the
// source's static-analysis layer that a flow actually needs before it can
// run safely.
func Validate(doc *flow.Document, registry *action.Registry, vars map[string]bool) *flow.ConfigError {
	cfgErr := &flow.ConfigError{}
	checkFlowConsistency(cfgErr, doc.Order, doc, registry, vars)
	checkAcyclic(cfgErr, doc, doc.Order)
	if doc.DefaultModel != nil {
		checkDependencies(cfgErr, doc.DefaultModel, doc, vars, "default_model")
	}
	return cfgErr
}

// checkAcyclic rejects a flow whose static dependency graph contains a cycle,
// per spec.md §3: "Cycles in the static dependency graph are rejected at
// pre-flight; the runtime assumes acyclicity." Edges are derived the same way
// the scheduler derives them at run time (depend.Extract over each
// executable's ValueSpecs), ignoring the streaming flag since a cycle is a
// structural property independent of streaming/terminal mode. Loop bodies are
// checked as their own scope, merged with the enclosing flow the same way
// checkInvocationConsistency does, so a loop-body executable that depends on
// an outer-scope id is checked against the right graph. scope lists the ids
// declared in the current scope itself; only loops among them are recursed
// into, so an enclosing loop visible through the merged document is not
// entered again.
func checkAcyclic(cfgErr *flow.ConfigError, doc *flow.Document, scope []flow.ExecutableID) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[flow.ExecutableID]int, len(doc.Order))
	found := false

	// visit walks id's dependency chain with path as the current recursion
	// stack (passed by value so an early return on cycle detection never
	// leaves stale entries behind for a sibling DFS root to see).
	var visit func(id flow.ExecutableID, path []flow.ExecutableID) bool
	visit = func(id flow.ExecutableID, path []flow.ExecutableID) bool {
		switch color[id] {
		case black:
			return false
		case gray:
			cfgErr.Add("cycle detected in static dependency graph: %s", cyclePath(path, id))
			return true
		}
		color[id] = gray
		path = append(path, id)
		exe, ok := doc.Lookup(id)
		if ok {
			for _, dep := range executableDependencies(exe) {
				if _, known := doc.Lookup(dep.ID); !known {
					continue
				}
				if visit(dep.ID, path) {
					return true
				}
			}
		}
		color[id] = black
		return false
	}

	for _, id := range doc.Order {
		if found {
			break
		}
		if color[id] == white {
			found = visit(id, nil)
		}
	}

	for _, id := range scope {
		if loop, ok := mustLoop(doc, id); ok {
			checkAcyclic(cfgErr, doc.Merge(loop.Body), loop.Body.Order)
		}
	}
}

func mustLoop(doc *flow.Document, id flow.ExecutableID) (flow.Loop, bool) {
	exe, ok := doc.Lookup(id)
	if !ok {
		return flow.Loop{}, false
	}
	loop, ok := exe.(flow.Loop)
	return loop, ok
}

func cyclePath(path []flow.ExecutableID, repeated flow.ExecutableID) string {
	start := 0
	for i, id := range path {
		if id == repeated {
			start = i
			break
		}
	}
	s := ""
	for _, id := range path[start:] {
		if s != "" {
			s += " -> "
		}
		s += string(id)
	}
	return s
}

// executableDependencies returns the ValueSpec-derived dependencies of exe
// itself (not its loop body's internal graph, which checkAcyclic recurses
// into separately).
func executableDependencies(exe flow.Executable) []flow.Dependency {
	switch e := exe.(type) {
	case flow.Loop:
		return depend.Extract(e.In)
	case flow.ActionInvocation:
		var deps []flow.Dependency
		if e.CacheKey != nil {
			deps = append(deps, depend.Extract(e.CacheKey)...)
		}
		for _, spec := range e.FieldMap {
			deps = append(deps, depend.Extract(spec)...)
		}
		return deps
	case flow.ValueDeclaration:
		return depend.Extract(e.Spec)
	default:
		return nil
	}
}

func checkFlowConsistency(cfgErr *flow.ConfigError, ids []flow.ExecutableID, doc *flow.Document, registry *action.Registry, vars map[string]bool) {
	for _, id := range ids {
		exe, ok := doc.Lookup(id)
		if !ok {
			cfgErr.Add("executable %q listed in declaration order but not found", id)
			continue
		}
		checkInvocationConsistency(cfgErr, id, exe, doc, registry, vars)
	}
}

func checkInvocationConsistency(cfgErr *flow.ConfigError, id flow.ExecutableID, exe flow.Executable, doc *flow.Document, registry *action.Registry, vars map[string]bool) {
	switch e := exe.(type) {
	case flow.Loop:
		checkDependencies(cfgErr, e.In, doc, vars, "loop "+string(id)+" `in`")
		jointVars := make(map[string]bool, len(vars)+1)
		for k := range vars {
			jointVars[k] = true
		}
		jointVars[e.For] = true
		jointFlow := doc.Merge(e.Body)
		checkFlowConsistency(cfgErr, e.Body.Order, jointFlow, registry, jointVars)
	case flow.ActionInvocation:
		if registry != nil {
			if _, ok := registry.Lookup(string(e.ActionName)); !ok {
				cfgErr.Add("executable %q names unknown action %q", id, e.ActionName)
			}
		}
		if e.CacheKey != nil {
			checkDependencies(cfgErr, e.CacheKey, doc, vars, string(id)+".cache_key")
		}
		for field, spec := range e.FieldMap {
			checkDependencies(cfgErr, spec, doc, vars, string(id)+"."+field)
		}
	case flow.ValueDeclaration:
		checkDependencies(cfgErr, e.Spec, doc, vars, string(id))
	}
}

func checkDependencies(cfgErr *flow.ConfigError, spec flow.ValueSpec, doc *flow.Document, vars map[string]bool, context string) {
	for _, dep := range depend.Extract(spec) {
		if vars[string(dep.ID)] {
			continue
		}
		if _, ok := doc.Lookup(dep.ID); ok {
			continue
		}
		cfgErr.Add("%s: dependency %q is neither a known variable nor a known executable", context, dep.ID)
	}
}
