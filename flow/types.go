// Package flow defines the data model shared by every engine component: the
// flow document, the executable variants it contains, and the value
// expressions ("ValueSpecs") that make up an executable's inputs.
package flow

import "fmt"

// ExecutableID names an entry in a flow's executable map. It is unique within
// a single flow scope; loop bodies introduce a nested scope with their own
// ids that shadow the parent scope at lookup time.
type ExecutableID string

// TaskID identifies one concrete execution of an executable within a single
// flow invocation. It is built by concatenating a parent task prefix with the
// executable id; loop iterations append "[i]." per iteration, so two
// invocations of the same loop body at different indices never collide.
type TaskID string

// NewTaskID builds the task id for executable id under the given prefix.
func NewTaskID(prefix string, id ExecutableID) TaskID {
	return TaskID(prefix + string(id))
}

// LoopIterationPrefix builds the task prefix for the i'th iteration of a loop
// body, to be passed as the prefix argument for every executable in the
// loop's body flow.
func LoopIterationPrefix(parentPrefix string, loopID ExecutableID, i int) string {
	return fmt.Sprintf("%s%s[%d].", parentPrefix, loopID, i)
}

// Variables are caller-supplied bindings visible in every render context
// alongside executable outputs. Executables never write to Variables.
type Variables map[string]any

// Document is a parsed flow: an ordered map from ExecutableID to Executable,
// plus the flow-level configuration. Order is significant: DefaultOutput,
// when unset, resolves to the last entry by declaration order, so Document
// keeps an explicit Order slice rather than relying on map iteration order.
type Document struct {
	// Order lists executable ids in declaration order.
	Order []ExecutableID
	// Executables maps every declared id to its Executable.
	Executables map[ExecutableID]Executable
	// DefaultModel is the model-selection ValueSpec rendered when an action's
	// injected default_model capability requests a model. When it is nil, or
	// its rendered `model` field is empty, the model is inferred from the
	// environment instead.
	DefaultModel ValueSpec
	// ActionTimeout bounds every opaque action run and every subscriber's
	// queue-read wait. Zero means "use the engine default" (360s).
	ActionTimeout float64
	// DefaultOutput is the dotted path run()/stream() resolve against when the
	// caller supplies no explicit target. Nil means "last declared entry".
	DefaultOutput *string
}

// Lookup returns the executable registered under id, and whether it exists.
func (d *Document) Lookup(id ExecutableID) (Executable, bool) {
	e, ok := d.Executables[id]
	return e, ok
}

// LastDeclared returns the id of the last executable in declaration order,
// used to resolve an unset DefaultOutput.
func (d *Document) LastDeclared() (ExecutableID, bool) {
	if len(d.Order) == 0 {
		return "", false
	}
	return d.Order[len(d.Order)-1], true
}

// Merge returns a new Document whose Executables is the union of d and
// override, with override's entries shadowing d's on id collision. This
// implements the "flow | loop.flow" lexical-nesting merge used when
// constructing a loop iteration's scope: the loop body's ids take precedence
// over identically named ids in the enclosing flow, while the rest of the
// enclosing flow remains visible.
func (d *Document) Merge(override *Document) *Document {
	merged := &Document{
		Executables:   make(map[ExecutableID]Executable, len(d.Executables)+len(override.Executables)),
		DefaultModel:  d.DefaultModel,
		ActionTimeout: d.ActionTimeout,
		DefaultOutput: d.DefaultOutput,
	}
	seen := make(map[ExecutableID]bool)
	for _, id := range d.Order {
		if _, ok := override.Executables[id]; !ok {
			merged.Order = append(merged.Order, id)
			seen[id] = true
		}
	}
	for _, id := range override.Order {
		merged.Order = append(merged.Order, id)
		seen[id] = true
	}
	for id, e := range d.Executables {
		merged.Executables[id] = e
	}
	for id, e := range override.Executables {
		merged.Executables[id] = e
	}
	return merged
}

// Executable is the sealed tagged union of things a flow document can
// declare: an action invocation, a loop, or a pure value declaration.
type Executable interface {
	executable()
}

// ActionInvocation binds a named action to a set of input ValueSpecs, one per
// declared input field, plus an optional explicit cache key expression.
type ActionInvocation struct {
	ActionName ExecutableID
	// CacheKey, when non-nil, is rendered and used verbatim as the cache key,
	// bypassing the default "canonical serialization of Inputs" key and
	// letting the invocation opt out of per-snapshot keying entirely.
	CacheKey ValueSpec
	// FieldMap associates each declared input field name with the ValueSpec
	// that produces it.
	FieldMap map[string]ValueSpec
}

func (ActionInvocation) executable() {}

// Loop runs Body once per element produced by In, binding For in each
// iteration's scope. The loop's own output is a list, one entry per
// iteration, containing that iteration's terminal output map.
type Loop struct {
	For  string
	In   ValueSpec
	Body *Document
}

func (Loop) executable() {}

// ValueDeclaration is a pure expression treated as an executable: its
// "output" is simply its rendered value, re-evaluated whenever a dependency
// updates.
type ValueDeclaration struct {
	Spec ValueSpec
}

func (ValueDeclaration) executable() {}

// Dependency names one ValueSpec dependency: the root executable id it reads
// from, and whether it requests the dependency's intermediate ("streaming")
// values or only its terminal value.
type Dependency struct {
	ID        ExecutableID
	Streaming bool
}

// ValueSpec is the sealed tagged union of expressions that can appear as an
// executable's input: literal, text-template, link, lambda, or a structural
// container of further ValueSpecs. Every variant supports dependency
// extraction and rendering against a merged context.
type ValueSpec interface {
	valueSpec()
	// Streaming reports whether this spec requests partial (intermediate)
	// values of its dependencies rather than only their terminal value.
	Streaming() bool
}

// Literal is a constant scalar, list, or map: no dependencies, renders to
// itself.
type Literal struct {
	Value any
}

func (Literal) valueSpec()      {}
func (Literal) Streaming() bool { return false }

// Template is a text string that may interpolate `{{ expression }}`
// segments. StreamingFlag governs whether referenced roots are read in
// streaming or terminal mode.
type Template struct {
	Text         string
	StreamingFlag bool
}

func (Template) valueSpec()        {}
func (t Template) Streaming() bool { return t.StreamingFlag }

// Link is a bare dotted-path reference to another executable's output, or a
// subpath of it (e.g. "second_sum.result").
type Link struct {
	Path          string
	StreamingFlag bool
}

func (Link) valueSpec()        {}
func (l Link) Streaming() bool { return l.StreamingFlag }

// Lambda is a pure expression evaluated over the render context, used for
// expressions too structured to express as a single template string (e.g.
// loop `in` clauses that must yield an iterable).
type Lambda struct {
	Body          string
	StreamingFlag bool
}

func (Lambda) valueSpec()        {}
func (l Lambda) Streaming() bool { return l.StreamingFlag }

// Container is a structural record or list built from other ValueSpecs; its
// dependency set is the union of its children's.
type Container struct {
	Fields        map[string]ValueSpec
	Items         []ValueSpec
	StreamingFlag bool
}

func (Container) valueSpec()        {}
func (c Container) Streaming() bool { return c.StreamingFlag }
