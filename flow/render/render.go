// Package render evaluates ValueSpecs against a merged context of executable
// outputs and caller-supplied variables. Rendering never raises: structural
// failures (missing keys, type mismatches, parse errors) all collapse to the
// Undefined sentinel, which callers treat as "not yet producible" rather than
// an error.
package render

import (
	"bytes"
	"reflect"
	"regexp"
	"strings"
	"text/template"

	"github.com/flowgraph/engine/flow"
)

// undefinedType is an unexported marker type so Undefined is only ever equal
// to itself, the same way the source system uses a dedicated sentinel object
// distinct from "nil" or the empty string.
type undefinedType struct{}

// Undefined is the sentinel value produced whenever a render cannot yet
// produce a real value: an unresolved template path, a missing link
// segment, or a template execution error.
var Undefined any = undefinedType{}

// IsUndefined reports whether v is the Undefined sentinel.
func IsUndefined(v any) bool {
	_, ok := v.(undefinedType)
	return ok
}

// bareDotPath matches a `{{ expr }}` segment whose entire body is a bare
// dotted identifier path (e.g. "first_sum.result"), the common case in flow
// documents. It is rewritten to Go template's own dot-prefixed field access
// syntax before compilation; any other `{{ }}` body (pipelines, function
// calls, already dot-prefixed paths) passes through untouched and is assumed
// to already be valid text/template syntax.
var bareDotPath = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z_][A-Za-z0-9_]*)*)\s*\}\}`)

func preprocess(text string) string {
	return bareDotPath.ReplaceAllString(text, "{{ .$1 }}")
}

// Render evaluates spec against ctx (the merged map of dependency outputs and
// variables) and returns the rendered value, or Undefined if it cannot yet be
// produced.
func Render(ctx map[string]any, spec flow.ValueSpec) any {
	switch s := spec.(type) {
	case flow.Literal:
		return s.Value
	case flow.Template:
		return renderText(ctx, s.Text)
	case flow.Link:
		return renderPath(ctx, s.Path)
	case flow.Lambda:
		// A lambda body is, for this implementation, a dotted-path expression
		// resolved the same way a link is (spec.md §4.6: "links and lambdas
		// resolve dotted paths"), preserving the referenced value's type
		// rather than stringifying it the way a template interpolation would
		// — required for e.g. a loop's `in` clause to see a real iterable.
		return renderPath(ctx, s.Body)
	case flow.Container:
		return renderContainer(ctx, s)
	default:
		return Undefined
	}
}

func renderText(ctx map[string]any, text string) any {
	tpl, err := template.New("value").Option("missingkey=error").Parse(preprocess(text))
	if err != nil {
		return Undefined
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, ctx); err != nil {
		return Undefined
	}
	out := buf.String()
	if out == "<no value>" {
		return Undefined
	}
	return out
}

func renderPath(ctx map[string]any, path string) any {
	segments := strings.Split(path, ".")
	var cur any = ctx
	for _, seg := range segments {
		if seg == "" {
			continue
		}
		next, ok := lookupSegment(cur, seg)
		if !ok {
			return Undefined
		}
		cur = next
	}
	return cur
}

func lookupSegment(cur any, seg string) (any, bool) {
	switch v := cur.(type) {
	case map[string]any:
		val, ok := v[seg]
		return val, ok
	case flow.Variables:
		val, ok := v[seg]
		return val, ok
	}
	rv := reflect.ValueOf(cur)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Struct:
		return lookupStructField(rv, seg)
	case reflect.Map:
		val := rv.MapIndex(reflect.ValueOf(seg))
		if !val.IsValid() {
			return nil, false
		}
		return val.Interface(), true
	default:
		return nil, false
	}
}

// lookupStructField resolves seg against rv's fields the way a link path
// written in the document's field-name convention (lowercase, matching the
// action's declared JSON field names) needs to resolve against the Go
// struct the action actually returns: first by exact `json:"..."` tag
// match, falling back to a case-insensitive match on the Go field name
// itself for any exported field, tagged or not.
func lookupStructField(rv reflect.Value, seg string) (any, bool) {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		if name, _, _ := strings.Cut(field.Tag.Get("json"), ","); name == seg {
			return rv.Field(i).Interface(), true
		}
	}
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if field.IsExported() && strings.EqualFold(field.Name, seg) {
			return rv.Field(i).Interface(), true
		}
	}
	return nil, false
}

func renderContainer(ctx map[string]any, c flow.Container) any {
	if len(c.Items) > 0 {
		out := make([]any, 0, len(c.Items))
		for _, item := range c.Items {
			v := Render(ctx, item)
			if IsUndefined(v) {
				return Undefined
			}
			out = append(out, v)
		}
		return out
	}
	out := make(map[string]any, len(c.Fields))
	for name, field := range c.Fields {
		v := Render(ctx, field)
		if IsUndefined(v) {
			return Undefined
		}
		out[name] = v
	}
	return out
}
