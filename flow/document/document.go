// Package document loads the flow document format of spec.md §6 from YAML
// into the in-memory flow.Document model. It is a thin reference
// implementation of the "Document parsing" collaborator spec.md declares
// out of scope for the engine proper; the engine never imports this
// package, only cmd/flowrun and tests do.
package document

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/flowgraph/engine/flow"
)

// Load parses a flow document from path.
func Load(path string) (*flow.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("document: open %s: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse parses a flow document from r.
func Parse(r io.Reader) (*flow.Document, error) {
	var root yaml.Node
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("document: decode: %w", err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) != 1 {
		return nil, fmt.Errorf("document: expected a single YAML document")
	}
	return parseTop(root.Content[0])
}

func parseTop(n *yaml.Node) (*flow.Document, error) {
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("document: top level must be a mapping")
	}
	var (
		version      string
		flowNode     *yaml.Node
		defaultModel *yaml.Node
		defaultOut   *string
		timeout      float64
	)
	pairs, err := mappingPairs(n)
	if err != nil {
		return nil, err
	}
	for _, p := range pairs {
		switch p.key {
		case "version":
			version = p.val.Value
		case "flow":
			flowNode = p.val
		case "default_model":
			defaultModel = p.val
		case "default_output":
			s := p.val.Value
			defaultOut = &s
		case "action_timeout":
			var f float64
			if err := p.val.Decode(&f); err != nil {
				return nil, fmt.Errorf("document: action_timeout: %w", err)
			}
			timeout = f
		}
	}
	if version != "" && version != "0.1" {
		return nil, fmt.Errorf("document: unsupported version %q", version)
	}
	if flowNode == nil {
		return nil, fmt.Errorf("document: missing required `flow` key")
	}
	doc, err := parseFlowMapping(flowNode)
	if err != nil {
		return nil, err
	}
	doc.DefaultOutput = defaultOut
	doc.ActionTimeout = timeout
	if defaultModel != nil {
		spec, err := parseValueSpec(defaultModel)
		if err != nil {
			return nil, fmt.Errorf("document: default_model: %w", err)
		}
		doc.DefaultModel = spec
	}
	return doc, nil
}

// parseFlowMapping parses an ordered `flow` mapping into a *flow.Document,
// preserving declaration order via the yaml.Node's own content ordering
// (Go map literals do not preserve order, which is why default_output's
// "last declared executable" fallback requires walking yaml.Node directly
// rather than unmarshaling into a plain map).
func parseFlowMapping(n *yaml.Node) (*flow.Document, error) {
	if n.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("document: `flow` must be a mapping")
	}
	doc := &flow.Document{
		Executables: make(map[flow.ExecutableID]flow.Executable),
	}
	pairs, err := mappingPairs(n)
	if err != nil {
		return nil, err
	}
	for _, p := range pairs {
		id := flow.ExecutableID(p.key)
		exe, err := parseExecutable(p.val)
		if err != nil {
			return nil, fmt.Errorf("document: executable %q: %w", id, err)
		}
		doc.Order = append(doc.Order, id)
		doc.Executables[id] = exe
	}
	return doc, nil
}

func parseExecutable(n *yaml.Node) (flow.Executable, error) {
	if n.Kind == yaml.MappingNode {
		pairs, err := mappingPairs(n)
		if err != nil {
			return nil, err
		}
		keys := make(map[string]*yaml.Node, len(pairs))
		for _, p := range pairs {
			keys[p.key] = p.val
		}
		if forNode, ok := keys["for"]; ok {
			return parseLoop(forNode, keys)
		}
		if actionNode, ok := keys["action"]; ok {
			return parseActionInvocation(actionNode, keys)
		}
	}
	spec, err := parseValueSpec(n)
	if err != nil {
		return nil, err
	}
	return flow.ValueDeclaration{Spec: spec}, nil
}

func parseLoop(forNode *yaml.Node, keys map[string]*yaml.Node) (flow.Executable, error) {
	inNode, ok := keys["in"]
	if !ok {
		return nil, fmt.Errorf("loop missing `in`")
	}
	bodyNode, ok := keys["flow"]
	if !ok {
		return nil, fmt.Errorf("loop missing `flow`")
	}
	inSpec, err := parseValueSpec(inNode)
	if err != nil {
		return nil, fmt.Errorf("`in`: %w", err)
	}
	body, err := parseFlowMapping(bodyNode)
	if err != nil {
		return nil, fmt.Errorf("`flow`: %w", err)
	}
	return flow.Loop{For: forNode.Value, In: inSpec, Body: body}, nil
}

func parseActionInvocation(actionNode *yaml.Node, keys map[string]*yaml.Node) (flow.Executable, error) {
	inv := flow.ActionInvocation{
		ActionName: flow.ExecutableID(actionNode.Value),
		FieldMap:   make(map[string]flow.ValueSpec),
	}
	if keyNode, ok := keys["cache_key"]; ok {
		spec, err := parseValueSpec(keyNode)
		if err != nil {
			return nil, fmt.Errorf("`cache_key`: %w", err)
		}
		inv.CacheKey = spec
	}
	for k, v := range keys {
		if k == "action" || k == "cache_key" {
			continue
		}
		spec, err := parseValueSpec(v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		inv.FieldMap[k] = spec
	}
	return inv, nil
}

// streamingMarker, as a leading prefix, marks a link path, template or lambda
// body as requesting streaming (partial) values of its dependencies, e.g.
// "~other_task.field" in the document surface syntax. It is stripped before
// the bare path is stored.
const streamingMarker = "~"

var templateSegment = regexp.MustCompile(`\{\{.*\}\}`)

func parseValueSpec(n *yaml.Node) (flow.ValueSpec, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return parseScalarSpec(n)
	case yaml.MappingNode:
		return parseMappingSpec(n)
	case yaml.SequenceNode:
		items := make([]flow.ValueSpec, 0, len(n.Content))
		streaming := false
		for _, item := range n.Content {
			spec, err := parseValueSpec(item)
			if err != nil {
				return nil, err
			}
			if spec.Streaming() {
				streaming = true
			}
			items = append(items, spec)
		}
		return flow.Container{Items: items, StreamingFlag: streaming}, nil
	default:
		return nil, fmt.Errorf("unsupported node kind %v", n.Kind)
	}
}

func parseScalarSpec(n *yaml.Node) (flow.ValueSpec, error) {
	text := n.Value
	switch n.Tag {
	case "!!int", "!!float", "!!bool", "!!null":
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, err
		}
		return flow.Literal{Value: v}, nil
	}
	streaming := strings.HasPrefix(text, streamingMarker)
	bare := strings.TrimPrefix(text, streamingMarker)
	if templateSegment.MatchString(bare) {
		return flow.Template{Text: bare, StreamingFlag: streaming}, nil
	}
	if looksLikeLinkPath(bare) {
		return flow.Link{Path: bare, StreamingFlag: streaming}, nil
	}
	return flow.Literal{Value: text}, nil
}

var linkPathPattern = regexp.MustCompile(`^\$?[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

func looksLikeLinkPath(s string) bool {
	return linkPathPattern.MatchString(s)
}

func parseMappingSpec(n *yaml.Node) (flow.ValueSpec, error) {
	pairs, err := mappingPairs(n)
	if err != nil {
		return nil, err
	}
	if len(pairs) == 1 && pairs[0].key == "lambda" {
		text := pairs[0].val.Value
		streaming := strings.HasPrefix(text, streamingMarker)
		return flow.Lambda{Body: strings.TrimPrefix(text, streamingMarker), StreamingFlag: streaming}, nil
	}
	fields := make(map[string]flow.ValueSpec, len(pairs))
	streaming := false
	for _, p := range pairs {
		spec, err := parseValueSpec(p.val)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p.key, err)
		}
		if spec.Streaming() {
			streaming = true
		}
		fields[p.key] = spec
	}
	return flow.Container{Fields: fields, StreamingFlag: streaming}, nil
}

type kvNode struct {
	key string
	val *yaml.Node
}

func mappingPairs(n *yaml.Node) ([]kvNode, error) {
	if n.Kind != yaml.MappingNode || len(n.Content)%2 != 0 {
		return nil, fmt.Errorf("expected a mapping node")
	}
	out := make([]kvNode, 0, len(n.Content)/2)
	for i := 0; i < len(n.Content); i += 2 {
		out = append(out, kvNode{key: n.Content[i].Value, val: n.Content[i+1]})
	}
	return out, nil
}
