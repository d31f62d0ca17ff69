package mapping

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/c360studio/semrml/function"
	"github.com/c360studio/semrml/join"
	"github.com/c360studio/semrml/term"
	"github.com/c360studio/semrml/vocabulary/rml"
)

// ErrInvalidMapping is returned by Compile for structurally invalid documents.
var ErrInvalidMapping = errors.New("invalid mapping")

// Mapping is a compiled, immutable mapping document.
type Mapping struct {
	prefixes  map[string]string
	maps      []*triplesMap
	byID      map[string]*triplesMap
	functions map[string]*function.Transformation
	joins     []JoinSpec
}

type triplesMap struct {
	id      string
	source  string
	subject term.Generator
	classes []term.Term
	objects []*predicateObject
	refs    []*referencingObject
}

type predicateObject struct {
	predicate term.Generator
	object    term.Generator // nil for function objects
	call      *functionCall
}

type functionCall struct {
	transformation *function.Transformation
	bindings       map[string]term.Generator
	output         string
	asIRI          bool
}

type referencingObject struct {
	predicate term.Generator
	parent    *triplesMap
	condition join.Condition
}

// Compile validates a document and builds its generators. Templates are
// parsed and prefixed names expanded once, here.
func Compile(doc *Document) (*Mapping, error) {
	prefixes := rml.DefaultPrefixes()
	for p, iri := range doc.Prefixes {
		prefixes[p] = iri
	}

	m := &Mapping{
		prefixes:  prefixes,
		byID:      make(map[string]*triplesMap, len(doc.Mappings)),
		functions: make(map[string]*function.Transformation, len(doc.Functions)),
	}

	for _, fs := range doc.Functions {
		tr, err := compileFunction(fs, prefixes)
		if err != nil {
			return nil, err
		}
		if _, dup := m.functions[fs.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate function id %q", ErrInvalidMapping, fs.ID)
		}
		m.functions[fs.ID] = tr
	}

	// First pass creates every triples map so referencing objects can point
	// at maps declared later.
	for _, spec := range doc.Mappings {
		if spec.ID == "" {
			return nil, fmt.Errorf("%w: triples map without id", ErrInvalidMapping)
		}
		if _, dup := m.byID[spec.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate triples map id %q", ErrInvalidMapping, spec.ID)
		}
		if spec.Source == "" {
			return nil, fmt.Errorf("%w: triples map %q has no source", ErrInvalidMapping, spec.ID)
		}
		tm, err := compileSubject(spec, prefixes)
		if err != nil {
			return nil, fmt.Errorf("triples map %q: %w", spec.ID, err)
		}
		m.byID[spec.ID] = tm
		m.maps = append(m.maps, tm)
	}

	for _, spec := range doc.Mappings {
		tm := m.byID[spec.ID]
		for i, pom := range spec.PredicateObjects {
			if err := m.compilePredicateObject(tm, pom, prefixes); err != nil {
				return nil, fmt.Errorf("triples map %q: predicate object %d: %w", spec.ID, i, err)
			}
		}
	}

	m.joins = doc.Joins()
	return m, nil
}

func compileFunction(fs FunctionSpec, prefixes map[string]string) (*function.Transformation, error) {
	if fs.ID == "" {
		return nil, fmt.Errorf("%w: function without id", ErrInvalidMapping)
	}
	inputs, err := compileParameters(fs.Inputs, prefixes)
	if err != nil {
		return nil, fmt.Errorf("function %q inputs: %w", fs.ID, err)
	}
	outputs, err := compileParameters(fs.Outputs, prefixes)
	if err != nil {
		return nil, fmt.Errorf("function %q outputs: %w", fs.ID, err)
	}
	tr, err := function.NewTransformation(fs.ID, fs.Source, inputs, outputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMapping, err)
	}
	return tr, nil
}

func compileParameters(specs []ParameterSpec, prefixes map[string]string) ([]function.Parameter, error) {
	params := make([]function.Parameter, 0, len(specs))
	for i, ps := range specs {
		if ps.URI == "" {
			return nil, fmt.Errorf("%w: parameter %d has no uri", ErrInvalidMapping, i)
		}
		pos := i
		if ps.Position != nil {
			pos = *ps.Position
		}
		p := function.Parameter{
			Type:     function.ParseParamType(rml.Expand(ps.Type, prefixes)),
			URI:      rml.Expand(ps.URI, prefixes),
			Value:    ps.Value,
			Position: pos,
		}
		params = append(params, p)
	}
	return params, nil
}

func compileSubject(spec TriplesMapSpec, prefixes map[string]string) (*triplesMap, error) {
	if spec.Subject.IsZero() {
		return nil, fmt.Errorf("%w: subject term map is required", ErrInvalidMapping)
	}
	if spec.Subject.TermType != "" {
		if tt, err := term.ParseType(spec.Subject.TermType); err != nil || tt != term.IRI {
			return nil, fmt.Errorf("%w: subject must be an IRI", ErrInvalidMapping)
		}
	}

	subject, err := buildGenerator(spec.Subject.TermMapSpec, term.IRI, prefixes)
	if err != nil {
		return nil, fmt.Errorf("subject: %w", err)
	}

	tm := &triplesMap{id: spec.ID, source: spec.Source, subject: subject}
	for _, c := range spec.Subject.Classes {
		tm.classes = append(tm.classes, term.NewIRI(rml.Expand(c, prefixes)))
	}
	return tm, nil
}

func (m *Mapping) compilePredicateObject(tm *triplesMap, pom PredicateObjectSpec, prefixes map[string]string) error {
	if pom.Predicate.IsZero() {
		return fmt.Errorf("%w: predicate is required", ErrInvalidMapping)
	}
	predicate, err := buildGenerator(pom.Predicate.TermMapSpec, term.IRI, prefixes)
	if err != nil {
		return fmt.Errorf("predicate: %w", err)
	}

	obj := pom.Object
	kinds := 0
	if !obj.IsZero() {
		kinds++
	}
	if obj.Function != nil {
		kinds++
	}
	if obj.Parent != "" {
		kinds++
	}
	if kinds != 1 {
		return fmt.Errorf("%w: object needs exactly one of a term map, a function or a parent", ErrInvalidMapping)
	}

	switch {
	case obj.Parent != "":
		parent, ok := m.byID[obj.Parent]
		if !ok {
			return fmt.Errorf("%w: unknown parent triples map %q", ErrInvalidMapping, obj.Parent)
		}
		if err := obj.Join.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidMapping, err)
		}
		tm.refs = append(tm.refs, &referencingObject{
			predicate: predicate,
			parent:    parent,
			condition: obj.Join,
		})

	case obj.Function != nil:
		call, err := m.compileCall(obj.Function, prefixes)
		if err != nil {
			return err
		}
		tm.objects = append(tm.objects, &predicateObject{predicate: predicate, call: call})

	default:
		gen, err := buildGenerator(obj.TermMapSpec, defaultObjectType(obj.TermMapSpec), prefixes)
		if err != nil {
			return fmt.Errorf("object: %w", err)
		}
		tm.objects = append(tm.objects, &predicateObject{predicate: predicate, object: gen})
	}
	return nil
}

func (m *Mapping) compileCall(spec *FunctionCallSpec, prefixes map[string]string) (*functionCall, error) {
	tr, ok := m.functions[spec.ID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown function %q", ErrInvalidMapping, spec.ID)
	}

	call := &functionCall{
		transformation: tr,
		bindings:       make(map[string]term.Generator, len(spec.Bindings)),
	}
	if spec.TermType != "" {
		tt, err := term.ParseType(spec.TermType)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMapping, err)
		}
		call.asIRI = tt == term.IRI
	}

	known := make(map[string]bool)
	for _, p := range tr.Inputs() {
		known[p.URI] = true
	}
	for uri, ts := range spec.Bindings {
		full := rml.Expand(uri, prefixes)
		if !known[full] {
			return nil, fmt.Errorf("%w: function %q has no input %s", ErrInvalidMapping, spec.ID, full)
		}
		gen, err := buildGenerator(ts, term.Literal, prefixes)
		if err != nil {
			return nil, fmt.Errorf("binding %s: %w", full, err)
		}
		call.bindings[full] = gen
	}

	if spec.Output != "" {
		call.output = rml.Expand(spec.Output, prefixes)
		found := false
		for _, p := range tr.Outputs() {
			if p.URI == call.output {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: function %q has no output %s", ErrInvalidMapping, spec.ID, call.output)
		}
	}
	return call, nil
}

// defaultObjectType follows the usual term type defaults: references and
// typed or tagged values are literals, templates and constants are IRIs.
func defaultObjectType(s TermMapSpec) term.Type {
	if s.Reference != "" || s.Datatype != "" || s.Language != "" {
		return term.Literal
	}
	return term.IRI
}

func buildGenerator(s TermMapSpec, fallback term.Type, prefixes map[string]string) (term.Generator, error) {
	tt := fallback
	if s.TermType != "" {
		parsed, err := term.ParseType(s.TermType)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMapping, err)
		}
		tt = parsed
	}

	tm := term.Map{
		TermType:  tt,
		Constant:  s.Constant,
		Template:  s.Template,
		Reference: s.Reference,
		Datatype:  rml.Expand(s.Datatype, prefixes),
		Language:  s.Language,
	}
	if tt == term.IRI {
		tm.Constant = rml.Expand(s.Constant, prefixes)
		tm.Template = expandTemplatePrefix(s.Template, prefixes)
	}
	switch {
	case s.Constant != "":
		tm.Kind = term.Constant
	case s.Template != "":
		tm.Kind = term.Template
	default:
		tm.Kind = term.Reference
	}

	gen, err := term.NewGenerator(tm)
	if err != nil {
		return nil, err
	}
	return gen, nil
}

// expandTemplatePrefix expands a prefixed name at the start of a template
// when the prefix is followed by literal text.
func expandTemplatePrefix(tmpl string, prefixes map[string]string) string {
	prefix, rest, ok := strings.Cut(tmpl, ":")
	if !ok || strings.ContainsAny(prefix, "{}\\/") {
		return tmpl
	}
	ns, found := prefixes[prefix]
	if !found || strings.HasPrefix(rest, "//") {
		return tmpl
	}
	return ns + rest
}

// Prefixes returns the effective prefix map, including defaults.
func (m *Mapping) Prefixes() map[string]string {
	out := make(map[string]string, len(m.prefixes))
	for k, v := range m.prefixes {
		out[k] = v
	}
	return out
}

// Joins returns the joins required by referencing objects.
func (m *Mapping) Joins() []JoinSpec { return append([]JoinSpec(nil), m.joins...) }

// Sources returns the logical sources read by the mapping, sorted.
func (m *Mapping) Sources() []string {
	seen := make(map[string]bool)
	var out []string
	for _, tm := range m.maps {
		if !seen[tm.source] {
			seen[tm.source] = true
			out = append(out, tm.source)
		}
	}
	sort.Strings(out)
	return out
}

// TriplesMaps returns the triples map ids in declaration order.
func (m *Mapping) TriplesMaps() []string {
	ids := make([]string, len(m.maps))
	for i, tm := range m.maps {
		ids[i] = tm.id
	}
	return ids
}

// Functions returns the declared transformations keyed by id.
func (m *Mapping) Functions() map[string]*function.Transformation {
	out := make(map[string]*function.Transformation, len(m.functions))
	for k, v := range m.functions {
		out[k] = v
	}
	return out
}
