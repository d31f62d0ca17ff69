// Package mapping loads declarative mapping documents and executes them
// against input records to produce RDF triples.
//
// A document declares prefixes, transformation functions and triples maps.
// Each triples map reads one logical source: its subject term map names
// the resource, and predicate-object maps attach constants, record values,
// function results or links to the subjects of another triples map (a
// referencing object, produced from joined records).
package mapping

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/c360studio/semrml/function"
	"github.com/c360studio/semrml/join"
)

// Document is the YAML form of a mapping.
type Document struct {
	Prefixes  map[string]string `yaml:"prefixes,omitempty" json:"prefixes,omitempty"`
	Functions []FunctionSpec    `yaml:"functions,omitempty" json:"functions,omitempty"`
	Mappings  []TriplesMapSpec  `yaml:"mappings" json:"mappings"`
}

// FunctionSpec declares a transformation function.
type FunctionSpec struct {
	ID      string          `yaml:"id" json:"id"`
	Source  function.Source `yaml:"source" json:"source"`
	Inputs  []ParameterSpec `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs []ParameterSpec `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// ParameterSpec declares one parameter. Position defaults to the list index.
type ParameterSpec struct {
	URI      string  `yaml:"uri" json:"uri"`
	Type     string  `yaml:"type" json:"type"`
	Value    *string `yaml:"value,omitempty" json:"value,omitempty"`
	Position *int    `yaml:"position,omitempty" json:"position,omitempty"`
}

// TermMapSpec declares a term map. Exactly one of Constant, Template and
// Reference is set.
type TermMapSpec struct {
	Constant  string `yaml:"constant,omitempty" json:"constant,omitempty"`
	Template  string `yaml:"template,omitempty" json:"template,omitempty"`
	Reference string `yaml:"reference,omitempty" json:"reference,omitempty"`
	TermType  string `yaml:"term_type,omitempty" json:"term_type,omitempty"`
	Datatype  string `yaml:"datatype,omitempty" json:"datatype,omitempty"`
	Language  string `yaml:"language,omitempty" json:"language,omitempty"`
}

// IsZero reports whether no value field is set.
func (s TermMapSpec) IsZero() bool {
	return s.Constant == "" && s.Template == "" && s.Reference == ""
}

// TriplesMapSpec declares one triples map.
type TriplesMapSpec struct {
	ID               string                `yaml:"id" json:"id"`
	Source           string                `yaml:"source" json:"source"`
	Subject          SubjectSpec           `yaml:"subject" json:"subject"`
	PredicateObjects []PredicateObjectSpec `yaml:"predicate_objects,omitempty" json:"predicate_objects,omitempty"`
}

// SubjectSpec is the subject term map plus asserted classes.
type SubjectSpec struct {
	TermMapSpec `yaml:",inline"`
	Classes     []string `yaml:"classes,omitempty" json:"classes,omitempty"`
}

// PredicateObjectSpec pairs a predicate with one object.
type PredicateObjectSpec struct {
	Predicate PredicateSpec `yaml:"predicate" json:"predicate"`
	Object    ObjectSpec    `yaml:"object" json:"object"`
}

// PredicateSpec is a predicate term map. A plain string is shorthand for a
// constant IRI.
type PredicateSpec struct {
	TermMapSpec `yaml:",inline"`
}

// UnmarshalYAML implements yaml.Unmarshaler for PredicateSpec.
func (p *PredicateSpec) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		p.TermMapSpec = TermMapSpec{Constant: s}
		return nil
	}
	return value.Decode(&p.TermMapSpec)
}

// MarshalYAML writes constant IRI predicates in shorthand form.
func (p PredicateSpec) MarshalYAML() (interface{}, error) {
	if p.Constant != "" && p.TermType == "" && p.Datatype == "" && p.Language == "" {
		return p.Constant, nil
	}
	return p.TermMapSpec, nil
}

// ObjectSpec is a term map, a function call or a reference to the subjects
// of a parent triples map.
type ObjectSpec struct {
	TermMapSpec `yaml:",inline"`
	Function    *FunctionCallSpec `yaml:"function,omitempty" json:"function,omitempty"`
	Parent      string            `yaml:"parent,omitempty" json:"parent,omitempty"`
	Join        join.Condition    `yaml:"join,omitempty" json:"join,omitempty"`
}

// FunctionCallSpec invokes a declared function. Bindings map parameter URIs
// to term maps evaluated on the record.
type FunctionCallSpec struct {
	ID       string                 `yaml:"id" json:"id"`
	Bindings map[string]TermMapSpec `yaml:"bindings,omitempty" json:"bindings,omitempty"`
	Output   string                 `yaml:"output,omitempty" json:"output,omitempty"`
	TermType string                 `yaml:"term_type,omitempty" json:"term_type,omitempty"`
}

// JoinSpec describes one join between two logical sources required by a
// referencing object.
type JoinSpec struct {
	ChildMap     string         `json:"child_map"`
	ParentMap    string         `json:"parent_map"`
	ChildSource  string         `json:"child_source"`
	ParentSource string         `json:"parent_source"`
	Condition    join.Condition `json:"condition"`
}

// Joins lists the joins the document's referencing objects need, in
// declaration order. Unknown parents are skipped; Compile reports them.
func (d *Document) Joins() []JoinSpec {
	sources := make(map[string]string, len(d.Mappings))
	for _, m := range d.Mappings {
		sources[m.ID] = m.Source
	}

	var joins []JoinSpec
	for _, m := range d.Mappings {
		for _, pom := range m.PredicateObjects {
			if pom.Object.Parent == "" {
				continue
			}
			parentSource, ok := sources[pom.Object.Parent]
			if !ok {
				continue
			}
			joins = append(joins, JoinSpec{
				ChildMap:     m.ID,
				ParentMap:    pom.Object.Parent,
				ChildSource:  m.Source,
				ParentSource: parentSource,
				Condition:    pom.Object.Join,
			})
		}
	}
	return joins
}

// Sources returns the distinct logical source names, sorted.
func (d *Document) Sources() []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range d.Mappings {
		if !seen[m.Source] {
			seen[m.Source] = true
			out = append(out, m.Source)
		}
	}
	sort.Strings(out)
	return out
}

// Merge appends other's functions and mappings and adds its prefixes.
// Conflicting prefix declarations are an error.
func (d *Document) Merge(other *Document) error {
	for p, iri := range other.Prefixes {
		if existing, ok := d.Prefixes[p]; ok && existing != iri {
			return fmt.Errorf("prefix %q declared as both %s and %s", p, existing, iri)
		}
		if d.Prefixes == nil {
			d.Prefixes = make(map[string]string)
		}
		d.Prefixes[p] = iri
	}
	d.Functions = append(d.Functions, other.Functions...)
	d.Mappings = append(d.Mappings, other.Mappings...)
	return nil
}

// Parse decodes a YAML mapping document. Unknown fields are rejected.
func Parse(data []byte) (*Document, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse mapping: empty document")
		}
		return nil, fmt.Errorf("parse mapping: %w", err)
	}
	return &doc, nil
}

// Load reads one mapping file.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// LoadGlob loads and merges every file matching the patterns. Patterns
// support ** for recursive matches. Files are merged in sorted path order.
func LoadGlob(patterns ...string) (*Document, error) {
	var paths []string
	seen := make(map[string]bool)

	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("resolve pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no mapping files match pattern: %s", pattern)
		}
		for _, m := range matches {
			abs, err := filepath.Abs(m)
			if err != nil {
				return nil, err
			}
			if !seen[abs] {
				seen[abs] = true
				paths = append(paths, abs)
			}
		}
	}
	sort.Strings(paths)

	merged := &Document{}
	for _, p := range paths {
		doc, err := Load(p)
		if err != nil {
			return nil, err
		}
		if err := merged.Merge(doc); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}
	return merged, nil
}
