// Package term turns input records into RDF terms.
//
// A TermMap declares how one term is derived: from a constant, from a
// template with embedded references, or from a single reference. Generators
// built from a TermMap are stateless and safe for concurrent use.
package term

import (
	"errors"
	"fmt"
)

// Type is the RDF term type produced by a TermMap.
type Type int

const (
	// IRI produces a URI term.
	IRI Type = iota
	// Literal produces a literal term.
	Literal
)

// String returns the term type name.
func (t Type) String() string {
	switch t {
	case IRI:
		return "iri"
	case Literal:
		return "literal"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// ParseType parses a term type name. Empty defaults to IRI.
func ParseType(s string) (Type, error) {
	switch s {
	case "", "iri", "IRI", "uri":
		return IRI, nil
	case "literal", "Literal":
		return Literal, nil
	default:
		return IRI, fmt.Errorf("unknown term type %q", s)
	}
}

// Term is an RDF URI or literal value.
type Term struct {
	Type     Type
	Value    string
	Datatype string // literal datatype IRI, empty for plain literals
	Language string // literal language tag
}

// NewIRI creates a URI term.
func NewIRI(value string) Term {
	return Term{Type: IRI, Value: value}
}

// NewLiteral creates a plain literal term.
func NewLiteral(value string) Term {
	return Term{Type: Literal, Value: value}
}

// NewTypedLiteral creates a literal with a datatype IRI.
func NewTypedLiteral(value, datatype string) Term {
	return Term{Type: Literal, Value: value, Datatype: datatype}
}

// IsIRI reports whether the term is a URI.
func (t Term) IsIRI() bool { return t.Type == IRI }

// Kind is the generation rule of a TermMap.
type Kind int

const (
	// Constant always yields the configured value.
	Constant Kind = iota
	// Template fills reference placeholders in a template string.
	Template
	// Reference yields the value of a single path.
	Reference
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Constant:
		return "constant"
	case Template:
		return "template"
	case Reference:
		return "reference"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Errors returned by TermMap validation.
var (
	ErrInvalidTermMap = errors.New("invalid term map")
	ErrTemplateSyntax = errors.New("template syntax error")
)

// Map describes how to derive one RDF term from an item.
// Exactly one of Constant, Template, Reference is set, matching Kind.
type Map struct {
	Kind      Kind
	TermType  Type
	Constant  string
	Template  string
	Reference string
	Datatype  string
	Language  string
}

// Validate checks that the populated field matches the kind.
func (m Map) Validate() error {
	set := 0
	for _, v := range []string{m.Constant, m.Template, m.Reference} {
		if v != "" {
			set++
		}
	}

	var field string
	switch m.Kind {
	case Constant:
		field = m.Constant
	case Template:
		field = m.Template
	case Reference:
		field = m.Reference
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidTermMap, int(m.Kind))
	}

	if field == "" || set != 1 {
		return fmt.Errorf("%w: %s term map must set exactly its own value", ErrInvalidTermMap, m.Kind)
	}
	if m.TermType == IRI && (m.Datatype != "" || m.Language != "") {
		return fmt.Errorf("%w: IRI term map cannot carry datatype or language", ErrInvalidTermMap)
	}
	if m.Datatype != "" && m.Language != "" {
		return fmt.Errorf("%w: literal cannot have both datatype and language", ErrInvalidTermMap)
	}
	return nil
}
