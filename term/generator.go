package term

import (
	"strings"

	"github.com/c360studio/semrml/item"
)

// Generator derives one term from an item. A false second value means the
// item does not yield a term. Generators are pure.
type Generator interface {
	Generate(it item.Item) (Term, bool)
}

// NewGenerator builds the generator for a term map. Templates are parsed
// here so that syntax errors surface at mapping-load time.
func NewGenerator(m Map) (Generator, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}

	shape := shape{termType: m.TermType, datatype: m.Datatype, language: m.Language}

	switch m.Kind {
	case Constant:
		return &constantGenerator{term: shape.build(m.Constant)}, nil
	case Template:
		segs, err := parseTemplate(m.Template)
		if err != nil {
			return nil, err
		}
		return &templateGenerator{segments: segs, shape: shape}, nil
	default:
		return &referenceGenerator{path: m.Reference, shape: shape}, nil
	}
}

// MustGenerator is NewGenerator for statically known term maps.
func MustGenerator(m Map) Generator {
	g, err := NewGenerator(m)
	if err != nil {
		panic(err)
	}
	return g
}

// shape carries the term type and literal annotations of a term map.
type shape struct {
	termType Type
	datatype string
	language string
}

func (s shape) build(value string) Term {
	return Term{Type: s.termType, Value: value, Datatype: s.datatype, Language: s.language}
}

type constantGenerator struct {
	term Term
}

func (g *constantGenerator) Generate(item.Item) (Term, bool) {
	return g.term, true
}

type templateGenerator struct {
	segments []segment
	shape    shape
}

func (g *templateGenerator) Generate(it item.Item) (Term, bool) {
	var sb strings.Builder
	for _, seg := range g.segments {
		if !seg.ref {
			sb.WriteString(seg.text)
			continue
		}
		v, ok := it.Get(seg.text)
		if !ok {
			return Term{}, false
		}
		sb.WriteString(v)
	}
	return g.shape.build(sb.String()), true
}

type referenceGenerator struct {
	path  string
	shape shape
}

func (g *referenceGenerator) Generate(it item.Item) (Term, bool) {
	v, ok := it.Get(g.path)
	if !ok {
		return Term{}, false
	}
	return g.shape.build(v), true
}
