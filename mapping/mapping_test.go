package mapping

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semrml/export"
	"github.com/c360studio/semrml/function"
	"github.com/c360studio/semrml/item"
	"github.com/c360studio/semrml/join"
	"github.com/c360studio/semrml/term"
	"github.com/c360studio/semrml/vocabulary/rml"
)

const ex = "http://example.org/"

const peopleYAML = `
prefixes:
  ex: http://example.org/
functions:
  - id: upper
    source: {location: builtin, class: grel, method: toUpperCase}
    inputs:
      - {uri: "grel:valueParameter", type: string}
    outputs:
      - {uri: "grel:stringOut", type: string}
mappings:
  - id: person
    source: people
    subject:
      template: "ex:person/{id}"
      classes: ["ex:Person"]
    predicate_objects:
      - predicate: "ex:name"
        object: {reference: name}
      - predicate: "ex:age"
        object: {reference: age, datatype: "xsd:integer"}
      - predicate: "ex:shout"
        object:
          function:
            id: upper
            bindings:
              "grel:valueParameter": {reference: name}
      - predicate: "ex:worksFor"
        object:
          parent: dept
          join:
            - {child: dept_id, parent: id}
  - id: dept
    source: departments
    subject:
      template: "ex:dept/{id}"
      classes: ["ex:Department"]
    predicate_objects:
      - predicate: "ex:label"
        object: {reference: label, language: en}
`

func compileYAML(t *testing.T, src string) *Mapping {
	t.Helper()
	doc, err := Parse([]byte(src))
	require.NoError(t, err)
	m, err := Compile(doc)
	require.NoError(t, err)
	return m
}

func iri(s string) term.Term { return term.NewIRI(s) }

func TestExecutor_Map(t *testing.T) {
	m := compileYAML(t, peopleYAML)
	e := NewExecutor(m, WithResolver(function.Builtins()))

	rec := item.NewRecord(map[string]any{"id": float64(7), "name": "Ada", "age": "36", "dept_id": "d1"})
	triples, err := e.Map(context.Background(), "people", rec)
	require.NoError(t, err)

	subject := iri(ex + "person/7")
	assert.Equal(t, []export.Triple{
		{Subject: subject, Predicate: iri(rml.RDFType), Object: iri(ex + "Person")},
		{Subject: subject, Predicate: iri(ex + "name"), Object: term.NewLiteral("Ada")},
		{Subject: subject, Predicate: iri(ex + "age"), Object: term.NewTypedLiteral("36", rml.XSDInteger)},
		{Subject: subject, Predicate: iri(ex + "shout"), Object: term.NewLiteral("ADA")},
	}, triples)
}

func TestExecutor_MapAbsence(t *testing.T) {
	m := compileYAML(t, peopleYAML)
	e := NewExecutor(m, WithResolver(function.Builtins()))
	ctx := context.Background()

	// No name: name and shout triples are absent, the rest is produced.
	triples, err := e.Map(ctx, "people", item.NewRecord(map[string]any{"id": "1"}))
	require.NoError(t, err)
	assert.Len(t, triples, 1)

	// No id: the subject cannot be built, so nothing is produced.
	triples, err = e.Map(ctx, "people", item.NewRecord(map[string]any{"name": "x"}))
	require.NoError(t, err)
	assert.Empty(t, triples)

	// Unknown source.
	triples, err = e.Map(ctx, "unknown", item.NewRecord(map[string]any{"id": "1"}))
	require.NoError(t, err)
	assert.Empty(t, triples)
}

func TestExecutor_MapJoined(t *testing.T) {
	m := compileYAML(t, peopleYAML)
	e := NewExecutor(m, WithResolver(function.Builtins()))
	ctx := context.Background()

	child := item.NewRecord(map[string]any{"id": "7", "dept_id": "d1"})
	parent := item.NewRecord(map[string]any{"id": "d1", "label": "Research"})

	triples, err := e.MapJoined(ctx, "people", "departments", item.NewJoined(child, parent))
	require.NoError(t, err)
	assert.Equal(t, []export.Triple{
		{Subject: iri(ex + "person/7"), Predicate: iri(ex + "worksFor"), Object: iri(ex + "dept/d1")},
	}, triples)

	// A pair that does not satisfy this referencing object's condition.
	other := item.NewRecord(map[string]any{"id": "d2"})
	triples, err = e.MapJoined(ctx, "people", "departments", item.NewJoined(child, other))
	require.NoError(t, err)
	assert.Empty(t, triples)

	// Wrong source pair.
	triples, err = e.MapJoined(ctx, "departments", "people", item.NewJoined(parent, child))
	require.NoError(t, err)
	assert.Empty(t, triples)
}

func TestExecutor_ResolutionHaltsTriplesMap(t *testing.T) {
	src := strings.Replace(peopleYAML, "method: toUpperCase", "method: noSuchFunction", 1)
	m := compileYAML(t, src)
	e := NewExecutor(m, WithResolver(function.Builtins()))
	ctx := context.Background()

	rec := item.NewRecord(map[string]any{"id": "1", "name": "Ada"})
	triples, err := e.Map(ctx, "people", rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMappingHalted))
	assert.True(t, errors.Is(err, function.ErrResolution))
	assert.Empty(t, triples)

	var he *HaltedError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, "person", he.TriplesMap)

	// Later records fail fast for the halted map; other maps keep working.
	_, err = e.Map(ctx, "people", rec)
	assert.True(t, errors.Is(err, ErrMappingHalted))

	triples, err = e.Map(ctx, "departments", item.NewRecord(map[string]any{"id": "d1", "label": "R"}))
	require.NoError(t, err)
	assert.Len(t, triples, 2)

	assert.Contains(t, e.Halted(), "person")
}

func TestExecutor_CallableErrorSkipsRecord(t *testing.T) {
	reg := function.NewRegistry()
	require.NoError(t, reg.Register("builtin", "grel.toUpperCase", 1, func(context.Context, []any) (any, error) {
		return nil, errors.New("boom")
	}))
	m := compileYAML(t, peopleYAML)
	e := NewExecutor(m, WithResolver(reg))

	triples, err := e.Map(context.Background(), "people", item.NewRecord(map[string]any{"id": "1", "name": "Ada"}))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMappingHalted))
	assert.Nil(t, triples)
	assert.Empty(t, e.Halted())
}

func TestExecutor_FunctionOutputSelection(t *testing.T) {
	const src = `
prefixes: {ex: "http://example.org/"}
functions:
  - id: split
    source: {location: test, method: split}
    inputs: [{uri: "ex:in", type: string}]
    outputs:
      - {uri: "ex:first", type: string}
      - {uri: "ex:last", type: string}
mappings:
  - id: p
    source: s
    subject: {template: "ex:p/{id}"}
    predicate_objects:
      - predicate: "ex:family"
        object:
          function: {id: split, output: "ex:last", bindings: {"ex:in": {reference: name}}}
      - predicate: "ex:home"
        object:
          function: {id: split, output: "ex:first", term_type: iri, bindings: {"ex:in": {template: "http://example.org/{name}"}}}
`
	reg := function.NewRegistry()
	require.NoError(t, reg.Register("test", "split", 1, func(_ context.Context, args []any) (any, error) {
		first, last, _ := strings.Cut(args[0].(string), " ")
		return map[string]any{"first": first, "last": last}, nil
	}))

	e := NewExecutor(compileYAML(t, src), WithResolver(reg))
	triples, err := e.Map(context.Background(), "s", item.NewRecord(map[string]any{"id": "1", "name": "Ada Lovelace"}))
	require.NoError(t, err)
	require.Len(t, triples, 2)
	assert.Equal(t, term.NewLiteral("Lovelace"), triples[0].Object)
	assert.Equal(t, iri("http://example.org/Ada"), triples[1].Object)
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"missing subject", `
mappings:
  - {id: a, source: s}`},
		{"missing source", `
mappings:
  - {id: a, subject: {constant: "http://x/a"}}`},
		{"duplicate id", `
mappings:
  - {id: a, source: s, subject: {constant: "http://x/a"}}
  - {id: a, source: s, subject: {constant: "http://x/b"}}`},
		{"unknown parent", `
mappings:
  - id: a
    source: s
    subject: {constant: "http://x/a"}
    predicate_objects:
      - predicate: "http://x/p"
        object: {parent: nope, join: [{child: a, parent: b}]}`},
		{"parent without join", `
mappings:
  - id: a
    source: s
    subject: {constant: "http://x/a"}
    predicate_objects:
      - predicate: "http://x/p"
        object: {parent: a}`},
		{"unknown function", `
mappings:
  - id: a
    source: s
    subject: {constant: "http://x/a"}
    predicate_objects:
      - predicate: "http://x/p"
        object: {function: {id: nope}}`},
		{"bad template", `
mappings:
  - {id: a, source: s, subject: {template: "http://x/{id"}}`},
		{"literal subject", `
mappings:
  - {id: a, source: s, subject: {reference: id, term_type: literal}}`},
		{"ambiguous object", `
mappings:
  - id: a
    source: s
    subject: {constant: "http://x/a"}
    predicate_objects:
      - predicate: "http://x/p"
        object: {constant: "x", reference: y}`},
		{"bad parameter positions", `
functions:
  - id: f
    source: {location: builtin, method: f}
    inputs:
      - {uri: "http://x/a", type: string, position: 1}
      - {uri: "http://x/b", type: string, position: 1}
mappings: []`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse([]byte(tt.src))
			require.NoError(t, err)
			_, err = Compile(doc)
			assert.Error(t, err)
		})
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("mappings: []\nmapings: []\n"))
	assert.Error(t, err)

	_, err = Parse([]byte(""))
	assert.Error(t, err)
}

func TestDocument_Joins(t *testing.T) {
	doc, err := Parse([]byte(peopleYAML))
	require.NoError(t, err)

	assert.Equal(t, []JoinSpec{{
		ChildMap:     "person",
		ParentMap:    "dept",
		ChildSource:  "people",
		ParentSource: "departments",
		Condition:    join.Condition{{Child: "dept_id", Parent: "id"}},
	}}, doc.Joins())
	assert.Equal(t, []string{"departments", "people"}, doc.Sources())

	m, err := Compile(doc)
	require.NoError(t, err)
	assert.Equal(t, doc.Joins(), m.Joins())
	assert.Equal(t, []string{"person", "dept"}, m.TriplesMaps())
	assert.Contains(t, m.Functions(), "upper")
	assert.Equal(t, ex, m.Prefixes()["ex"])
}

func TestLoadGlob(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(`
prefixes: {ex: "http://example.org/"}
mappings:
  - {id: a, source: s, subject: {template: "ex:a/{id}"}}
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "b.yaml"), []byte(`
prefixes: {ex: "http://example.org/"}
mappings:
  - {id: b, source: t, subject: {template: "ex:b/{id}"}}
`), 0o644))

	doc, err := LoadGlob(filepath.Join(dir, "**", "*.yaml"))
	require.NoError(t, err)
	assert.Len(t, doc.Mappings, 2)

	_, err = LoadGlob(filepath.Join(dir, "*.json"))
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "c.yaml"), []byte(`
prefixes: {ex: "http://other.org/"}
mappings: []
`), 0o644))
	_, err = LoadGlob(filepath.Join(dir, "**", "*.yaml"))
	assert.Error(t, err, "conflicting prefix")
}
