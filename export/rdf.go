// Package export serializes mapped RDF triples as Turtle, N-Triples or JSON-LD.
package export

import (
	"errors"
	"fmt"
	"strings"

	"github.com/c360studio/semrml/term"
	"github.com/c360studio/semrml/vocabulary/rml"
)

// Format specifies the output serialization format.
type Format string

const (
	// FormatTurtle produces Turtle (.ttl) output.
	FormatTurtle Format = "turtle"

	// FormatNTriples produces N-Triples (.nt) output.
	FormatNTriples Format = "ntriples"

	// FormatJSONLD produces JSON-LD (.jsonld) output.
	FormatJSONLD Format = "jsonld"
)

// ParseFormat accepts a format name or its file extension.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "turtle", "ttl":
		return FormatTurtle, nil
	case "ntriples", "n-triples", "nt":
		return FormatNTriples, nil
	case "jsonld", "json-ld":
		return FormatJSONLD, nil
	default:
		return "", fmt.Errorf("unsupported format: %s", s)
	}
}

// ErrInvalidTriple is returned for triples RDF cannot represent.
var ErrInvalidTriple = errors.New("invalid triple")

// Triple is one RDF statement.
type Triple struct {
	Subject   term.Term
	Predicate term.Term
	Object    term.Term
}

// Validate checks that subject and predicate are IRIs.
func (t Triple) Validate() error {
	if !t.Subject.IsIRI() || t.Subject.Value == "" {
		return fmt.Errorf("%w: subject must be an IRI", ErrInvalidTriple)
	}
	if !t.Predicate.IsIRI() || t.Predicate.Value == "" {
		return fmt.Errorf("%w: predicate must be an IRI", ErrInvalidTriple)
	}
	return nil
}

// String returns the triple as one N-Triples statement without newline.
func (t Triple) String() string {
	return formatTermNTriples(t.Subject) + " " +
		formatTermNTriples(t.Predicate) + " " +
		formatTermNTriples(t.Object) + " ."
}

// Exporter accumulates triples and serializes them.
type Exporter struct {
	prefixes map[string]string
	triples  []Triple
}

// NewExporter creates an exporter with the standard prefixes.
func NewExporter() *Exporter {
	return &Exporter{prefixes: rml.DefaultPrefixes()}
}

// SetPrefix sets a namespace prefix used for Turtle and JSON-LD output.
func (e *Exporter) SetPrefix(prefix, iri string) {
	e.prefixes[prefix] = iri
}

// SetPrefixes adds every prefix of the map.
func (e *Exporter) SetPrefixes(prefixes map[string]string) {
	for p, iri := range prefixes {
		e.prefixes[p] = iri
	}
}

// Add appends triples. Invalid triples are rejected as a whole.
func (e *Exporter) Add(triples ...Triple) error {
	for i, t := range triples {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("triple %d: %w", i, err)
		}
	}
	e.triples = append(e.triples, triples...)
	return nil
}

// Len returns the number of accumulated triples.
func (e *Exporter) Len() int { return len(e.triples) }

// Reset drops accumulated triples and keeps prefixes.
func (e *Exporter) Reset() { e.triples = e.triples[:0] }

// Export serializes all triples to the specified format.
func (e *Exporter) Export(format Format) (string, error) {
	switch format {
	case FormatTurtle:
		w := NewTurtleWriter(e.prefixes)
		w.WriteTriples(e.triples)
		return w.String(), nil
	case FormatNTriples:
		w := NewNTriplesWriter()
		for _, t := range e.triples {
			w.WriteTriple(t)
		}
		return w.String(), nil
	case FormatJSONLD:
		w := NewJSONLDWriter(e.prefixes)
		w.WriteTriples(e.triples)
		return w.String(), nil
	default:
		return "", fmt.Errorf("unsupported format: %s", format)
	}
}

// Serialize is a one-shot Export.
func Serialize(format Format, prefixes map[string]string, triples []Triple) (string, error) {
	e := NewExporter()
	e.SetPrefixes(prefixes)
	if err := e.Add(triples...); err != nil {
		return "", err
	}
	return e.Export(format)
}

// formatTermNTriples formats a term in its N-Triples form.
func formatTermNTriples(t term.Term) string {
	if t.IsIRI() {
		return "<" + escapeIRI(t.Value) + ">"
	}
	lit := `"` + escapeString(t.Value) + `"`
	switch {
	case t.Language != "":
		return lit + "@" + t.Language
	case t.Datatype != "" && t.Datatype != rml.XSDString:
		return lit + "^^<" + escapeIRI(t.Datatype) + ">"
	default:
		return lit
	}
}

// escapeString escapes special characters in strings for RDF serialization.
func escapeString(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	s = strings.ReplaceAll(s, "\r", "\\r")
	s = strings.ReplaceAll(s, "\t", "\\t")
	return s
}

// escapeIRI replaces characters not allowed inside <> with UCHAR escapes.
func escapeIRI(s string) string {
	if !strings.ContainsAny(s, "<>\"{}|^`\\ \t\n\r") {
		return s
	}
	var sb strings.Builder
	for _, r := range s {
		if r <= 0x20 || strings.ContainsRune("<>\"{}|^`\\", r) {
			fmt.Fprintf(&sb, "\\u%04X", r)
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
