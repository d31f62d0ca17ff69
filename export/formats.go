package export

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/c360studio/semrml/term"
	"github.com/c360studio/semrml/vocabulary/rml"
)

// FormatInfo provides metadata about an export format.
type FormatInfo struct {
	// Name is the format identifier.
	Name Format

	// MIMEType is the standard MIME type.
	MIMEType string

	// Extension is the file extension (with dot).
	Extension string

	// Description describes the format.
	Description string
}

// FormatRegistry contains metadata for all supported formats.
var FormatRegistry = map[Format]FormatInfo{
	FormatTurtle: {
		Name:        FormatTurtle,
		MIMEType:    "text/turtle",
		Extension:   ".ttl",
		Description: "Turtle - Terse RDF Triple Language",
	},
	FormatNTriples: {
		Name:        FormatNTriples,
		MIMEType:    "application/n-triples",
		Extension:   ".nt",
		Description: "N-Triples - Line-based RDF format",
	},
	FormatJSONLD: {
		Name:        FormatJSONLD,
		MIMEType:    "application/ld+json",
		Extension:   ".jsonld",
		Description: "JSON-LD - JSON for Linked Data",
	},
}

// GetFormatInfo returns metadata for a format.
func GetFormatInfo(format Format) (FormatInfo, bool) {
	info, ok := FormatRegistry[format]
	return info, ok
}

// localName matches local parts that can be written as prefixed names.
var localName = regexp.MustCompile(`^[A-Za-z0-9_]([A-Za-z0-9_.\-]*[A-Za-z0-9_\-])?$`)

// predicateGroup collects the objects of one predicate under a subject.
type predicateGroup struct {
	predicate term.Term
	objects   []term.Term
}

// subjectGroup collects the statements of one subject in arrival order.
type subjectGroup struct {
	subject    term.Term
	predicates []*predicateGroup
	index      map[string]*predicateGroup
}

// groupBySubject groups triples by subject, then predicate, keeping the
// order in which each first appeared.
func groupBySubject(triples []Triple) []*subjectGroup {
	var groups []*subjectGroup
	bySubject := make(map[string]*subjectGroup)

	for _, t := range triples {
		sg, ok := bySubject[t.Subject.Value]
		if !ok {
			sg = &subjectGroup{subject: t.Subject, index: make(map[string]*predicateGroup)}
			bySubject[t.Subject.Value] = sg
			groups = append(groups, sg)
		}
		pg, ok := sg.index[t.Predicate.Value]
		if !ok {
			pg = &predicateGroup{predicate: t.Predicate}
			sg.index[t.Predicate.Value] = pg
			sg.predicates = append(sg.predicates, pg)
		}
		pg.objects = append(pg.objects, t.Object)
	}
	return groups
}

// TurtleWriter writes RDF in Turtle format. Only prefixes that are used
// are declared.
type TurtleWriter struct {
	prefixes map[string]string
	used     map[string]bool
	body     strings.Builder
}

// NewTurtleWriter creates a Turtle writer over the given prefixes.
func NewTurtleWriter(prefixes map[string]string) *TurtleWriter {
	p := make(map[string]string, len(prefixes))
	for k, v := range prefixes {
		p[k] = v
	}
	return &TurtleWriter{prefixes: p, used: make(map[string]bool)}
}

// SetPrefix sets a namespace prefix.
func (w *TurtleWriter) SetPrefix(prefix, iri string) {
	w.prefixes[prefix] = iri
}

// WriteTriples writes subject blocks for the triples.
func (w *TurtleWriter) WriteTriples(triples []Triple) {
	for _, sg := range groupBySubject(triples) {
		w.body.WriteString(w.formatTerm(sg.subject))
		w.body.WriteString("\n")
		for i, pg := range sg.predicates {
			pred := "a"
			if pg.predicate.Value != rml.RDFType {
				pred = w.formatTerm(pg.predicate)
			}
			objects := make([]string, len(pg.objects))
			for j, o := range pg.objects {
				objects[j] = w.formatTerm(o)
			}
			terminator := " ;"
			if i == len(sg.predicates)-1 {
				terminator = " ."
			}
			fmt.Fprintf(&w.body, "    %s %s%s\n", pred, strings.Join(objects, " , "), terminator)
		}
		w.body.WriteString("\n")
	}
}

// String returns the prefix declarations followed by the accumulated body.
func (w *TurtleWriter) String() string {
	var sb strings.Builder

	// Sort prefixes for consistent output
	keys := make([]string, 0, len(w.used))
	for k := range w.used {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, prefix := range keys {
		fmt.Fprintf(&sb, "@prefix %s: <%s> .\n", prefix, w.prefixes[prefix])
	}
	if len(keys) > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(w.body.String())
	return sb.String()
}

func (w *TurtleWriter) formatTerm(t term.Term) string {
	if t.IsIRI() {
		return w.compact(t.Value)
	}
	lit := `"` + escapeString(t.Value) + `"`
	switch {
	case t.Language != "":
		return lit + "@" + t.Language
	case t.Datatype != "" && t.Datatype != rml.XSDString:
		return lit + "^^" + w.compact(t.Datatype)
	default:
		return lit
	}
}

// compact writes an IRI as a prefixed name when a declared namespace covers
// it, preferring the longest namespace.
func (w *TurtleWriter) compact(iri string) string {
	best, bestNS := "", ""
	for prefix, ns := range w.prefixes {
		if ns == "" || !strings.HasPrefix(iri, ns) || len(ns) <= len(bestNS) {
			continue
		}
		if !localName.MatchString(iri[len(ns):]) {
			continue
		}
		best, bestNS = prefix, ns
	}
	if bestNS == "" {
		return "<" + escapeIRI(iri) + ">"
	}
	w.used[best] = true
	return best + ":" + iri[len(bestNS):]
}

// NTriplesWriter writes RDF in N-Triples format.
type NTriplesWriter struct {
	sb strings.Builder
}

// NewNTriplesWriter creates a new N-Triples writer.
func NewNTriplesWriter() *NTriplesWriter {
	return &NTriplesWriter{}
}

// WriteTriple writes a single triple.
func (w *NTriplesWriter) WriteTriple(t Triple) {
	w.sb.WriteString(t.String())
	w.sb.WriteString("\n")
}

// String returns the accumulated N-Triples output.
func (w *NTriplesWriter) String() string {
	return w.sb.String()
}

// JSONLDDocument represents a JSON-LD document structure.
type JSONLDDocument struct {
	Context map[string]any `json:"@context"`
	Graph   []JSONLDNode   `json:"@graph"`
}

// JSONLDNode represents a node in a JSON-LD graph.
type JSONLDNode struct {
	ID         string         `json:"@id"`
	Type       []string       `json:"@type,omitempty"`
	Properties map[string]any `json:"-"`
}

// MarshalJSON implements custom JSON marshaling for JSONLDNode.
func (n JSONLDNode) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(n.Properties)+2)
	m["@id"] = n.ID
	if len(n.Type) > 0 {
		m["@type"] = n.Type
	}
	for k, v := range n.Properties {
		m[k] = v
	}
	return json.Marshal(m)
}

// JSONLDWriter writes RDF in expanded-IRI JSON-LD with a prefix context.
type JSONLDWriter struct {
	doc JSONLDDocument
}

// NewJSONLDWriter creates a new JSON-LD writer.
func NewJSONLDWriter(prefixes map[string]string) *JSONLDWriter {
	w := &JSONLDWriter{
		doc: JSONLDDocument{
			Context: make(map[string]any, len(prefixes)),
			Graph:   make([]JSONLDNode, 0),
		},
	}
	for k, v := range prefixes {
		w.doc.Context[k] = v
	}
	return w
}

// WriteTriples adds one node per subject.
func (w *JSONLDWriter) WriteTriples(triples []Triple) {
	for _, sg := range groupBySubject(triples) {
		node := JSONLDNode{ID: sg.subject.Value, Properties: make(map[string]any)}
		for _, pg := range sg.predicates {
			if pg.predicate.Value == rml.RDFType {
				for _, o := range pg.objects {
					node.Type = append(node.Type, o.Value)
				}
				continue
			}
			values := make([]any, len(pg.objects))
			for i, o := range pg.objects {
				values[i] = jsonldValue(o)
			}
			node.Properties[pg.predicate.Value] = values
		}
		w.doc.Graph = append(w.doc.Graph, node)
	}
}

func jsonldValue(t term.Term) any {
	if t.IsIRI() {
		return map[string]string{"@id": t.Value}
	}
	v := map[string]string{"@value": t.Value}
	switch {
	case t.Language != "":
		v["@language"] = t.Language
	case t.Datatype != "" && t.Datatype != rml.XSDString:
		v["@type"] = t.Datatype
	}
	return v
}

// String returns the JSON-LD output.
func (w *JSONLDWriter) String() string {
	data, err := json.MarshalIndent(w.doc, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}
