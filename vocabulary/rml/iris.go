// Package rml defines the namespaces and predicates used by the semrml
// mapping engine and registers the engine's own provenance predicates with
// the semstreams vocabulary registry.
package rml

import "strings"

// Standard namespaces understood by mapping documents without declaration.
const (
	RDF  = "http://www.w3.org/1999/02/22-rdf-syntax-ns#"
	RDFS = "http://www.w3.org/2000/01/rdf-schema#"
	XSD  = "http://www.w3.org/2001/XMLSchema#"
	RR   = "http://www.w3.org/ns/r2rml#"
	RML  = "http://semweb.mmlab.be/ns/rml#"
	FNO  = "https://w3id.org/function/ontology#"
	GREL = "http://users.ugent.be/~bjdmeest/function/grel.ttl#"
	PROV = "http://www.w3.org/ns/prov#"
)

// Namespace is the base IRI of the semrml ontology.
const Namespace = "https://semrml.dev/ontology/"

// Well-known IRIs.
const (
	RDFType = RDF + "type"
	RDFList = RDF + "List"

	XSDString  = XSD + "string"
	XSDInteger = XSD + "integer"
	XSDInt     = XSD + "int"
	XSDLong    = XSD + "long"
	XSDDouble  = XSD + "double"
	XSDDecimal = XSD + "decimal"
	XSDFloat   = XSD + "float"
	XSDBoolean = XSD + "boolean"
)

// DefaultPrefixes returns the prefixes every mapping document can use.
func DefaultPrefixes() map[string]string {
	return map[string]string{
		"rdf":  RDF,
		"rdfs": RDFS,
		"xsd":  XSD,
		"rr":   RR,
		"rml":  RML,
		"fno":  FNO,
		"grel": GREL,
		"prov": PROV,
	}
}

// Expand turns a prefixed name into a full IRI using the given prefixes.
// Absolute IRIs, unknown prefixes and plain names are returned unchanged.
func Expand(name string, prefixes map[string]string) string {
	if strings.Contains(name, "://") || strings.HasPrefix(name, "urn:") {
		return name
	}
	prefix, local, ok := strings.Cut(name, ":")
	if !ok {
		return name
	}
	if ns, found := prefixes[prefix]; found {
		return ns + local
	}
	return name
}

// LocalName returns the fragment or last path segment of an IRI.
func LocalName(iri string) string {
	if i := strings.LastIndexAny(iri, "#/"); i >= 0 && i < len(iri)-1 {
		return iri[i+1:]
	}
	return iri
}
