package rml

import "github.com/c360studio/semstreams/vocabulary"

// Provenance predicates attached to graph entities produced by a mapping.
const (
	// ResourceIRI is the RDF IRI of the resource an entity stands for.
	ResourceIRI = "rml.resource.iri"

	// MappingSource is the logical source the entity was mapped from.
	MappingSource = "rml.mapping.source"

	// MappingGeneratedAt is the time the entity was mapped.
	MappingGeneratedAt = "rml.mapping.generated_at"

	// JoinParentSource is the logical source joined as parent.
	JoinParentSource = "rml.join.parent_source"
)

func init() {
	vocabulary.Register(ResourceIRI,
		vocabulary.WithDescription("RDF IRI of the mapped resource"),
		vocabulary.WithDataType("string"),
		vocabulary.WithIRI(RDF+"about"))

	vocabulary.Register(MappingSource,
		vocabulary.WithDescription("Logical source name of the mapped record"),
		vocabulary.WithDataType("string"),
		vocabulary.WithIRI(RML+"source"))

	vocabulary.Register(MappingGeneratedAt,
		vocabulary.WithDescription("Time the entity was generated by the mapper"),
		vocabulary.WithDataType("datetime"),
		vocabulary.WithIRI(PROV+"generatedAtTime"))

	vocabulary.Register(JoinParentSource,
		vocabulary.WithDescription("Logical source joined as parent"),
		vocabulary.WithDataType("string"),
		vocabulary.WithIRI(RR+"parentTriplesMap"))
}
