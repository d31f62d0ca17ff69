// Package graph turns mapped RDF triples into knowledge graph entities and
// publishes them for graph ingestion.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/cespare/xxhash/v2"

	"github.com/c360studio/semrml/export"
	"github.com/c360studio/semrml/term"
	"github.com/c360studio/semrml/vocabulary/rml"
)

// Subject for graph ingestion.
const GraphIngestSubject = "graph.ingest.entity"

// Publisher publishes raw bytes to a JetStream subject.
// *natsclient.Client satisfies it.
type Publisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// EntityID returns the stable entity ID of an RDF resource.
// Format: semrml.local.rdf.mapped.resource.<xxhash of IRI>
func EntityID(iri string) string {
	return fmt.Sprintf("semrml.local.rdf.mapped.resource.%016x", xxhash.Sum64String(iri))
}

// Provenance describes where mapped triples came from.
type Provenance struct {
	Source       string // logical source of the record
	ParentSource string // parent logical source for joined records
	Component    string // triple Source field
	Time         time.Time
}

// Entities groups triples by subject into one entity per resource. IRI
// objects become entity references; typed literals keep their native type.
func Entities(triples []export.Triple, prov Provenance) []*EntityPayload {
	if prov.Time.IsZero() {
		prov.Time = time.Now()
	}
	origin := prov.Component
	if origin == "" {
		origin = "semrml"
	}

	var order []string
	bySubject := make(map[string]*EntityPayload)

	for _, t := range triples {
		id := EntityID(t.Subject.Value)
		e, ok := bySubject[id]
		if !ok {
			e = &EntityPayload{EntityID_: id, UpdatedAt: prov.Time}
			e.TripleData = append(e.TripleData, newTriple(id, rml.ResourceIRI, t.Subject.Value, origin, prov.Time))
			if prov.Source != "" {
				e.TripleData = append(e.TripleData, newTriple(id, rml.MappingSource, prov.Source, origin, prov.Time))
			}
			if prov.ParentSource != "" {
				e.TripleData = append(e.TripleData, newTriple(id, rml.JoinParentSource, prov.ParentSource, origin, prov.Time))
			}
			e.TripleData = append(e.TripleData, newTriple(id, rml.MappingGeneratedAt, prov.Time.Format(time.RFC3339), origin, prov.Time))
			bySubject[id] = e
			order = append(order, id)
		}
		e.TripleData = append(e.TripleData, newTriple(id, t.Predicate.Value, objectValue(t.Object), origin, prov.Time))
	}

	out := make([]*EntityPayload, len(order))
	for i, id := range order {
		out[i] = bySubject[id]
	}
	return out
}

func newTriple(subject, predicate string, object any, source string, ts time.Time) message.Triple {
	return message.Triple{
		Subject:    subject,
		Predicate:  predicate,
		Object:     object,
		Source:     source,
		Timestamp:  ts,
		Confidence: 1.0,
	}
}

// objectValue converts an RDF object to a graph triple object.
func objectValue(t term.Term) any {
	if t.IsIRI() {
		return EntityID(t.Value)
	}
	switch t.Datatype {
	case rml.XSDInteger, rml.XSDInt, rml.XSDLong:
		if v, err := strconv.ParseInt(t.Value, 10, 64); err == nil {
			return v
		}
	case rml.XSDDouble, rml.XSDDecimal, rml.XSDFloat:
		if v, err := strconv.ParseFloat(t.Value, 64); err == nil {
			return v
		}
	case rml.XSDBoolean:
		if v, err := strconv.ParseBool(t.Value); err == nil {
			return v
		}
	}
	return t.Value
}

// PublishEntities publishes each entity to the graph ingest subject,
// retrying transient failures.
func PublishEntities(ctx context.Context, pub Publisher, entities []*EntityPayload) error {
	if pub == nil {
		return nil // Skip publishing if no NATS client (graceful degradation)
	}

	for _, e := range entities {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entity %s: %w", e.EntityID_, err)
		}
		err = retry.Do(ctx, retry.DefaultConfig(), func() error {
			return pub.PublishToStream(ctx, GraphIngestSubject, data)
		})
		if err != nil {
			return fmt.Errorf("publish entity %s: %w", e.EntityID_, err)
		}
	}
	return nil
}
