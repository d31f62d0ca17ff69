package graph

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semrml/export"
	"github.com/c360studio/semrml/term"
	"github.com/c360studio/semrml/vocabulary/rml"
)

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (p *recordingPublisher) PublishToStream(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

func mapped() []export.Triple {
	ada := term.NewIRI("http://example.org/person/1")
	lab := term.NewIRI("http://example.org/dept/1")
	return []export.Triple{
		{Subject: ada, Predicate: term.NewIRI(rml.RDFType), Object: term.NewIRI("http://example.org/Person")},
		{Subject: ada, Predicate: term.NewIRI("http://example.org/age"), Object: term.NewTypedLiteral("36", rml.XSDInteger)},
		{Subject: ada, Predicate: term.NewIRI("http://example.org/worksFor"), Object: lab},
		{Subject: lab, Predicate: term.NewIRI("http://example.org/label"), Object: term.NewLiteral("Research")},
	}
}

func TestEntityID_Stable(t *testing.T) {
	a := EntityID("http://example.org/person/1")
	assert.Equal(t, a, EntityID("http://example.org/person/1"))
	assert.NotEqual(t, a, EntityID("http://example.org/person/2"))
	assert.Len(t, strings.Split(a, "."), 6)
}

func TestEntities(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	entities := Entities(mapped(), Provenance{Source: "people", Component: "record-mapper", Time: now})
	require.Len(t, entities, 2)

	ada := entities[0]
	assert.Equal(t, EntityID("http://example.org/person/1"), ada.EntityID())
	require.NoError(t, ada.Validate())

	byPredicate := make(map[string]any)
	for _, tr := range ada.Triples() {
		byPredicate[tr.Predicate] = tr.Object
		assert.Equal(t, "record-mapper", tr.Source)
		assert.Equal(t, now, tr.Timestamp)
	}
	assert.Equal(t, "http://example.org/person/1", byPredicate[rml.ResourceIRI])
	assert.Equal(t, "people", byPredicate[rml.MappingSource])
	assert.Equal(t, int64(36), byPredicate["http://example.org/age"])
	assert.Equal(t, EntityID("http://example.org/dept/1"), byPredicate["http://example.org/worksFor"])
	assert.Equal(t, EntityID("http://example.org/Person"), byPredicate[rml.RDFType])
	assert.NotContains(t, byPredicate, rml.JoinParentSource)
}

func TestPublishEntities(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}

	entities := Entities(mapped(), Provenance{Source: "people"})
	require.NoError(t, PublishEntities(ctx, pub, entities))

	require.Len(t, pub.payloads, 2)
	assert.Equal(t, []string{GraphIngestSubject, GraphIngestSubject}, pub.subjects)

	var decoded EntityPayload
	require.NoError(t, json.Unmarshal(pub.payloads[0], &decoded))
	assert.Equal(t, entities[0].EntityID(), decoded.EntityID())
	assert.Len(t, decoded.Triples(), len(entities[0].Triples()))
}

func TestPublishEntities_NilPublisher(t *testing.T) {
	assert.NoError(t, PublishEntities(context.Background(), nil, Entities(mapped(), Provenance{})))
}

func TestPublishEntities_Failure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pub := &recordingPublisher{err: errors.New("stream unavailable")}
	err := PublishEntities(ctx, pub, Entities(mapped(), Provenance{}))
	assert.Error(t, err)
}

func TestEntityPayload_Validate(t *testing.T) {
	assert.Error(t, (&EntityPayload{}).Validate())
	assert.Error(t, (&EntityPayload{EntityID_: "x"}).Validate())
}
