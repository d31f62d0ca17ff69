package recordmapper

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/semrml/graph"
	"github.com/c360studio/semrml/payload"
)

const peopleMapping = `
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
    predicate_objects:
      - predicate: "ex:label"
        object: {reference: label}
`

type published struct {
	subject string
	data    []byte
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
	// failSubject limits err to one subject when set.
	failSubject string
}

func (p *capturePublisher) PublishToStream(_ context.Context, subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil && (p.failSubject == "" || p.failSubject == subject) {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

func (p *capturePublisher) bySubject(subject string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.msgs {
		if m.subject == subject {
			out = append(out, m)
		}
	}
	return out
}

func writeMapping(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "people.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestComponent(t *testing.T, src string, modify func(*Config)) (*Component, *capturePublisher) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.MappingPaths = []string{writeMapping(t, t.TempDir(), src)}
	if modify != nil {
		modify(&cfg)
	}
	require.NoError(t, cfg.Validate())

	c := newComponent(cfg, slog.Default())
	pub := &capturePublisher{}
	c.publisher = pub
	require.NoError(t, c.loadExecutor(context.Background()))
	return c, pub
}

func encode(t *testing.T, p message.Payload) []byte {
	t.Helper()
	data, err := json.Marshal(message.NewBaseMessage(p.Schema(), p, "test"))
	require.NoError(t, err)
	return data
}

func decodeRDF(t *testing.T, data []byte) *payload.RDFPayload {
	t.Helper()
	var base message.BaseMessage
	require.NoError(t, json.Unmarshal(data, &base))
	out, ok := base.Payload().(*payload.RDFPayload)
	require.True(t, ok, "payload type %T", base.Payload())
	return out
}

func TestNewComponent_Unit(t *testing.T) {
	tests := []struct {
		name      string
		rawConfig json.RawMessage
		wantErr   bool
	}{
		{
			name:      "invalid JSON",
			rawConfig: json.RawMessage(`{invalid json}`),
			wantErr:   true,
		},
		{
			name:      "no mapping source",
			rawConfig: json.RawMessage(`{}`),
			wantErr:   true,
		},
		{
			name:      "unsupported format",
			rawConfig: json.RawMessage(`{"mapping_key":"people","format":"rdfxml"}`),
			wantErr:   true,
		},
		{
			name:      "watch without paths",
			rawConfig: json.RawMessage(`{"mapping_key":"people","watch_mapping":true}`),
			wantErr:   true,
		},
		{
			name:      "bad debounce",
			rawConfig: json.RawMessage(`{"mapping_paths":["m.yaml"],"watch_debounce":"soon"}`),
			wantErr:   true,
		},
		{
			name:      "valid with key",
			rawConfig: json.RawMessage(`{"mapping_key":"people","format":"turtle"}`),
			wantErr:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Use minimal dependencies - no NATS client
			deps := component.Dependencies{
				Logger: slog.Default(),
			}

			c, err := NewComponent(tt.rawConfig, deps)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "record-mapper", c.Meta().Name)
			assert.Len(t, c.InputPorts(), 2)
			assert.Len(t, c.OutputPorts(), 2)
		})
	}
}

func TestComponent_StartWithoutNATSClient(t *testing.T) {
	c := newComponent(DefaultConfig(), slog.Default())
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NATS client required")
	assert.NoError(t, c.Stop(time.Second), "Stop should not error when not running")
}

func TestComponent_MapsRecord(t *testing.T) {
	c, pub := newTestComponent(t, peopleMapping, nil)

	rec := payload.NewRecord("people", map[string]any{"id": "1", "name": "ada", "dept_id": "d1"}, time.Time{})
	require.NoError(t, c.process(context.Background(), encode(t, rec)))

	msgs := pub.bySubject("semrml.rdf.mapped")
	require.Len(t, msgs, 1)
	out := decodeRDF(t, msgs[0].data)
	assert.Equal(t, rec.ID, out.ID)
	assert.Equal(t, "people", out.Source)
	assert.Equal(t, "ntriples", out.Format)
	assert.Equal(t, 3, out.TripleCount)
	assert.Contains(t, out.Content, `<http://example.org/person/1> <http://example.org/name> "ada" .`)
	assert.Contains(t, out.Content, `<http://example.org/person/1> <http://example.org/shout> "ADA" .`)
	assert.NotContains(t, out.Content, "worksFor", "referencing objects need a joined pair")

	assert.Empty(t, pub.bySubject(graph.GraphIngestSubject))
	assert.Equal(t, int64(1), c.recordsProcessed.Load())
	assert.Equal(t, int64(3), c.triplesEmitted.Load())
}

func TestComponent_MapsJoinedPair(t *testing.T) {
	c, pub := newTestComponent(t, peopleMapping, nil)

	joined := &payload.JoinedPayload{
		ID:           "j1",
		ChildSource:  "people",
		ParentSource: "departments",
		Key:          "2:d1",
		WindowStart:  time.UnixMilli(0),
		WindowEnd:    time.UnixMilli(10000),
		Child:        map[string]any{"id": "1", "dept_id": "d1"},
		Parent:       map[string]any{"id": "d1", "label": "Research"},
	}
	require.NoError(t, c.process(context.Background(), encode(t, joined)))

	msgs := pub.bySubject("semrml.rdf.mapped")
	require.Len(t, msgs, 1)
	out := decodeRDF(t, msgs[0].data)
	assert.Equal(t, "departments", out.ParentSource)
	assert.Equal(t, 1, out.TripleCount)
	assert.Equal(t, "<http://example.org/person/1> <http://example.org/worksFor> <http://example.org/dept/d1> .\n", out.Content)
	assert.Equal(t, int64(1), c.joinedProcessed.Load())
}

func TestComponent_PublishGraph(t *testing.T) {
	c, pub := newTestComponent(t, peopleMapping, func(cfg *Config) { cfg.PublishGraph = true })

	rec := payload.NewRecord("departments", map[string]any{"id": "d1", "label": "Research"}, time.UnixMilli(1000))
	require.NoError(t, c.process(context.Background(), encode(t, rec)))

	entities := pub.bySubject(graph.GraphIngestSubject)
	require.Len(t, entities, 1)
	var base message.BaseMessage
	require.NoError(t, json.Unmarshal(entities[0].data, &base))
	e, ok := base.Payload().(*graph.EntityPayload)
	require.True(t, ok)
	assert.Equal(t, graph.EntityID("http://example.org/dept/d1"), e.EntityID())
}

func TestComponent_EmptyResultPublishesNothing(t *testing.T) {
	c, pub := newTestComponent(t, peopleMapping, nil)

	// No id: the subject cannot be generated.
	rec := payload.NewRecord("people", map[string]any{"name": "ada"}, time.Time{})
	require.NoError(t, c.process(context.Background(), encode(t, rec)))
	assert.Empty(t, pub.bySubject("semrml.rdf.mapped"))

	// Unknown source maps to nothing as well.
	rec = payload.NewRecord("nobody", map[string]any{"id": "1"}, time.Time{})
	require.NoError(t, c.process(context.Background(), encode(t, rec)))
	assert.Empty(t, pub.bySubject("semrml.rdf.mapped"))
}

func TestComponent_PermanentFailures(t *testing.T) {
	c, _ := newTestComponent(t, peopleMapping, nil)
	ctx := context.Background()

	err := c.process(ctx, []byte("not json"))
	require.Error(t, err)
	assert.True(t, retry.IsNonRetryable(err))

	invalid := &payload.RecordPayload{Data: map[string]any{}}
	err = c.process(ctx, encode(t, invalid))
	require.Error(t, err)
	assert.True(t, retry.IsNonRetryable(err))

	rdf := &payload.RDFPayload{Source: "x", Format: "ntriples"}
	err = c.process(ctx, encode(t, rdf))
	require.Error(t, err)
	assert.True(t, retry.IsNonRetryable(err))
}

func TestComponent_PublishFailureIsRetryable(t *testing.T) {
	c, pub := newTestComponent(t, peopleMapping, nil)
	pub.err = assert.AnError

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec := payload.NewRecord("departments", map[string]any{"id": "d1", "label": "R"}, time.Time{})
	err := c.process(ctx, encode(t, rec))
	require.Error(t, err)
	assert.False(t, retry.IsNonRetryable(err))
	assert.Equal(t, int64(1), c.publishErrors.Load())
}

func TestComponent_GraphFailureDoesNotDuplicateRDF(t *testing.T) {
	c, pub := newTestComponent(t, peopleMapping, func(cfg *Config) { cfg.PublishGraph = true })
	pub.err = assert.AnError
	pub.failSubject = graph.GraphIngestSubject

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data := encode(t, payload.NewRecord("departments", map[string]any{"id": "d1", "label": "R"}, time.Time{}))
	err := c.process(ctx, data)
	require.Error(t, err)
	assert.False(t, retry.IsNonRetryable(err), "graph failures are redelivered")
	assert.Empty(t, pub.bySubject("semrml.rdf.mapped"), "RDF waits for the graph publish")

	// Redelivery once the graph subject recovers publishes RDF exactly once.
	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	require.NoError(t, c.process(ctx, data))
	assert.Len(t, pub.bySubject("semrml.rdf.mapped"), 1)
	assert.Len(t, pub.bySubject(graph.GraphIngestSubject), 1)
}

func TestComponent_HaltedTriplesMap(t *testing.T) {
	src := strings.Replace(peopleMapping, "method: toUpperCase", "method: noSuchFunction", 1)
	c, pub := newTestComponent(t, src, nil)
	c.running = true

	rec := payload.NewRecord("people", map[string]any{"id": "1", "name": "ada"}, time.Time{})
	require.NoError(t, c.process(context.Background(), encode(t, rec)), "halting is not a message failure")
	assert.Empty(t, pub.bySubject("semrml.rdf.mapped"), "halted map produces nothing")

	health := c.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, 1, health.ErrorCount)

	// Sibling maps keep producing.
	dept := payload.NewRecord("departments", map[string]any{"id": "d1", "label": "R"}, time.Time{})
	require.NoError(t, c.process(context.Background(), encode(t, dept)))
	assert.Len(t, pub.bySubject("semrml.rdf.mapped"), 1)
}

func TestSplitHalted_ReportsNames(t *testing.T) {
	src := strings.Replace(peopleMapping, "method: toUpperCase", "method: noSuchFunction", 1)
	c, _ := newTestComponent(t, src, nil)
	exec := c.executor.Load()

	_, err := exec.Map(context.Background(), "people", payload.NewRecord("people", map[string]any{"id": "1", "name": "a"}, time.Time{}).Item())
	names, err := c.splitHalted(exec, err)
	require.NoError(t, err)
	assert.Equal(t, []string{"person"}, names)
}

func TestComponent_Reload(t *testing.T) {
	c, pub := newTestComponent(t, peopleMapping, nil)
	ctx := context.Background()
	before := c.executor.Load()

	updated := strings.Replace(peopleMapping, `"ex:label"`, `"ex:title"`, 1)
	writeMapping(t, filepath.Dir(c.config.MappingPaths[0]), updated)
	c.reload(ctx)
	assert.NotSame(t, before, c.executor.Load())
	assert.Equal(t, int64(1), c.reloads.Load())

	rec := payload.NewRecord("departments", map[string]any{"id": "d1", "label": "R"}, time.Time{})
	require.NoError(t, c.process(ctx, encode(t, rec)))
	out := decodeRDF(t, pub.bySubject("semrml.rdf.mapped")[0].data)
	assert.Contains(t, out.Content, "<http://example.org/title>")

	// A broken document keeps the previous mapping.
	current := c.executor.Load()
	writeMapping(t, filepath.Dir(c.config.MappingPaths[0]), "mappings: [")
	c.reload(ctx)
	assert.Same(t, current, c.executor.Load())
	assert.Equal(t, int64(1), c.reloads.Load())
}

func TestComponent_HealthStopped(t *testing.T) {
	c := newComponent(DefaultConfig(), slog.Default())
	health := c.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, "stopped", health.Status)
	assert.True(t, c.DataFlow().LastActivity.IsZero())
}

func TestConfig_GetFormat(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "ntriples", string(cfg.GetFormat()))
	cfg.Format = "ttl"
	assert.Equal(t, "turtle", string(cfg.GetFormat()))
	cfg.Format = ""
	assert.Equal(t, "ntriples", string(cfg.GetFormat()))
	assert.Equal(t, 500*time.Millisecond, cfg.GetWatchDebounce())
}
