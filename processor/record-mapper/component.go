// Package recordmapper provides a processor that maps source records and
// joined record pairs to RDF using a compiled mapping document.
package recordmapper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semrml/export"
	"github.com/c360studio/semrml/function"
	"github.com/c360studio/semrml/graph"
	"github.com/c360studio/semrml/mapping"
	"github.com/c360studio/semrml/payload"
	"github.com/c360studio/semrml/storage"
)

// Component implements the record-mapper processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	publisher  graph.Publisher
	logger     *slog.Logger
	metrics    *Metrics

	format        export.Format
	inputs        []component.PortDefinition
	outputSubject string

	executor atomic.Pointer[mapping.Executor]
	resolver function.Resolver
	wasm     *function.WASMResolver
	watcher  *mappingWatcher

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	recordsProcessed atomic.Int64
	joinedProcessed  atomic.Int64
	triplesEmitted   atomic.Int64
	mappingErrors    atomic.Int64
	publishErrors    atomic.Int64
	reloads          atomic.Int64
	haltedMaps       atomic.Int64
	lastActivityMu   sync.RWMutex
	lastActivity     time.Time
}

// NewComponent creates a new record-mapper processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	config := DefaultConfig()
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if config.Ports == nil {
		config.Ports = DefaultConfig().Ports
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := deps.GetLogger()
	c := newComponent(config, logger)
	c.natsClient = deps.NATSClient
	if deps.NATSClient != nil {
		c.publisher = deps.NATSClient
	}
	c.metrics = newMetrics(deps.MetricsRegistry, logger)
	return c, nil
}

// newComponent builds a component without transport dependencies.
func newComponent(config Config, logger *slog.Logger) *Component {
	if logger == nil {
		logger = slog.Default()
	}

	outputSubject := "semrml.rdf.mapped"
	var inputs []component.PortDefinition
	if config.Ports != nil {
		inputs = config.Ports.Inputs
		if len(config.Ports.Outputs) > 0 {
			outputSubject = config.Ports.Outputs[0].Subject
		}
	}

	wasm := function.NewWASMResolver(config.ArtifactDir)
	return &Component{
		name:          "record-mapper",
		config:        config,
		logger:        logger,
		format:        config.GetFormat(),
		inputs:        inputs,
		outputSubject: outputSubject,
		wasm:          wasm,
		resolver:      function.ChainResolver{function.Builtins(), wasm},
	}
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	return nil
}

// Start loads the mapping and begins consuming records and joined pairs.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	if c.natsClient == nil {
		c.mu.Unlock()
		return fmt.Errorf("NATS client required")
	}

	if err := c.loadExecutor(ctx); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("load mapping: %w", err)
	}

	// Set running state while holding lock to prevent race condition
	c.running = true
	c.startTime = time.Now()

	consumeCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	for _, port := range c.inputs {
		consumerCfg := natsclient.StreamConsumerConfig{
			StreamName:    port.StreamName,
			ConsumerName:  c.config.GetConsumerName() + "-" + port.Name,
			FilterSubject: port.Subject,
			DeliverPolicy: "new",
			AckPolicy:     "explicit",
			MaxDeliver:    3,
			AckWait:       10 * time.Second,
		}
		if err := c.natsClient.ConsumeStreamWithConfig(consumeCtx, consumerCfg, c.handleMessage); err != nil {
			c.rollbackStart(cancel)
			return fmt.Errorf("start consumer %s: %w", port.Name, err)
		}
	}

	if c.config.WatchMapping {
		if err := c.startWatcher(consumeCtx); err != nil {
			c.rollbackStart(cancel)
			return fmt.Errorf("start mapping watcher: %w", err)
		}
	}

	m := c.executor.Load().Mapping()
	c.logger.Info("record-mapper started",
		"format", c.format,
		"sources", m.Sources(),
		"triples_maps", len(m.TriplesMaps()),
		"output", c.outputSubject)

	return nil
}

// rollbackStart resets running state after a failed start.
func (c *Component) rollbackStart(cancel context.CancelFunc) {
	c.mu.Lock()
	c.running = false
	c.cancel = nil
	c.mu.Unlock()
	cancel()
}

// loadDocument reads the mapping from files or from the KV catalog.
func (c *Component) loadDocument(ctx context.Context) (*mapping.Document, error) {
	if len(c.config.MappingPaths) > 0 {
		return mapping.LoadGlob(c.config.MappingPaths...)
	}

	if c.natsClient == nil {
		return nil, fmt.Errorf("mapping_key %q requires a NATS client", c.config.MappingKey)
	}
	js, err := c.natsClient.JetStream()
	if err != nil {
		return nil, fmt.Errorf("get JetStream: %w", err)
	}
	catalog, err := storage.NewCatalog(ctx, js)
	if err != nil {
		return nil, err
	}
	return catalog.LoadMapping(ctx, c.config.MappingKey)
}

// loadExecutor compiles the current mapping and swaps it in. The previous
// executor stays active when loading fails.
func (c *Component) loadExecutor(ctx context.Context) error {
	doc, err := c.loadDocument(ctx)
	if err != nil {
		return err
	}
	m, err := mapping.Compile(doc)
	if err != nil {
		return err
	}
	c.executor.Store(mapping.NewExecutor(m,
		mapping.WithResolver(c.resolver),
		mapping.WithLogger(c.logger)))
	c.haltedMaps.Store(0)
	c.metrics.setHalted(0)
	return nil
}

// startWatcher reloads the mapping whenever a watched document changes.
func (c *Component) startWatcher(ctx context.Context) error {
	w, err := newMappingWatcher(c.config.MappingPaths, c.config.GetWatchDebounce(), c.logger)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		_ = w.Stop()
		return err
	}
	c.watcher = w

	go func() {
		for range w.Changes() {
			c.reload(ctx)
		}
	}()
	return nil
}

// reload recompiles the mapping documents.
func (c *Component) reload(ctx context.Context) {
	if err := c.loadExecutor(ctx); err != nil {
		c.metrics.reload("error")
		c.logger.Warn("Mapping reload failed, keeping previous mapping", "error", err)
		return
	}
	c.reloads.Add(1)
	c.metrics.reload("ok")
	c.logger.Info("Mapping reloaded", "reloads", c.reloads.Load())
}

// handleMessage processes a single inbound message. Permanent failures are
// terminated so JetStream does not redeliver them.
func (c *Component) handleMessage(ctx context.Context, msg jetstream.Msg) {
	err := c.process(ctx, msg.Data())
	switch {
	case err == nil:
		_ = msg.Ack()
	case retry.IsNonRetryable(err):
		c.logger.Warn("Dropping message", "subject", msg.Subject(), "error", err)
		_ = msg.Term()
	default:
		c.logger.Warn("Failed to process message", "subject", msg.Subject(), "error", err)
		_ = msg.Nak()
	}
}

// process decodes a message and maps its payload.
func (c *Component) process(ctx context.Context, data []byte) error {
	var baseMsg message.BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		return retry.NonRetryable(fmt.Errorf("unmarshal base message: %w", err))
	}

	switch p := baseMsg.Payload().(type) {
	case *payload.RecordPayload:
		return c.handleRecord(ctx, p)
	case *payload.JoinedPayload:
		return c.handleJoined(ctx, p)
	default:
		return retry.NonRetryable(fmt.Errorf("unexpected payload type %s", baseMsg.Type()))
	}
}

// handleRecord maps one record of a logical source.
func (c *Component) handleRecord(ctx context.Context, p *payload.RecordPayload) error {
	if err := p.Validate(); err != nil {
		return retry.NonRetryable(fmt.Errorf("invalid record: %w", err))
	}
	exec := c.executor.Load()
	if exec == nil {
		return errors.New("mapping not loaded")
	}

	start := time.Now()
	triples, err := exec.Map(ctx, p.Source, p.Item())
	halted, err := c.splitHalted(exec, err)
	if err != nil {
		c.mappingErrors.Add(1)
		c.metrics.observe("record", p.Source, "error", 0, time.Since(start))
		return retry.NonRetryable(fmt.Errorf("map record %s: %w", p.ID, err))
	}

	out := &payload.RDFPayload{ID: p.ID, Source: p.Source, Halted: halted}
	prov := graph.Provenance{Source: p.Source, Component: c.name, Time: p.EventTime}
	if err := c.emit(ctx, exec, out, triples, prov); err != nil {
		c.metrics.observe("record", p.Source, "publish_error", len(triples), time.Since(start))
		return err
	}

	c.recordsProcessed.Add(1)
	c.metrics.observe("record", p.Source, "ok", len(triples), time.Since(start))
	c.updateLastActivity()
	c.logger.Debug("Mapped record", "source", p.Source, "id", p.ID, "triples", len(triples))
	return nil
}

// handleJoined maps the referencing objects of one joined pair.
func (c *Component) handleJoined(ctx context.Context, p *payload.JoinedPayload) error {
	if err := p.Validate(); err != nil {
		return retry.NonRetryable(fmt.Errorf("invalid joined pair: %w", err))
	}
	exec := c.executor.Load()
	if exec == nil {
		return errors.New("mapping not loaded")
	}

	start := time.Now()
	triples, err := exec.MapJoined(ctx, p.ChildSource, p.ParentSource, p.Joined())
	halted, err := c.splitHalted(exec, err)
	if err != nil {
		c.mappingErrors.Add(1)
		c.metrics.observe("joined", p.ChildSource, "error", 0, time.Since(start))
		return retry.NonRetryable(fmt.Errorf("map joined pair %s: %w", p.ID, err))
	}

	out := &payload.RDFPayload{ID: p.ID, Source: p.ChildSource, ParentSource: p.ParentSource, Halted: halted}
	prov := graph.Provenance{
		Source:       p.ChildSource,
		ParentSource: p.ParentSource,
		Component:    c.name,
		Time:         p.WindowEnd,
	}
	if err := c.emit(ctx, exec, out, triples, prov); err != nil {
		c.metrics.observe("joined", p.ChildSource, "publish_error", len(triples), time.Since(start))
		return err
	}

	c.joinedProcessed.Add(1)
	c.metrics.observe("joined", p.ChildSource, "ok", len(triples), time.Since(start))
	c.updateLastActivity()
	c.logger.Debug("Mapped joined pair",
		"child_source", p.ChildSource,
		"parent_source", p.ParentSource,
		"key", p.Key,
		"triples", len(triples))
	return nil
}

// splitHalted separates halted triples maps from real mapping failures.
// Halted maps are reported by name; their siblings' output is kept.
func (c *Component) splitHalted(exec *mapping.Executor, err error) ([]string, error) {
	if err == nil || !errors.Is(err, mapping.ErrMappingHalted) {
		return nil, err
	}

	all := exec.Halted()
	c.haltedMaps.Store(int64(len(all)))
	c.metrics.setHalted(len(all))

	var names []string
	for _, e := range unwrapJoined(err) {
		var he *mapping.HaltedError
		if errors.As(e, &he) {
			names = append(names, he.TriplesMap)
		}
	}
	sort.Strings(names)
	return names, nil
}

func unwrapJoined(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

// emit serializes triples and publishes RDF output, plus graph entities when
// enabled. Nothing is published for an empty result.
func (c *Component) emit(ctx context.Context, exec *mapping.Executor, out *payload.RDFPayload, triples []export.Triple, prov graph.Provenance) error {
	if len(triples) == 0 {
		return nil
	}

	content, err := export.Serialize(c.format, exec.Mapping().Prefixes(), triples)
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("serialize RDF: %w", err))
	}
	out.Format = string(c.format)
	out.Content = content
	out.TripleCount = len(triples)
	c.triplesEmitted.Add(int64(len(triples)))

	if c.publisher == nil {
		return nil // Skip publishing if no NATS client (graceful degradation)
	}

	data, err := json.Marshal(message.NewBaseMessage(payload.RDFType, out, c.name))
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("marshal RDF payload: %w", err))
	}

	// Graph entities go first: they are keyed by entity ID, so a redelivery
	// after a failed RDF publish overwrites them instead of duplicating.
	if c.config.PublishGraph {
		if err := graph.PublishEntities(ctx, c.publisher, graph.Entities(triples, prov)); err != nil {
			c.publishErrors.Add(1)
			return err
		}
	}

	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		return c.publisher.PublishToStream(ctx, c.outputSubject, data)
	})
	if err != nil {
		c.publishErrors.Add(1)
		return fmt.Errorf("publish RDF to %s: %w", c.outputSubject, err)
	}
	return nil
}

// Stop gracefully stops the component.
func (c *Component) Stop(_ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}
	if c.watcher != nil {
		_ = c.watcher.Stop()
		c.watcher = nil
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.wasm.Close(closeCtx); err != nil {
		c.logger.Warn("Failed to close WASM runtime", "error", err)
	}

	c.running = false
	c.logger.Info("record-mapper stopped",
		"records_processed", c.recordsProcessed.Load(),
		"joined_processed", c.joinedProcessed.Load(),
		"triples_emitted", c.triplesEmitted.Load(),
		"mapping_errors", c.mappingErrors.Load(),
		"publish_errors", c.publishErrors.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "record-mapper",
		Type:        "processor",
		Description: "Maps source records and joined pairs to RDF with RML-style mappings",
		Version:     "1.0.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = buildPort(portDef, component.DirectionInput)
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	if c.config.Ports == nil {
		return []component.Port{}
	}

	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = buildPort(portDef, component.DirectionOutput)
	}
	return ports
}

// buildPort creates a component.Port from a PortDefinition, using JetStreamPort
// for jetstream-type ports and NATSPort for core NATS ports.
func buildPort(portDef component.PortDefinition, direction component.Direction) component.Port {
	port := component.Port{
		Name:        portDef.Name,
		Direction:   direction,
		Required:    portDef.Required,
		Description: portDef.Description,
	}
	if portDef.Type == "jetstream" {
		port.Config = component.JetStreamPort{
			StreamName: portDef.StreamName,
			Subjects:   []string{portDef.Subject},
		}
	} else {
		port.Config = component.NATSPort{
			Subject: portDef.Subject,
		}
	}
	return port
}

// ConfigSchema returns the configuration schema.
func (c *Component) ConfigSchema() component.ConfigSchema {
	return recordMapperSchema
}

// Health returns the current health status. Halted triples maps count as
// errors and degrade the component.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	halted := c.haltedMaps.Load()
	errorCount := int(c.mappingErrors.Load() + c.publishErrors.Load() + halted)

	status := "stopped"
	switch {
	case running && halted > 0:
		status = "degraded"
	case running:
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running && halted == 0,
		LastCheck:  time.Now(),
		ErrorCount: errorCount,
		Uptime:     time.Since(startTime),
		Status:     status,
	}
}

// DataFlow returns current data flow metrics.
func (c *Component) DataFlow() component.FlowMetrics {
	return component.FlowMetrics{
		MessagesPerSecond: 0,
		BytesPerSecond:    0,
		ErrorRate:         0,
		LastActivity:      c.getLastActivity(),
	}
}

func (c *Component) updateLastActivity() {
	c.lastActivityMu.Lock()
	c.lastActivity = time.Now()
	c.lastActivityMu.Unlock()
}

func (c *Component) getLastActivity() time.Time {
	c.lastActivityMu.RLock()
	defer c.lastActivityMu.RUnlock()
	return c.lastActivity
}
