// Package streamjoin provides a processor that correlates a child and a
// parent record stream on join keys within fixed time windows and emits the
// matched pairs for mapping.
package streamjoin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/message"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semrml/graph"
	"github.com/c360studio/semrml/join"
	"github.com/c360studio/semrml/payload"
)

// Component implements the stream-join processor.
type Component struct {
	name       string
	config     Config
	natsClient *natsclient.Client
	publisher  graph.Publisher
	logger     *slog.Logger
	metrics    *Metrics

	outputSubject string
	maxLag        time.Duration
	idleTimeout   time.Duration

	// Correlator state for the current run.
	correlator *join.Partitioned
	runDone    chan struct{}

	// Serializes submissions with the watermarks derived from them.
	submitMu sync.Mutex
	maxEvent     time.Time
	lastMark     time.Time
	lastReceived time.Time

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc

	// Metrics
	recordsReceived atomic.Int64
	recordsSkipped  atomic.Int64
	pairsEmitted    atomic.Int64
	publishErrors   atomic.Int64
	lastActivityMu  sync.RWMutex
	lastActivity    time.Time
}

// NewComponent creates a new stream-join processor.
func NewComponent(rawConfig json.RawMessage, deps component.Dependencies) (component.Discoverable, error) {
	config := DefaultConfig()
	if err := json.Unmarshal(rawConfig, &config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
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
	config.resolvePorts()
	return &Component{
		name:          "stream-join",
		config:        config,
		logger:        logger,
		outputSubject: config.Ports.Outputs[0].Subject,
		maxLag:        config.GetMaxOutOfOrderness(),
		idleTimeout:   config.GetIdleTimeout(),
	}
}

// Initialize prepares the component.
func (c *Component) Initialize() error {
	return nil
}

// Start begins consuming both record streams.
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

	runCtx, cancel := context.WithCancel(ctx)
	if err := c.startCorrelator(runCtx); err != nil {
		c.mu.Unlock()
		cancel()
		return err
	}

	// Set running state while holding lock to prevent race condition
	c.running = true
	c.startTime = time.Now()
	c.cancel = cancel
	c.mu.Unlock()

	sides := []join.Side{join.Child, join.Parent}
	for i, port := range c.config.Ports.Inputs {
		side := sides[i]
		consumerCfg := natsclient.StreamConsumerConfig{
			StreamName:    port.StreamName,
			ConsumerName:  c.config.GetConsumerName() + "-" + side.String(),
			FilterSubject: port.Subject,
			DeliverPolicy: "new",
			AckPolicy:     "explicit",
			MaxDeliver:    3,
			AckWait:       10 * time.Second,
		}
		handler := func(ctx context.Context, msg jetstream.Msg) { c.handleMessage(ctx, side, msg) }
		if err := c.natsClient.ConsumeStreamWithConfig(runCtx, consumerCfg, handler); err != nil {
			// Rollback running state on failure
			c.mu.Lock()
			c.running = false
			c.cancel = nil
			c.mu.Unlock()
			cancel()
			return fmt.Errorf("start consumer %s: %w", port.Name, err)
		}
	}

	c.logger.Info("stream-join started",
		"child_source", c.config.ChildSource,
		"parent_source", c.config.ParentSource,
		"conditions", c.config.Conditions.String(),
		"window_length_ms", c.config.WindowLengthMs,
		"partitions", c.config.Partitions,
		"time_mode", c.config.TimeMode,
		"output", c.outputSubject)

	return nil
}

// startCorrelator creates a fresh partitioned correlator and starts its
// workers, the match emitter and the watermark ticker (processing time, or
// event time with an idle timeout). Everything stops when ctx is cancelled; buffered windows are
// discarded.
func (c *Component) startCorrelator(ctx context.Context) error {
	p, err := join.NewPartitioned(c.config.Conditions, c.config.JoinConfig(), c.logger)
	if err != nil {
		return fmt.Errorf("create correlator: %w", err)
	}

	c.submitMu.Lock()
	c.correlator = p
	c.maxEvent = time.Time{}
	c.lastMark = time.Time{}
	c.lastReceived = time.Time{}
	c.submitMu.Unlock()

	done := make(chan struct{})
	c.runDone = done

	go func() {
		if err := p.Run(ctx); err != nil {
			c.logger.Error("Correlator stopped with error", "error", err)
		}
	}()

	go func() {
		defer close(done)
		for m := range p.Output() {
			c.emit(ctx, m)
		}
	}()

	if c.config.ProcessingTime() || c.idleTimeout > 0 {
		go c.tick(ctx, p)
	}
	return nil
}

// tick advances the watermark to the current time in processing time mode,
// and checks for idle input in event time mode.
func (c *Component) tick(ctx context.Context, p *join.Partitioned) {
	ticker := time.NewTicker(c.config.GetTickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			var err error
			if c.config.ProcessingTime() {
				c.submitMu.Lock()
				err = c.advance(ctx, p, now.Add(-c.maxLag))
				c.submitMu.Unlock()
			} else {
				err = c.advanceIdle(ctx, p, now)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("Failed to advance watermark", "error", err)
			}
		}
	}
}

// advanceIdle lets event time follow the wall clock once no record has
// arrived for idleTimeout, so the last open windows of a quiet stream close.
// Records arriving afterwards with older event times are late.
func (c *Component) advanceIdle(ctx context.Context, p *join.Partitioned, now time.Time) error {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	if c.idleTimeout <= 0 || c.lastReceived.IsZero() {
		return nil
	}
	idle := now.Sub(c.lastReceived)
	if idle < c.idleTimeout {
		return nil
	}
	return c.advance(ctx, p, c.maxEvent.Add(idle-c.maxLag))
}

// advance sends a watermark if it moves time forward. Callers hold submitMu.
func (c *Component) advance(ctx context.Context, p *join.Partitioned, mark time.Time) error {
	if !mark.After(c.lastMark) {
		return nil
	}
	c.lastMark = mark
	c.metrics.setWatermark(mark)
	return p.AdvanceWatermark(ctx, mark)
}

// handleMessage processes a single record from one side.
func (c *Component) handleMessage(ctx context.Context, side join.Side, msg jetstream.Msg) {
	err := c.process(ctx, side, msg.Data(), time.Now())
	switch {
	case err == nil:
		_ = msg.Ack()
	case retry.IsNonRetryable(err):
		c.logger.Warn("Dropping record", "side", side, "subject", msg.Subject(), "error", err)
		_ = msg.Term()
	default:
		c.logger.Warn("Failed to process record", "side", side, "subject", msg.Subject(), "error", err)
		_ = msg.Nak()
	}
}

// process submits a record to the correlator and, in event time mode,
// advances the watermark to the newest event time minus the allowed lag.
func (c *Component) process(ctx context.Context, side join.Side, data []byte, received time.Time) error {
	var baseMsg message.BaseMessage
	if err := json.Unmarshal(data, &baseMsg); err != nil {
		return retry.NonRetryable(fmt.Errorf("unmarshal base message: %w", err))
	}
	rec, ok := baseMsg.Payload().(*payload.RecordPayload)
	if !ok {
		return retry.NonRetryable(fmt.Errorf("unexpected payload type %s", baseMsg.Type()))
	}
	if err := rec.Validate(); err != nil {
		return retry.NonRetryable(fmt.Errorf("invalid record: %w", err))
	}

	want := c.config.ChildSource
	if side == join.Parent {
		want = c.config.ParentSource
	}
	if rec.Source != want {
		c.recordsSkipped.Add(1)
		c.metrics.record(side, "wrong_source")
		c.logger.Debug("Ignoring record of other source", "side", side, "source", rec.Source, "want", want)
		return nil
	}

	timed := rec.Timed(received)
	if c.config.ProcessingTime() {
		timed.Time = received
	}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	p := c.correlator
	if p == nil {
		return errors.New("correlator not started")
	}

	accepted, err := p.Submit(ctx, side, timed)
	if err != nil {
		return fmt.Errorf("submit %s record: %w", side, err)
	}
	c.recordsReceived.Add(1)
	c.updateLastActivity()
	if !accepted {
		c.recordsSkipped.Add(1)
		c.metrics.record(side, "unkeyed")
		c.logger.Debug("Record has no join key", "side", side, "id", rec.ID)
		return nil
	}
	// Lateness is decided by the partition worker, see Stats().Late.
	c.metrics.record(side, "submitted")

	if c.config.ProcessingTime() {
		return nil
	}
	c.lastReceived = received
	if timed.Time.After(c.maxEvent) {
		c.maxEvent = timed.Time
	}
	return c.advance(ctx, p, c.maxEvent.Add(-c.maxLag))
}

// emit publishes one joined pair.
func (c *Component) emit(ctx context.Context, m join.Match) {
	out := payload.NewJoined(c.config.ChildSource, c.config.ParentSource, m)
	c.pairsEmitted.Add(1)
	c.metrics.emitted()

	if c.publisher == nil {
		return // Skip publishing if no NATS client (graceful degradation)
	}

	data, err := json.Marshal(message.NewBaseMessage(payload.JoinedType, out, c.name))
	if err != nil {
		c.publishErrors.Add(1)
		c.logger.Error("Failed to marshal joined pair", "key", m.Key, "error", err)
		return
	}
	err = retry.Do(ctx, retry.DefaultConfig(), func() error {
		return c.publisher.PublishToStream(ctx, c.outputSubject, data)
	})
	if err != nil {
		c.publishErrors.Add(1)
		c.logger.Error("Failed to publish joined pair",
			"subject", c.outputSubject,
			"key", m.Key,
			"window_start", m.Window.Start,
			"error", err)
		return
	}

	c.logger.Debug("Emitted joined pair",
		"key", m.Key,
		"window_start", m.Window.Start,
		"window_end", m.Window.End)
}

// Stop gracefully stops the component. Open windows are discarded.
func (c *Component) Stop(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	if c.cancel != nil {
		c.cancel()
	}
	if c.runDone != nil {
		select {
		case <-c.runDone:
		case <-time.After(timeout):
			c.logger.Warn("Timed out waiting for correlator to stop")
		}
	}

	var stats join.Stats
	if c.correlator != nil {
		stats = c.correlator.Stats()
	}

	c.running = false
	c.logger.Info("stream-join stopped",
		"records_received", c.recordsReceived.Load(),
		"pairs_emitted", c.pairsEmitted.Load(),
		"late", stats.Late,
		"unmatched", stats.Unmatched,
		"publish_errors", c.publishErrors.Load())

	return nil
}

// Meta returns component metadata.
func (c *Component) Meta() component.Metadata {
	return component.Metadata{
		Name:        "stream-join",
		Type:        "processor",
		Description: "Correlates two record streams on join keys within event-time windows",
		Version:     "1.0.0",
	}
}

// InputPorts returns configured input port definitions.
func (c *Component) InputPorts() []component.Port {
	ports := make([]component.Port, len(c.config.Ports.Inputs))
	for i, portDef := range c.config.Ports.Inputs {
		ports[i] = buildPort(portDef, component.DirectionInput)
	}
	return ports
}

// OutputPorts returns configured output port definitions.
func (c *Component) OutputPorts() []component.Port {
	ports := make([]component.Port, len(c.config.Ports.Outputs))
	for i, portDef := range c.config.Ports.Outputs {
		ports[i] = buildPort(portDef, component.DirectionOutput)
	}
	return ports
}

// buildPort creates a component.Port from a PortDefinition.
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
	return streamJoinSchema
}

// Health returns the current health status.
func (c *Component) Health() component.HealthStatus {
	c.mu.RLock()
	running := c.running
	startTime := c.startTime
	c.mu.RUnlock()

	status := "stopped"
	if running {
		status = "running"
	}

	return component.HealthStatus{
		Healthy:    running,
		LastCheck:  time.Now(),
		ErrorCount: int(c.publishErrors.Load()),
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
