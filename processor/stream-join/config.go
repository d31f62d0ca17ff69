package streamjoin

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/semrml/join"
)

// streamJoinSchema defines the configuration schema.
var streamJoinSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Time modes.
const (
	TimeModeEvent      = "event"
	TimeModeProcessing = "processing"
)

// Config holds configuration for the stream-join processor.
type Config struct {
	Ports             *component.PortConfig `json:"ports" schema:"type:ports,description:Port configuration (child input first then parent input),category:basic"`
	ChildSource       string                `json:"child_source" schema:"type:string,description:Logical source of the child stream,category:basic,required:true"`
	ParentSource      string                `json:"parent_source" schema:"type:string,description:Logical source of the parent stream,category:basic,required:true"`
	Conditions        join.Condition        `json:"conditions" schema:"type:array,description:Join key pairs of child and parent paths,category:basic,required:true"`
	WindowLengthMs    int64                 `json:"window_length_ms" schema:"type:int,description:Join window length in milliseconds,category:basic,default:10000,min:1"`
	Partitions        int                   `json:"partitions" schema:"type:int,description:Number of key partitions,category:advanced,default:4,min:1"`
	BufferSize        int                   `json:"buffer_size" schema:"type:int,description:Per-partition input buffer,category:advanced,default:256"`
	MaxOutOfOrderness string                `json:"max_out_of_orderness" schema:"type:string,description:How far event time may lag the newest event before windows close,category:basic,default:2s"`
	TimeMode          string                `json:"time_mode" schema:"type:string,description:Time source for windows (event/processing),category:basic,default:event"`
	TickInterval      string                `json:"tick_interval" schema:"type:string,description:Interval of the watermark ticker (processing time and idle checks),category:advanced,default:1s"`
	IdleTimeout       string                `json:"idle_timeout" schema:"type:string,description:In event time mode advance the watermark at wall-clock pace once no record arrived for this long so the newest windows close (0s keeps them open until the next record),category:advanced,default:10s"`
	ConsumerName      string                `json:"consumer_name" schema:"type:string,description:Durable consumer name prefix,category:advanced,default:stream-join"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ChildSource == "" || c.ParentSource == "" {
		return fmt.Errorf("child_source and parent_source are required")
	}
	if err := c.Conditions.Validate(); err != nil {
		return err
	}
	if err := c.JoinConfig().Validate(); err != nil {
		return err
	}
	if _, err := parseNonNegative("max_out_of_orderness", c.MaxOutOfOrderness); err != nil {
		return err
	}
	if _, err := parseNonNegative("tick_interval", c.TickInterval); err != nil {
		return err
	}
	if _, err := parseNonNegative("idle_timeout", c.IdleTimeout); err != nil {
		return err
	}
	switch c.TimeMode {
	case "", TimeModeEvent, TimeModeProcessing:
	default:
		return fmt.Errorf("unsupported time_mode: %s (valid: event, processing)", c.TimeMode)
	}
	if c.Ports != nil && len(c.Ports.Inputs) != 0 && len(c.Ports.Inputs) != 2 {
		return fmt.Errorf("expected 2 input ports (child, parent), got %d", len(c.Ports.Inputs))
	}
	return nil
}

func parseNonNegative(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

// JoinConfig returns the correlator configuration.
func (c *Config) JoinConfig() join.Config {
	return join.Config{
		WindowLengthMs: c.WindowLengthMs,
		Partitions:     c.Partitions,
		BufferSize:     c.BufferSize,
	}
}

// GetMaxOutOfOrderness returns the allowed event-time lag.
func (c *Config) GetMaxOutOfOrderness() time.Duration {
	d, _ := parseNonNegative("max_out_of_orderness", c.MaxOutOfOrderness)
	return d
}

// GetTickInterval returns the processing-time watermark interval.
func (c *Config) GetTickInterval() time.Duration {
	d, _ := parseNonNegative("tick_interval", c.TickInterval)
	if d == 0 {
		return time.Second
	}
	return d
}

// GetIdleTimeout returns how long an event time stream may stay silent
// before its watermark follows the wall clock. Zero disables this.
func (c *Config) GetIdleTimeout() time.Duration {
	d, _ := parseNonNegative("idle_timeout", c.IdleTimeout)
	return d
}

// ProcessingTime reports whether windows use receipt time.
func (c *Config) ProcessingTime() bool {
	return c.TimeMode == TimeModeProcessing
}

// GetConsumerName returns the durable consumer name prefix.
func (c *Config) GetConsumerName() string {
	if c.ConsumerName != "" {
		return c.ConsumerName
	}
	return "stream-join"
}

// DefaultConfig returns the default configuration for stream-join. Port
// subjects left empty are derived from the source names.
func DefaultConfig() Config {
	jc := join.DefaultConfig()
	return Config{
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "child_in",
					Type:        "jetstream",
					StreamName:  "SEMRML",
					Required:    true,
					Description: "Records of the child source",
				},
				{
					Name:        "parent_in",
					Type:        "jetstream",
					StreamName:  "SEMRML",
					Required:    true,
					Description: "Records of the parent source",
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "joined_out",
					Type:        "jetstream",
					StreamName:  "SEMRML",
					Required:    true,
					Description: "Joined record pairs",
				},
			},
		},
		WindowLengthMs:    jc.WindowLengthMs,
		Partitions:        jc.Partitions,
		BufferSize:        jc.BufferSize,
		MaxOutOfOrderness: "2s",
		TimeMode:          TimeModeEvent,
		TickInterval:      "1s",
		IdleTimeout:       "10s",
		ConsumerName:      "stream-join",
	}
}

// resolvePorts fills empty port subjects from the source names.
func (c *Config) resolvePorts() {
	if c.Ports == nil {
		c.Ports = DefaultConfig().Ports
	}
	if len(c.Ports.Inputs) == 0 {
		c.Ports.Inputs = DefaultConfig().Ports.Inputs
	}
	if len(c.Ports.Outputs) == 0 {
		c.Ports.Outputs = DefaultConfig().Ports.Outputs
	}
	if c.Ports.Inputs[0].Subject == "" {
		c.Ports.Inputs[0].Subject = RecordSubject(c.ChildSource)
	}
	if len(c.Ports.Inputs) > 1 && c.Ports.Inputs[1].Subject == "" {
		c.Ports.Inputs[1].Subject = RecordSubject(c.ParentSource)
	}
	if c.Ports.Outputs[0].Subject == "" {
		c.Ports.Outputs[0].Subject = JoinedSubject(c.ChildSource, c.ParentSource)
	}
}

// RecordSubject is the subject records of a logical source are published on.
func RecordSubject(source string) string {
	return "semrml.record." + source
}

// JoinedSubject is the subject joined pairs of two sources are published on.
func JoinedSubject(childSource, parentSource string) string {
	return "semrml.joined." + childSource + "." + parentSource
}
