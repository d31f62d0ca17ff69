package recordmapper

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/semrml/export"
)

// recordMapperSchema defines the configuration schema.
var recordMapperSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the record-mapper processor.
type Config struct {
	Ports         *component.PortConfig `json:"ports" schema:"type:ports,description:Port configuration,category:basic"`
	MappingPaths  []string              `json:"mapping_paths" schema:"type:array,description:Mapping document paths or ** glob patterns,category:basic"`
	MappingKey    string                `json:"mapping_key" schema:"type:string,description:Mapping name in the SEMRML_MAPPINGS KV bucket (used when mapping_paths is empty),category:basic"`
	Format        string                `json:"format" schema:"type:string,description:RDF serialization format (turtle/ntriples/jsonld),category:basic,default:ntriples"`
	PublishGraph  bool                  `json:"publish_graph" schema:"type:bool,description:Also publish mapped resources as graph entities,category:basic,default:false"`
	WatchMapping  bool                  `json:"watch_mapping" schema:"type:bool,description:Reload mapping documents when they change on disk,category:advanced,default:false"`
	WatchDebounce string                `json:"watch_debounce" schema:"type:string,description:Debounce delay before reloading changed mappings,category:advanced,default:500ms"`
	ArtifactDir   string                `json:"artifact_dir" schema:"type:string,description:Directory for relative WASM function artifacts,category:advanced"`
	ConsumerName  string                `json:"consumer_name" schema:"type:string,description:Durable consumer name prefix,category:advanced,default:record-mapper"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.MappingPaths) == 0 && c.MappingKey == "" {
		return fmt.Errorf("mapping_paths or mapping_key is required")
	}
	if c.Format != "" {
		if _, err := export.ParseFormat(c.Format); err != nil {
			return err
		}
	}
	if c.WatchDebounce != "" {
		d, err := time.ParseDuration(c.WatchDebounce)
		if err != nil {
			return fmt.Errorf("invalid watch_debounce: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("watch_debounce must be positive")
		}
	}
	if c.WatchMapping && len(c.MappingPaths) == 0 {
		return fmt.Errorf("watch_mapping requires mapping_paths")
	}
	return nil
}

// GetFormat returns the configured RDF format, defaulting to N-Triples.
func (c *Config) GetFormat() export.Format {
	f, err := export.ParseFormat(c.Format)
	if err != nil {
		return export.FormatNTriples
	}
	return f
}

// GetWatchDebounce returns the debounce delay as a duration.
func (c *Config) GetWatchDebounce() time.Duration {
	d, err := time.ParseDuration(c.WatchDebounce)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// GetConsumerName returns the durable consumer name prefix.
func (c *Config) GetConsumerName() string {
	if c.ConsumerName != "" {
		return c.ConsumerName
	}
	return "record-mapper"
}

// DefaultConfig returns the default configuration for record-mapper.
func DefaultConfig() Config {
	return Config{
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "records_in",
					Type:        "jetstream",
					Subject:     "semrml.record.>",
					StreamName:  "SEMRML",
					Required:    true,
					Description: "Records of logical sources",
				},
				{
					Name:        "joined_in",
					Type:        "jetstream",
					Subject:     "semrml.joined.>",
					StreamName:  "SEMRML",
					Required:    false,
					Description: "Joined record pairs from stream-join",
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "rdf_out",
					Type:        "jetstream",
					Subject:     "semrml.rdf.mapped",
					StreamName:  "SEMRML",
					Required:    true,
					Description: "Serialized RDF per input message",
				},
				{
					Name:        "graph_out",
					Type:        "jetstream",
					Subject:     "graph.ingest.entity",
					StreamName:  "GRAPH",
					Required:    false,
					Description: "Mapped resources as graph entities (publish_graph)",
				},
			},
		},
		Format:        "ntriples",
		WatchDebounce: "500ms",
		ConsumerName:  "record-mapper",
	}
}
