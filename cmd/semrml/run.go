package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/componentregistry"
	"github.com/c360studio/semstreams/config"
	"github.com/c360studio/semstreams/metric"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/service"
	"github.com/c360studio/semstreams/types"
	"github.com/spf13/cobra"

	appconfig "github.com/c360studio/semrml/config"
	"github.com/c360studio/semrml/mapping"
	recordmapper "github.com/c360studio/semrml/processor/record-mapper"
	streamjoin "github.com/c360studio/semrml/processor/stream-join"
	_ "github.com/c360studio/semrml/vocabulary/rml"
)

func runCmd(opts *globalOptions) *cobra.Command {
	var streamsConfig string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the mapping pipeline as a semstreams service",
		Long: `Run connects to NATS, ensures the JetStream streams exist and starts
one record-mapper plus one stream-join per join in the mapping documents.

A semstreams JSON config (--streams-config) replaces the generated flow.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, streamsConfig, logger)
		},
	}

	cmd.Flags().StringVar(&streamsConfig, "streams-config", "", "semstreams flow config file (JSON)")
	return cmd
}

func run(ctx context.Context, appCfg *appconfig.Config, streamsConfig string, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	printBanner()

	cfg, err := loadStreamsConfig(streamsConfig, appCfg)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Connect to NATS
	natsClient, err := connectToNATS(ctx, appCfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	// Ensure JetStream streams exist
	if err := ensureStreams(ctx, cfg, natsClient, logger); err != nil {
		return err
	}

	slog.Info("Semrml ready", "version", Version, "components", len(cfg.Components))

	// Create remaining infrastructure
	metricsRegistry := metric.NewMetricsRegistry()
	platform := extractPlatformMeta(cfg)

	// Create and start config manager (required for component-manager to access component configs)
	configManager, err := config.NewConfigManager(cfg, natsClient, logger)
	if err != nil {
		return fmt.Errorf("create config manager: %w", err)
	}
	if err := configManager.Start(ctx); err != nil {
		return fmt.Errorf("start config manager: %w", err)
	}
	defer configManager.Stop(5 * time.Second)

	// Create and populate component registry
	componentRegistry := component.NewRegistry()

	slog.Debug("Registering semstreams component factories")
	if err := componentregistry.Register(componentRegistry); err != nil {
		return fmt.Errorf("register semstreams components: %w", err)
	}

	slog.Debug("Registering semrml component factories")
	if err := recordmapper.Register(componentRegistry); err != nil {
		return fmt.Errorf("register record-mapper: %w", err)
	}
	if err := streamjoin.Register(componentRegistry); err != nil {
		return fmt.Errorf("register stream-join: %w", err)
	}

	factories := componentRegistry.ListFactories()
	slog.Info("Component factories registered", "count", len(factories))

	// Create service registry and manager (semstreams pattern)
	serviceRegistry := service.NewServiceRegistry()
	if err := service.RegisterAll(serviceRegistry); err != nil {
		return fmt.Errorf("register services: %w", err)
	}

	manager := service.NewServiceManager(serviceRegistry)
	ensureServiceManagerConfig(cfg)

	svcDeps := &service.Dependencies{
		NATSClient:        natsClient,
		MetricsRegistry:   metricsRegistry,
		Logger:            logger,
		Platform:          platform,
		Manager:           configManager,
		ComponentRegistry: componentRegistry,
	}

	if err := configureAndCreateServices(cfg, manager, svcDeps); err != nil {
		return err
	}

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	slog.Info("Starting all services")
	if err := manager.StartAll(signalCtx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	slog.Info("All services started successfully")

	// Block until shutdown signal
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := manager.StopAll(30 * time.Second); err != nil {
		slog.Error("Error stopping services", "error", err)
	}

	slog.Info("Semrml shutdown complete")
	return nil
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Println("║             Semrml v" + Version + "                      ║")
	fmt.Println("║      Streaming RDF Mapping Engine             ║")
	fmt.Println("╚═══════════════════════════════════════════════╝")
}

// loadStreamsConfig reads a semstreams flow config, or generates one from
// the application config and its mapping documents.
func loadStreamsConfig(path string, appCfg *appconfig.Config) (*config.Config, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		expanded := config.ExpandEnvWithDefaults(string(data))
		return config.NewLoader().LoadFromBytes([]byte(expanded))
	}

	if len(appCfg.Mapping.Paths) == 0 && appCfg.Mapping.CatalogKey == "" {
		return nil, fmt.Errorf("no mapping configured: set mapping.paths or mapping.catalog_key")
	}

	var joins []mapping.JoinSpec
	if len(appCfg.Mapping.Paths) > 0 {
		doc, err := mapping.LoadGlob(appCfg.Mapping.Paths...)
		if err != nil {
			return nil, err
		}
		m, err := mapping.Compile(doc)
		if err != nil {
			return nil, err
		}
		joins = m.Joins()
	}
	return buildStreamsConfig(appCfg, joins)
}

// buildStreamsConfig wires one record-mapper and one stream-join per join.
func buildStreamsConfig(appCfg *appconfig.Config, joins []mapping.JoinSpec) (*config.Config, error) {
	mapperCfg := recordmapper.DefaultConfig()
	mapperCfg.MappingPaths = appCfg.Mapping.Paths
	mapperCfg.MappingKey = appCfg.Mapping.CatalogKey
	mapperCfg.Format = appCfg.Output.Format
	mapperCfg.ArtifactDir = appCfg.Functions.ArtifactDir
	mapperCfg.WatchMapping = len(appCfg.Mapping.Paths) > 0
	mapperJSON, err := json.Marshal(mapperCfg)
	if err != nil {
		return nil, fmt.Errorf("marshal record-mapper config: %w", err)
	}

	components := config.ComponentConfigs{
		"record-mapper": types.ComponentConfig{
			Name:    "record-mapper",
			Type:    types.ComponentTypeProcessor,
			Enabled: true,
			Config:  mapperJSON,
		},
	}

	for _, j := range joins {
		joinCfg := streamjoin.DefaultConfig()
		joinCfg.ChildSource = j.ChildSource
		joinCfg.ParentSource = j.ParentSource
		joinCfg.Conditions = j.Condition
		joinCfg.WindowLengthMs = appCfg.Join.WindowLength.Milliseconds()
		joinCfg.Partitions = appCfg.Join.Partitions
		joinCfg.MaxOutOfOrderness = appCfg.Join.MaxOutOfOrderness.String()
		joinCfg.ConsumerName = "stream-join-" + j.ChildMap + "-" + j.ParentMap
		joinJSON, err := json.Marshal(joinCfg)
		if err != nil {
			return nil, fmt.Errorf("marshal stream-join config: %w", err)
		}

		instance := "stream-join-" + j.ChildMap + "-" + j.ParentMap
		components[instance] = types.ComponentConfig{
			Name:    "stream-join",
			Type:    types.ComponentTypeProcessor,
			Enabled: true,
			Config:  joinJSON,
		}
	}

	return &config.Config{
		Version: "1.0.0",
		Platform: config.PlatformConfig{
			Org:         "semrml",
			ID:          "semrml-local",
			Environment: "dev",
		},
		NATS: config.NATSConfig{
			URLs:          []string{appCfg.NATS.URL},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			JetStream: config.JetStreamConfig{
				Enabled: true,
			},
		},
		Services:   types.ServiceConfigs{},
		Components: components,
		Streams: config.StreamConfigs{
			"SEMRML": config.StreamConfig{
				Subjects: []string{
					"semrml.record.>",
					"semrml.joined.>",
					"semrml.rdf.>",
				},
				MaxAge:   "24h",
				Storage:  "file",
				Replicas: 1,
			},
			"GRAPH": config.StreamConfig{
				Subjects: []string{
					"graph.ingest.entity",
				},
				MaxAge:   "24h",
				Storage:  "memory",
				Replicas: 1,
			},
		},
	}, nil
}

func connectToNATS(ctx context.Context, cfg *appconfig.Config, logger *slog.Logger) (*natsclient.Client, error) {
	natsURL := cfg.NATS.URL

	// Environment variable override takes precedence
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		natsURL = envURL
	}

	logger.Info("Connecting to NATS", "url", natsURL)

	client, err := natsclient.NewClient(natsURL,
		natsclient.WithName(cfg.NATS.Name),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20),
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	logger.Info("Connected to NATS", "url", natsURL)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker run -p 4222:4222 nats -js

Or set NATS_URL environment variable to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func ensureStreams(ctx context.Context, cfg *config.Config, natsClient *natsclient.Client, logger *slog.Logger) error {
	logger.Debug("Creating JetStream streams")
	streamsManager := config.NewStreamsManager(natsClient, logger)

	if err := streamsManager.EnsureStreams(ctx, cfg); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	logger.Debug("JetStream streams ready")
	return nil
}

func extractPlatformMeta(cfg *config.Config) types.PlatformMeta {
	platformID := cfg.Platform.InstanceID
	if platformID == "" {
		platformID = cfg.Platform.ID
	}

	return types.PlatformMeta{
		Org:      cfg.Platform.Org,
		Platform: platformID,
	}
}

// ensureServiceManagerConfig ensures service-manager config exists with defaults
func ensureServiceManagerConfig(cfg *config.Config) {
	if cfg.Services == nil {
		cfg.Services = make(types.ServiceConfigs)
	}

	if _, exists := cfg.Services["service-manager"]; !exists {
		defaultConfig := map[string]any{
			"http_port":  8080,
			"swagger_ui": false,
			"server_info": map[string]string{
				"title":       "Semrml API",
				"description": "streaming RDF mapping engine",
				"version":     Version,
			},
		}
		defaultConfigJSON, _ := json.Marshal(defaultConfig)
		cfg.Services["service-manager"] = types.ServiceConfig{
			Name:    "service-manager",
			Enabled: true,
			Config:  defaultConfigJSON,
		}
	}
}

// configureAndCreateServices configures the manager and creates all services
func configureAndCreateServices(
	cfg *config.Config,
	manager *service.Manager,
	svcDeps *service.Dependencies,
) error {
	if err := manager.ConfigureFromServices(cfg.Services, svcDeps); err != nil {
		return fmt.Errorf("configure service manager: %w", err)
	}

	for name, svcConfig := range cfg.Services {
		if name == "service-manager" {
			continue
		}
		if !svcConfig.Enabled {
			slog.Info("Service disabled in config", "name", name)
			continue
		}
		if !manager.HasConstructor(name) {
			slog.Warn("Service configured but not registered", "key", name, "available_constructors", manager.ListConstructors())
			continue
		}
		if _, err := manager.CreateService(name, svcConfig.Config, svcDeps); err != nil {
			return fmt.Errorf("create service %s: %w", name, err)
		}
		slog.Info("Created service", "name", name, "config_name", svcConfig.Name)
	}

	return nil
}
