// Package main provides the semrml binary entry point.
// Semrml maps record streams to RDF with RML-style mapping documents,
// correlating related streams within time windows, on top of semstreams.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	appconfig "github.com/c360studio/semrml/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "semrml"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globalOptions are flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
}

func rootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "semrml",
		Short: "Streaming RDF mapping engine",
		Long: `Semrml turns records from logical sources into RDF triples using
RML-style mapping documents.

It provides:
- Record mapping with templates, references, constants and functions
- Windowed stream joins for referencing object maps
- Offline batch mapping of JSON, JSON Lines and CSV files
- A mapping catalog in NATS KV

Service mode runs the record-mapper and stream-join processors on NATS
JetStream using the semstreams framework.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "semrml config file (YAML, default: layered semrml.yaml lookup)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(runCmd(opts))
	cmd.AddCommand(mapCmd(opts))
	cmd.AddCommand(catalogCmd(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

// setup loads the application config and configures logging.
func (o *globalOptions) setup() (*appconfig.Config, *slog.Logger, error) {
	bootstrap := newLogger(o.logLevel)

	var (
		cfg *appconfig.Config
		err error
	)
	if o.configPath != "" {
		cfg = appconfig.DefaultConfig()
		fileCfg, loadErr := appconfig.LoadFromFile(o.configPath)
		if loadErr != nil {
			return nil, nil, fmt.Errorf("load config: %w", loadErr)
		}
		cfg.Merge(fileCfg)
		err = cfg.Validate()
	} else {
		cfg, err = appconfig.NewLoader(bootstrap).Load()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level := o.logLevel
	if level == "" {
		level = cfg.Log.Level
	}
	logger := newLogger(level)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
