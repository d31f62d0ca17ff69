package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// ProjectConfigFile is the name of the project-level config file
	ProjectConfigFile = "semrml.yaml"
	// UserConfigDir is the directory for user-level config
	UserConfigDir = ".config/semrml"
	// UserConfigFile is the name of the user-level config file
	UserConfigFile = "config.yaml"
	// EnvPrefix prefixes environment overrides
	EnvPrefix = "SEMRML_"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger    *slog.Logger
	searchDir string
	homeDir   string
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger, lookupEnv: os.LookupEnv}
}

// SetSearchDir sets where the project config search starts (default: cwd).
func (l *Loader) SetSearchDir(dir string) { l.searchDir = dir }

// SetHomeDir overrides the user home directory.
func (l *Loader) SetHomeDir(dir string) { l.homeDir = dir }

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/semrml/config.yaml)
// 3. Project config (semrml.yaml in current or parent directories)
// 4. Environment variables (SEMRML_NATS_URL, SEMRML_LOG_LEVEL, ...)
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	config := DefaultConfig()

	// Load user config
	userConfigPath := l.userConfigPath()
	if userConfigPath != "" {
		if userConfig, err := LoadFromFile(userConfigPath); err == nil {
			l.logger.Debug("Loaded user config", slog.String("path", userConfigPath))
			config.Merge(userConfig)
		} else if !errors.Is(err, fs.ErrNotExist) {
			l.logger.Warn("Failed to load user config", slog.String("path", userConfigPath), slog.String("error", err.Error()))
		}
	}

	// Load project config
	projectConfigPath := l.findProjectConfig()
	if projectConfigPath != "" {
		projectConfig, err := LoadFromFile(projectConfigPath)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded project config", slog.String("path", projectConfigPath))
		config.Merge(projectConfig)
	} else {
		l.logger.Debug("No project config found")
	}

	l.applyEnv(config)

	// Validate final config
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overrides scalar settings from the environment.
func (l *Loader) applyEnv(c *Config) {
	str := func(name string, dst *string) {
		if v, ok := l.lookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	str("NATS_URL", &c.NATS.URL)
	str("MAPPING_CATALOG_KEY", &c.Mapping.CatalogKey)
	str("FUNCTIONS_ARTIFACT_DIR", &c.Functions.ArtifactDir)
	str("OUTPUT_FORMAT", &c.Output.Format)
	str("LOG_LEVEL", &c.Log.Level)

	if v, ok := l.lookupEnv(EnvPrefix + "MAPPING_PATHS"); ok && v != "" {
		c.Mapping.Paths = strings.Split(v, string(os.PathListSeparator))
	}
	if v, ok := l.lookupEnv(EnvPrefix + "JOIN_WINDOW_LENGTH"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			c.Join.WindowLength = d
		} else {
			l.logger.Warn("Ignoring invalid join window length", slog.String("value", v))
		}
	}
	if v, ok := l.lookupEnv(EnvPrefix + "JOIN_PARTITIONS"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.Join.Partitions = n
		} else {
			l.logger.Warn("Ignoring invalid join partitions", slog.String("value", v))
		}
	}
}

// EnsureUserConfig creates the user config file with defaults if it doesn't exist
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()

	// Check if it already exists
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil // Already exists
	}

	// Create default config
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}

	l.logger.Info("Created default user config", slog.String("path", userConfigPath))
	return nil
}

// userConfigPath returns the path to the user config file
func (l *Loader) userConfigPath() string {
	home := l.homeDir
	if home == "" {
		var err error
		if home, err = os.UserHomeDir(); err != nil {
			return ""
		}
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig searches for semrml.yaml in the search directory and its parents
func (l *Loader) findProjectConfig() string {
	dir := l.searchDir
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return ""
		}
		dir = cwd
	}

	for {
		configPath := filepath.Join(dir, ProjectConfigFile)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		// Move to parent directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			break
		}
		dir = parent
	}

	return ""
}
