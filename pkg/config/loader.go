package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rhuss/aufruf/pkg/debug"
)

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, AUFRUF_CONFIG env, ./aufruf.yaml, /etc/aufruf/config.yaml)
//  3. Platform environment variables (AWS_LAMBDA_*, AWS_REGION, ...)
//  4. Emulator environment variables (AUFRUF_*)
//  5. Validation
func Load(configPath string) (*Config, error) {
	// Start with defaults.
	cfg := Defaults()

	// Discover and load YAML config file.
	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
		debug.Log("config", "loaded config file", "path", filePath)
	}

	// Apply environment variable overrides.
	applyEnvOverrides(&cfg)

	// The watch list falls back to the code the worker runs from.
	if len(cfg.Watch.Paths) == 0 {
		cfg.Watch.Paths = []string{cfg.Function.TaskRoot}
	}

	// Validate.
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. AUFRUF_CONFIG environment variable
// 3. ./aufruf.yaml in the current directory
// 4. /etc/aufruf/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	// Explicit path takes priority.
	if configPath != "" {
		return configPath
	}

	// Check AUFRUF_CONFIG env var.
	if envPath := os.Getenv("AUFRUF_CONFIG"); envPath != "" {
		return envPath
	}

	// Check common locations.
	candidates := []string{
		"aufruf.yaml",
		"/etc/aufruf/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnvOverrides maps environment variables to config fields. The
// platform names come first so that the sandbox's prepared environment is
// honored; explicit AUFRUF_ variables win over everything.
func applyEnvOverrides(cfg *Config) {
	// Platform variable mappings, as the cloud runtime would see them.
	if v := os.Getenv("AWS_LAMBDA_FUNCTION_NAME"); v != "" {
		cfg.Function.Name = v
	}
	if v := os.Getenv("AWS_LAMBDA_FUNCTION_VERSION"); v != "" {
		cfg.Function.Version = v
	}
	if v := os.Getenv("AWS_LAMBDA_FUNCTION_MEMORY_SIZE"); v != "" {
		if mb, err := strconv.Atoi(v); err == nil {
			cfg.Function.MemorySize = mb
		}
	}
	if v := os.Getenv("AWS_LAMBDA_FUNCTION_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Function.Timeout = secs
		}
	}
	if v := os.Getenv("AWS_LAMBDA_FUNCTION_HANDLER"); v != "" {
		cfg.Function.Handler = v
	}
	if v := os.Getenv("_HANDLER"); v != "" {
		cfg.Function.Handler = v
	}
	if v := os.Getenv("AWS_DEFAULT_REGION"); v != "" {
		cfg.Function.Region = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Function.Region = v
	}
	if v := os.Getenv("AWS_ACCOUNT_ID"); v != "" {
		cfg.Function.AccountID = v
	}
	if v := os.Getenv("_X_AMZN_TRACE_ID"); v != "" {
		cfg.Function.TraceID = v
	}
	if v := os.Getenv("AWS_LAMBDA_CLIENT_CONTEXT"); v != "" {
		cfg.Function.ClientContext = v
	}
	if v := os.Getenv("AWS_LAMBDA_COGNITO_IDENTITY"); v != "" {
		cfg.Function.CognitoIdentity = v
	}
	if v := os.Getenv("LAMBDA_TASK_ROOT"); v != "" {
		cfg.Function.TaskRoot = v
	}

	// Emulator variable mappings.
	if v := os.Getenv("AUFRUF_TASK_ROOT"); v != "" {
		cfg.Function.TaskRoot = v
	}
	if v := os.Getenv("AUFRUF_LAYERS_ROOT"); v != "" {
		cfg.Function.LayersRoot = v
	}
	if v := os.Getenv("AUFRUF_RUNTIME_ADDR"); v != "" {
		cfg.Runtime.Addr = v
	}
	if v := os.Getenv("AUFRUF_INVOKE_ADDR"); v != "" {
		cfg.Invoke.Addr = v
	}
	if v := os.Getenv("AUFRUF_STAY_OPEN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Invoke.StayOpen = b
		}
	}
	if v := os.Getenv("AUFRUF_WATCH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Watch.Enabled = b
		}
	}
	if v := os.Getenv("AUFRUF_WATCH_PATHS"); v != "" {
		cfg.Watch.Paths = splitPaths(v)
	}
	if v := os.Getenv("AUFRUF_WATCH_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Watch.Debounce = d
		}
	}
	if v := os.Getenv("AUFRUF_CREDENTIALS_PASSTHROUGH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Credentials.Passthrough = b
		}
	}
	if v := os.Getenv("AUFRUF_METRICS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Observability.Metrics.Enabled = b
		}
	}
	if v := os.Getenv("AUFRUF_DEBUG"); v != "" {
		cfg.Observability.Debug = v
	}
	if v := os.Getenv("AUFRUF_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}

// splitPaths parses a comma-separated path list, dropping empty entries.
func splitPaths(v string) []string {
	var paths []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}
