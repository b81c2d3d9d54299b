// Package config provides unified configuration for the aufruf emulator.
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified)
//  3. Platform environment variables (AWS_LAMBDA_* and friends)
//  4. Emulator environment variable overrides (AUFRUF_ prefix)
//  5. Validation
package config

import "time"

// Config holds all configuration for the emulator.
type Config struct {
	Function      FunctionConfig      `yaml:"function"`
	Runtime       RuntimeConfig       `yaml:"runtime"`
	Invoke        InvokeConfig        `yaml:"invoke"`
	Watch         WatchConfig         `yaml:"watch"`
	Credentials   CredentialsConfig   `yaml:"credentials"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// FunctionConfig describes the emulated function. Every field has a fixed
// fallback so a bare sandbox works without any configuration.
type FunctionConfig struct {
	Name            string `yaml:"name"`             // default: "test"
	Version         string `yaml:"version"`          // default: "$LATEST"
	Handler         string `yaml:"handler"`          // default: "handler"
	MemorySize      int    `yaml:"memory_size"`      // MB, default: 1536
	Timeout         int    `yaml:"timeout"`          // seconds, default: 300
	Region          string `yaml:"region"`           // default: "us-east-1"
	AccountID       string `yaml:"account_id"`       // default: "000000000000"
	TraceID         string `yaml:"trace_id"`         // generated per invocation when empty
	ClientContext   string `yaml:"client_context"`   // optional
	CognitoIdentity string `yaml:"cognito_identity"` // optional
	TaskRoot        string `yaml:"task_root"`        // default: "/var/task"
	LayersRoot      string `yaml:"layers_root"`      // default: "/opt"
}

// TimeoutDuration returns the configured timeout as a duration.
func (f FunctionConfig) TimeoutDuration() time.Duration {
	return time.Duration(f.Timeout) * time.Second
}

// RuntimeConfig holds the control-plane listener settings. The address is
// loopback by default because only the local worker talks to it.
type RuntimeConfig struct {
	Addr string `yaml:"addr"` // default: "127.0.0.1:9001"
}

// InvokeConfig holds the invocation-trigger HTTP surface settings.
type InvokeConfig struct {
	Addr            string        `yaml:"addr"` // default: ":8080"
	StayOpen        bool          `yaml:"stay_open"`
	MaxBodySize     int64         `yaml:"max_body_size"`    // default: 6 MiB
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 10s
}

// WatchConfig holds hot-reload filesystem watch settings.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Paths    []string      `yaml:"paths"`    // default: [function.task_root]
	Debounce time.Duration `yaml:"debounce"` // default: 300ms
}

// CredentialsConfig controls host credential passthrough into the worker.
type CredentialsConfig struct {
	Passthrough bool          `yaml:"passthrough"` // default: true
	Timeout     time.Duration `yaml:"timeout"`     // default: 2s
}

// ObservabilityConfig holds monitoring and diagnostics settings.
type ObservabilityConfig struct {
	Metrics  MetricsConfig `yaml:"metrics"`
	Debug    string        `yaml:"debug"`     // debug categories, see pkg/debug
	LogLevel string        `yaml:"log_level"` // default: "INFO"
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Function: FunctionConfig{
			Name:       "test",
			Version:    "$LATEST",
			Handler:    "handler",
			MemorySize: 1536,
			Timeout:    300,
			Region:     "us-east-1",
			AccountID:  "000000000000",
			TaskRoot:   "/var/task",
			LayersRoot: "/opt",
		},
		Runtime: RuntimeConfig{
			Addr: "127.0.0.1:9001",
		},
		Invoke: InvokeConfig{
			Addr:            ":8080",
			MaxBodySize:     6 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Watch: WatchConfig{
			Debounce: 300 * time.Millisecond,
		},
		Credentials: CredentialsConfig{
			Passthrough: true,
			Timeout:     2 * time.Second,
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
			LogLevel: "INFO",
		},
	}
}
