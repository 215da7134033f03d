// Package config loads client settings from HCL files.
//
// Example:
//
//	runtime {
//	  backend          = "simulated"
//	  device_count     = env.GPUSTREAM_DEVICES
//	  streams_per_pool = 32
//	}
//
//	logging {
//	  level  = "debug"
//	  format = "console"
//	}
//
//	metrics {
//	  enabled       = true
//	  poll_interval = "5s"
//	}
//
// Every block and attribute is optional; missing values keep Default().
// Environment variables are available as env.NAME.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Swind/go-gpu-stream/core"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	"go.uber.org/multierr"
)

// Config is the resolved configuration.
type Config struct {
	Runtime RuntimeConfig
	Logging LoggingConfig
	Metrics MetricsConfig
}

// RuntimeConfig selects and sizes the device runtime.
type RuntimeConfig struct {
	Backend                    string
	DeviceCount                int
	CurrentDevice              int
	StreamsPerPool             int
	HighPriorityStreamsPerPool int
	HistoryCapacity            int
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures the Prometheus exporter and snapshot poller.
type MetricsConfig struct {
	Enabled         bool
	Namespace       string
	PollInterval    time.Duration
	DurationBuckets []float64
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			Backend:                    "simulated",
			DeviceCount:                1,
			CurrentDevice:              0,
			StreamsPerPool:             32,
			HighPriorityStreamsPerPool: 32,
			HistoryCapacity:            100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:      false,
			Namespace:    "gpustream",
			PollInterval: time.Second,
		},
	}
}

// BackendOptions converts the runtime block for core.OpenBackend.
func (r RuntimeConfig) BackendOptions(logger core.Logger) core.BackendOptions {
	return core.BackendOptions{
		DeviceCount:                r.DeviceCount,
		CurrentDevice:              r.CurrentDevice,
		StreamsPerPool:             r.StreamsPerPool,
		HighPriorityStreamsPerPool: r.HighPriorityStreamsPerPool,
		HistoryCapacity:            r.HistoryCapacity,
		Logger:                     logger,
	}
}

// =============================================================================
// HCL schema
// =============================================================================

type fileSchema struct {
	Runtime *runtimeBlock `hcl:"runtime,block"`
	Logging *loggingBlock `hcl:"logging,block"`
	Metrics *metricsBlock `hcl:"metrics,block"`
}

type runtimeBlock struct {
	Backend                    *string `hcl:"backend,optional"`
	DeviceCount                *int    `hcl:"device_count,optional"`
	CurrentDevice              *int    `hcl:"current_device,optional"`
	StreamsPerPool             *int    `hcl:"streams_per_pool,optional"`
	HighPriorityStreamsPerPool *int    `hcl:"high_priority_streams_per_pool,optional"`
	HistoryCapacity            *int    `hcl:"history_capacity,optional"`
}

type loggingBlock struct {
	Level  *string `hcl:"level,optional"`
	Format *string `hcl:"format,optional"`
}

type metricsBlock struct {
	Enabled         *bool     `hcl:"enabled,optional"`
	Namespace       *string   `hcl:"namespace,optional"`
	PollInterval    *string   `hcl:"poll_interval,optional"`
	DurationBuckets []float64 `hcl:"duration_buckets,optional"`
}

// Load parses and validates the HCL file at path.
func Load(path string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse config file %s: %s", path, diags.Error())
	}
	return decode(file, path)
}

// Parse parses and validates HCL source. filename is used in diagnostics.
func Parse(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse config %s: %s", filename, diags.Error())
	}
	return decode(file, filename)
}

func decode(file *hcl.File, filename string) (*Config, error) {
	var raw fileSchema
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &raw); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode config %s: %s", filename, diags.Error())
	}

	cfg := Default()
	if err := cfg.merge(&raw); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", filename, err)
	}
	return cfg, nil
}

// evalContext exposes the process environment as env.NAME plus a few
// string and number helpers.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !validIdentifier(name) {
			continue
		}
		vars[name] = cty.StringVal(value)
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": env},
		Functions: map[string]function.Function{
			"lower":    stdlib.LowerFunc,
			"upper":    stdlib.UpperFunc,
			"max":      stdlib.MaxFunc,
			"min":      stdlib.MinFunc,
			"coalesce": stdlib.CoalesceFunc,
		},
	}
}

// validIdentifier reports whether name can be used as an attribute
// traversal (env.NAME) in HCL.
func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && (r >= '0' && r <= '9' || r == '-'):
		default:
			return false
		}
	}
	return true
}

func (c *Config) merge(raw *fileSchema) error {
	if r := raw.Runtime; r != nil {
		setIf(&c.Runtime.Backend, r.Backend)
		setIf(&c.Runtime.DeviceCount, r.DeviceCount)
		setIf(&c.Runtime.CurrentDevice, r.CurrentDevice)
		setIf(&c.Runtime.StreamsPerPool, r.StreamsPerPool)
		setIf(&c.Runtime.HighPriorityStreamsPerPool, r.HighPriorityStreamsPerPool)
		setIf(&c.Runtime.HistoryCapacity, r.HistoryCapacity)
	}
	if l := raw.Logging; l != nil {
		setIf(&c.Logging.Level, l.Level)
		setIf(&c.Logging.Format, l.Format)
	}
	if m := raw.Metrics; m != nil {
		setIf(&c.Metrics.Enabled, m.Enabled)
		setIf(&c.Metrics.Namespace, m.Namespace)
		if m.PollInterval != nil {
			d, err := time.ParseDuration(*m.PollInterval)
			if err != nil {
				return fmt.Errorf("metrics.poll_interval: %w", err)
			}
			c.Metrics.PollInterval = d
		}
		if m.DurationBuckets != nil {
			c.Metrics.DurationBuckets = m.DurationBuckets
		}
	}
	return nil
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs error
	r := c.Runtime
	if strings.TrimSpace(r.Backend) == "" {
		errs = multierr.Append(errs, fmt.Errorf("runtime.backend must not be empty"))
	}
	if r.DeviceCount < 1 {
		errs = multierr.Append(errs, fmt.Errorf("runtime.device_count must be at least 1, got %d", r.DeviceCount))
	}
	if r.CurrentDevice < 0 || (r.DeviceCount > 0 && r.CurrentDevice >= r.DeviceCount) {
		errs = multierr.Append(errs, fmt.Errorf("runtime.current_device %d out of range", r.CurrentDevice))
	}
	if r.StreamsPerPool < 1 {
		errs = multierr.Append(errs, fmt.Errorf("runtime.streams_per_pool must be at least 1, got %d", r.StreamsPerPool))
	}
	if r.HighPriorityStreamsPerPool < 0 {
		errs = multierr.Append(errs, fmt.Errorf("runtime.high_priority_streams_per_pool must not be negative"))
	}
	if r.HistoryCapacity < 0 {
		errs = multierr.Append(errs, fmt.Errorf("runtime.history_capacity must not be negative"))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = multierr.Append(errs, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = multierr.Append(errs, fmt.Errorf("logging.format %q is not one of json, console", c.Logging.Format))
	}

	if c.Metrics.PollInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("metrics.poll_interval must be positive"))
	}
	for i := 1; i < len(c.Metrics.DurationBuckets); i++ {
		if c.Metrics.DurationBuckets[i] <= c.Metrics.DurationBuckets[i-1] {
			errs = multierr.Append(errs, fmt.Errorf("metrics.duration_buckets must be strictly increasing"))
			break
		}
	}
	return errs
}
