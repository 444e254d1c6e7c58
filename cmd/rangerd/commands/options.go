package commands

import (
	"fmt"

	"github.com/rangerd/rangerd/pkg/options"
	"github.com/rangerd/rangerd/pkg/telemetry"
)

// loadOptions resolves the options file from the flag or a positional
// argument and runs it through the loader.
func loadOptions(path string) (*options.StaticOptions, error) {
	if path == "" {
		path = optionsPath
	}
	if path == "" {
		return nil, fmt.Errorf("options file is required (use --options)")
	}

	loader, err := options.NewLoader()
	if err != nil {
		return nil, fmt.Errorf("initializing options loader: %w", err)
	}
	return loader.Load(path)
}

// buildTelemetry maps the loaded options onto the telemetry stack. The
// tracer is nil unless an exporter is configured.
func buildTelemetry(opts *options.StaticOptions, version string) (*telemetry.Logger, *telemetry.Metrics, *telemetry.Tracer, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if opts.LogFormat != "" {
		cfg.Logging.Format = opts.LogFormat
	}
	cfg.Tracing.Enabled = opts.TracingExporter != "" && opts.TracingExporter != "none"
	if cfg.Tracing.Enabled {
		cfg.Tracing.Exporter = opts.TracingExporter
		cfg.Tracing.Endpoint = opts.TracingEndpoint
		if opts.TraceSampleRatio > 0 {
			cfg.Tracing.SamplingRate = opts.TraceSampleRatio
		}
	}

	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing logging: %w", err)
	}
	metrics, err := telemetry.NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing metrics: %w", err)
	}

	var tracer *telemetry.Tracer
	if cfg.Tracing.Enabled {
		tracer, err = telemetry.NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("initializing tracing: %w", err)
		}
	}
	return logger, metrics, tracer, nil
}
