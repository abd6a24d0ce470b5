package otel

import (
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/multierr"

	"github.com/fluxorio/verticle/pkg/config"
)

// Exporter names accepted by Config.Exporter. An empty name means none.
const (
	ExporterJaeger = "jaeger"
	ExporterZipkin = "zipkin"
	ExporterStdout = "stdout"
	ExporterNone   = "none"
)

// Config selects the span exporter and describes the traced process.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	Exporter string
	Endpoint string

	// SampleRate is the ratio of root spans kept, in [0, 1].
	SampleRate float64
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "fluxor",
		Exporter:    ExporterNone,
		SampleRate:  1.0,
	}
}

// FromTracing maps the tracing section of a RuntimeConfig. Empty fields
// keep their DefaultConfig value.
func FromTracing(tc config.TracingConfig) Config {
	c := DefaultConfig()
	if tc.ServiceName != "" {
		c.ServiceName = tc.ServiceName
	}
	if tc.Exporter != "" {
		c.Exporter = tc.Exporter
	}
	c.ServiceVersion = tc.ServiceVersion
	c.Environment = tc.Environment
	c.Endpoint = tc.Endpoint
	c.SampleRate = tc.SampleRate
	return c
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var err error
	if c.ServiceName == "" {
		err = multierr.Append(err, errors.New("service name is required"))
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		err = multierr.Append(err, fmt.Errorf("sample rate %v outside [0, 1]", c.SampleRate))
	}
	switch c.Exporter {
	case ExporterJaeger, ExporterZipkin, ExporterStdout, ExporterNone, "":
	default:
		err = multierr.Append(err, fmt.Errorf("unsupported exporter %q", c.Exporter))
	}
	return err
}

// attributes describes the process on every exported span. Version and
// environment are left out when unset.
func (c Config) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("service.name", c.ServiceName)}
	if c.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", c.ServiceVersion))
	}
	if c.Environment != "" {
		attrs = append(attrs, attribute.String("deployment.environment", c.Environment))
	}
	return attrs
}
