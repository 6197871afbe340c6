package telemetry

import (
	"testing"

	"github.com/ByteMirror/swarm/config"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel"
)

func TestInitSuccess(t *testing.T) {
	shutdown, err := Init(config.ObservabilityConfig{
		ServiceName: "test-service",
		TracingURL:  "localhost:4318",
	})
	assert.NoError(t, err)
	assert.NotNil(t, shutdown)
	assert.NotNil(t, otel.GetTracerProvider())

	shutdown()
}

func TestInitRejectsIncompleteConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ObservabilityConfig
	}{
		{"empty service name", config.ObservabilityConfig{TracingURL: "localhost:4318"}},
		{"empty tracing url", config.ObservabilityConfig{ServiceName: "svc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Init(tt.cfg)
			assert.Error(t, err)
			assert.Nil(t, shutdown)
		})
	}
}

func TestSetupWithoutTracingURLIsNoop(t *testing.T) {
	shutdown := Setup(config.ObservabilityConfig{ServiceName: "svc"})
	assert.NotNil(t, shutdown)
	assert.NotPanics(t, shutdown)
}
