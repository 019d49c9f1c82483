package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/moolen/apptest/internal/config"
)

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		expectError bool
	}{
		{
			name: "disabled",
			cfg:  Config{},
		},
		{
			name:        "enabled without endpoint",
			cfg:         Config{Enabled: true},
			expectError: true,
		},
		{
			name: "plaintext",
			cfg:  Config{Enabled: true, Endpoint: "localhost:4317", Insecure: true},
		},
		{
			name: "tls",
			cfg:  Config{Enabled: true, Endpoint: "localhost:4317"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProvider(tt.cfg)
			if tt.expectError {
				require.Error(t, err)
				assert.True(t, config.IsConfigError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.cfg.Enabled, provider.IsEnabled())
			assert.NotNil(t, provider.Tracer())
			assert.NoError(t, provider.Shutdown(context.Background()))
		})
	}
}

func TestConfigFrom(t *testing.T) {
	cfg := config.Default()
	cfg.TracingEnabled = true
	cfg.TracingEndpoint = "otel:4317"
	cfg.TracingInsecure = true

	assert.Equal(t, Config{Enabled: true, Endpoint: "otel:4317", Insecure: true}, ConfigFrom(cfg))
}

func TestPhaseSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := tp.Tracer("test")

	_, span := StartPhase(context.Background(), tracer, "HelloIT", "deploy")
	EndPhase(span, nil)
	_, span = StartPhase(context.Background(), tracer, "HelloIT", "await")
	EndPhase(span, errors.New("timed out"))

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "apptest.deploy", ended[0].Name())
	assert.Equal(t, codes.Unset, ended[0].Status().Code)
	assert.Equal(t, "apptest.await", ended[1].Name())
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, "timed out", ended[1].Status().Description)
}
