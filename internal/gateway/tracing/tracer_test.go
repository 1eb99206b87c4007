package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap/zaptest"
)

func shutdown(t *testing.T, tracer *Tracer) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = tracer.Shutdown(ctx)
}

func TestNewTracer(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:   "disabled tracer",
			config: &Config{Enable: false},
		},
		{
			name: "jaeger exporter",
			config: &Config{
				Enable:      true,
				ServiceName: "portal-test",
				Endpoint:    "http://localhost:14268/api/traces",
				Exporter:    "jaeger",
				SampleRate:  1.0,
			},
		},
		{
			name: "zipkin exporter",
			config: &Config{
				Enable:      true,
				ServiceName: "portal-test",
				Endpoint:    "http://localhost:9411/api/v2/spans",
				Exporter:    "zipkin",
				SampleRate:  0.5,
			},
		},
		{
			name: "invalid exporter",
			config: &Config{
				Enable:      true,
				ServiceName: "portal-test",
				Exporter:    "invalid",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, err := NewTracer(tt.config, zaptest.NewLogger(t))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer shutdown(t, tracer)

			assert.Equal(t, tt.config.Enable, tracer.IsEnabled())
		})
	}
}

func TestTracer_DisabledOperations(t *testing.T) {
	tracer, err := NewTracer(&Config{Enable: false}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx := context.Background()
	newCtx, span := tracer.Start(ctx, "presence.connect")
	require.NotNil(t, newCtx)
	require.NotNil(t, span)
	span.End()

	tracer.AddEvent(ctx, "event", attribute.String("key", "value"))
	tracer.SetAttributes(ctx, attribute.String("attr", "value"))
	tracer.RecordError(ctx, errors.New("boom"))

	assert.Empty(t, tracer.GetTraceID(ctx))
	assert.Empty(t, tracer.GetSpanID(ctx))
}

func TestTracer_NilReceiver(t *testing.T) {
	var tracer *Tracer

	assert.False(t, tracer.IsEnabled())
	ctx, span := tracer.Start(context.Background(), "noop")
	span.End()
	assert.Empty(t, tracer.GetTraceID(ctx))
	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestTracer_InjectExtract(t *testing.T) {
	tracer, err := NewTracer(&Config{
		Enable:      true,
		ServiceName: "portal-test",
		Endpoint:    "http://localhost:14268/api/traces",
		Exporter:    "jaeger",
		SampleRate:  1.0,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer shutdown(t, tracer)

	ctx, span := tracer.Start(context.Background(), "parent")
	defer span.End()

	traceID := tracer.GetTraceID(ctx)
	require.NotEmpty(t, traceID)
	assert.NotEmpty(t, tracer.GetSpanID(ctx))

	headers := make(map[string][]string)
	tracer.InjectHTTPHeaders(ctx, headers)
	require.NotEmpty(t, headers)

	child, childSpan := tracer.Start(tracer.ExtractHTTPHeaders(context.Background(), headers), "child")
	defer childSpan.End()
	assert.Equal(t, traceID, tracer.GetTraceID(child))
}
