package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "governor", config.ServiceName)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())

	rec, err := p.Recorder()
	require.NoError(t, err)
	require.NotNil(t, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestTrackOperation(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, finish := p.TrackOperation(context.Background(), "test.operation", attribute.String("route", "/v1/profiles"))
	require.NotNil(t, ctx)
	finish(nil)

	_, finish = p.TrackOperation(context.Background(), "test.operation.error")
	finish(errors.New("boom"))
}

func newTestRecorder(t *testing.T) (*Recorder, *sdkmetric.ManualReader, *tracetest.SpanRecorder) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	rec, err := NewRecorder(mp.Meter("test"), tp.Tracer("test"))
	require.NoError(t, err)
	return rec, reader, spans
}

func counterTotal(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestRecorder_Counters(t *testing.T) {
	rec, reader, _ := newTestRecorder(t)
	ctx := context.Background()

	rec.RecordDecision(ctx, "allow", "low")
	rec.RecordDecision(ctx, "deny", "unknown")
	rec.RecordBudgetHalt(ctx, "security")
	rec.RecordQualityResult(ctx, "output_fields", false, false)
	rec.RecordRouting(ctx, "planner")
	rec.RecordRouting(ctx, "planner")

	require.EqualValues(t, 2, counterTotal(t, reader, "governance.policy.decisions"))
	require.EqualValues(t, 1, counterTotal(t, reader, "governance.budget.halts"))
	require.EqualValues(t, 1, counterTotal(t, reader, "governance.quality.results"))
	require.EqualValues(t, 2, counterTotal(t, reader, "governance.routing.selections"))
}

func TestRecorder_CheckSpan(t *testing.T) {
	rec, _, spans := newTestRecorder(t)

	_, finish := rec.StartCheck(context.Background(), "exec-1", "fs.write")
	finish("require_confirm", nil)

	ended := spans.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "governance.check", ended[0].Name())

	attrs := map[attribute.Key]string{}
	for _, kv := range ended[0].Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	require.Equal(t, "exec-1", attrs[AttrExecutionID])
	require.Equal(t, "require_confirm", attrs[AttrDecision])
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var rec *Recorder
	ctx := context.Background()
	rec.RecordDecision(ctx, "allow", "low")
	rec.RecordBudgetHalt(ctx, "p")
	rec.RecordQualityResult(ctx, "g", true, false)
	rec.RecordRouting(ctx, "a")
	_, finish := rec.StartCheck(ctx, "e", "t")
	finish("allow", nil)
}
