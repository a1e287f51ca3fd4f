package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordFrame(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrame(ctx, "waiting", 0.0002, 0.1)
	m.RecordFrame(ctx, "recording", 0.0003, 0.9)

	rm := collect(t, reader)

	met := findMetric(rm, "auricle.frame.duration")
	if met == nil {
		t.Fatal("frame duration metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("frame duration is not a histogram")
	}
	if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 2 {
		t.Errorf("frame duration datapoints = %+v, want count 2", hist.DataPoints)
	}

	met = findMetric(rm, "auricle.frames.processed")
	if met == nil {
		t.Fatal("frames processed metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("frames processed is not a sum")
	}
	// One data point per mode attribute.
	if len(sum.DataPoints) != 2 {
		t.Fatalf("frames processed datapoints = %d, want 2", len(sum.DataPoints))
	}
	for _, dp := range sum.DataPoints {
		if dp.Value != 1 {
			t.Errorf("frames processed value = %d, want 1", dp.Value)
		}
		if _, ok := dp.Attributes.Value(attribute.Key("mode")); !ok {
			t.Error("frames processed datapoint missing mode attribute")
		}
	}
}

func TestChunkCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCapturedChunk(ctx, 1024)
	m.RecordCapturedChunk(ctx, 512)
	m.RecordPlayedChunk(ctx, 2048)

	rm := collect(t, reader)

	tests := []struct {
		name string
		want int64
	}{
		{"auricle.chunks.captured", 2},
		{"auricle.bytes.captured", 1536},
		{"auricle.chunks.played", 1},
		{"auricle.bytes.played", 2048},
	}
	for _, tc := range tests {
		met := findMetric(rm, tc.name)
		if met == nil {
			t.Errorf("metric %q not found", tc.name)
			continue
		}
		sum, ok := met.Data.(metricdata.Sum[int64])
		if !ok || len(sum.DataPoints) == 0 {
			t.Errorf("metric %q has no sum datapoints", tc.name)
			continue
		}
		if got := sum.DataPoints[0].Value; got != tc.want {
			t.Errorf("metric %q = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestSessionGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionOpened(ctx, "capture")
	m.SessionOpened(ctx, "playback")
	m.SessionClosed(ctx, "playback")

	rm := collect(t, reader)
	met := findMetric(rm, "auricle.active_sessions")
	if met == nil {
		t.Fatal("active sessions metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("active sessions is not a sum")
	}
	byPath := map[string]int64{}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key("path")); ok {
			byPath[v.AsString()] = dp.Value
		}
	}
	if byPath["capture"] != 1 || byPath["playback"] != 0 {
		t.Errorf("sessions by path = %v, want capture 1 / playback 0", byPath)
	}
}
