package telemetry

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestRecorderCounts(t *testing.T) {
	r := &Recorder{}
	r.FrameProcessed()
	r.FrameProcessed()
	r.EventEmitted(false)
	r.EventEmitted(true)
	r.PartialDropped()
	r.FinalDropped()
	r.PartialSkipped()
	r.TranslationCompleted(10*time.Millisecond, false)
	r.TranslationCompleted(0, true)
	r.TranslationFailed()
	r.EventApplied(true)

	got := r.Snapshot()
	want := Counters{
		Frames:             2,
		Partials:           1,
		Finals:             1,
		PartialsDropped:    1,
		FinalsDropped:      1,
		PartialsSkipped:    1,
		Translations:       2,
		TranslationsCached: 1,
		TranslationsFailed: 1,
		Applied:            1,
	}
	if got != want {
		t.Fatalf("unexpected counters %+v", got)
	}
}

func TestRecorderExportsInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	r := &Recorder{}
	if err := r.initMetrics(provider.Meter("test")); err != nil {
		t.Fatalf("init metrics: %v", err)
	}
	r.FrameProcessed()
	r.FrameProcessed()
	r.FrameProcessed()
	r.TranslationCompleted(25*time.Millisecond, false)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	found := map[string]bool{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			found[m.Name] = true
			if m.Name != "loqa.captions.frames" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok || len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 3 {
				t.Fatalf("unexpected frames data %+v", m.Data)
			}
		}
	}
	for _, name := range []string{"loqa.captions.frames", "loqa.captions.events", "loqa.captions.translations", "loqa.captions.translation.latency"} {
		if !found[name] {
			t.Fatalf("expected instrument %s to be exported", name)
		}
	}
}
