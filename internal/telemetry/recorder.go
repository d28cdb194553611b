package telemetry

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-captions/pipeline"

// Counters is a point-in-time copy of the pipeline counters.
type Counters struct {
	Frames             int64 `json:"frames"`
	Partials           int64 `json:"partials"`
	Finals             int64 `json:"finals"`
	PartialsDropped    int64 `json:"partials_dropped"`
	FinalsDropped      int64 `json:"finals_dropped"`
	PartialsSkipped    int64 `json:"partials_skipped"`
	Translations       int64 `json:"translations"`
	TranslationsCached int64 `json:"translations_cached"`
	TranslationsFailed int64 `json:"translations_failed"`
	Applied            int64 `json:"applied"`
}

// Recorder counts pipeline activity. Counters are exported through the
// global otel meter provider as observable counters, and translation latency
// as a histogram.
type Recorder struct {
	frames             atomic.Int64
	partials           atomic.Int64
	finals             atomic.Int64
	partialsDropped    atomic.Int64
	finalsDropped      atomic.Int64
	partialsSkipped    atomic.Int64
	translations       atomic.Int64
	translationsCached atomic.Int64
	translationsFailed atomic.Int64
	applied            atomic.Int64

	latency metric.Float64Histogram
}

// NewRecorder registers the caption instruments on the global meter
// provider. It must run after the provider is installed.
func NewRecorder() (*Recorder, error) {
	r := &Recorder{}
	if err := r.initMetrics(otel.Meter(meterName)); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Recorder) initMetrics(meter metric.Meter) error {
	latency, err := meter.Float64Histogram("loqa.captions.translation.latency",
		metric.WithDescription("Translator call latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}
	r.latency = latency

	frames, err := meter.Int64ObservableCounter("loqa.captions.frames", metric.WithDescription("Audio frames processed"))
	if err != nil {
		return err
	}
	events, err := meter.Int64ObservableCounter("loqa.captions.events", metric.WithDescription("Recognition events emitted"))
	if err != nil {
		return err
	}
	dropped, err := meter.Int64ObservableCounter("loqa.captions.events.dropped", metric.WithDescription("Events dropped under backpressure"))
	if err != nil {
		return err
	}
	translations, err := meter.Int64ObservableCounter("loqa.captions.translations", metric.WithDescription("Translator outcomes"))
	if err != nil {
		return err
	}

	partial := metric.WithAttributes(attribute.String("kind", "partial"))
	final := metric.WithAttributes(attribute.String("kind", "final"))
	stale := metric.WithAttributes(attribute.String("kind", "stale_partial"))
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		c := r.Snapshot()
		obs.ObserveInt64(frames, c.Frames)
		obs.ObserveInt64(events, c.Partials, partial)
		obs.ObserveInt64(events, c.Finals, final)
		obs.ObserveInt64(dropped, c.PartialsDropped, partial)
		obs.ObserveInt64(dropped, c.FinalsDropped, final)
		obs.ObserveInt64(dropped, c.PartialsSkipped, stale)
		obs.ObserveInt64(translations, c.Translations-c.TranslationsCached, metric.WithAttributes(attribute.String("result", "ok")))
		obs.ObserveInt64(translations, c.TranslationsCached, metric.WithAttributes(attribute.String("result", "cached")))
		obs.ObserveInt64(translations, c.TranslationsFailed, metric.WithAttributes(attribute.String("result", "failed")))
		return nil
	}, frames, events, dropped, translations)
	return err
}

func (r *Recorder) FrameProcessed() { r.frames.Add(1) }

func (r *Recorder) EventEmitted(final bool) {
	if final {
		r.finals.Add(1)
		return
	}
	r.partials.Add(1)
}

func (r *Recorder) PartialDropped() { r.partialsDropped.Add(1) }

func (r *Recorder) FinalDropped() { r.finalsDropped.Add(1) }

func (r *Recorder) PartialSkipped() { r.partialsSkipped.Add(1) }

func (r *Recorder) TranslationCompleted(latency time.Duration, cached bool) {
	r.translations.Add(1)
	if cached {
		r.translationsCached.Add(1)
		return
	}
	if r.latency != nil {
		r.latency.Record(context.Background(), float64(latency)/float64(time.Millisecond))
	}
}

func (r *Recorder) TranslationFailed() { r.translationsFailed.Add(1) }

func (r *Recorder) EventApplied(bool) { r.applied.Add(1) }

func (r *Recorder) Snapshot() Counters {
	return Counters{
		Frames:             r.frames.Load(),
		Partials:           r.partials.Load(),
		Finals:             r.finals.Load(),
		PartialsDropped:    r.partialsDropped.Load(),
		FinalsDropped:      r.finalsDropped.Load(),
		PartialsSkipped:    r.partialsSkipped.Load(),
		Translations:       r.translations.Load(),
		TranslationsCached: r.translationsCached.Load(),
		TranslationsFailed: r.translationsFailed.Load(),
		Applied:            r.applied.Load(),
	}
}
