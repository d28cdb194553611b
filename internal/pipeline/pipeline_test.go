package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/display"
	"github.com/loqalabs/loqa-captions/internal/stt"
	"github.com/loqalabs/loqa-captions/internal/translate"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// finiteSource yields a fixed number of silent frames, then fails with err.
type finiteSource struct {
	frames int
	err    error
	read   int
	closed atomic.Bool
}

func (s *finiteSource) Open(context.Context, int, int) error { return nil }

func (s *finiteSource) Read(ctx context.Context) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.read >= s.frames {
		return nil, s.err
	}
	s.read++
	return make([]float32, 16), nil
}

func (s *finiteSource) Close() error {
	s.closed.Store(true)
	return nil
}

// stalledSource blocks until the context is cancelled.
type stalledSource struct{}

func (stalledSource) Open(context.Context, int, int) error { return nil }

func (stalledSource) Read(ctx context.Context) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (stalledSource) Close() error { return nil }

type recordingRenderer struct {
	mu    sync.Mutex
	texts []string
}

func (r *recordingRenderer) SetText(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
}

func (r *recordingRenderer) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.texts) == 0 {
		return ""
	}
	return r.texts[len(r.texts)-1]
}

type countingMetrics struct {
	nopMetrics
	partialDropped atomic.Int64
	finalDropped   atomic.Int64
	partialSkipped atomic.Int64
	failures       atomic.Int64
	cached         atomic.Int64
}

func (m *countingMetrics) PartialDropped() { m.partialDropped.Add(1) }
func (m *countingMetrics) FinalDropped() { m.finalDropped.Add(1) }
func (m *countingMetrics) PartialSkipped() { m.partialSkipped.Add(1) }
func (m *countingMetrics) TranslationFailed() { m.failures.Add(1) }
func (m *countingMetrics) TranslationCompleted(_ time.Duration, cached bool) {
	if cached {
		m.cached.Add(1)
	}
}

type failingTranslator struct {
	fail string
}

func (f failingTranslator) Translate(_ context.Context, text, _, to string) (string, error) {
	if text == f.fail {
		return "", errors.New("translator unavailable")
	}
	return to + ":" + text, nil
}

type blockingTranslator struct{}

func (blockingTranslator) Translate(context.Context, string, string, string) (string, error) {
	select {}
}

func newBuffer(max int) *display.Buffer {
	return display.New(display.Options{MaxLength: max, Separator: " ", PartialSeparator: "\n", PartialMarker: "..."})
}

func waitErr(t *testing.T, errc <-chan error, d time.Duration) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(d):
		t.Fatal("pipeline did not stop in time")
		return nil
	}
}

func TestPipelineDrainsFiniteInput(t *testing.T) {
	rec := stt.NewMockRecognizer([]stt.MockStep{
		{Text: "hello"},
		{Text: "hello world"},
		{Text: "hello world.", Final: true},
	}, false)
	src := &finiteSource{frames: 5, err: audio.ErrEndOfStream}
	buf := newBuffer(200)
	renderer := &recordingRenderer{}
	sd := NewShutdown(context.Background())

	p, err := New(Config{
		Capture:        CaptureConfig{SampleRate: 16000, FrameSize: 16, Gain: 1},
		RenderInterval: 5 * time.Millisecond,
	}, Deps{Source: src, Recognizer: rec, Buffer: buf, Renderer: renderer, Shutdown: sd, Logger: newLogger()})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- p.Run(context.Background()) }()
	if err := waitErr(t, errc, 2*time.Second); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}

	state := buf.State()
	if state.Committed != "hello world." || state.PendingPartial != "" {
		t.Fatalf("unexpected state %+v", state)
	}
	if got := renderer.last(); got != "hello world." {
		t.Fatalf("expected final render, got %q", got)
	}
	if !errors.Is(sd.Cause(), ErrInputExhausted) {
		t.Fatalf("expected ErrInputExhausted cause, got %v", sd.Cause())
	}
	if !src.closed.Load() {
		t.Fatal("expected source closed")
	}
}

func TestPipelineStopsOnAudioFailure(t *testing.T) {
	errDevice := errors.New("device unplugged")
	rec := stt.NewMockRecognizer(stt.DemoScript([]string{"one two three"}, 1), true)
	src := &finiteSource{frames: 3, err: errDevice}
	sd := NewShutdown(context.Background())

	p, err := New(Config{
		Capture:        CaptureConfig{SampleRate: 16000, FrameSize: 16, Gain: 1},
		RenderInterval: 5 * time.Millisecond,
		Translation:    &TranslationConfig{Source: "en", Target: "hi", Timeout: time.Second},
	}, Deps{
		Source:     src,
		Recognizer: rec,
		Translator: translate.Mock{},
		Buffer:     newBuffer(200),
		Shutdown:   sd,
		Logger:     newLogger(),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- p.Run(context.Background()) }()
	err = waitErr(t, errc, 2*time.Second)
	if !errors.Is(err, errDevice) {
		t.Fatalf("expected device error, got %v", err)
	}
	if !sd.Triggered() {
		t.Fatal("expected shutdown flag set")
	}
	if !errors.Is(sd.Cause(), errDevice) {
		t.Fatalf("expected cause to wrap device error, got %v", sd.Cause())
	}
}

func TestPipelineStopsStalledSourceOnRequest(t *testing.T) {
	sd := NewShutdown(context.Background())
	p, err := New(Config{
		Capture:        CaptureConfig{SampleRate: 16000, FrameSize: 1024},
		RenderInterval: 5 * time.Millisecond,
		Translation:    &TranslationConfig{Source: "en", Target: "hi", Timeout: time.Second},
	}, Deps{
		Source:     stalledSource{},
		Recognizer: stt.NewMockRecognizer(nil, false),
		Translator: translate.Identity{},
		Buffer:     newBuffer(200),
		Shutdown:   sd,
		Logger:     newLogger(),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}

	errc := make(chan error, 1)
	go func() { errc <- p.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	sd.Trigger(nil)
	if err := waitErr(t, errc, time.Second); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if !errors.Is(sd.Cause(), ErrShutdownRequested) {
		t.Fatalf("unexpected cause %v", sd.Cause())
	}
}

func TestPipelineStopsWhenContextCancelled(t *testing.T) {
	sd := NewShutdown(context.Background())
	p, err := New(Config{Capture: CaptureConfig{SampleRate: 16000, FrameSize: 1024}}, Deps{
		Source:     stalledSource{},
		Recognizer: stt.NewMockRecognizer(nil, false),
		Buffer:     newBuffer(200),
		Shutdown:   sd,
		Logger:     newLogger(),
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	cancel()
	if err := waitErr(t, errc, time.Second); err != nil {
		t.Fatalf("expected clean stop, got %v", err)
	}
	if !sd.Triggered() {
		t.Fatal("expected shutdown after context cancel")
	}
}

func TestPipelineConvertsPanicToShutdown(t *testing.T) {
	rec := stt.NewMockRecognizer([]stt.MockStep{{Text: "boom", Final: true}}, true)
	sd := NewShutdown(context.Background())
	p, err := New(Config{Capture: CaptureConfig{SampleRate: 16000, FrameSize: 16}}, Deps{
		Source:     &finiteSource{frames: 1000, err: audio.ErrEndOfStream},
		Recognizer: rec,
		Buffer:     newBuffer(200),
		Shutdown:   sd,
		Logger:     newLogger(),
		Observers: []Observer{ObserverFunc(func(Event) {
			panic("observer exploded")
		})},
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	errc := make(chan error, 1)
	go func() { errc <- p.Run(context.Background()) }()
	err = waitErr(t, errc, 2*time.Second)
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("expected panic error, got %v", err)
	}
	if !sd.Triggered() {
		t.Fatal("expected shutdown after panic")
	}
}

func TestPipelineObserversSeeEventsInOrder(t *testing.T) {
	rec := stt.NewMockRecognizer([]stt.MockStep{
		{Text: "a"},
		{Text: "a b", Final: true},
		{Text: "c"},
		{Text: "c d", Final: true},
	}, false)
	var mu sync.Mutex
	var seen []Event
	sd := NewShutdown(context.Background())
	p, err := New(Config{
		Capture:     CaptureConfig{SampleRate: 16000, FrameSize: 16},
		Translation: &TranslationConfig{Source: "en", Target: "fr", Timeout: time.Second},
	}, Deps{
		Source:     &finiteSource{frames: 4, err: audio.ErrEndOfStream},
		Recognizer: rec,
		Translator: translate.Mock{},
		Buffer:     newBuffer(200),
		Shutdown:   sd,
		Logger:     newLogger(),
		Observers: []Observer{ObserverFunc(func(ev Event) {
			mu.Lock()
			seen = append(seen, ev)
			mu.Unlock()
		})},
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var finals []string
	var lastSeq uint64
	for _, ev := range seen {
		if ev.Seq <= lastSeq {
			t.Fatalf("events out of order: %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		if ev.Final {
			finals = append(finals, ev.DisplayText())
		}
	}
	if strings.Join(finals, "|") != "[fr] a b|[fr] c d" {
		t.Fatalf("unexpected finals %v", finals)
	}
}

func TestCaptureDropsPartialsButKeepsFinals(t *testing.T) {
	rec := stt.NewMockRecognizer([]stt.MockStep{
		{Text: "a"},
		{Text: "A", Final: true},
		{Text: "b"},
		{Text: "B", Final: true},
		{Text: "c"},
	}, false)
	out := make(chan Event)
	metrics := &countingMetrics{}
	sd := NewShutdown(context.Background())
	stage := NewCaptureStage(&finiteSource{frames: 5, err: audio.ErrEndOfStream}, rec,
		CaptureConfig{SampleRate: 1000, FrameSize: 1, MaxFinalBacklog: 4}, out, sd, newLogger(), metrics)

	errc := make(chan error, 1)
	go func() { errc <- stage.Run() }()
	waitFor(t, stage.Exhausted)

	var got []Event
	for ev := range out {
		got = append(got, ev)
	}
	if err := <-errc; err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(got) != 2 || got[0].Text != "A" || got[1].Text != "B" || !got[0].Final || !got[1].Final {
		t.Fatalf("expected finals A then B, got %+v", got)
	}
	if n := metrics.partialDropped.Load(); n != 3 {
		t.Fatalf("expected 3 dropped partials, got %d", n)
	}
}

func TestCaptureBacklogOverflowDropsOldest(t *testing.T) {
	rec := stt.NewMockRecognizer([]stt.MockStep{
		{Text: "A", Final: true},
		{Text: "B", Final: true},
		{Text: "C", Final: true},
	}, false)
	out := make(chan Event)
	metrics := &countingMetrics{}
	sd := NewShutdown(context.Background())
	stage := NewCaptureStage(&finiteSource{frames: 3, err: audio.ErrEndOfStream}, rec,
		CaptureConfig{SampleRate: 1000, FrameSize: 1, MaxFinalBacklog: 1}, out, sd, newLogger(), metrics)

	go func() { _ = stage.Run() }()
	waitFor(t, stage.Exhausted)

	var texts []string
	for ev := range out {
		texts = append(texts, ev.Text)
	}
	if strings.Join(texts, ",") != "C" {
		t.Fatalf("expected only newest final, got %v", texts)
	}
	if n := metrics.finalDropped.Load(); n != 2 {
		t.Fatalf("expected 2 dropped finals, got %d", n)
	}
}

func TestCaptureSuppressesRepeatedPartials(t *testing.T) {
	rec := stt.NewMockRecognizer([]stt.MockStep{
		{Text: "same"},
		{Text: "same"},
		{Text: "same"},
		{Text: "same", Final: true},
		{Text: "same"},
	}, false)
	out := make(chan Event, 16)
	sd := NewShutdown(context.Background())
	stage := NewCaptureStage(&finiteSource{frames: 5, err: audio.ErrEndOfStream}, rec,
		CaptureConfig{SampleRate: 16000, FrameSize: 16}, out, sd, newLogger(), nil)
	if err := stage.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	var kinds []string
	for ev := range out {
		if ev.Final {
			kinds = append(kinds, "final")
		} else {
			kinds = append(kinds, "partial")
		}
	}
	if strings.Join(kinds, ",") != "partial,final,partial" {
		t.Fatalf("unexpected event sequence %v", kinds)
	}
}

func TestTranslationFailurePassesThrough(t *testing.T) {
	in := make(chan Event, 4)
	out := make(chan Event, 4)
	metrics := &countingMetrics{}
	sd := NewShutdown(context.Background())
	stage, err := NewTranslationStage(failingTranslator{fail: "bonjour"},
		TranslationConfig{Source: "fr", Target: "en", Timeout: time.Second}, in, out, sd, newLogger(), metrics)
	if err != nil {
		t.Fatalf("new stage: %v", err)
	}

	in <- Event{Text: "bonjour", Final: true, Seq: 1}
	in <- Event{Text: "merci", Final: true, Seq: 2}
	close(in)
	if err := stage.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}

	first := <-out
	if !first.HasTranslation || first.Translated != "bonjour" || !first.Final {
		t.Fatalf("expected pass-through final, got %+v", first)
	}
	second := <-out
	if second.Translated != "en:merci" {
		t.Fatalf("expected stage to keep going, got %+v", second)
	}
	if _, ok := <-out; ok {
		t.Fatal("expected output closed")
	}
	if metrics.failures.Load() != 1 {
		t.Fatalf("expected one failure counted, got %d", metrics.failures.Load())
	}
}

func TestTranslationTimeoutPassesThrough(t *testing.T) {
	in := make(chan Event, 1)
	out := make(chan Event, 1)
	sd := NewShutdown(context.Background())
	stage, err := NewTranslationStage(blockingTranslator{},
		TranslationConfig{Source: "en", Target: "hi", Timeout: 20 * time.Millisecond}, in, out, sd, newLogger(), nil)
	if err != nil {
		t.Fatalf("new stage: %v", err)
	}
	in <- Event{Text: "slow", Final: true}
	close(in)

	start := time.Now()
	if err := stage.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("translation timeout not enforced, took %v", elapsed)
	}
	if ev := <-out; ev.Translated != "slow" {
		t.Fatalf("expected pass-through, got %+v", ev)
	}
}

func TestTranslationSkipsStalePartials(t *testing.T) {
	in := make(chan Event, 8)
	out := make(chan Event, 8)
	metrics := &countingMetrics{}
	sd := NewShutdown(context.Background())
	stage, err := NewTranslationStage(translate.Mock{},
		TranslationConfig{Source: "en", Target: "hi", Timeout: time.Second, SkipStalePartials: true}, in, out, sd, newLogger(), metrics)
	if err != nil {
		t.Fatalf("new stage: %v", err)
	}
	in <- Event{Text: "h", Seq: 1}
	in <- Event{Text: "he", Seq: 2}
	in <- Event{Text: "hello", Final: true, Seq: 3}
	in <- Event{Text: "w", Seq: 4}
	close(in)
	if err := stage.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	var seqs []uint64
	for ev := range out {
		seqs = append(seqs, ev.Seq)
	}
	if len(seqs) != 2 || seqs[0] != 3 || seqs[1] != 4 {
		t.Fatalf("expected final and trailing partial only, got %v", seqs)
	}
	if metrics.partialSkipped.Load() != 2 {
		t.Fatalf("expected 2 skipped partials, got %d", metrics.partialSkipped.Load())
	}
}

func TestTranslationCache(t *testing.T) {
	in := make(chan Event, 4)
	out := make(chan Event, 4)
	metrics := &countingMetrics{}
	sd := NewShutdown(context.Background())
	stage, err := NewTranslationStage(translate.Mock{},
		TranslationConfig{Source: "en", Target: "hi", Timeout: time.Second, CacheSize: 8}, in, out, sd, newLogger(), metrics)
	if err != nil {
		t.Fatalf("new stage: %v", err)
	}
	in <- Event{Text: "hello", Final: true}
	in <- Event{Text: "hello", Final: true}
	close(in)
	if err := stage.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	for ev := range out {
		if ev.Translated != "[hi] hello" {
			t.Fatalf("unexpected translation %q", ev.Translated)
		}
	}
	if metrics.cached.Load() != 1 {
		t.Fatalf("expected one cache hit, got %d", metrics.cached.Load())
	}
}

func TestShutdownFirstCauseWins(t *testing.T) {
	sd := NewShutdown(context.Background())
	if sd.Triggered() || sd.Cause() != nil {
		t.Fatal("expected untriggered shutdown")
	}
	first := errors.New("first")
	if !sd.Trigger(first) {
		t.Fatal("expected first trigger to win")
	}
	if sd.Trigger(errors.New("second")) {
		t.Fatal("expected second trigger to be ignored")
	}
	select {
	case <-sd.Done():
	default:
		t.Fatal("expected done channel closed")
	}
	if !errors.Is(sd.Cause(), first) {
		t.Fatalf("expected first cause, got %v", sd.Cause())
	}
}

func TestShutdownFollowsParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	sd := NewShutdown(parent)
	cancel()
	if !sd.Triggered() {
		t.Fatal("expected parent cancel to trigger shutdown")
	}
	if !IsClean(sd.Cause()) {
		t.Fatalf("expected clean cause, got %v", sd.Cause())
	}
	if sd.Trigger(errors.New("late")) {
		t.Fatal("expected trigger after parent cancel to be ignored")
	}
}

func TestIsClean(t *testing.T) {
	if !IsClean(nil) || !IsClean(ErrShutdownRequested) || !IsClean(ErrInputExhausted) {
		t.Fatal("expected orderly causes to be clean")
	}
	if IsClean(errors.New("device unplugged")) {
		t.Fatal("expected failure cause to be unclean")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
