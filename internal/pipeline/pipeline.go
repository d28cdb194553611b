package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/display"
	"github.com/loqalabs/loqa-captions/internal/render"
	"github.com/loqalabs/loqa-captions/internal/stt"
	"github.com/loqalabs/loqa-captions/internal/translate"
)

type Config struct {
	Capture         CaptureConfig
	ChannelCapacity int
	RenderInterval  time.Duration
	// Translation is nil when translation is disabled.
	Translation *TranslationConfig
}

// Deps are the collaborators wired into a pipeline. Source must already be
// open; the pipeline closes it.
type Deps struct {
	Source     audio.Source
	Recognizer stt.Recognizer
	Translator translate.Translator
	Buffer     *display.Buffer
	Renderer   render.Renderer
	Observers  []Observer
	Shutdown   *Shutdown
	Logger     *slog.Logger
	Metrics    Metrics
}

// Pipeline wires capture, optional translation, display apply and render
// stages, one goroutine each, connected by bounded channels.
type Pipeline struct {
	cfg  Config
	deps Deps
}

func New(cfg Config, deps Deps) (*Pipeline, error) {
	if deps.Source == nil || deps.Recognizer == nil || deps.Buffer == nil || deps.Shutdown == nil {
		return nil, errors.New("pipeline requires source, recognizer, buffer and shutdown")
	}
	if cfg.Translation != nil && deps.Translator == nil {
		return nil, errors.New("translation enabled without translator")
	}
	if cfg.ChannelCapacity <= 0 {
		cfg.ChannelCapacity = 32
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Renderer == nil {
		deps.Renderer = render.Func(func(string) {})
	}
	return &Pipeline{cfg: cfg, deps: deps}, nil
}

// Run starts every stage and blocks until all of them have returned.
// Stage-fatal errors trigger shutdown and the first one is returned;
// orderly stops return nil. Cancelling ctx triggers shutdown.
func (p *Pipeline) Run(ctx context.Context) error {
	sd := p.deps.Shutdown
	logger := p.deps.Logger.With(slog.String("component", "pipeline"))

	stop := context.AfterFunc(ctx, func() { sd.Trigger(context.Cause(ctx)) })
	defer stop()

	recognized := make(chan Event, p.cfg.ChannelCapacity)
	displayIn := (<-chan Event)(recognized)

	capture := NewCaptureStage(p.deps.Source, p.deps.Recognizer, p.cfg.Capture, recognized, sd, p.deps.Logger, p.deps.Metrics)

	var translation *TranslationStage
	if p.cfg.Translation != nil {
		translated := make(chan Event, p.cfg.ChannelCapacity)
		var err error
		translation, err = NewTranslationStage(p.deps.Translator, *p.cfg.Translation, recognized, translated, sd, p.deps.Logger, p.deps.Metrics)
		if err != nil {
			close(recognized)
			_ = p.deps.Source.Close()
			_ = p.deps.Recognizer.Close()
			return err
		}
		displayIn = translated
	}

	var g errgroup.Group
	g.Go(p.stage("capture", capture.Run))
	if translation != nil {
		g.Go(p.stage("translation", translation.Run))
	}
	g.Go(p.stage("display", func() error { return p.apply(displayIn, capture.Exhausted) }))
	g.Go(p.stage("render", func() error {
		render.Loop(sd.Done(), p.deps.Buffer, p.deps.Renderer, p.cfg.RenderInterval)
		return nil
	}))

	logger.Info("pipeline started", slog.Bool("translation", translation != nil))
	err := g.Wait()
	cause := sd.Cause()
	logger.Info("pipeline stopped", slog.String("cause", fmt.Sprint(cause)))
	if err != nil {
		return err
	}
	if !IsClean(cause) {
		return cause
	}
	return nil
}

// stage runs fn, converting a panic into an error and raising shutdown on
// any failure.
func (p *Pipeline) stage(name string, fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s stage panic: %v", name, r)
				p.deps.Logger.Error("stage panicked",
					slog.String("stage", name),
					slog.String("panic", fmt.Sprint(r)),
					slog.String("stack", string(debug.Stack())),
				)
			}
			if err != nil {
				p.deps.Shutdown.Trigger(err)
			}
		}()
		if err := fn(); err != nil {
			return fmt.Errorf("%s stage: %w", name, err)
		}
		return nil
	}
}

// apply folds events into the display buffer in arrival order. When the
// upstream closes because the audio input ran out, it raises shutdown so
// the pipeline winds down; any other close is already a shutdown.
func (p *Pipeline) apply(in <-chan Event, exhausted func() bool) error {
	sd := p.deps.Shutdown
	for {
		select {
		case <-sd.Done():
			return nil
		case ev, ok := <-in:
			if !ok {
				if exhausted() {
					sd.Trigger(ErrInputExhausted)
				}
				return nil
			}
			p.deps.Buffer.Apply(ev.DisplayText(), ev.Final)
			p.deps.Metrics.EventApplied(ev.Final)
			for _, o := range p.deps.Observers {
				o.Observe(ev)
			}
		}
	}
}
