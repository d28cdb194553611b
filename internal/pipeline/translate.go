package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-captions/internal/translate"
)

var errEmptyTranslation = errors.New("empty translation")

type TranslationConfig struct {
	Source            string
	Target            string
	Timeout           time.Duration
	CacheSize         int
	SkipStalePartials bool
}

// TranslationStage translates events in strict arrival order. A failed or
// timed-out call forwards the source text unchanged.
type TranslationStage struct {
	tr       translate.Translator
	cfg      TranslationConfig
	in       <-chan Event
	out      chan<- Event
	shutdown *Shutdown
	logger   *slog.Logger
	metrics  Metrics
	cache    *lru.Cache[string, string]
	tracer   trace.Tracer
}

type translateResult struct {
	text string
	err  error
}

func NewTranslationStage(tr translate.Translator, cfg TranslationConfig, in <-chan Event, out chan<- Event, shutdown *Shutdown, logger *slog.Logger, metrics Metrics) (*TranslationStage, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	s := &TranslationStage{
		tr:       tr,
		cfg:      cfg,
		in:       in,
		out:      out,
		shutdown: shutdown,
		logger:   logger.With(slog.String("component", "translation")),
		metrics:  metrics,
		tracer:   otel.Tracer("github.com/loqalabs/loqa-captions/pipeline"),
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, string](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create translation cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

func (s *TranslationStage) Run() error {
	defer close(s.out)
	for {
		select {
		case <-s.shutdown.Done():
			return nil
		case ev, ok := <-s.in:
			if !ok {
				return nil
			}
			if s.cfg.SkipStalePartials && !ev.Final && len(s.in) > 0 {
				s.metrics.PartialSkipped()
				continue
			}
			ev = s.translate(ev)
			select {
			case s.out <- ev:
			case <-s.shutdown.Done():
				return nil
			}
		}
	}
}

func (s *TranslationStage) translate(ev Event) Event {
	ev.HasTranslation = true
	if s.cache != nil {
		if text, ok := s.cache.Get(ev.Text); ok {
			ev.Translated = text
			s.metrics.TranslationCompleted(0, true)
			return ev
		}
	}

	ctx, span := s.tracer.Start(s.shutdown.Context(), "captions.translate",
		trace.WithAttributes(
			attribute.Int64("caption.seq", int64(ev.Seq)),
			attribute.Bool("caption.final", ev.Final),
			attribute.String("translation.target", s.cfg.Target),
		),
	)
	defer span.End()

	start := time.Now()
	text, err := s.call(ctx, ev.Text)
	if err == nil && strings.TrimSpace(text) == "" {
		err = errEmptyTranslation
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "translation failed")
		if s.shutdown.Triggered() {
			ev.Translated = ev.Text
			return ev
		}
		s.logger.Warn("translation failed, passing source text through",
			slog.Uint64("seq", ev.Seq),
			slog.Bool("final", ev.Final),
			slogError(err),
		)
		s.metrics.TranslationFailed()
		ev.Translated = ev.Text
		return ev
	}

	s.metrics.TranslationCompleted(time.Since(start), false)
	if s.cache != nil {
		s.cache.Add(ev.Text, text)
	}
	ev.Translated = text
	return ev
}

// call bounds the translator by the configured timeout even when the
// implementation ignores its context. The abandoned call finishes in the
// background and its result is discarded.
func (s *TranslationStage) call(parent context.Context, text string) (result string, err error) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.Timeout)
	defer cancel()

	done := make(chan translateResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- translateResult{err: fmt.Errorf("translator panic: %v", r)}
			}
		}()
		out, err := s.tr.Translate(ctx, text, s.cfg.Source, s.cfg.Target)
		done <- translateResult{text: out, err: err}
	}()

	select {
	case res := <-done:
		return res.text, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("translate: %w", context.Cause(ctx))
	}
}
