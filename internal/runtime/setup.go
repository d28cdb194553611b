package runtime

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/display"
	"github.com/loqalabs/loqa-captions/internal/journal"
	"github.com/loqalabs/loqa-captions/internal/natsserver"
	"github.com/loqalabs/loqa-captions/internal/pipeline"
	"github.com/loqalabs/loqa-captions/internal/render"
	"github.com/loqalabs/loqa-captions/internal/stt"
	"github.com/loqalabs/loqa-captions/internal/telemetry"
	"github.com/loqalabs/loqa-captions/internal/translate"
)

// setup builds every collaborator the pipeline needs. Anything that fails
// here is startup-fatal; teardown steps registered so far still run.
func (r *Runtime) setup(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	r.onClose(func(ctx context.Context) {
		if err := shutdownTelemetry(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slogError(err))
		}
	})

	r.recorder, err = telemetry.NewRecorder()
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	r.shutdown = pipeline.NewShutdown(ctx)
	r.buffer = display.New(display.Options{
		MaxLength:        r.cfg.Display.MaxBufferLength,
		Separator:        r.cfg.Display.Separator,
		PartialSeparator: r.cfg.Display.PartialSeparator,
		PartialMarker:    r.cfg.Display.PartialMarker,
		Uppercase:        r.cfg.Display.Uppercase,
	})

	if err := r.setupJournal(ctx); err != nil {
		return err
	}
	if err := r.setupBus(); err != nil {
		return err
	}
	if err := r.setupRenderers(metricsHandler); err != nil {
		return err
	}
	return r.setupEngine(ctx)
}

func (r *Runtime) setupJournal(ctx context.Context) error {
	if !r.cfg.Journal.Enabled {
		return nil
	}
	store, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	r.journal = store
	r.onClose(func(context.Context) {
		if err := store.Close(); err != nil {
			r.logger.Warn("failed to close journal", slogError(err))
		}
	})
	return nil
}

func (r *Runtime) setupBus() error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if srv != nil {
		r.onClose(func(context.Context) { srv.Shutdown() })
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.onClose(func(context.Context) { client.Close() })
	r.publisher = bus.NewPublisher(client, bus.PublisherOptions{
		SessionID:      r.sessionID,
		SubjectPrefix:  busCfg.SubjectPrefix,
		Language:       r.targetLanguage(),
		PublishPartial: busCfg.PublishPartial,
	})
	return nil
}

// setupRenderers creates the overlay and terminal renderers and starts the
// HTTP server that hosts the overlay endpoint.
func (r *Runtime) setupRenderers(metricsHandler http.Handler) error {
	if r.cfg.HTTP.Enabled {
		r.overlay = render.NewOverlay(r.logger, func(cause error) {
			r.shutdown.Trigger(fmt.Errorf("%w: %w", pipeline.ErrShutdownRequested, cause))
		}, r.overlayOrigins())
		r.onClose(func(context.Context) { _ = r.overlay.Close() })
	}
	if r.cfg.Display.Renderer == "terminal" {
		r.terminal = render.NewTerminal(os.Stdout)
		r.onClose(func(context.Context) { _ = r.terminal.Close() })
	}
	if r.cfg.HTTP.Enabled {
		return r.startHTTP(metricsHandler)
	}
	return nil
}

// setupEngine opens the audio source and loads the recognizer and
// translator.
func (r *Runtime) setupEngine(ctx context.Context) error {
	src, err := newSource(r.cfg.Audio, r.logger)
	if err != nil {
		return err
	}
	if err := src.Open(ctx, r.cfg.Audio.SampleRate, r.cfg.Audio.FrameSize); err != nil {
		return fmt.Errorf("open audio source: %w", err)
	}
	r.source = src
	r.onClose(func(context.Context) {
		if r.source != nil {
			_ = r.source.Close()
		}
	})

	rec, err := stt.New(r.shutdown.Context(), r.cfg.STT, r.cfg.Audio.SampleRate, r.logger)
	if err != nil {
		return fmt.Errorf("load recognizer: %w", err)
	}
	r.recognizer = rec
	r.onClose(func(context.Context) {
		if r.recognizer != nil {
			_ = r.recognizer.Close()
		}
	})

	if r.cfg.Translation.Enabled {
		tr, err := translate.New(ctx, r.cfg.Translation, r.logger)
		if err != nil {
			return fmt.Errorf("create translator: %w", err)
		}
		r.translator = tr
	}
	return nil
}

func (r *Runtime) targetLanguage() string {
	if !r.cfg.Translation.Enabled {
		return ""
	}
	return r.cfg.Translation.TargetLanguage
}

// overlayOrigins lists the browser origins allowed on the overlay besides
// loopback: the configured ones plus the bind host when it is specific.
func (r *Runtime) overlayOrigins() []string {
	origins := append([]string(nil), r.cfg.HTTP.AllowedOrigins...)
	switch bind := r.cfg.HTTP.Bind; bind {
	case "", "0.0.0.0", "::", "[::]":
	default:
		origins = append(origins, strings.Trim(bind, "[]"))
	}
	return origins
}
