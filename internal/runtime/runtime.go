package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/display"
	"github.com/loqalabs/loqa-captions/internal/journal"
	"github.com/loqalabs/loqa-captions/internal/pipeline"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/render"
	"github.com/loqalabs/loqa-captions/internal/stt"
	"github.com/loqalabs/loqa-captions/internal/telemetry"
	"github.com/loqalabs/loqa-captions/internal/translate"
)

// ErrStartup marks failures that happen before any pipeline stage runs.
var ErrStartup = errors.New("startup failed")

var newPipeline = pipeline.New

type Runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	sessionID string

	httpServer *http.Server
	addr       atomic.Value
	ready      atomic.Bool
	wg         sync.WaitGroup
	closers    []func(context.Context)

	source     audio.Source
	recognizer stt.Recognizer
	translator translate.Translator
	buffer     *display.Buffer
	recorder   *telemetry.Recorder
	overlay    *render.Overlay
	terminal   *render.Terminal
	publisher  *bus.Publisher
	journal    *journal.Store
	shutdown   *pipeline.Shutdown
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:       cfg,
		logger:    logger,
		sessionID: uuid.NewString(),
	}
}

// Start assembles the caption pipeline, runs it until it stops and tears
// everything down. Errors wrapping ErrStartup mean no stage was started.
// A clean stop (signal, overlay close, exhausted input) returns nil.
func (r *Runtime) Start(ctx context.Context) error {
	defer r.close()

	if err := r.setup(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}

	observers := []pipeline.Observer{}
	if r.publisher != nil {
		observers = append(observers, r.publisher)
	}

	p, err := newPipeline(r.pipelineConfig(), pipeline.Deps{
		Source:     r.source,
		Recognizer: r.recognizer,
		Translator: r.translator,
		Buffer:     r.buffer,
		Renderer:   r.renderer(),
		Observers:  observers,
		Shutdown:   r.shutdown,
		Logger:     r.logger,
		Metrics:    r.recorder,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}
	if err := r.beginSession(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}
	// The pipeline owns source and recognizer from here on.
	r.source, r.recognizer = nil, nil

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("session_id", r.sessionID),
		slog.String("addr", r.Addr()),
	)

	runErr := p.Run(ctx)
	r.ready.Store(false)
	r.finishSession(runErr)
	return runErr
}

// Addr reports the bound HTTP address, or "" when the server is disabled.
func (r *Runtime) Addr() string {
	addr, _ := r.addr.Load().(string)
	return addr
}

// Counters returns the pipeline counters recorded so far.
func (r *Runtime) Counters() telemetry.Counters {
	if r.recorder == nil {
		return telemetry.Counters{}
	}
	return r.recorder.Snapshot()
}

func (r *Runtime) pipelineConfig() pipeline.Config {
	cfg := pipeline.Config{
		Capture: pipeline.CaptureConfig{
			SampleRate:      r.cfg.Audio.SampleRate,
			FrameSize:       r.cfg.Audio.FrameSize,
			Gain:            r.cfg.Audio.Gain,
			MaxFinalBacklog: r.cfg.Pipeline.MaxFinalBacklog,
		},
		ChannelCapacity: r.cfg.Pipeline.ChannelCapacity,
		RenderInterval:  time.Duration(r.cfg.Display.RenderIntervalMS) * time.Millisecond,
	}
	if r.translator != nil {
		cfg.Translation = &pipeline.TranslationConfig{
			Source:            r.cfg.Translation.SourceLanguage,
			Target:            r.cfg.Translation.TargetLanguage,
			Timeout:           time.Duration(r.cfg.Translation.TimeoutMS) * time.Millisecond,
			CacheSize:         r.cfg.Translation.CacheSize,
			SkipStalePartials: r.cfg.Translation.SkipStalePartials,
		}
	}
	return cfg
}

func (r *Runtime) renderer() render.Renderer {
	var out render.Multi
	if r.terminal != nil {
		out = append(out, r.terminal)
	}
	if r.overlay != nil {
		out = append(out, r.overlay)
	}
	return out
}

// beginSession records the session start. It runs only once the pipeline
// is built so every recorded session is later closed by finishSession.
func (r *Runtime) beginSession(ctx context.Context) error {
	if r.journal != nil {
		err := r.journal.StartSession(ctx, journal.Session{
			ID:             r.sessionID,
			Source:         r.cfg.Audio.Backend,
			Recognizer:     r.cfg.STT.Mode,
			TargetLanguage: r.targetLanguage(),
		})
		if err != nil {
			return fmt.Errorf("record session start: %w", err)
		}
	}
	if r.publisher != nil {
		r.publisher.Session(protocol.SessionStarted, nil)
	}
	return nil
}

// finishSession logs the run summary and records it on the bus and in the
// journal.
func (r *Runtime) finishSession(runErr error) {
	cause := r.shutdown.Cause()
	if runErr != nil {
		cause = runErr
	}
	counters := r.recorder.Snapshot()
	clean := runErr == nil
	var busFailures int64
	if r.publisher != nil {
		busFailures = r.publisher.Failures()
	}

	r.logger.Info("caption session finished",
		slog.String("session_id", r.sessionID),
		slog.String("cause", fmt.Sprint(cause)),
		slog.Bool("clean", clean),
		slog.Int64("frames", counters.Frames),
		slog.Int64("partials", counters.Partials),
		slog.Int64("finals", counters.Finals),
		slog.Int64("partials_dropped", counters.PartialsDropped),
		slog.Int64("finals_dropped", counters.FinalsDropped),
		slog.Int64("translations", counters.Translations),
		slog.Int64("translations_failed", counters.TranslationsFailed),
		slog.Int64("bus_publish_failures", busFailures),
	)

	if r.publisher != nil {
		var published error
		if !clean {
			published = cause
		}
		r.publisher.Session(protocol.SessionStopped, published)
	}
	if r.journal != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := r.journal.EndSession(ctx, r.sessionID, journal.Summary{
			Cause:              fmt.Sprint(cause),
			Clean:              clean,
			Frames:             counters.Frames,
			Finals:             counters.Finals,
			TranslationsFailed: counters.TranslationsFailed,
		})
		if err != nil {
			r.logger.Warn("failed to record session end", slogError(err))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type captionResponse struct {
	SessionID string             `json:"session_id"`
	Text      string             `json:"text"`
	Committed string             `json:"committed"`
	Partial   string             `json:"partial"`
	Version   uint64             `json:"version"`
	Counters  telemetry.Counters `json:"counters"`
}

// handleCaption serves the current caption. DELETE clears it.
func (r *Runtime) handleCaption(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
	case http.MethodDelete:
		r.buffer.Reset()
		w.WriteHeader(http.StatusNoContent)
		return
	default:
		w.Header().Set("Allow", "GET, HEAD, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	snap := r.buffer.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(captionResponse{
		SessionID: r.sessionID,
		Text:      snap.Text,
		Committed: snap.Committed,
		Partial:   snap.PendingPartial,
		Version:   snap.Version,
		Counters:  r.recorder.Snapshot(),
	})
}

// handleSessions lists recent journal sessions, newest first.
func (r *Runtime) handleSessions(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	sessions, err := r.journal.ListSessions(req.Context(), limit)
	if err != nil {
		r.logger.Error("list sessions failed", slogError(err))
		http.Error(w, "journal unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sessions)
}

func (r *Runtime) startHTTP(metrics http.Handler) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/caption", r.handleCaption)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	if r.journal != nil {
		mux.HandleFunc("/sessions", r.handleSessions)
	}
	if r.overlay != nil {
		mux.Handle("/ws/captions", r.overlay)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.addr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slogError(err))
		}
	}()
	r.onClose(func(ctx context.Context) {
		if err := r.httpServer.Shutdown(ctx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
		r.wg.Wait()
	})
	return nil
}

func (r *Runtime) onClose(fn func(context.Context)) {
	r.closers = append(r.closers, fn)
}

// close runs the registered teardown steps in reverse order.
func (r *Runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i](ctx)
	}
	r.closers = nil
}

func newSource(cfg config.AudioConfig, logger *slog.Logger) (audio.Source, error) {
	switch cfg.Backend {
	case "malgo":
		return audio.NewMalgoSource(cfg.Device, cfg.Loopback, logger), nil
	case "wav":
		return audio.NewWAVSource(cfg.WAVPath, cfg.Realtime), nil
	case "silence":
		return audio.NewSilenceSource(), nil
	default:
		return nil, fmt.Errorf("unsupported audio backend %q", cfg.Backend)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
