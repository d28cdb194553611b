package pipeline

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-captions/internal/audio"
	"github.com/loqalabs/loqa-captions/internal/stt"
)

type CaptureConfig struct {
	SampleRate      int
	FrameSize       int
	Gain            float64
	MaxFinalBacklog int
}

// CaptureStage reads frames from an opened audio source, feeds the
// recognizer and emits at most one event per frame. It owns the source and
// the recognizer and closes both, and its output channel, on exit.
//
// A send waits at most one frame interval. Partials that cannot be
// delivered in time are dropped; finals are queued in a bounded backlog
// that is retried before any newer event.
type CaptureStage struct {
	src      audio.Source
	rec      stt.Recognizer
	cfg      CaptureConfig
	out      chan<- Event
	shutdown *Shutdown
	logger   *slog.Logger
	metrics  Metrics

	interval    time.Duration
	seq         uint64
	backlog     []Event
	lastPartial string
	exhausted   atomic.Bool
}

func NewCaptureStage(src audio.Source, rec stt.Recognizer, cfg CaptureConfig, out chan<- Event, shutdown *Shutdown, logger *slog.Logger, metrics Metrics) *CaptureStage {
	if cfg.MaxFinalBacklog <= 0 {
		cfg.MaxFinalBacklog = 16
	}
	if cfg.Gain <= 0 {
		cfg.Gain = 1
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &CaptureStage{
		src:      src,
		rec:      rec,
		cfg:      cfg,
		out:      out,
		shutdown: shutdown,
		logger:   logger.With(slog.String("component", "capture")),
		metrics:  metrics,
		interval: audio.FrameInterval(cfg.SampleRate, cfg.FrameSize),
	}
}

func (c *CaptureStage) Run() (err error) {
	defer close(c.out)
	// Raise shutdown before the output closes so downstream never mistakes
	// a failure for exhausted input.
	defer func() {
		if err != nil {
			c.shutdown.Trigger(err)
		}
	}()
	defer func() {
		if err := c.rec.Close(); err != nil {
			c.logger.Warn("failed to close recognizer", slogError(err))
		}
	}()
	defer func() {
		if err := c.src.Close(); err != nil {
			c.logger.Warn("failed to close audio source", slogError(err))
		}
	}()

	ctx := c.shutdown.Context()
	for {
		if c.shutdown.Triggered() {
			return nil
		}
		samples, err := c.src.Read(ctx)
		if err != nil {
			if c.shutdown.Triggered() {
				return nil
			}
			if errors.Is(err, audio.ErrEndOfStream) {
				return c.finish()
			}
			return fmt.Errorf("audio read: %w", err)
		}
		c.metrics.FrameProcessed()

		frame := audio.Quantize(samples, c.cfg.Gain)
		res, ok, err := stt.Step(c.rec, frame.PCM16LE())
		if err != nil {
			return fmt.Errorf("recognizer: %w", err)
		}
		if !ok || (!res.Final && res.Text == c.lastPartial) {
			if len(c.backlog) > 0 {
				c.deliver(nil)
			}
			continue
		}
		ev := c.newEvent(res)
		c.deliver(&ev)
	}
}

func (c *CaptureStage) newEvent(res stt.Result) Event {
	c.seq++
	if res.Final {
		c.lastPartial = ""
	}
	c.metrics.EventEmitted(res.Final)
	return Event{Text: res.Text, Final: res.Final, Seq: c.seq, At: time.Now()}
}

// deliver sends queued finals and then ev, waiting no longer than one
// frame interval in total.
func (c *CaptureStage) deliver(ev *Event) {
	timer := time.NewTimer(c.interval)
	defer timer.Stop()

	for len(c.backlog) > 0 {
		select {
		case c.out <- c.backlog[0]:
			c.backlog = c.backlog[1:]
		case <-timer.C:
			c.hold(ev)
			return
		case <-c.shutdown.Done():
			return
		}
	}
	if ev == nil {
		return
	}
	select {
	case c.out <- *ev:
		if !ev.Final {
			c.lastPartial = ev.Text
		}
	case <-timer.C:
		c.hold(ev)
	case <-c.shutdown.Done():
	}
}

func (c *CaptureStage) hold(ev *Event) {
	if ev == nil {
		return
	}
	if !ev.Final {
		c.metrics.PartialDropped()
		return
	}
	if len(c.backlog) >= c.cfg.MaxFinalBacklog {
		dropped := c.backlog[0]
		c.backlog = c.backlog[1:]
		c.metrics.FinalDropped()
		c.logger.Warn("final backlog full, dropping oldest final",
			slog.Uint64("seq", dropped.Seq),
			slog.Int("backlog", c.cfg.MaxFinalBacklog),
		)
	}
	c.backlog = append(c.backlog, *ev)
}

// finish commits the recognizer's trailing utterance and delivers every
// queued final before the output channel closes.
func (c *CaptureStage) finish() error {
	c.exhausted.Store(true)
	res, ok, err := stt.Flush(c.rec)
	if err != nil {
		return fmt.Errorf("recognizer flush: %w", err)
	}
	if ok {
		c.backlog = append(c.backlog, c.newEvent(res))
	}
	for _, ev := range c.backlog {
		select {
		case c.out <- ev:
		case <-c.shutdown.Done():
			return nil
		}
	}
	c.backlog = nil
	c.logger.Info("audio source exhausted")
	return nil
}

// Exhausted reports whether the stage stopped because the audio source ran
// out of frames.
func (c *CaptureStage) Exhausted() bool {
	return c.exhausted.Load()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
