package pipeline

import "time"

// Event is a recognition result travelling through the pipeline. A partial
// (Final=false) may be superseded; a final is committed once displayed.
// The translation stage fills Translated and sets HasTranslation.
type Event struct {
	Text           string
	Final          bool
	Translated     string
	HasTranslation bool
	Seq            uint64
	At             time.Time
}

// DisplayText is the text the caption should show for this event.
func (e Event) DisplayText() string {
	if e.HasTranslation {
		return e.Translated
	}
	return e.Text
}

// Observer is notified of every event after it reaches the display buffer.
// Observe runs on the apply goroutine and must not block.
type Observer interface {
	Observe(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) Observe(ev Event) { f(ev) }

// Metrics receives pipeline counters. Implementations must be safe for
// concurrent use.
type Metrics interface {
	FrameProcessed()
	EventEmitted(final bool)
	PartialDropped()
	FinalDropped()
	PartialSkipped()
	TranslationCompleted(latency time.Duration, cached bool)
	TranslationFailed()
	EventApplied(final bool)
}

type nopMetrics struct{}

func (nopMetrics) FrameProcessed() {}
func (nopMetrics) EventEmitted(bool) {}
func (nopMetrics) PartialDropped() {}
func (nopMetrics) FinalDropped() {}
func (nopMetrics) PartialSkipped() {}
func (nopMetrics) TranslationCompleted(time.Duration, bool) {}
func (nopMetrics) TranslationFailed() {}
func (nopMetrics) EventApplied(bool) {}
