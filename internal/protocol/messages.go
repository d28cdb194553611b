package protocol

import "time"

// Caption mirrors one displayed recognition event on the bus.
type Caption struct {
	SessionID  string    `json:"session_id"`
	Sequence   uint64    `json:"sequence"`
	Text       string    `json:"text"`
	Translated string    `json:"translated,omitempty"`
	Language   string    `json:"language,omitempty"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionEvent announces the start or end of a caption session.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Cause     string    `json:"cause,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SessionStarted = "started"
	SessionStopped = "stopped"
)

const (
	SubjectCaptionPartial = "caption.partial"
	SubjectCaptionFinal   = "caption.final"
	SubjectSession        = "session"
)

// Subject joins the configured prefix and a subject suffix.
func Subject(prefix, suffix string) string {
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}
