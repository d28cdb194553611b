package bus

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-captions/internal/pipeline"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

// Publisher mirrors displayed captions onto the bus. It is a pipeline
// observer: publishing is asynchronous in the NATS client, so Observe never
// waits on the network. Failures are logged and counted, never fatal.
type Publisher struct {
	client         *Client
	sessionID      string
	prefix         string
	language       string
	publishPartial bool
	log            *slog.Logger
	failures       atomic.Int64
}

type PublisherOptions struct {
	SessionID      string
	SubjectPrefix  string
	Language       string
	PublishPartial bool
}

func NewPublisher(client *Client, opts PublisherOptions) *Publisher {
	return &Publisher{
		client:         client,
		sessionID:      opts.SessionID,
		prefix:         opts.SubjectPrefix,
		language:       opts.Language,
		publishPartial: opts.PublishPartial,
		log:            client.log.With(slog.String("session_id", opts.SessionID)),
	}
}

func (p *Publisher) Observe(ev pipeline.Event) {
	if !ev.Final && !p.publishPartial {
		return
	}
	msg := protocol.Caption{
		SessionID: p.sessionID,
		Sequence:  ev.Seq,
		Text:      ev.Text,
		Partial:   !ev.Final,
		Timestamp: ev.At.UTC(),
	}
	if ev.HasTranslation {
		msg.Translated = ev.Translated
		msg.Language = p.language
	}
	subject := protocol.SubjectCaptionFinal
	if !ev.Final {
		subject = protocol.SubjectCaptionPartial
	}
	p.publish(protocol.Subject(p.prefix, subject), msg)
}

// Session announces a lifecycle transition for this publisher's session.
func (p *Publisher) Session(state string, cause error) {
	msg := protocol.SessionEvent{
		SessionID: p.sessionID,
		State:     state,
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		msg.Cause = cause.Error()
	}
	p.publish(protocol.Subject(p.prefix, protocol.SubjectSession), msg)
}

// Failures reports how many messages could not be published.
func (p *Publisher) Failures() int64 {
	return p.failures.Load()
}

func (p *Publisher) publish(subject string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.failures.Add(1)
		p.log.Warn("failed to encode bus message", slogError(err))
		return
	}
	if err := p.client.conn.Publish(subject, data); err != nil {
		if p.failures.Add(1) == 1 {
			p.log.Warn("failed to publish caption", slog.String("subject", subject), slogError(err))
		}
	}
}
