package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/equbledger/pkg/observability"
)

var _ observability.Observer = (*AbortPublisher)(nil)

// AbortStreamConfig configures the JetStream stream that carries abort events.
type AbortStreamConfig struct {
	// StreamName is the JetStream stream name
	StreamName string

	// SubjectPrefix is prepended to the error code: "<prefix>.<CODE>"
	SubjectPrefix string

	// MaxAge is how long to retain abort events
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store
	MaxBytes int64

	// Storage selects file or memory storage
	Storage nats.StorageType
}

// DefaultAbortStreamConfig returns sensible defaults.
func DefaultAbortStreamConfig() AbortStreamConfig {
	return AbortStreamConfig{
		StreamName:    "EQUB_ABORTS",
		SubjectPrefix: "aborts",
		MaxAge:        30 * 24 * time.Hour,
		MaxBytes:      256 * 1024 * 1024,
		Storage:       nats.FileStorage,
	}
}

// AbortPublisher is an observability.Observer that publishes abort events
// to JetStream, deduplicated by abort id.
type AbortPublisher struct {
	js     nats.JetStreamContext
	config AbortStreamConfig
	mu     sync.Mutex
	subs   []*nats.Subscription
}

// NewAbortPublisher creates the stream if needed.
func NewAbortPublisher(js nats.JetStreamContext, config AbortStreamConfig) (*AbortPublisher, error) {
	p := &AbortPublisher{js: js, config: config}
	if err := p.ensureStream(); err != nil {
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return p, nil
}

func (p *AbortPublisher) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      p.config.StreamName,
		Subjects:  []string{p.config.SubjectPrefix + ".>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    p.config.MaxAge,
		MaxBytes:  p.config.MaxBytes,
		Storage:   p.config.Storage,
		Replicas:  1,
	}

	stream, err := p.js.StreamInfo(p.config.StreamName)
	if err != nil {
		if _, err := p.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}

	if stream.Config.MaxAge != p.config.MaxAge || stream.Config.MaxBytes != p.config.MaxBytes {
		if _, err := p.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
	}
	return nil
}

// Subject returns the subject an abort event is published on.
func (p *AbortPublisher) Subject(ev observability.AbortEvent) string {
	code := ev.Code
	if code == "" {
		code = "UNCLASSIFIED"
	}
	return p.config.SubjectPrefix + "." + code
}

// Notify implements observability.Observer.
func (p *AbortPublisher) Notify(ctx context.Context, ev observability.AbortEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode abort %s: %w", ev.ID, err)
	}
	if _, err := p.js.Publish(p.Subject(ev), data, nats.MsgId(ev.ID), nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish abort %s: %w", ev.ID, err)
	}
	return nil
}

// Subscribe delivers abort events with the given code ("" for all) to
// handler. A handler error naks the message for redelivery.
func (p *AbortPublisher) Subscribe(code, durable string, handler func(observability.AbortEvent) error) (*nats.Subscription, error) {
	subject := p.config.SubjectPrefix + ".>"
	if code != "" {
		subject = p.config.SubjectPrefix + "." + code
	}

	sub, err := p.js.Subscribe(subject, func(msg *nats.Msg) {
		var ev observability.AbortEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			// Poison message: redelivery cannot fix it.
			msg.Term()
			return
		}
		if err := handler(ev); err != nil {
			msg.Nak()
			return
		}
		msg.Ack()
	},
		nats.Durable(durable),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.DeliverAll(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()
	return sub, nil
}

// Close removes the subscriptions created by Subscribe.
func (p *AbortPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sub := range p.subs {
		sub.Unsubscribe()
	}
	p.subs = nil
	return nil
}
