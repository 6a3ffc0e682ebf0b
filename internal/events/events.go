// Package events provides an optional, typed NATS publish/subscribe layer
// used to fan out admission and ingestion notifications. It is never on the
// critical path of the QA pipeline: every publish is a best-effort notify
// that silently no-ops without a configured connection, so the core pipeline
// never depends on a broker being reachable.
package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// Bus wraps an optional *nats.Conn. A nil Bus (or one built from a nil
// connection) makes every Publish a no-op.
type Bus struct {
	nc *nats.Conn
}

// NewBus wraps a NATS connection. nc may be nil, yielding a no-op bus.
func NewBus(nc *nats.Conn) *Bus {
	return &Bus{nc: nc}
}

// natsHeaderCarrier adapts nats.Msg headers to the OTel TextMapCarrier
// interface so trace context survives a hop through the broker.
type natsHeaderCarrier nats.Msg

func (c *natsHeaderCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *natsHeaderCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *natsHeaderCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}

// Publish serializes v as JSON and publishes it to subject. A nil Bus, or
// one without a live connection, is a silent no-op — callers are never
// required to check readiness before publishing.
func Publish[T any](ctx context.Context, b *Bus, subject string, v T) error {
	if b == nil || b.nc == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := &nats.Msg{Subject: subject, Data: data}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	return b.nc.PublishMsg(msg)
}

// Subscribe registers a handler for JSON messages of type T on subject.
// Malformed messages are dropped. Returns nil, nil if the bus has no
// connection, so callers can subscribe unconditionally.
func Subscribe[T any](b *Bus, subject string, handler func(context.Context, T)) (*nats.Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, nil
	}
	return b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			return
		}
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), (*natsHeaderCarrier)(msg))
		handler(ctx, v)
	})
}

// Subjects used by the pipeline and ingestion loop.
const (
	SubjectQAAdmitted    = "qa.admitted"
	SubjectNewsCompleted = "news.cycle_completed"
)

// QAAdmittedEvent is published after a successful write-back admission.
type QAAdmittedEvent struct {
	QAID     string `json:"qa_id"`
	Question string `json:"question"`
	Source   string `json:"source"`
}

// NewsCycleCompletedEvent is published after a news ingestion cycle finishes.
type NewsCycleCompletedEvent struct {
	ArticlesScraped int `json:"articles_scraped"`
	PairsStored     int `json:"pairs_stored"`
	ElapsedMS       int64 `json:"elapsed_ms"`
}
