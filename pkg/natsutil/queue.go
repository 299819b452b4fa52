// Package natsutil owns the NATS JetStream resources used by echonote: the
// durable job queue and the audio blob bucket. A Handle is an explicit object
// holding its own connection, created and torn down through lifecycle calls;
// nothing in this package lives in process-wide state.
package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// ErrNoMessages is returned by Consumer.Next when no job arrived within the
// fetch window.
var ErrNoMessages = errors.New("no messages available")

// natsHeaderCarrier adapts nats.Msg headers for OTel TextMapCarrier.
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

// Handle owns a NATS connection and its JetStream context.
type Handle struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// Connect dials NATS and initialises JetStream.
func Connect(url string) (*Handle, error) {
	nc, err := nats.Connect(url, nats.Name("echonote"))
	if err != nil {
		return nil, fmt.Errorf("natsutil: connect %s: %w", url, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("natsutil: jetstream: %w", err)
	}
	return &Handle{nc: nc, js: js}, nil
}

// Close drains and closes the underlying connection.
func (h *Handle) Close() {
	h.nc.Close()
}

// QueueConfig names the stream, subject, and durable consumer of a job queue.
type QueueConfig struct {
	Stream  string
	Subject string
	Durable string
}

// Queue is a durable work queue over a single JetStream subject.
type Queue struct {
	js  nats.JetStreamContext
	cfg QueueConfig
}

// EnsureQueue creates the backing stream if it doesn't exist and returns the
// queue. The stream uses work-queue retention so an acked message is removed
// permanently.
func (h *Handle) EnsureQueue(cfg QueueConfig) (*Queue, error) {
	_, err := h.js.StreamInfo(cfg.Stream)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = h.js.AddStream(&nats.StreamConfig{
			Name:      cfg.Stream,
			Subjects:  []string{cfg.Subject},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("natsutil: ensure stream %s: %w", cfg.Stream, err)
	}
	return &Queue{js: h.js, cfg: cfg}, nil
}

// Publish serializes v as JSON and publishes it durably, waiting for the
// stream's ack. Trace context from ctx is injected into message headers.
// Publishing is safe to repeat, so callers may retry it.
func (q *Queue) Publish(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("natsutil: marshal: %w", err)
	}
	msg := &nats.Msg{
		Subject: q.cfg.Subject,
		Data:    data,
	}
	otel.GetTextMapPropagator().Inject(ctx, (*natsHeaderCarrier)(msg))
	if _, err := q.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("natsutil: publish %s: %w", q.cfg.Subject, err)
	}
	return nil
}

// Consumer is a durable pull consumer with at most one unacked message in
// flight. One Consumer per worker instance is the backpressure mechanism.
type Consumer struct {
	sub *nats.Subscription
}

// PullConsumer binds (or creates) the durable consumer.
func (q *Queue) PullConsumer() (*Consumer, error) {
	sub, err := q.js.PullSubscribe(q.cfg.Subject, q.cfg.Durable,
		nats.AckExplicit(),
		nats.MaxAckPending(1),
	)
	if err != nil {
		return nil, fmt.Errorf("natsutil: pull subscribe %s: %w", q.cfg.Subject, err)
	}
	return &Consumer{sub: sub}, nil
}

// Unsubscribe tears the consumer down.
func (c *Consumer) Unsubscribe() error {
	return c.sub.Unsubscribe()
}

// Delivery is one in-flight message with manual acknowledgement. Ack removes
// it permanently; Term drops it permanently without redelivery.
type Delivery struct {
	msg *nats.Msg
}

// Next fetches a single message, blocking until one arrives or ctx expires.
// Returns ErrNoMessages when the fetch window closed empty.
func (c *Consumer) Next(ctx context.Context) (Delivery, error) {
	msgs, err := c.sub.Fetch(1, nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return Delivery{}, ErrNoMessages
		}
		return Delivery{}, fmt.Errorf("natsutil: fetch: %w", err)
	}
	if len(msgs) == 0 {
		return Delivery{}, ErrNoMessages
	}
	return Delivery{msg: msgs[0]}, nil
}

// Ack acknowledges the message, removing it from the work queue.
func (d Delivery) Ack() error { return d.msg.Ack() }

// Term drops the message permanently without requeueing.
func (d Delivery) Term() error { return d.msg.Term() }

// Context returns a context carrying the trace extracted from the message
// headers, parented on base.
func (d Delivery) Context(base context.Context) context.Context {
	return otel.GetTextMapPropagator().Extract(base, (*natsHeaderCarrier)(d.msg))
}

// Decode unmarshals the delivery payload into T.
func Decode[T any](d Delivery) (T, error) {
	var v T
	if err := json.Unmarshal(d.msg.Data, &v); err != nil {
		return v, fmt.Errorf("natsutil: decode: %w", err)
	}
	return v, nil
}
