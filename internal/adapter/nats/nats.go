// Package nats publishes session events to NATS JetStream and provides the
// JetStream handle for the KV-backed cache.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/agentdesk/internal/port/notifier"
)

const streamName = "AGENTDESK"

// Subjects events are published on.
const (
	SubjectSessionUpdate = "agentdesk.sessions.update"
	SubjectAIStatus      = "agentdesk.sessions.ai_status"
)

// Handler processes one message. Returning an error naks it.
type Handler func(ctx context.Context, subject string, data []byte) error

// Bus is a NATS connection with JetStream enabled.
type Bus struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the stream exists.
func Connect(ctx context.Context, url string) (*Bus, error) {
	nc, err := nats.Connect(url, nats.Name("agentdesk"))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"agentdesk.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Bus{nc: nc, js: js}, nil
}

// JetStream returns the JetStream handle.
func (b *Bus) JetStream() jetstream.JetStream { return b.js }

// Publish sends data to subject. A non-empty msgID lets JetStream drop
// duplicates.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	if _, err := b.js.Publish(ctx, subject, data, opts...); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on subject.
func (b *Bus) Subscribe(ctx context.Context, subject string, handler Handler) (func(), error) {
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := handler(context.Background(), msg.Subject(), msg.Data()); err != nil {
			slog.Error("message handler failed", "subject", msg.Subject(), "error", err)
			if nakErr := msg.Nak(); nakErr != nil {
				slog.Error("nats nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}
	return cons.Stop, nil
}

// Ping reports an error unless the connection is up.
func (b *Bus) Ping(context.Context) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("nats %s", b.nc.Status())
	}
	return nil
}

// Close drains and shuts down the connection.
func (b *Bus) Close() error {
	return b.nc.Drain()
}

// Notifier publishes session events on the bus.
type Notifier struct {
	bus *Bus
}

// NewNotifier creates a Notifier.
func NewNotifier(bus *Bus) *Notifier {
	return &Notifier{bus: bus}
}

// Name implements notifier.Notifier.
func (n *Notifier) Name() string { return "nats" }

// Notify implements notifier.Notifier.
func (n *Notifier) Notify(ctx context.Context, ev notifier.Event) error {
	subject, msgID := routeEvent(ev)
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.Type, err)
	}
	return n.bus.Publish(ctx, subject, data, msgID)
}

// routeEvent picks the subject and deduplication id of an event. Session
// snapshots are unique per version.
func routeEvent(ev notifier.Event) (subject, msgID string) {
	if ev.Type == notifier.EventAIStatusUpdate {
		return SubjectAIStatus, ev.SessionID + "-ai-" + strconv.FormatInt(ev.At.UnixNano(), 10)
	}
	id := ev.SessionID + "-" + strconv.FormatInt(ev.At.UnixNano(), 10)
	if ev.Session != nil {
		id = ev.SessionID + "-v" + strconv.Itoa(ev.Session.Version)
	}
	return SubjectSessionUpdate, id
}
