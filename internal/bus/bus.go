package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"modelpool/pkg/types"
)

// StreamName returns the JetStream stream name owning a workspace's events.
func StreamName(workspaceID string) string {
	return "workspace-" + workspaceID
}

// Subject returns the subject one event type is published on.
func Subject(workspaceID string, eventType types.EventType) string {
	return fmt.Sprintf("workspace.%s.events.%s", workspaceID, eventType)
}

// wildcardSubject covers every event type of one workspace.
func wildcardSubject(workspaceID string) string {
	return fmt.Sprintf("workspace.%s.events.*", workspaceID)
}

// Bus is a JetStream-backed event bus client. Streams are created lazily on
// first publish or subscribe, so producers and consumers can start in any
// order.
type Bus struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log zerolog.Logger
}

// Connect dials the NATS server at url and initializes JetStream.
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	return &Bus{
		nc:  nc,
		js:  js,
		log: log.With().Str("component", "bus").Logger(),
	}, nil
}

// Close drains in-flight messages and closes the connection.
func (b *Bus) Close() {
	if err := b.nc.Drain(); err != nil {
		b.log.Warn().Err(err).Msg("drain failed")
	}
}

// ensureStream creates the workspace stream if it does not exist yet.
func (b *Bus) ensureStream(ctx context.Context, workspaceID string) error {
	_, err := b.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName(workspaceID),
		Subjects:    []string{wildcardSubject(workspaceID)},
		Description: "Events for workspace " + workspaceID,
		Storage:     jetstream.FileStorage,
		MaxAge:      7 * 24 * time.Hour,
	})
	if err != nil && err != jetstream.ErrStreamNameAlreadyInUse {
		return fmt.Errorf("failed to ensure stream for workspace %s: %w", workspaceID, err)
	}
	return nil
}

// Publish marshals the payload and publishes it on the workspace's subject
// for the event type.
func (b *Bus) Publish(ctx context.Context, workspaceID string, eventType types.EventType, payload any) error {
	if err := b.ensureStream(ctx, workspaceID); err != nil {
		return err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}
	subject := Subject(workspaceID, eventType)
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", subject, err)
	}
	b.log.Debug().Str("subject", subject).Msg("event published")
	return nil
}

// Subscription is an active durable consumer. Stop cancels delivery; the
// durable consumer state survives for redelivery on resubscribe.
type Subscription struct {
	cc jetstream.ConsumeContext
}

// Stop cancels message delivery.
func (s *Subscription) Stop() {
	s.cc.Stop()
}

// Subscribe attaches a durable consumer for one event type of one workspace.
// The handler is invoked per message; a handler error NAKs the message for
// redelivery, success ACKs it. Duplicate delivery is possible, so handlers
// must be idempotent.
func (b *Bus) Subscribe(ctx context.Context, workspaceID string, eventType types.EventType, consumerName string, handler func(data []byte) error) (*Subscription, error) {
	if err := b.ensureStream(ctx, workspaceID); err != nil {
		return nil, err
	}
	consumer, err := b.js.CreateOrUpdateConsumer(ctx, StreamName(workspaceID), jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: Subject(workspaceID, eventType),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxAckPending: 1000,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", consumerName, err)
	}

	subject := Subject(workspaceID, eventType)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := handler(msg.Data()); err != nil {
			b.log.Warn().Str("subject", subject).Err(err).Msg("handler failed, message nacked")
			_ = msg.Nak()
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume %s: %w", subject, err)
	}
	b.log.Info().Str("subject", subject).Str("consumer", consumerName).Msg("subscribed")
	return &Subscription{cc: cc}, nil
}

// DeleteWorkspaceStream removes a workspace's stream and every consumer on
// it, used when a workspace is torn down for good.
func (b *Bus) DeleteWorkspaceStream(ctx context.Context, workspaceID string) error {
	if err := b.js.DeleteStream(ctx, StreamName(workspaceID)); err != nil {
		return fmt.Errorf("failed to delete stream for workspace %s: %w", workspaceID, err)
	}
	return nil
}
