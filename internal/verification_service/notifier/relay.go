package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
)

// Publisher is the messagebroker surface the relay publishes through.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Subscriber is the messagebroker surface the relay listens through.
type Subscriber interface {
	SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler func(*nats.Msg)) error
}

// DefaultSubjectPrefix is the NATS subject root for relayed events.
const DefaultSubjectPrefix = "verification.events"

// NATSRelay publishes every hub event to <prefix>.<owner>, or <prefix>.broadcast for broadcasts,
// and delivers events relayed by other gateway instances to local connections.
type NATSRelay struct {
	pub      Publisher
	prefix   string
	instance string
	logger   *slog.Logger
}

func NewNATSRelay(pub Publisher, prefix string, logger *slog.Logger) *NATSRelay {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSRelay{
		pub:      pub,
		prefix:   prefix,
		instance: uuid.NewString(),
		logger:   logger.With("component", "nats_relay"),
	}
}

type relayedEvent struct {
	Origin  string `json:"origin"`
	OwnerID string `json:"ownerId,omitempty"`
	domain.Event
}

var subjectTokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_")

// Subject returns the subject an event for ownerID is published on.
func (r *NATSRelay) Subject(ownerID string) string {
	if ownerID == "" {
		return r.prefix + ".broadcast"
	}
	return r.prefix + "." + subjectTokenReplacer.Replace(ownerID)
}

func (r *NATSRelay) Relay(ctx context.Context, ev domain.Event) error {
	data, err := json.Marshal(relayedEvent{Origin: r.instance, OwnerID: ev.OwnerID, Event: ev})
	if err != nil {
		return fmt.Errorf("marshal relayed event: %w", err)
	}
	subject := r.Subject(ev.OwnerID)
	if err := r.pub.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	r.logger.DebugContext(ctx, "Event relayed", "subject", subject, "event_type", ev.Type)
	return nil
}

// Listen subscribes to every relayed event and hands those from other instances to hub.
// Every instance must see every event, so no queue group is used.
func (r *NATSRelay) Listen(ctx context.Context, sub Subscriber, hub *Hub) error {
	return sub.SubscribeToSubjectWithQueue(ctx, r.prefix+".>", "", func(msg *nats.Msg) {
		r.handle(ctx, hub, msg.Data)
	})
}

func (r *NATSRelay) handle(ctx context.Context, hub *Hub, data []byte) {
	var in relayedEvent
	if err := json.Unmarshal(data, &in); err != nil {
		r.logger.WarnContext(ctx, "Dropping malformed relayed event", "error", err)
		return
	}
	if in.Origin == r.instance {
		return
	}
	ev := in.Event
	ev.OwnerID = in.OwnerID
	if ev.OwnerID == "" {
		hub.deliverAll(ctx, ev)
		return
	}
	hub.deliver(ctx, ev)
}
