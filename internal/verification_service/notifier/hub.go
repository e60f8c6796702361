// Package notifier pushes verification events to the owner's live connection.
package notifier

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
)

// Transport is one client connection. Send is never called concurrently for the same transport.
type Transport interface {
	Send(ctx context.Context, ev domain.Event) error
	Close() error
}

// Relay mirrors events to other consumers. Relay failures never affect local delivery.
type Relay interface {
	Relay(ctx context.Context, ev domain.Event) error
}

// Connection is the hub's record of an owner's live transport.
type Connection struct {
	ID          string
	OwnerID     string
	ConnectedAt time.Time

	transport Transport
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *Connection) send(ctx context.Context, ev domain.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.Send(ctx, ev)
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		_ = c.transport.Close()
	})
}

// Hub keeps at most one connection per owner. A newer connection replaces the older one.
type Hub struct {
	logger *slog.Logger
	relay  Relay
	now    func() time.Time

	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewHub creates an empty hub. relay may be nil.
func NewHub(logger *slog.Logger, relay Relay) *Hub {
	return &Hub{
		logger: logger.With("component", "notifier_hub"),
		relay:  relay,
		now:    time.Now,
		conns:  make(map[string]*Connection),
	}
}

// Connect registers t as ownerID's connection, closing any previous one, and greets the client.
func (h *Hub) Connect(ownerID string, t Transport) *Connection {
	conn := &Connection{ID: uuid.NewString(), OwnerID: ownerID, ConnectedAt: h.now().UTC(), transport: t}

	h.mu.Lock()
	old := h.conns[ownerID]
	h.conns[ownerID] = conn
	h.mu.Unlock()

	if old != nil {
		old.close()
		h.logger.Info("Connection replaced", "owner_id", ownerID, "old_connection_id", old.ID, "connection_id", conn.ID)
	} else {
		connectionsActive.Inc()
		h.logger.Info("Connection established", "owner_id", ownerID, "connection_id", conn.ID)
	}

	greeting := domain.Event{Type: domain.EventConnectionEstablished, OwnerID: ownerID, Timestamp: h.now().UTC()}
	if err := conn.send(context.Background(), greeting); err != nil {
		eventsTotal.WithLabelValues(string(greeting.Type), "failed").Inc()
		h.logger.Warn("Greeting failed, dropping connection", "owner_id", ownerID, "error", err)
		h.Drop(conn)
		return conn
	}
	eventsTotal.WithLabelValues(string(greeting.Type), "delivered").Inc()
	return conn
}

// Disconnect removes and closes ownerID's connection.
func (h *Hub) Disconnect(ownerID string) bool {
	h.mu.Lock()
	conn, ok := h.conns[ownerID]
	if ok {
		delete(h.conns, ownerID)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}
	connectionsActive.Dec()
	conn.close()
	h.logger.Info("Connection closed", "owner_id", ownerID, "connection_id", conn.ID)
	return true
}

// Drop removes conn only if it is still the owner's current connection. The transport is closed either way.
func (h *Hub) Drop(conn *Connection) bool {
	h.mu.Lock()
	cur, ok := h.conns[conn.OwnerID]
	removed := ok && cur == conn
	if removed {
		delete(h.conns, conn.OwnerID)
	}
	h.mu.Unlock()

	conn.close()
	if removed {
		connectionsActive.Dec()
		h.logger.Info("Connection dropped", "owner_id", conn.OwnerID, "connection_id", conn.ID)
	}
	return removed
}

// Send delivers ev to ownerID. It returns false when the owner is offline or the write failed;
// a failed write removes the connection. Delivery is never retried.
func (h *Hub) Send(ctx context.Context, ownerID string, ev domain.Event) bool {
	ev.OwnerID = ownerID
	h.relayEvent(ctx, ev)
	return h.deliver(ctx, ev)
}

// Broadcast sends ev to every connection and returns how many received it.
func (h *Hub) Broadcast(ctx context.Context, ev domain.Event) int {
	ev.OwnerID = ""
	h.relayEvent(ctx, ev)
	return h.deliverAll(ctx, ev)
}

func (h *Hub) deliver(ctx context.Context, ev domain.Event) bool {
	h.mu.RLock()
	conn := h.conns[ev.OwnerID]
	h.mu.RUnlock()
	if conn == nil {
		eventsTotal.WithLabelValues(string(ev.Type), "no_connection").Inc()
		return false
	}

	if err := conn.send(ctx, ev); err != nil {
		eventsTotal.WithLabelValues(string(ev.Type), "failed").Inc()
		h.logger.WarnContext(ctx, "Event delivery failed, dropping connection",
			"owner_id", ev.OwnerID, "event_type", ev.Type, "verification_id", ev.VerificationID, "error", err)
		h.Drop(conn)
		return false
	}
	eventsTotal.WithLabelValues(string(ev.Type), "delivered").Inc()
	return true
}

func (h *Hub) deliverAll(ctx context.Context, ev domain.Event) int {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if err := conn.send(ctx, ev); err != nil {
			eventsTotal.WithLabelValues(string(ev.Type), "failed").Inc()
			h.logger.WarnContext(ctx, "Broadcast delivery failed, dropping connection", "owner_id", conn.OwnerID, "error", err)
			h.Drop(conn)
			continue
		}
		eventsTotal.WithLabelValues(string(ev.Type), "delivered").Inc()
		delivered++
	}
	return delivered
}

// Connected reports whether ownerID has a live connection.
func (h *Hub) Connected(ownerID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[ownerID]
	return ok
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]*Connection)
	h.mu.Unlock()

	for _, c := range conns {
		connectionsActive.Dec()
		c.close()
	}
}

func (h *Hub) relayEvent(ctx context.Context, ev domain.Event) {
	if h.relay == nil {
		return
	}
	if err := h.relay.Relay(ctx, ev); err != nil {
		h.logger.WarnContext(ctx, "Event relay failed", "event_type", ev.Type, "owner_id", ev.OwnerID, "error", err)
	}
}
