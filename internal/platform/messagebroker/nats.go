package messagebroker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSClient wraps a NATS connection with context-aware helpers.
type NATSClient struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewNATSClient connects to natsURL and reconnects forever on connection loss.
func NewNATSClient(natsURL string, logger *slog.Logger, appName string) (*NATSClient, error) {
	log := logger.With("component", "nats_client")
	nc, err := nats.Connect(natsURL,
		nats.Name(appName),
		nats.Timeout(5*time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(c *nats.Conn) {
			log.Info("NATS connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info("Connected to NATS", "url", nc.ConnectedUrl())
	return &NATSClient{conn: nc, logger: log}, nil
}

// Publish sends data on subject. ctx is checked before the write; NATS publishes do not block on the server.
func (c *NATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish to %s: %w", subject, err)
	}
	return nil
}

// SubscribeToSubjectWithQueue registers handler on subject within queueGroup.
// An empty queueGroup makes every subscriber receive every message.
// The subscription is drained when ctx is cancelled.
func (c *NATSClient) SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler func(*nats.Msg)) error {
	var sub *nats.Subscription
	var err error
	if queueGroup == "" {
		sub, err = c.conn.Subscribe(subject, handler)
	} else {
		sub, err = c.conn.QueueSubscribe(subject, queueGroup, handler)
	}
	if err != nil {
		return fmt.Errorf("nats queue subscribe to %s: %w", subject, err)
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			c.logger.Warn("Failed to drain subscription", "subject", subject, "error", err)
		}
	}()
	return nil
}

// Close drains pending publishes and closes the connection.
func (c *NATSClient) Close() {
	if c.conn == nil || c.conn.IsClosed() {
		return
	}
	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("NATS drain failed", "error", err)
		c.conn.Close()
	}
}
