package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aradsms/verification_gateway/internal/verification_service/domain"
)

// WebsocketConfig tunes keep-alive and write timeouts for websocket clients.
type WebsocketConfig struct {
	WriteTimeout time.Duration `mapstructure:"WS_WRITE_TIMEOUT"`
	PongTimeout  time.Duration `mapstructure:"WS_PONG_TIMEOUT"`
	PingInterval time.Duration `mapstructure:"WS_PING_INTERVAL"`
}

func (c WebsocketConfig) withDefaults() WebsocketConfig {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.PongTimeout {
		c.PingInterval = c.PongTimeout * 9 / 10
	}
	return c
}

// WebsocketTransport writes events as JSON text frames.
type WebsocketTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func NewWebsocketTransport(conn *websocket.Conn, writeTimeout time.Duration) *WebsocketTransport {
	return &WebsocketTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *WebsocketTransport) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(t.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

func (t *WebsocketTransport) Send(ctx context.Context, ev domain.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.conn.SetWriteDeadline(t.deadline(ctx)); err != nil {
		return err
	}
	return t.conn.WriteJSON(ev)
}

// Ping writes a ping control frame. Safe to call concurrently with Send.
func (t *WebsocketTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *WebsocketTransport) Close() error {
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "connection replaced or closed")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// ServeWebsocket attaches an upgraded connection to the hub for ownerID and blocks until the client goes away
// or ctx ends. Client frames are read only to process pongs and detect disconnects.
func (h *Hub) ServeWebsocket(ctx context.Context, ownerID string, ws *websocket.Conn, cfg WebsocketConfig) {
	cfg = cfg.withDefaults()
	transport := NewWebsocketTransport(ws, cfg.WriteTimeout)
	conn := h.Connect(ownerID, transport)
	defer h.Drop(conn)

	_ = ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				var closeErr *websocket.CloseError
				if !errors.As(err, &closeErr) && !errors.Is(err, websocket.ErrCloseSent) {
					h.logger.Debug("Websocket read ended", "owner_id", ownerID, "connection_id", conn.ID, "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case <-ticker.C:
			if err := transport.Ping(); err != nil {
				h.logger.Debug("Websocket ping failed", "owner_id", ownerID, "connection_id", conn.ID, "error", err)
				return
			}
		}
	}
}
