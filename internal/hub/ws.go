package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsConn adapts a websocket connection to the Conn interface.
type wsConn struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) Send(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	return wsjson.Write(ctx, c.conn, env)
}

func (c *wsConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *wsConn) markClosed() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// ServeWS upgrades the request and keeps the connection attached until the
// client goes away. Inbound frames are drained and ignored; the hub is a
// one-way fanout.
func (h *Hub) ServeWS(allowOrigins []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: allowOrigins,
		})
		if err != nil {
			return
		}
		c := &wsConn{conn: conn}
		h.Attach(c)
		slog.Info("hub: client connected", "clients", h.ConnCount())
		defer func() {
			c.markClosed()
			h.Detach(c)
			slog.Info("hub: client disconnected", "clients", h.ConnCount())
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
		}()

		ctx := r.Context()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}
}
