package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/flemzord/mcpexec/internal/security"
)

// streamWriteTimeout bounds one frame write to a slow client.
const streamWriteTimeout = 5 * time.Second

// handleAuditStream upgrades to a WebSocket and sends every audit event
// as a JSON text frame until the client goes away. The optional "type"
// query parameter filters by event type.
func (g *Gateway) handleAuditStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if g.deps.Audit == nil {
			writeError(w, http.StatusNotFound, "audit stream is disabled")
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			g.logger.Warn("gateway: websocket accept failed", "error", err)
			return
		}
		defer func() {
			_ = conn.Close(websocket.StatusInternalError, "unexpected close")
		}()

		events, unsubscribe := g.deps.Audit.Subscribe()
		defer unsubscribe()

		filter := security.EventType(r.URL.Query().Get("type"))

		// The client never sends; CloseRead cancels ctx once it disconnects.
		ctx := conn.CloseRead(r.Context())
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-events:
				if !ok {
					_ = conn.Close(websocket.StatusGoingAway, "audit log closed")
					return
				}
				if filter != "" && event.Type != filter {
					continue
				}
				if err := writeEvent(ctx, conn, event); err != nil {
					g.logger.Debug("gateway: audit stream write failed", "error", err)
					return
				}
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event security.AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}
