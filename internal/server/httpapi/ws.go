package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/claudefleet/fleet/internal/metrics"
)

// WebSocket close codes for auth failures.
const (
	closeAuthRequired = 4001
	closeAuthInvalid  = 4003
)

// handleWSEvents upgrades to a WebSocket and streams manager events as
// JSON frames. When auth is enabled the client must send its bearer
// token as the first text frame within 10 seconds.
func (a *API) handleWSEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		a.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected close")

	ctx := r.Context()

	if len(a.secretHash) > 0 {
		authCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		msgType, data, err := conn.Read(authCtx)
		cancel()
		if err != nil || msgType != websocket.MessageText {
			conn.Close(websocket.StatusCode(closeAuthRequired), "token required")
			return
		}
		if !a.validToken(string(data)) {
			conn.Close(websocket.StatusCode(closeAuthInvalid), "invalid token")
			return
		}
	}

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	ch, cancel := a.events.Watch()
	defer cancel()

	// Drain client frames so pings are answered and closure is noticed.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case <-readDone:
			return
		case ev, ok := <-ch:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "event stream closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancelWrite()
			if err != nil {
				return
			}
			metrics.WSMessagesTotal.Inc()
		}
	}
}
