package controlplane

import (
	"context"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
)

const (
	writeTimeout   = 10 * time.Second
	shutdownReason = "shutdown"
)

// Events upgrades to a websocket and streams broadcaster events until either
// side goes away. A client too slow to keep up misses events.
//
//	@Summary	Event stream
//	@Tags		events
//	@Success	101	{object}	EventMessage
//	@Failure	401	{object}	ErrorResponse
//	@Router		/v1/events [get]
func (h *Handler) Events(c *gin.Context) {
	broadcaster := h.agent.Events()
	sub := broadcaster.Subscribe()
	defer broadcaster.Unsubscribe(sub)

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("control plane events accept", "error", err)
		return
	}
	defer conn.CloseNow()

	// nothing is read from the client, CloseRead handles its close frame
	ctx := conn.CloseRead(c.Request.Context())
	slog.Debug("control plane events connected", "ip", c.ClientIP())

	for {
		select {
		case <-ctx.Done():
			slog.Debug("control plane events disconnected", "ip", c.ClientIP())
			return

		case ev, ok := <-sub:
			if !ok {
				conn.Close(websocket.StatusGoingAway, shutdownReason)
				return
			}

			ctxWrite, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(ctxWrite, conn, newEventMessage(ev))
			cancel()
			if err != nil {
				slog.Debug("control plane events write", "error", err)
				return
			}
		}
	}
}
