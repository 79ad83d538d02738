package api

import (
	"io"
	"time"

	"github.com/gin-gonic/gin"
)

// EventName is the server-sent event name of record change notifications.
const EventName = "records-updated"

// StreamEvents handles GET /api/events. It streams one "records-updated"
// event per committed mutation until the client disconnects or the viewer
// falls too far behind.
func (h *Handler) StreamEvents(c *gin.Context) {
	sub := h.hub.Subscribe()
	defer sub.Close()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	// Sent first so clients know the subscription is live.
	c.SSEvent("ready", gin.H{"time": time.Now().UTC()})
	c.Writer.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(EventName, e)
			return true
		case <-ticker.C:
			_, _ = io.WriteString(w, ": ping\n\n")
			return true
		case <-ctx.Done():
			return false
		}
	})
}
