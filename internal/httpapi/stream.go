package httpapi

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rendis/maildigest/internal/streaming"
)

// stream relays a thread's step events as server-sent events until the client
// goes away.
func (s *Server) stream(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "streaming is not enabled"})
		return
	}
	ctx := c.Request.Context()
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.EventFilter{ThreadID: c.Param("thread")})
	if err != nil {
		writeError(c, err)
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(ev.EventType, ev)
			return true
		}
	})
}
