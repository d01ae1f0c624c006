package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/internal/validation"
)

type triggerRequest struct {
	TimeRange string `json:"time_range"`
	MaxItems  int    `json:"max_items"`
	ThreadID  string `json:"thread_id"`
}

// trigger starts a digest run in the background. The body is optional.
func (s *Server) trigger(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	var req triggerRequest
	if len(body) > 0 {
		if s.validator != nil {
			if err := s.validator.ValidateJSON(validation.SchemaTrigger, body); err != nil {
				writeError(c, err)
				return
			}
		}
		if err := json.Unmarshal(body, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}

	p := engine.StartParams{
		ThreadID:  req.ThreadID,
		TimeRange: req.TimeRange,
		MaxItems:  req.MaxItems,
	}
	if p.ThreadID == "" {
		p.ThreadID = s.cfg.DefaultThreadID
	}
	if p.TimeRange == "" {
		p.TimeRange = s.cfg.DefaultTimeRange
	}
	if p.MaxItems == 0 {
		p.MaxItems = s.cfg.DefaultMaxItems
	}

	threadID, err := s.runner.Trigger(c.Request.Context(), p)
	if err != nil {
		writeError(c, err)
		return
	}
	s.logger.InfoContext(c.Request.Context(), "digest triggered", "thread_id", threadID, "time_range", p.TimeRange)
	c.JSON(http.StatusAccepted, gin.H{
		"status":    "triggered",
		"thread_id": threadID,
		"message":   "Email summary workflow started",
	})
}

func (s *Server) getRun(c *gin.Context) {
	view, err := s.status.Status(c.Request.Context(), c.Param("thread"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"snapshot": view.Snapshot,
		"pending":  view.Pending,
		"steps":    view.Steps,
	})
}

func (s *Server) getEvents(c *gin.Context) {
	view, err := s.status.Status(c.Request.Context(), c.Param("thread"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"thread_id": c.Param("thread"), "events": view.Events})
}
