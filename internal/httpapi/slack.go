package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/slack-go/slack"

	"github.com/rendis/maildigest/internal/notify"
	"github.com/rendis/maildigest/internal/store"
	"github.com/rendis/maildigest/pkg/schema"
)

type urlVerification struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge"`
}

// slackInteractive acknowledges a button click immediately and resumes the
// matching run in the background.
func (s *Server) slackInteractive(c *gin.Context) {
	ctx := c.Request.Context()
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	if !s.verifySlack(c.Request.Header, body) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		var uv urlVerification
		if err := json.Unmarshal(trimmed, &uv); err == nil && uv.Type == "url_verification" {
			c.JSON(http.StatusOK, gin.H{"challenge": uv.Challenge})
			return
		}
	}

	form, err := url.ParseQuery(string(body))
	if err != nil || form.Get("payload") == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload: missing payload field"})
		return
	}
	var cb slack.InteractionCallback
	if err := json.Unmarshal([]byte(form.Get("payload")), &cb); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload: " + err.Error()})
		return
	}
	if len(cb.ActionCallback.BlockActions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload: no actions"})
		return
	}

	action := cb.ActionCallback.BlockActions[0]
	d := &schema.Decision{EventID: action.Value, Actor: cb.User.ID}
	switch action.ActionID {
	case notify.ActionConfirm:
		d.Action = schema.ActionConfirm
	case notify.ActionSkip:
		d.Action = schema.ActionSkip
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload: unknown action " + action.ActionID})
		return
	}

	threadID := s.resolveThread(c, d.EventID, handleOf(cb))
	if threadID == "" {
		s.logger.WarnContext(ctx, "no pending confirmation for callback", "event_id", d.EventID)
		c.JSON(http.StatusOK, slackReply("This event is no longer awaiting a decision."))
		return
	}
	if err := s.runner.Resume(ctx, threadID, d); err != nil {
		s.logger.WarnContext(ctx, "could not schedule resume", "thread_id", threadID, "event_id", d.EventID, "error", err)
		c.JSON(http.StatusOK, slackReply("Sorry, that decision could not be recorded."))
		return
	}

	text := "Got it! Adding the event to your calendar..."
	if d.Action == schema.ActionSkip {
		text = "Got it! Skipping the event..."
	}
	c.JSON(http.StatusOK, slackReply(text))
}

func slackReply(text string) gin.H {
	return gin.H{"response_type": "in_channel", "text": text, "replace_original": false}
}

func (s *Server) verifySlack(h http.Header, body []byte) bool {
	if s.cfg.SigningSecret == "" {
		return true
	}
	sv, err := slack.NewSecretsVerifier(h, s.cfg.SigningSecret)
	if err != nil {
		return false
	}
	if _, err := sv.Write(body); err != nil {
		return false
	}
	return sv.Ensure() == nil
}

func handleOf(cb slack.InteractionCallback) string {
	channel := cb.Container.ChannelID
	if channel == "" {
		channel = cb.Channel.ID
	}
	ts := cb.Container.MessageTs
	if ts == "" {
		ts = cb.Message.Timestamp
	}
	if channel == "" || ts == "" {
		return ""
	}
	return notify.JoinHandle(channel, ts)
}

// resolveThread finds the suspended thread waiting on eventID, preferring the
// row that matches the clicked message.
func (s *Server) resolveThread(c *gin.Context, eventID, handle string) string {
	if s.pending != nil {
		filters := []store.PendingFilter{{EventID: eventID, Status: store.PendingOpen}}
		if handle != "" {
			filters = append([]store.PendingFilter{{EventID: eventID, Handle: handle, Status: store.PendingOpen}}, filters...)
		}
		for _, f := range filters {
			rows, err := s.pending.ListPending(c.Request.Context(), f)
			if err != nil {
				s.logger.WarnContext(c.Request.Context(), "pending lookup failed", "error", err)
				break
			}
			if len(rows) > 0 {
				return rows[0].ThreadID
			}
		}
	}
	return s.cfg.DefaultThreadID
}
