package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/maildigest/internal/streaming"
)

// NotificationMethod is the MCP method used for relayed step events.
const NotificationMethod = "notifications/message"

// sender is the part of *server.MCPServer the notifier needs.
type sender interface {
	SendNotificationToSpecificClient(sessionID, method string, params map[string]any) error
}

// ThreadNotifier forwards stream events to the session watching their thread.
type ThreadNotifier struct {
	out      sender
	sessions *SessionRegistry
	logger   *slog.Logger
}

// NewThreadNotifier creates a notifier that pushes through out.
func NewThreadNotifier(out sender, sessions *SessionRegistry, logger *slog.Logger) *ThreadNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ThreadNotifier{out: out, sessions: sessions, logger: logger}
}

// Notify pushes one event. Best-effort: nil when nobody watches the thread.
func (n *ThreadNotifier) Notify(ev streaming.StreamEvent) error {
	sessionID, ok := n.sessions.SessionFor(ev.ThreadID)
	if !ok {
		return nil
	}
	params := map[string]any{
		"level":  "info",
		"logger": "maildigest",
		"data": map[string]any{
			"thread_id":  ev.ThreadID,
			"step":       ev.Step,
			"event_type": ev.EventType,
			"status":     ev.Status,
			"changed":    ev.Changed,
			"timestamp":  ev.Timestamp,
		},
	}
	err := n.out.SendNotificationToSpecificClient(sessionID, NotificationMethod, params)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Run subscribes to every thread on hub and relays until ctx ends.
func (n *ThreadNotifier) Run(ctx context.Context, hub streaming.EventHub) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := n.Notify(ev); err != nil {
				n.logger.DebugContext(ctx, "notification dropped", "thread_id", ev.ThreadID, "error", err)
			}
		}
	}
}
