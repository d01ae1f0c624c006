package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/maildigest/internal/diagram"
	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/pkg/schema"
)

// handleTrigger starts a run and returns once it completes, suspends or fails.
func (s *DigestServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	p := engine.StartParams{
		ThreadID:  req.GetString("thread_id", ""),
		TimeRange: req.GetString("time_range", engine.DefaultTimeRange),
		MaxItems:  req.GetInt("max_items", engine.DefaultMaxItems),
	}
	if p.MaxItems <= 0 {
		return mcp.NewToolResultError("max_items must be positive"), nil
	}
	if p.ThreadID == "" {
		p.ThreadID = engine.NewThreadID()
	}
	s.captureSession(ctx, p.ThreadID)

	res, err := s.engine.Start(ctx, p)
	if err != nil {
		return toolError("run failed", err), nil
	}
	return marshalResult(res)
}

// handleDecide delivers one decision to a suspended thread.
func (s *DigestServer) handleDecide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := req.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("thread_id is required"), nil
	}
	eventID, err := req.RequireString("event_id")
	if err != nil {
		return mcp.NewToolResultError("event_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	d := &schema.Decision{EventID: eventID, Action: schema.Action(action), Actor: req.GetString("actor", "")}
	if err := d.Validate(); err != nil {
		return toolError("invalid decision", err), nil
	}
	s.captureSession(ctx, threadID)

	res, err := s.engine.Resume(ctx, threadID, d)
	if err != nil {
		return toolError("resume failed", err), nil
	}
	return marshalResult(res)
}

func (s *DigestServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := req.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("thread_id is required"), nil
	}
	view, err := s.engine.Status(ctx, threadID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(view)
}

func (s *DigestServer) handleRetry(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := req.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("thread_id is required"), nil
	}
	s.captureSession(ctx, threadID)
	res, err := s.engine.Retry(ctx, threadID)
	if err != nil {
		return toolError("retry failed", err), nil
	}
	return marshalResult(res)
}

// handleQuery evaluates a jq expression over the JSON form of the status view.
func (s *DigestServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	threadID, err := req.RequireString("thread_id")
	if err != nil {
		return mcp.NewToolResultError("thread_id is required"), nil
	}
	expr, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError("query is required"), nil
	}

	view, err := s.engine.Status(ctx, threadID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	doc, err := StatusDocument(view)
	if err != nil {
		return toolError("encode status", err), nil
	}
	out, err := s.query.Evaluate(ctx, expr, doc)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"thread_id": threadID, "result": out})
}

// handleDiagram draws the workflow, optionally overlaid with a thread's step status.
func (s *DigestServer) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	if s.graph == nil {
		return mcp.NewToolResultError("no workflow graph configured"), nil
	}

	opts := diagram.Options{Title: "maildigest", Waits: s.waits}
	if threadID := req.GetString("thread_id", ""); threadID != "" {
		view, err := s.engine.Status(ctx, threadID)
		if err != nil {
			return toolError("status query failed", err), nil
		}
		opts.Title = threadID
		opts.Records = view.Steps
	}
	model := diagram.Build(s.graph, opts)

	switch format {
	case "mermaid":
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "image":
		png, err := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if err != nil {
			return toolError("image render failed", err), nil
		}
		return mcp.NewToolResultText(base64.StdEncoding.EncodeToString(png)), nil
	default:
		return mcp.NewToolResultError("format must be mermaid, ascii, or image"), nil
	}
}

// --- Internal helpers ---

// captureSession maps the thread to the calling session for step notifications.
func (s *DigestServer) captureSession(ctx context.Context, threadID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(threadID, session.SessionID())
	}
}

// StatusDocument converts a status view to plain JSON values for jq.
func StatusDocument(view *engine.StatusView) (map[string]any, error) {
	raw, err := json.Marshal(view)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	if doc["pending"] == nil {
		doc["pending"] = []any{}
	}
	return doc, nil
}

func toolError(prefix string, err error) *mcp.CallToolResult {
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
