package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/internal/expressions"
	"github.com/rendis/maildigest/internal/streaming"
	"github.com/rendis/maildigest/pkg/schema"
)

// Engine is the subset of *engine.Engine the tools drive. Calls are synchronous:
// a tool returns once the run stops advancing.
type Engine interface {
	Start(ctx context.Context, p engine.StartParams) (*engine.RunResult, error)
	Resume(ctx context.Context, threadID string, d *schema.Decision) (*engine.RunResult, error)
	Retry(ctx context.Context, threadID string) (*engine.RunResult, error)
	Status(ctx context.Context, threadID string) (*engine.StatusView, error)
}

// ServerDeps holds the dependencies for creating a DigestServer.
type ServerDeps struct {
	Engine  Engine
	Graph   *engine.Graph
	Waits   []string // steps drawn as waiting nodes
	Query   expressions.Engine
	Hub     streaming.EventHub
	Version string
	Logger  *slog.Logger
}

// DigestServer wraps an MCP server with the digest tool handlers.
type DigestServer struct {
	engine    Engine
	graph     *engine.Graph
	waits     []string
	query     expressions.Engine
	hub       streaming.EventHub
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewDigestServer creates a DigestServer with every tool registered.
func NewDigestServer(deps ServerDeps) *DigestServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	query := deps.Query
	if query == nil {
		query = expressions.NewGoJQEngine()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &DigestServer{
		engine:   deps.Engine,
		graph:    deps.Graph,
		waits:    deps.Waits,
		query:    query,
		hub:      deps.Hub,
		sessions: NewSessionRegistry(),
		logger:   logger.With("component", "mcp"),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"maildigest",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("maildigest summarizes recent mail and asks for confirmation before adding detected events to the calendar. Use digest.trigger to start a run, digest.decide to confirm or skip a suspended event, digest.status and digest.query to inspect a thread, digest.retry to re-run a failed thread, and digest.diagram to draw the workflow."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes. Step events of threads a session touched are relayed to that session.
func (s *DigestServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		relay := NewThreadNotifier(s.mcpServer, s.sessions, s.logger)
		go func() {
			if err := relay.Run(ctx, s.hub); err != nil && ctx.Err() == nil {
				s.logger.WarnContext(ctx, "event relay stopped", "error", err)
			}
		}()
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *DigestServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *DigestServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: decideTool(), Handler: s.handleDecide},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: retryTool(), Handler: s.handleRetry},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func triggerTool() mcp.Tool {
	return mcp.NewTool("digest.trigger",
		mcp.WithDescription("Start a digest run over recent mail"),
		mcp.WithString("time_range", mcp.Description("Look-back window such as 24h, 3d or 1w (default: 24h)")),
		mcp.WithNumber("max_items", mcp.Description("Maximum number of messages to read (default: 20)")),
		mcp.WithString("thread_id", mcp.Description("Thread id for the run (default: generated)")),
	)
}

func decideTool() mcp.Tool {
	return mcp.NewTool("digest.decide",
		mcp.WithDescription("Confirm or skip a detected calendar event of a suspended run"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread waiting for the decision")),
		mcp.WithString("event_id", mcp.Required(), mcp.Description("Detected event id")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum(string(schema.ActionConfirm), string(schema.ActionSkip)),
			mcp.Description("Decision for the event"),
		),
		mcp.WithString("actor", mcp.Description("Who made the decision")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("digest.status",
		mcp.WithDescription("Get a thread's snapshot, pending confirmations and step history"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread to inspect")),
	)
}

func retryTool() mcp.Tool {
	return mcp.NewTool("digest.retry",
		mcp.WithDescription("Re-run a failed thread from the step that failed"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Failed thread")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("digest.query",
		mcp.WithDescription("Run a jq expression over a thread's status document"),
		mcp.WithString("thread_id", mcp.Required(), mcp.Description("Thread to query")),
		mcp.WithString("query", mcp.Required(), mcp.Description("jq expression, e.g. .snapshot.state.digest.counts")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("digest.diagram",
		mcp.WithDescription("Draw the digest workflow. Returns Mermaid syntax, ASCII art or a base64-encoded PNG"),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("mermaid", "ascii", "image"),
			mcp.Description("Output format"),
		),
		mcp.WithString("thread_id", mcp.Description("Overlay the step status of this thread")),
	)
}
