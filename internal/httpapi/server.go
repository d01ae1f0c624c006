// Package httpapi exposes the trigger, Slack callback and run inspection endpoints.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/internal/store"
	"github.com/rendis/maildigest/internal/streaming"
	"github.com/rendis/maildigest/internal/validation"
	"github.com/rendis/maildigest/pkg/schema"
)

// Runner schedules work in the background. Satisfied by *engine.Dispatcher.
type Runner interface {
	Trigger(ctx context.Context, p engine.StartParams) (string, error)
	Resume(ctx context.Context, threadID string, d *schema.Decision) error
}

// StatusReader reads persisted run state. Satisfied by *engine.Engine.
type StatusReader interface {
	Status(ctx context.Context, threadID string) (*engine.StatusView, error)
}

// PendingLookup resolves which thread a chat callback belongs to.
type PendingLookup interface {
	ListPending(ctx context.Context, filter store.PendingFilter) ([]*store.PendingConfirmation, error)
}

type Config struct {
	Service string
	Version string
	// SigningSecret verifies Slack callbacks. Empty disables verification.
	SigningSecret string
	// DefaultThreadID is used for triggers without a thread id and as the
	// last resort when a callback cannot be matched to a pending confirmation.
	DefaultThreadID  string
	DefaultTimeRange string
	DefaultMaxItems  int
	// Telemetry enables the otelgin middleware.
	Telemetry bool
}

type Server struct {
	cfg       Config
	runner    Runner
	status    StatusReader
	pending   PendingLookup
	hub       streaming.EventHub
	validator validation.Validator
	logger    *slog.Logger
}

type Deps struct {
	Runner    Runner
	Status    StatusReader
	Pending   PendingLookup
	Hub       streaming.EventHub
	Validator validation.Validator
	Logger    *slog.Logger
}

func New(cfg Config, deps Deps) *Server {
	if cfg.Service == "" {
		cfg.Service = "maildigest"
	}
	if cfg.DefaultTimeRange == "" {
		cfg.DefaultTimeRange = engine.DefaultTimeRange
	}
	if cfg.DefaultMaxItems == 0 {
		cfg.DefaultMaxItems = engine.DefaultMaxItems
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		runner:    deps.Runner,
		status:    deps.Status,
		pending:   deps.Pending,
		hub:       deps.Hub,
		validator: deps.Validator,
		logger:    logger.With("component", "httpapi"),
	}
}

// Router builds the gin engine. Order matters: the span is opened first so
// recovery and request logs carry the trace.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	if s.cfg.Telemetry {
		r.Use(otelgin.Middleware(s.cfg.Service))
	}
	r.Use(recovery(s.logger), requestLogger(s.logger))

	r.GET("/", s.root)
	r.GET("/health", s.health)
	r.POST("/webhook/email-summary", s.trigger)
	r.POST("/slack/interactive", s.slackInteractive)

	runs := r.Group("/runs/:thread")
	{
		runs.GET("", s.getRun)
		runs.GET("/events", s.getEvents)
		runs.GET("/stream", s.stream)
	}
	return r
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": s.cfg.Service, "version": s.cfg.Version})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// writeError maps a DigestError code onto an HTTP status.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch schema.CodeOf(err) {
	case schema.ErrCodeValidation:
		status = http.StatusBadRequest
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidState:
		status = http.StatusConflict
	case schema.ErrCodeUnauthorized:
		status = http.StatusUnauthorized
	}
	body := gin.H{"error": err.Error()}
	if code := schema.CodeOf(err); code != "" {
		body["code"] = code
	}
	c.AbortWithStatusJSON(status, body)
}
