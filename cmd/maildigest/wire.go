package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/rendis/maildigest/internal/calendar"
	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/internal/expressions"
	"github.com/rendis/maildigest/internal/gcreds"
	"github.com/rendis/maildigest/internal/llm"
	"github.com/rendis/maildigest/internal/lock"
	"github.com/rendis/maildigest/internal/logging"
	"github.com/rendis/maildigest/internal/mail"
	"github.com/rendis/maildigest/internal/notify"
	"github.com/rendis/maildigest/internal/retry"
	"github.com/rendis/maildigest/internal/steps"
	"github.com/rendis/maildigest/internal/store"
	"github.com/rendis/maildigest/internal/streaming"
	"github.com/rendis/maildigest/internal/telemetry"
	"github.com/rendis/maildigest/internal/validation"
	"github.com/rendis/maildigest/pkg/schema"
)

// app owns every long-lived dependency of a command.
type app struct {
	cfg       Config
	logger    *slog.Logger
	level     *slog.LevelVar
	telemetry *telemetry.Telemetry
	store     store.Store
	redis     *redis.Client
	hub       streaming.EventHub
	validator *validation.JSONSchemaValidator
	engine    *engine.Engine
}

// newApp wires the store, coordination and the digest workflow. With live
// false, collaborators that are not configured are replaced by stand-ins that
// fail when called, so read-only commands work without credentials.
func newApp(ctx context.Context, cfg Config, live bool) (*app, error) {
	a := &app{cfg: cfg, level: new(slog.LevelVar)}
	a.level.Set(logging.ParseLevel(cfg.LogLevel))

	tel, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       cfg.OTelEndpoint,
		Headers:        cfg.OTelHeaders,
		ServiceName:    cfg.OTelServiceName,
		ServiceVersion: version,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.telemetry = tel

	logOpts := logging.Options{Format: cfg.LogFormat, Output: os.Stderr, Leveler: a.level}
	if tel != nil {
		logOpts.OTelService = cfg.OTelServiceName
	}
	a.logger = logging.Setup(logOpts)

	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	if a.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if err := a.store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	var locker lock.Locker = lock.NewMemoryLocker()
	a.hub = streaming.NewMemoryHub()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		locker = lock.NewRedisLocker(a.redis, "", 0)
		a.hub = streaming.NewRedisHub(a.redis, "")
	}

	if a.validator, err = validation.NewJSONSchemaValidator(); err != nil {
		return nil, err
	}
	deps, err := buildDeps(ctx, cfg, a.validator, a.logger, live)
	if err != nil {
		return nil, err
	}
	deps.Pending = a.store
	deps = steps.Resilient(deps, retryPolicy(cfg), retry.NewCircuitBreakerRegistry(retry.DefaultCircuitBreakerConfig()))

	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	reg, graph, err := steps.Build(deps, cel)
	if err != nil {
		return nil, err
	}
	a.engine, err = engine.New(engine.Config{
		Store:    a.store,
		Registry: reg,
		Graph:    graph,
		Locker:   locker,
		Hub:      a.hub,
		Logger:   a.logger,
		Tracer:   otel.Tracer("github.com/rendis/maildigest/internal/engine"),
	})
	if err != nil {
		return nil, err
	}
	ok = true
	return a, nil
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close(ctx context.Context) {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if err := a.telemetry.Shutdown(ctx); err != nil && a.logger != nil {
		a.logger.Warn("telemetry shutdown", "error", err)
	}
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	switch cfg.Store {
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("store postgres needs DATABASE_URL")
		}
		return store.NewPostgresStore(ctx, cfg.DatabaseURL, int32(cfg.PoolSize*2))
	case "libsql", "":
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return store.NewLibSQLStore("file:" + cfg.DBPath)
	default:
		return nil, fmt.Errorf("unknown store %q (want libsql or postgres)", cfg.Store)
	}
}

func retryPolicy(cfg Config) retry.Policy {
	p := retry.DefaultPolicy()
	if cfg.RetryAttempts > 0 {
		p.MaxAttempts = cfg.RetryAttempts
	}
	return p
}

// buildDeps opens the external collaborators of the digest workflow.
func buildDeps(ctx context.Context, cfg Config, v validation.Validator, logger *slog.Logger, live bool) (steps.Deps, error) {
	deps := steps.Deps{Rules: cfg.ImportanceRules, Logger: logger}
	var errs []error
	need := func(name string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	src, err := openMail(ctx, cfg, logger)
	need("mail", err)
	deps.Mail = src

	if cfg.OpenAIAPIKey != "" {
		client, err := llm.New(llm.Config{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL, Model: cfg.OpenAIModel}, logger)
		need("llm", err)
		if err == nil {
			loc, err := time.LoadLocation(cfg.TimeZone)
			if err != nil {
				need("timezone", err)
				loc = time.UTC
			}
			deps.Classifier = llm.NewClassifier(client)
			deps.Summarizer = llm.NewSummarizer(client)
			deps.Detector = llm.NewDetector(client, v, loc, logger)
		}
	} else {
		need("llm", fmt.Errorf("OPENAI_API_KEY is not set"))
	}

	if cfg.SlackWebhookURL != "" || cfg.SlackBotToken != "" {
		n, err := notify.New(notify.Config{
			WebhookURL: cfg.SlackWebhookURL,
			BotToken:   cfg.SlackBotToken,
			Channel:    cfg.SlackChannel,
			TimeZone:   cfg.TimeZone,
		}, logger)
		need("slack", err)
		if err == nil {
			deps.Notifier = n
		}
	} else {
		need("slack", fmt.Errorf("neither SLACK_WEBHOOK_URL nor SLACK_BOT_TOKEN is set"))
	}

	cal, err := calendar.Open(ctx, gcreds.Credentials{
		ClientID:     cfg.GoogleClientID,
		ClientSecret: cfg.GoogleClientSecret,
		TokenFile:    cfg.CalendarTokenFile,
	}, calendar.Config{CalendarID: cfg.CalendarID, TimeZone: cfg.TimeZone})
	need("calendar", err)
	if err == nil {
		deps.Calendar = cal
	}

	if live && len(errs) > 0 {
		return deps, fmt.Errorf("collaborators not configured: %w", errors.Join(errs...))
	}
	for _, err := range errs {
		logger.Debug("collaborator unavailable", "error", err)
	}
	off := offline{}
	if deps.Mail == nil {
		deps.Mail = off
	}
	if deps.Classifier == nil {
		deps.Classifier, deps.Summarizer, deps.Detector = off, off, off
	}
	if deps.Notifier == nil {
		deps.Notifier = off
	}
	if deps.Calendar == nil {
		deps.Calendar = off
	}
	return deps, nil
}

func openMail(ctx context.Context, cfg Config, logger *slog.Logger) (steps.MailSource, error) {
	var accounts []mail.Account
	if cfg.AccountsFile != "" {
		var err error
		if accounts, err = mail.LoadAccounts(cfg.AccountsFile); err != nil {
			return nil, err
		}
	} else {
		accounts = []mail.Account{{Label: "default", TokenFile: cfg.GmailTokenFile}}
	}
	return mail.Open(ctx, cfg.GoogleClientID, cfg.GoogleClientSecret, accounts, logger)
}

// offline stands in for a collaborator that is not configured.
type offline struct{}

func (offline) err() error {
	return schema.NewError(schema.ErrCodeNonRetryable, "collaborator not configured")
}

func (o offline) Fetch(context.Context, string, int) ([]schema.Message, error) { return nil, o.err() }
func (o offline) Classify(context.Context, []schema.Message) (map[string]schema.Importance, error) {
	return nil, o.err()
}
func (o offline) Summarize(context.Context, []schema.Message, *schema.Classified) (*schema.Digest, error) {
	return nil, o.err()
}
func (o offline) Detect(context.Context, []schema.Message) ([]schema.DetectedEvent, error) {
	return nil, o.err()
}
func (o offline) SendReport(context.Context, string) (bool, error) { return false, o.err() }
func (o offline) RequestConfirmation(context.Context, string, []schema.DetectedEvent) (string, error) {
	return "", o.err()
}
func (o offline) MarkDecided(context.Context, string, schema.DetectedEvent, schema.Action) error {
	return o.err()
}
func (o offline) CreateEvent(context.Context, schema.DetectedEvent) (string, error) {
	return "", o.err()
}
