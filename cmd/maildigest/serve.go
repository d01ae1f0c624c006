package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/internal/httpapi"
	"github.com/rendis/maildigest/internal/logging"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and background workers",
	Long: `Serve the trigger webhook, the Slack interactivity endpoint and the run
inspection API. Runs left running by a previous process are marked failed on
startup. SIGHUP reloads the configuration.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openFromFlags(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())
		return serve(ctx, a)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, a *app) error {
	logger := a.logger.With("component", "serve")

	n, err := a.engine.RecoverInterrupted(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recover interrupted runs: %w", err)
	}
	if n > 0 {
		logger.WarnContext(ctx, "marked interrupted runs as failed", "count", n)
	}

	pool := engine.NewWorkerPool(a.cfg.PoolSize, a.logger)
	defer pool.Shutdown()
	disp := engine.NewDispatcher(a.engine, pool, a.logger)

	if logging.ParseLevel(a.cfg.LogLevel) > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	warnUnsigned(ctx, a.cfg, logger)
	routes := &routerSwitch{}
	routes.Store(a.router(a.cfg, disp))

	srv := &http.Server{
		Addr:              a.cfg.ListenAddr,
		Handler:           routes,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := writePID(); err != nil {
		logger.WarnContext(ctx, "could not write pid file", "error", err)
	} else {
		defer os.Remove(pidPath())
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				a.reload(ctx, routes, disp)
			}
		}
	}()

	errc := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "listening", "addr", a.cfg.ListenAddr, "version", version)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	disp.Wait()
	return nil
}

func (a *app) router(cfg Config, disp *engine.Dispatcher) http.Handler {
	return httpapi.New(httpapi.Config{
		Service:          "maildigest",
		Version:          version,
		SigningSecret:    cfg.SlackSigningSecret,
		DefaultThreadID:  cfg.ThreadID,
		DefaultTimeRange: cfg.TimeRange,
		DefaultMaxItems:  cfg.MaxItems,
		Telemetry:        a.telemetry != nil,
	}, httpapi.Deps{
		Runner:    disp,
		Status:    a.engine,
		Pending:   a.store,
		Hub:       a.hub,
		Validator: a.validator,
		Logger:    a.logger,
	}).Router()
}

// reload re-reads the configuration and applies what can change without a restart.
func (a *app) reload(ctx context.Context, routes *routerSwitch, disp *engine.Dispatcher) {
	next, err := loadConfig(sources())
	if err != nil {
		a.logger.ErrorContext(ctx, "reload failed, keeping current configuration", "error", err)
		return
	}
	d := diffConfigs(a.cfg, next)
	if d.LogLevelChanged {
		a.level.Set(logging.ParseLevel(next.LogLevel))
		a.logger.InfoContext(ctx, "log level changed", "level", next.LogLevel)
	}
	if d.RouterChanged {
		warnUnsigned(ctx, next, a.logger)
		routes.Store(a.router(next, disp))
		a.logger.InfoContext(ctx, "http routes rebuilt")
	}
	if len(d.RestartNeeded) > 0 {
		a.logger.WarnContext(ctx, "settings change needs a restart", "fields", d.RestartNeeded)
	}
	a.cfg = next
}

// warnUnsigned reports whether Slack callbacks will be accepted without a
// signature check, logging a warning if so.
func warnUnsigned(ctx context.Context, cfg Config, logger *slog.Logger) bool {
	if cfg.SlackSigningSecret != "" {
		return false
	}
	logger.WarnContext(ctx, "SLACK_SIGNING_SECRET is not set, Slack callbacks are accepted without verification")
	return true
}

// routerSwitch serves through whichever handler was stored last.
type routerSwitch struct {
	current atomic.Pointer[http.Handler]
}

func (s *routerSwitch) Store(h http.Handler) { s.current.Store(&h) }

func (s *routerSwitch) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	(*s.current.Load()).ServeHTTP(w, r)
}

func writePID() error {
	if err := os.MkdirAll(filepath.Dir(pidPath()), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o600)
}
