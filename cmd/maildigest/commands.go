package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/maildigest/internal/diagram"
	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/internal/expressions"
	"github.com/rendis/maildigest/internal/steps"
	"github.com/rendis/maildigest/pkg/mcp"
	"github.com/rendis/maildigest/pkg/schema"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a digest run and wait until it completes or suspends",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := openFromFlags(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		p := engine.StartParams{}
		p.ThreadID, _ = cmd.Flags().GetString("thread")
		p.TimeRange, _ = cmd.Flags().GetString("time-range")
		p.MaxItems, _ = cmd.Flags().GetInt("max-items")
		if p.ThreadID == "" {
			p.ThreadID = a.cfg.ThreadID
		}
		if p.TimeRange == "" {
			p.TimeRange = a.cfg.TimeRange
		}
		if p.MaxItems == 0 {
			p.MaxItems = a.cfg.MaxItems
		}

		return report(cmd)(a.engine.Start(cmd.Context(), p))
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <thread> <event-id> <confirm|skip>",
	Short: "Deliver one decision to a suspended run",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, _ := cmd.Flags().GetString("actor")
		d := &schema.Decision{EventID: args[1], Action: schema.Action(args[2]), Actor: actor}
		if err := d.Validate(); err != nil {
			return err
		}

		a, err := openFromFlags(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		return report(cmd)(a.engine.Resume(cmd.Context(), args[0], d))
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <thread>",
	Short: "Re-run a failed thread from the step that failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openFromFlags(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		return report(cmd)(a.engine.Retry(cmd.Context(), args[0]))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <thread>",
	Short: "Print a thread's snapshot, pending confirmations and event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openFromFlags(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		view, err := a.engine.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), view)
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <thread>",
	Short: "Evaluate a jq expression over a thread's status document",
	Example: `  maildigest inspect digest-1 --query '.snapshot.state.digest.counts'
  maildigest inspect digest-1 --query '[.events[] | select(.type == "step_failed")]'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query, _ := cmd.Flags().GetString("query")

		a, err := openFromFlags(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		view, err := a.engine.Status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		doc, err := mcp.StatusDocument(view)
		if err != nil {
			return err
		}
		out, err := expressions.NewGoJQEngine().Evaluate(cmd.Context(), query, doc)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), out)
	},
}

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Draw the digest workflow",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		format, _ := cmd.Flags().GetString("format")
		threadID, _ := cmd.Flags().GetString("thread")
		output, _ := cmd.Flags().GetString("output")

		a, err := openFromFlags(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		opts := diagram.Options{Title: "maildigest", Waits: []string{steps.StepConfirm}}
		if threadID != "" {
			view, err := a.engine.Status(cmd.Context(), threadID)
			if err != nil {
				return err
			}
			opts.Title = threadID
			opts.Records = view.Steps
		}
		model := diagram.Build(a.engine.Graph(), opts)

		var out []byte
		switch format {
		case "mermaid":
			out = []byte(diagram.RenderMermaid(model))
		case "ascii":
			out = []byte(diagram.RenderASCII(model))
		case diagram.FormatPNG, diagram.FormatSVG:
			if out, err = diagram.RenderImage(cmd.Context(), model, format); err != nil {
				return err
			}
			if output == "" {
				return fmt.Errorf("--output is required for %s", format)
			}
		default:
			return fmt.Errorf("unknown format %q (want mermaid, ascii, png or svg)", format)
		}

		if output == "" {
			_, err = cmd.OutOrStdout().Write(out)
			return err
		}
		return os.WriteFile(output, out, 0o644)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		// Opening the app runs the migrations.
		a, err := openFromFlags(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())
		fmt.Fprintf(cmd.OutOrStdout(), "database up to date (%s)\n", a.cfg.Store)
		return nil
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the digest tools over MCP stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openFromFlags(ctx, true)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		srv := mcp.NewDigestServer(mcp.ServerDeps{
			Engine:  a.engine,
			Graph:   a.engine.Graph(),
			Waits:   []string{steps.StepConfirm},
			Hub:     a.hub,
			Version: version,
			Logger:  a.logger,
		})
		return srv.Serve(ctx)
	},
}

func init() {
	runCmd.Flags().String("thread", "", "thread id (default: MAILDIGEST_THREAD_ID or generated)")
	runCmd.Flags().String("time-range", "", "look-back window, e.g. 24h, 3d, 1w")
	runCmd.Flags().Int("max-items", 0, "maximum number of messages")
	resumeCmd.Flags().String("actor", "", "who made the decision")
	inspectCmd.Flags().String("query", ".", "jq expression")
	graphCmd.Flags().String("format", "mermaid", "mermaid, ascii, png or svg")
	graphCmd.Flags().String("thread", "", "overlay the step status of this thread")
	graphCmd.Flags().StringP("output", "o", "", "write to a file instead of stdout")

	rootCmd.AddCommand(runCmd, resumeCmd, retryCmd, statusCmd, inspectCmd, graphCmd, migrateCmd, mcpCmd)
}

// report prints the run result, if any, and passes the engine error through so a
// failed run exits non-zero.
func report(cmd *cobra.Command) func(*engine.RunResult, error) error {
	return func(res *engine.RunResult, err error) error {
		if res != nil {
			if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
				return perr
			}
		}
		return err
	}
}
