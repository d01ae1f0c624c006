// Command maildigest runs the email digest agent: an HTTP service that summarizes
// recent mail, posts the report to chat and asks before adding detected events
// to the calendar.
package main

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	settingsFile string
	envFile      string
)

var rootCmd = &cobra.Command{
	Use:   "maildigest",
	Short: "Email digest agent with human-confirmed calendar entries",
	Long: `maildigest reads recent mail, classifies and summarizes it, posts a digest
to Slack and, for every meeting or deadline it finds, waits for a person to
confirm before creating the calendar entry. Runs are durable: a suspended run
survives restarts and resumes when the decision arrives.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&settingsFile, "settings", settingsPath(), "settings.json path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file layered under the environment")
}

func sources() configSources {
	src := defaultSources()
	src.Settings = settingsFile
	src.DotEnv = envFile
	return src
}

// openFromFlags loads the layered configuration and wires an app.
func openFromFlags(ctx context.Context, live bool) (*app, error) {
	cfg, err := loadConfig(sources())
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, live)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
