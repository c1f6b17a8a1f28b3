// Package cli implements the s2v command line, a local front end to the same
// engine the HTTP server runs.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"speech-to-video/internal/app"
	"speech-to-video/internal/platform/config"
	"speech-to-video/internal/platform/logger"
)

var (
	envFile  string
	callerID string
	logLevel string
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:          "s2v",
	Short:        "Turn speech or text into video",
	Long:         "Transcribe audio, generate video segments, stitch them and manage the saved clip playlist.",
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "Environment file to load")
	RootCmd.PersistentFlags().StringVarP(&callerID, "caller", "c", "", "Caller identity (default: $USER)")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level written to stderr")
}

func caller() string {
	if callerID != "" {
		return callerID
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

// withApp builds the engine, runs fn and releases storage whatever fn returns.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	_ = config.Load(envFile)
	settings := config.FromEnv()
	log := logger.NewWithWriter(os.Stderr, logLevel, "text")

	a, err := app.Build(ctx, settings, log, nil)
	if err != nil {
		return fmt.Errorf("startup: %w", err)
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

