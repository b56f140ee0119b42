// Command tgscribe records Telegram chat sessions and publishes them to
// Telegraph and as WeChat drafts.
//
//	tgscribe serve          run the bot, the session janitor and the ops HTTP server
//	tgscribe migrate        apply versioned database migrations
//	tgscribe inspect-page   list the images of a published Telegraph page
//
// serve shuts down gracefully on SIGINT/SIGTERM.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:           "tgscribe",
	Short:         "Record Telegram chats and publish them to Telegraph and WeChat",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(*cobra.Command, []string) {
		// .env is a local dev convenience; production relies on real env
		_ = godotenv.Load()
		setupLogging()
	},
}

func init() {
	rootCmd.Version = Version
	rootCmd.AddCommand(serveCmd, migrateCmd, inspectPageCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", slog.Any("err", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging installs the default slog handler from LOG_LEVEL and LOG_FORMAT.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	opts := &slog.HandlerOptions{Level: lvl}
	format := "text"
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		format = "json"
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Debug("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}
