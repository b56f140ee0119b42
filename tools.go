package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/tgscribe/config"
	"github.com/onnwee/tgscribe/db"
	"github.com/onnwee/tgscribe/telegraph"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations (requires DB_DSN)",
	RunE:  runMigrate,
}

var (
	migrateDown    bool
	migrateVersion bool
)

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll back every migration")
	migrateCmd.Flags().BoolVar(&migrateVersion, "version", false, "print the current schema version and exit")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return err
	}
	defer database.Close()

	switch {
	case migrateVersion:
		v, dirty, err := db.GetMigrationVersion(database)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", v, dirty)
		return nil
	case migrateDown:
		return db.MigrateDown(database)
	}

	if err := db.RunMigrations(database); err != nil {
		// schemas created before versioned migrations existed
		slog.Warn("versioned migrations failed, falling back to embedded SQL", slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(cmd.Context(), database); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var inspectPageCmd = &cobra.Command{
	Use:   "inspect-page <url>",
	Short: "List the image URLs in a published Telegraph page",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspectPage,
}

var inspectShowHTML bool

func init() {
	inspectPageCmd.Flags().BoolVar(&inspectShowHTML, "html", false, "also print the article HTML")
}

func runInspectPage(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	tc := telegraph.New(os.Getenv("TELEGRAPH_API_URL"), "", "", &http.Client{Timeout: 20 * time.Second})
	page, err := tc.FetchPage(ctx, args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Found %d images:\n", len(page.Images))
	for i, src := range page.Images {
		fmt.Fprintf(out, "%d. %s\n", i+1, src)
	}
	if inspectShowHTML {
		fmt.Fprintln(out)
		fmt.Fprintln(out, page.HTML)
	}
	return nil
}
