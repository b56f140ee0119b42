// Command migrate-tokens encrypts stored provider tokens that are still
// plaintext (encryption_version=0) to AES-256-GCM (encryption_version=1).
//
// Usage:
//
//	migrate-tokens [--dry-run] [--provider NAME] [--status]
//
// DB_DSN and ENCRYPTION_KEY must be set. The key must match the one the bot
// runs with, or it will no longer be able to read its tokens.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	sq "github.com/Masterminds/squirrel"

	"github.com/onnwee/tgscribe/crypto"
	"github.com/onnwee/tgscribe/db"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

type tokenRow struct {
	Provider    string
	AccessToken string
}

func main() {
	dryRun := flag.Bool("dry-run", false, "report what would be migrated without changing anything")
	provider := flag.String("provider", "", "only migrate this provider (default: all)")
	status := flag.Bool("status", false, "print encryption status counts and exit")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	database, err := db.Connect(os.Getenv("DB_DSN"))
	if err != nil {
		slog.Error("failed to open database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()
	ctx := context.Background()

	if *status {
		if err := reportStatus(ctx, database); err != nil {
			slog.Error("status query failed", slog.Any("err", err))
			os.Exit(1)
		}
		return
	}

	enc, err := crypto.NewAESEncryptor(os.Getenv("ENCRYPTION_KEY"))
	if err != nil {
		slog.Error("ENCRYPTION_KEY is required and must be valid", slog.Any("err", err))
		os.Exit(1)
	}
	if err := migrateTokens(ctx, database, enc, *dryRun, *provider); err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("migration completed")
}

func plaintextQuery(provider string) (string, []any, error) {
	q := psql.Select("provider", "COALESCE(access_token, '')").
		From("oauth_tokens").
		Where(sq.Eq{"encryption_version": 0}).
		OrderBy("provider")
	if provider != "" {
		q = q.Where(sq.Eq{"provider": provider})
	}
	return q.ToSql()
}

// migrateTokens encrypts every plaintext row. Rows that fail are logged and
// counted; the run continues and reports an error at the end.
func migrateTokens(ctx context.Context, database *sql.DB, enc crypto.Encryptor, dryRun bool, provider string) error {
	query, args, err := plaintextQuery(provider)
	if err != nil {
		return err
	}
	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query plaintext tokens: %w", err)
	}
	var tokens []tokenRow
	for rows.Next() {
		var t tokenRow
		if err := rows.Scan(&t.Provider, &t.AccessToken); err != nil {
			rows.Close()
			return fmt.Errorf("scan token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate token rows: %w", err)
	}

	if len(tokens) == 0 {
		slog.Info("no plaintext tokens found")
		return nil
	}
	slog.Info("found plaintext tokens", slog.Int("count", len(tokens)), slog.Bool("dry_run", dryRun))

	failed := 0
	for _, t := range tokens {
		logger := slog.With(slog.String("provider", t.Provider))
		if dryRun {
			logger.Info("would encrypt token")
			continue
		}
		if err := encryptRow(ctx, database, enc, t); err != nil {
			logger.Error("failed to encrypt token", slog.Any("err", err))
			failed++
			continue
		}
		logger.Info("token encrypted")
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d tokens failed", failed, len(tokens))
	}
	return nil
}

func encryptRow(ctx context.Context, database *sql.DB, enc crypto.Encryptor, t tokenRow) error {
	ct := ""
	if t.AccessToken != "" {
		var err error
		if ct, err = crypto.EncryptString(enc, t.AccessToken); err != nil {
			return fmt.Errorf("encrypt access token: %w", err)
		}
	}
	query, args, err := psql.Update("oauth_tokens").
		Set("access_token", ct).
		Set("encryption_version", 1).
		Set("encryption_key_id", "default").
		Set("updated_at", sq.Expr("NOW()")).
		Where(sq.Eq{"provider": t.Provider, "encryption_version": 0}).
		ToSql()
	if err != nil {
		return err
	}
	res, err := database.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (modified concurrently?)", n)
	}
	return nil
}

func reportStatus(ctx context.Context, database *sql.DB) error {
	rows, err := database.QueryContext(ctx,
		`SELECT COALESCE(encryption_version, 0), COUNT(*) FROM oauth_tokens GROUP BY 1 ORDER BY 1`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var version, count int
		if err := rows.Scan(&version, &count); err != nil {
			return err
		}
		desc := "plaintext"
		if version == 1 {
			desc = "aes-256-gcm"
		}
		slog.Info("token encryption status", slog.Int("encryption_version", version), slog.String("description", desc), slog.Int("count", count))
	}
	return rows.Err()
}
