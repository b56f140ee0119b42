package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/onnwee/tgscribe/classify"
	"github.com/onnwee/tgscribe/config"
	"github.com/onnwee/tgscribe/crypto"
	"github.com/onnwee/tgscribe/db"
	"github.com/onnwee/tgscribe/media"
	"github.com/onnwee/tgscribe/oauth"
	"github.com/onnwee/tgscribe/publish"
	"github.com/onnwee/tgscribe/recorder"
	"github.com/onnwee/tgscribe/render"
	"github.com/onnwee/tgscribe/retry"
	"github.com/onnwee/tgscribe/server"
	"github.com/onnwee/tgscribe/session"
	"github.com/onnwee/tgscribe/telegram"
	"github.com/onnwee/tgscribe/telegraph"
	"github.com/onnwee/tgscribe/telemetry"
	"github.com/onnwee/tgscribe/upload"
	"github.com/onnwee/tgscribe/wechat"
)

// telegraphProvider is the oauth_tokens key for the Telegraph account token.
const telegraphProvider = "telegraph"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot and the ops HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.ValidatePublish(); err != nil {
		return err
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("tgscribe", Version)
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer shutdownTracing()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.MediaDir, 0o755); err != nil {
		return fmt.Errorf("media dir: %w", err)
	}

	database, tokens, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	if database != nil {
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
	}

	policy := retry.Policy{Attempts: cfg.UploadMaxAttempts, Delay: cfg.UploadRetryDelay}
	hc := &http.Client{Timeout: 60 * time.Second}

	tg := telegram.New(cfg.TelegramToken, cfg.TelegramAPIURL, &http.Client{Timeout: 90 * time.Second}, policy)

	tph, err := newTelegraph(ctx, cfg, tokens, hc)
	if err != nil {
		return err
	}

	wc, err := newWeChat(ctx, cfg, tokens, hc)
	if err != nil {
		return err
	}

	tr := media.NewTranscoder(cfg.MaxConcurrentTranscodes)
	tr.FFmpeg, tr.FFprobe, tr.LottieConvert = cfg.FFmpegBin, cfg.FFprobeBin, cfg.LottieConvertBin
	slog.Info("media transcoder ready", slog.Int("slots", tr.Pool.Size()), slog.String("component", "media"))

	broker := upload.NewBroker(policy)
	renderer, err := render.New(cfg.Location())
	if err != nil {
		return fmt.Errorf("templates: %w", err)
	}

	store := session.NewStore()
	orch := &publish.Orchestrator{
		Store:     store,
		Fetcher:   &upload.Fetcher{HTTP: hc, Policy: policy},
		Thumbs:    tr,
		Uploader:  broker,
		Renderer:  renderer,
		Paste:     tph,
		CMS:       wc,
		CMSImages: wechat.ImageDestination{Client: wc},
		CMSThumb:  wechat.ThumbDestination{Client: wc},
		Opts: publish.Options{
			Title:        cfg.PublishTitle,
			Author:       cfg.PublishAuthor,
			Digest:       cfg.PublishDigest,
			DefaultCover: cfg.DefaultCover,
			Dir:          cfg.MediaDir,
			Policy:       policy,
		},
	}
	var publishes server.PublishLister
	if database != nil {
		plog := &db.PublishLog{DB: database}
		orch.Log = plog
		publishes = plog
	}

	cls := &classify.Classifier{Files: tg, Media: tr, Uploader: broker, Paste: tph, Dir: cfg.MediaDir}
	rec := recorder.New(store, cls, orch, tg, cfg.ChatIDs)
	if !rec.Restricted() {
		slog.Warn("no CHAT_ID/CHAT_IDS configured, every chat may use the bot", slog.String("component", "recorder"))
	}

	store.StartJanitor(ctx, cfg.SessionSweepInterval, cfg.SessionTTL)
	startPprof()

	checks := []server.Check{{Name: "media_dir", Fn: func(context.Context) error {
		_, err := os.Stat(cfg.MediaDir)
		return err
	}}}
	if database != nil {
		checks = append(checks, server.Check{Name: "database", Fn: database.PingContext})
	}
	go func() {
		h := &server.Handlers{Sessions: store, Publishes: publishes, Checks: checks}
		if err := server.Start(ctx, h, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	poller := &telegram.Poller{Client: tg, Handle: func(ctx context.Context, u telegram.Update) {
		if ev, ok := telegram.ToEvent(u); ok {
			rec.Handle(ctx, ev)
		}
	}}
	slog.Info("bot started", slog.Int("allowed_chats", len(cfg.ChatIDs)), slog.String("media_dir", cfg.MediaDir))
	err = poller.Run(ctx)

	slog.Info("shutting down, waiting for in-flight chats")
	rec.Wait()
	return err
}

// openStore connects to Postgres when DB_DSN is set. Without it the bot runs
// with no token persistence and no publish log.
func openStore(ctx context.Context, cfg *config.Config) (*sql.DB, *db.TokenStore, error) {
	if cfg.DBDsn == "" {
		slog.Info("DB_DSN not set, running without persistence", slog.String("component", "db"))
		return nil, nil, nil
	}
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, falling back to embedded SQL", slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			database.Close()
			return nil, nil, fmt.Errorf("migrate db: %w", err)
		}
	}
	enc, err := crypto.Optional(cfg.EncryptionKey)
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("encryption key: %w", err)
	}
	if enc == nil {
		slog.Warn("ENCRYPTION_KEY not set, tokens are stored in plaintext", slog.String("component", "db"))
	}
	return database, &db.TokenStore{DB: database, Enc: enc}, nil
}

// newTelegraph returns a client holding a usable token: configured, persisted
// or freshly created.
func newTelegraph(ctx context.Context, cfg *config.Config, tokens *db.TokenStore, hc *http.Client) (*telegraph.Client, error) {
	token := cfg.TelegraphToken
	if token == "" && tokens != nil {
		stored, _, err := tokens.LoadToken(ctx, telegraphProvider)
		if err != nil {
			slog.Warn("loading stored telegraph token failed", slog.Any("err", err), slog.String("component", "telegraph"))
		}
		token = stored
	}
	tc := telegraph.New(cfg.TelegraphAPIURL, cfg.TelegraphUploadURL, token, hc)
	if token != "" {
		return tc, nil
	}
	acc, err := retry.Do(ctx, retry.DefaultPolicy(), func(ctx context.Context) (telegraph.Account, error) {
		return tc.CreateAccount(ctx, cfg.TelegraphShortName, cfg.PublishAuthor)
	})
	if err != nil {
		return nil, fmt.Errorf("telegraph account: %w", err)
	}
	if tokens != nil {
		if err := tokens.SaveToken(ctx, telegraphProvider, acc.AccessToken, time.Time{}); err != nil {
			slog.Warn("persisting telegraph token failed", slog.Any("err", err), slog.String("component", "telegraph"))
		}
	} else {
		slog.Info("set TELEGRAPH_TOKEN to reuse this account across restarts", slog.String("component", "telegraph"))
	}
	return tc, nil
}

// newWeChat prefers a static WECHAT_ACCESS_TOKEN; otherwise tokens are
// fetched with the app credentials, cached, and refreshed ahead of expiry
// when a database is available.
func newWeChat(ctx context.Context, cfg *config.Config, tokens *db.TokenStore, hc *http.Client) (*wechat.Client, error) {
	if cfg.WeChatAccessToken != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.WeChatAccessToken})
		return wechat.New(cfg.WeChatAPIURL, src, hc), nil
	}
	if cfg.WeChatAppID == "" {
		return nil, errors.New("wechat credentials missing")
	}
	ts := &wechat.TokenSource{AppID: cfg.WeChatAppID, Secret: cfg.WeChatSecret, APIURL: cfg.WeChatAPIURL, HTTP: hc}
	if tokens != nil {
		ts.Store = tokens
		oauth.StartRefresher(ctx, tokens, wechat.Provider, 5*time.Minute, 15*time.Minute, ts.Refresh)
	}
	return wechat.New(cfg.WeChatAPIURL, ts, hc), nil
}

func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	addr := os.Getenv("PPROF_ADDR")
	if addr == "" {
		addr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", addr))
		srv := &http.Server{
			Addr:              addr,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil {
			slog.Error("pprof server error", slog.Any("err", err))
		}
	}()
}
