// Package config loads settings from defaults, an optional YAML file and the
// environment, in that order, into a typed Config used across the service.
// Only the bot token is required to start; use ValidatePublish before
// touching the CMS.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PathEnv names the optional YAML config file.
const PathEnv = "TGSCRIBE_CONFIG"

type Config struct {
	// Telegram
	TelegramToken  string   `yaml:"telegramToken"`
	TelegramAPIURL string   `yaml:"telegramApiUrl"`
	ChatIDs        []string `yaml:"chatIds"`

	// Media
	MediaDir                string `yaml:"mediaDir"`
	DefaultCover            string `yaml:"defaultCover"`
	FFmpegBin               string `yaml:"ffmpegBin"`
	FFprobeBin              string `yaml:"ffprobeBin"`
	LottieConvertBin        string `yaml:"lottieConvertBin"`
	MaxConcurrentTranscodes int    `yaml:"maxConcurrentTranscodes"`
	Timezone                string `yaml:"timezone"`

	// Telegraph
	TelegraphToken     string `yaml:"telegraphToken"`
	TelegraphShortName string `yaml:"telegraphShortName"`
	TelegraphAPIURL    string `yaml:"telegraphApiUrl"`
	TelegraphUploadURL string `yaml:"telegraphUploadUrl"`

	// WeChat
	WeChatAppID       string `yaml:"wechatAppId"`
	WeChatSecret      string `yaml:"wechatSecret"`
	WeChatAccessToken string `yaml:"wechatAccessToken"`
	WeChatAPIURL      string `yaml:"wechatApiUrl"`

	// Publish
	PublishTitle  string `yaml:"publishTitle"`
	PublishAuthor string `yaml:"publishAuthor"`
	PublishDigest string `yaml:"publishDigest"`

	// Retry
	UploadMaxAttempts int           `yaml:"uploadMaxAttempts"`
	UploadRetryDelay  time.Duration `yaml:"uploadRetryDelay"`

	// Sessions
	SessionTTL           time.Duration `yaml:"sessionTtl"`
	SessionSweepInterval time.Duration `yaml:"sessionSweepInterval"`

	// Ops
	HTTPAddr      string `yaml:"httpAddr"`
	DBDsn         string `yaml:"dbDsn"`
	EncryptionKey string `yaml:"-"`
}

func defaults() *Config {
	return &Config{
		MediaDir:                "media",
		DefaultCover:            "assets/default_cover.jpg",
		FFmpegBin:               "ffmpeg",
		FFprobeBin:              "ffprobe",
		LottieConvertBin:        "lottie_convert.py",
		MaxConcurrentTranscodes: 2,
		Timezone:                "UTC",
		TelegraphShortName:      "message_recorder_bot",
		PublishTitle:            "Message Log",
		PublishAuthor:           "Bot",
		UploadMaxAttempts:       3,
		UploadRetryDelay:        time.Second,
		SessionTTL:              24 * time.Hour,
		SessionSweepInterval:    10 * time.Minute,
		HTTPAddr:                ":8080",
	}
}

// Load applies defaults, then the YAML file named by TGSCRIBE_CONFIG (if
// set), then environment overrides. A missing or malformed file is an error.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv(PathEnv); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if cfg.PublishDigest == "" {
		cfg.PublishDigest = cfg.PublishTitle
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("TELEGRAM_BOT_TOKEN", &c.TelegramToken)
	str("TELEGRAM_API_URL", &c.TelegramAPIURL)
	str("MEDIA_DIR", &c.MediaDir)
	str("DEFAULT_COVER", &c.DefaultCover)
	str("FFMPEG_BIN", &c.FFmpegBin)
	str("FFPROBE_BIN", &c.FFprobeBin)
	str("LOTTIE_CONVERT_BIN", &c.LottieConvertBin)
	str("TIMEZONE", &c.Timezone)
	str("TELEGRAPH_TOKEN", &c.TelegraphToken)
	str("TELEGRAPH_SHORT_NAME", &c.TelegraphShortName)
	str("TELEGRAPH_API_URL", &c.TelegraphAPIURL)
	str("TELEGRAPH_UPLOAD_URL", &c.TelegraphUploadURL)
	str("WECHAT_APPID", &c.WeChatAppID)
	str("WECHAT_SECRET", &c.WeChatSecret)
	str("WECHAT_ACCESS_TOKEN", &c.WeChatAccessToken)
	str("WECHAT_API_URL", &c.WeChatAPIURL)
	str("PUBLISH_TITLE", &c.PublishTitle)
	str("PUBLISH_AUTHOR", &c.PublishAuthor)
	str("PUBLISH_DIGEST", &c.PublishDigest)
	str("HTTP_ADDR", &c.HTTPAddr)
	str("DB_DSN", &c.DBDsn)
	str("ENCRYPTION_KEY", &c.EncryptionKey)

	// CHAT_ID is the single-chat legacy form.
	if v := os.Getenv("CHAT_IDS"); v != "" {
		c.ChatIDs = splitList(v)
	} else if v := os.Getenv("CHAT_ID"); v != "" {
		c.ChatIDs = splitList(v)
	}

	var errs []error
	intVar := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("invalid %s %q: want a non-negative integer", key, v))
			return
		}
		*dst = n
	}
	durVar := func(key string, dst *time.Duration) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*dst = d
	}
	intVar("MAX_CONCURRENT_TRANSCODES", &c.MaxConcurrentTranscodes)
	intVar("UPLOAD_MAX_ATTEMPTS", &c.UploadMaxAttempts)
	durVar("UPLOAD_RETRY_DELAY", &c.UploadRetryDelay)
	durVar("SESSION_TTL", &c.SessionTTL)
	durVar("SESSION_SWEEP_INTERVAL", &c.SessionSweepInterval)
	return errors.Join(errs...)
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", v)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, f := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Location resolves Timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	if loc, err := time.LoadLocation(c.Timezone); err == nil {
		return loc
	}
	return time.UTC
}

// Validate checks what the bot needs to run at all.
func (c *Config) Validate() error {
	if c.TelegramToken == "" {
		return fmt.Errorf("missing telegram env: require TELEGRAM_BOT_TOKEN")
	}
	if c.MaxConcurrentTranscodes < 1 {
		return fmt.Errorf("MAX_CONCURRENT_TRANSCODES must be at least 1")
	}
	return nil
}

// ValidatePublish checks CMS credentials. A static WECHAT_ACCESS_TOKEN is
// accepted in place of the app id and secret.
func (c *Config) ValidatePublish() error {
	if c.WeChatAccessToken != "" {
		return nil
	}
	if c.WeChatAppID == "" || c.WeChatSecret == "" {
		return fmt.Errorf("missing wechat env: require WECHAT_APPID and WECHAT_SECRET (or WECHAT_ACCESS_TOKEN)")
	}
	return nil
}
