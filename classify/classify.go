// Package classify turns inbound chat events into recordable messages,
// degrading anything it cannot process to a text placeholder.
package classify

import (
	"context"
	"log/slog"
	"os"

	"github.com/onnwee/tgscribe/media"
	"github.com/onnwee/tgscribe/message"
	"github.com/onnwee/tgscribe/session"
	"github.com/onnwee/tgscribe/telemetry"
	"github.com/onnwee/tgscribe/upload"
)

// FileSource resolves and downloads transport files.
type FileSource interface {
	ResolveURL(ctx context.Context, fileID string) (string, error)
	Download(ctx context.Context, fileID, dst string) (string, error)
}

// Media is the subset of the transcoder the classifier drives.
type Media interface {
	Transcode(ctx context.Context, src string, format message.StickerFormat, wantCover bool) (media.Animation, error)
	Optimize(ctx context.Context, src string) (string, error)
	Flatten(ctx context.Context, src, dst string) error
}

// Uploader sends a local file to a destination.
type Uploader interface {
	Upload(ctx context.Context, path string, dest upload.Destination) (string, error)
}

// Classifier builds messages from events.
type Classifier struct {
	Files    FileSource
	Media    Media
	Uploader Uploader
	Paste    upload.Destination
	Dir      string
}

// Classify converts ev into a message. It never fails: processing errors
// yield a text placeholder carrying the same time and forward provenance.
func (c *Classifier) Classify(ctx context.Context, ev message.Event, st session.State) message.Message {
	base := message.Message{Time: ev.Time}
	if ev.Forward != nil {
		base.ForwardFrom = ev.Forward.From
		base.ForwardDate = ev.Forward.Date
	}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "classify"), slog.String("chat", ev.ChatKey), slog.String("media", string(ev.Media)))

	switch ev.Media {
	case message.MediaText:
		base.Type = message.TypeText
		base.Content = ev.Text
		return base
	case message.MediaSticker:
		if ev.Sticker.Format == message.StickerStatic {
			return c.staticSticker(ctx, logger, ev, base)
		}
		return c.animatedSticker(ctx, logger, ev, st, base)
	case message.MediaPhoto:
		return c.photo(ctx, logger, ev, base)
	case message.MediaDocument, message.MediaVideo, message.MediaVoice:
		u, err := c.Files.ResolveURL(ctx, ev.FileID)
		if err != nil {
			logger.Warn("resolve file failed", slog.Any("err", err))
			return degrade(base, message.PlaceholderMedia, "resolve")
		}
		base.Type = message.Type(ev.Media)
		base.Content = u
		if ev.Media == message.MediaDocument {
			base.Filename = ev.FileName
		}
		return base
	default:
		return degrade(base, message.PlaceholderUnsupported, "unsupported")
	}
}

func degrade(m message.Message, placeholder, reason string) message.Message {
	telemetry.IncDegraded(reason)
	return m.Degrade(placeholder)
}

// stickerFailed is the static sticker placeholder, naming the emoji when known.
func stickerFailed(emoji string) string {
	if emoji == "" {
		return message.PlaceholderSticker
	}
	return "[sticker processing failed " + emoji + "]"
}

func (c *Classifier) staticSticker(ctx context.Context, logger *slog.Logger, ev message.Event, base message.Message) message.Message {
	scope, err := media.NewScope(c.Dir, "sticker")
	if err != nil {
		logger.Warn("temp scope failed", slog.Any("err", err))
		return degrade(base, stickerFailed(ev.Sticker.Emoji), "sticker")
	}
	defer scope.Cleanup()

	src := scope.Path(".webp")
	transportURL, err := c.Files.Download(ctx, ev.FileID, src)
	if err != nil {
		logger.Warn("sticker download failed", slog.Any("err", err))
		return degrade(base, stickerFailed(ev.Sticker.Emoji), "sticker")
	}
	flat := scope.Path(".png")
	if err := c.Media.Flatten(ctx, src, flat); err != nil {
		logger.Warn("sticker decode failed", slog.Any("err", err))
		return degrade(base, stickerFailed(ev.Sticker.Emoji), "sticker")
	}

	base.Type = message.TypePhoto
	hosted, err := c.Uploader.Upload(ctx, flat, c.Paste)
	if err != nil {
		logger.Warn("sticker upload failed, keeping transport url", slog.Any("err", err))
		base.Content = transportURL
		return base
	}
	base.Content = hosted
	base.TelegraphURL = hosted
	return base
}

func (c *Classifier) animatedSticker(ctx context.Context, logger *slog.Logger, ev message.Event, st session.State, base message.Message) message.Message {
	failed := func(stage string, err error) message.Message {
		logger.Warn("animated sticker failed", slog.String("stage", stage), slog.String("format", ev.Sticker.Format.String()), slog.Any("err", err))
		return degrade(base, message.PlaceholderSticker, "sticker_"+stage)
	}
	scope, err := media.NewScope(c.Dir, "anim")
	if err != nil {
		return failed("scope", err)
	}
	defer scope.Cleanup()

	ext := ".tgs"
	if ev.Sticker.Format == message.StickerVideo {
		ext = ".webm"
	}
	src := scope.Path(ext)
	if _, err := c.Files.Download(ctx, ev.FileID, src); err != nil {
		return failed("download", err)
	}
	anim, err := c.Media.Transcode(ctx, src, ev.Sticker.Format, !st.HasCover)
	if err != nil {
		return failed("transcode", err)
	}
	opt, err := c.Media.Optimize(ctx, anim.GIFPath)
	if err != nil {
		return failed("optimize", err)
	}
	hosted, err := c.Uploader.Upload(ctx, opt, c.Paste)
	_ = os.Remove(opt)
	if err != nil {
		return failed("upload", err)
	}

	base.Type = message.TypePhoto
	base.Content = hosted
	base.TelegraphURL = hosted
	if anim.CoverPath != "" {
		// the first animated sticker owns the cover slot even if its frame
		// cannot be hosted; cover resolution then falls back to Content
		base.IsFirst = true
		cover, err := c.Uploader.Upload(ctx, anim.CoverPath, c.Paste)
		if err != nil {
			logger.Warn("cover upload failed", slog.Any("err", err))
		} else {
			base.CoverPath = cover
		}
	}
	return base
}

func (c *Classifier) photo(ctx context.Context, logger *slog.Logger, ev message.Event, base message.Message) message.Message {
	base.Type = message.TypePhoto
	base.Caption = ev.Caption

	scope, err := media.NewScope(c.Dir, "photo")
	if err != nil {
		logger.Warn("temp scope failed", slog.Any("err", err))
		u, rerr := c.Files.ResolveURL(ctx, ev.FileID)
		if rerr != nil {
			return degrade(base, message.PlaceholderImage, "photo")
		}
		base.Content = u
		return base
	}
	defer scope.Cleanup()

	dst := scope.Path(".jpg")
	transportURL, err := c.Files.Download(ctx, ev.FileID, dst)
	if transportURL == "" {
		logger.Warn("photo lookup failed", slog.Any("err", err))
		return degrade(base, message.PlaceholderImage, "photo")
	}
	base.Content = transportURL
	if err != nil {
		logger.Warn("photo download failed, paste host will use transport url", slog.Any("err", err))
		return base
	}
	if hosted, err := c.Uploader.Upload(ctx, dst, c.Paste); err != nil {
		logger.Warn("photo upload to paste host failed", slog.Any("err", err))
	} else {
		base.TelegraphURL = hosted
	}
	return base
}
