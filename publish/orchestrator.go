// Package publish ends a recording session and republishes it to the paste
// host and the CMS draft box.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/onnwee/tgscribe/media"
	"github.com/onnwee/tgscribe/message"
	"github.com/onnwee/tgscribe/render"
	"github.com/onnwee/tgscribe/retry"
	"github.com/onnwee/tgscribe/telegraph"
	"github.com/onnwee/tgscribe/telemetry"
	"github.com/onnwee/tgscribe/upload"
	"github.com/onnwee/tgscribe/wechat"
)

// ErrNoCoverAvailable is returned when no photo and no default cover can be used.
var ErrNoCoverAvailable = errors.New("no cover image available")

// State is the phase a publish run reached.
type State int

const (
	StateCollecting State = iota
	StateCoverResolution
	StateImageUpload
	StateRendering
	StateSubmitting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateCoverResolution:
		return "cover_resolution"
	case StateImageUpload:
		return "image_upload"
	case StateRendering:
		return "rendering"
	case StateSubmitting:
		return "submitting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result reports the outcome of both targets independently.
type Result struct {
	ID           string
	ChatKey      string
	MessageCount int
	Degraded     int
	PasteURL     string
	PasteErr     error
	DraftID      string
	CMSErr       error
	State        State
	Started      time.Time
	Duration     time.Duration
}

// Store hands over a session's messages, removing it.
type Store interface {
	End(key string) ([]message.Message, error)
}

// Fetcher downloads a remote file.
type Fetcher interface {
	Fetch(ctx context.Context, url, dst string) error
}

// Thumbnailer prepares a CMS thumbnail from a cover image.
type Thumbnailer interface {
	Thumb(ctx context.Context, src, dst string) error
}

// Uploader sends a local file to a destination.
type Uploader interface {
	Upload(ctx context.Context, path string, dest upload.Destination) (string, error)
}

// Renderer produces a target document.
type Renderer interface {
	Render(target render.Target, msgs []message.Message) (string, error)
}

// PasteHost creates public pages.
type PasteHost interface {
	CreatePage(ctx context.Context, title, authorName, html string) (telegraph.Page, error)
}

// DraftBox accepts CMS drafts.
type DraftBox interface {
	CreateDraft(ctx context.Context, d wechat.Draft) (string, error)
}

// Logger records finished runs.
type Logger interface {
	LogPublish(ctx context.Context, r Result) error
}

// Options are the static inputs of a run.
type Options struct {
	Title        string
	Author       string
	Digest       string
	DefaultCover string
	Dir          string
	Policy       retry.Policy
}

// Orchestrator wires the publish pipeline together.
type Orchestrator struct {
	Store     Store
	Fetcher   Fetcher
	Thumbs    Thumbnailer
	Uploader  Uploader
	Renderer  Renderer
	Paste     PasteHost
	CMS       DraftBox
	CMSImages upload.Destination
	CMSThumb  upload.Destination
	Log       Logger
	Opts      Options
}

// Run ends chatKey's session and publishes it. The session is removed before
// any other work, so it is gone whatever the outcome. A non-nil error means
// nothing was submitted; per-target failures are reported in the Result.
func (o *Orchestrator) Run(ctx context.Context, chatKey string) (Result, error) {
	res := Result{ID: uuid.NewString(), ChatKey: chatKey, State: StateCollecting, Started: time.Now()}
	ctx = telemetry.WithCorrelation(ctx, res.ID)
	ctx, span := telemetry.StartSpan(ctx, "publish", "publish.Run", telemetry.ChatKeyAttr(chatKey))
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "publish"), slog.String("chat", chatKey))

	msgs, err := o.Store.End(chatKey)
	if err != nil {
		res.State = StateFailed
		return res, err
	}
	res.MessageCount = len(msgs)
	views := message.Fork(msgs)
	res.Degraded = message.Sanitize(views.CMS)
	if n := message.Sanitize(views.Paste); n > 0 {
		logger.Warn("paste view had non-url media", slog.Int("count", n))
	}

	scope, err := media.NewScope(o.Opts.Dir, "publish")
	if err != nil {
		res.State = StateFailed
		return o.finish(ctx, logger, res), err
	}
	defer scope.Cleanup()
	local := map[string]string{}

	res.State = StateCoverResolution
	cover, err := o.resolveCover(ctx, scope, views.CMS, local)
	if err != nil {
		telemetry.RecordError(span, err)
		res.State = StateFailed
		logger.Error("cover resolution failed", slog.Any("err", err))
		return o.finish(ctx, logger, res), err
	}

	res.State = StateImageUpload
	res.Degraded += o.uploadImages(ctx, logger, scope, views.CMS, local)
	thumbID, thumbErr := o.uploadThumb(ctx, scope, cover)
	if thumbErr != nil {
		logger.Warn("thumbnail upload failed", slog.Any("err", thumbErr))
	}

	res.State = StateRendering
	pasteHTML, pasteRenderErr := o.Renderer.Render(render.TargetTelegraph, views.Paste)
	cmsHTML, cmsRenderErr := o.Renderer.Render(render.TargetWeChat, views.CMS)

	res.State = StateSubmitting
	var g errgroup.Group
	g.Go(func() error {
		if pasteRenderErr != nil {
			res.PasteErr = pasteRenderErr
			return nil
		}
		res.PasteURL, res.PasteErr = o.submitPaste(ctx, pasteHTML)
		return nil
	})
	g.Go(func() error {
		switch {
		case cmsRenderErr != nil:
			res.CMSErr = cmsRenderErr
		case thumbErr != nil:
			res.CMSErr = fmt.Errorf("thumbnail: %w", thumbErr)
		default:
			res.DraftID, res.CMSErr = o.submitDraft(ctx, cmsHTML, thumbID)
		}
		return nil
	})
	_ = g.Wait()
	telemetry.IncPublish("telegraph", outcome(res.PasteErr))
	telemetry.IncPublish("wechat", outcome(res.CMSErr))

	if res.PasteErr == nil || res.CMSErr == nil {
		res.State = StateDone
		telemetry.SetSpanSuccess(span)
	} else {
		res.State = StateFailed
		telemetry.RecordError(span, errors.Join(res.PasteErr, res.CMSErr))
	}
	return o.finish(ctx, logger, res), nil
}

func (o *Orchestrator) finish(ctx context.Context, logger *slog.Logger, res Result) Result {
	res.Duration = time.Since(res.Started)
	if telemetry.PublishDuration != nil {
		telemetry.PublishDuration.Observe(res.Duration.Seconds())
	}
	logger.Info("publish finished",
		slog.String("state", res.State.String()),
		slog.Int("messages", res.MessageCount),
		slog.Int("degraded", res.Degraded),
		slog.String("paste_url", res.PasteURL),
		slog.String("draft_id", res.DraftID),
		slog.Any("paste_err", res.PasteErr),
		slog.Any("cms_err", res.CMSErr),
		slog.Duration("took", res.Duration))
	if o.Log != nil {
		if err := o.Log.LogPublish(context.WithoutCancel(ctx), res); err != nil {
			logger.Warn("publish log write failed", slog.Any("err", err))
		}
	}
	return res
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// resolveCover picks the first usable photo, trying each photo's cover frame
// before its content, then falls back to the default cover.
func (o *Orchestrator) resolveCover(ctx context.Context, scope *media.Scope, cms []message.Message, local map[string]string) (string, error) {
	for _, m := range cms {
		if m.Type != message.TypePhoto {
			continue
		}
		for _, cand := range []string{m.CoverPath, m.Content} {
			if cand == "" {
				continue
			}
			p, err := o.localize(ctx, scope, cand, local)
			if err == nil {
				return p, nil
			}
			slog.Debug("cover candidate unusable", slog.String("candidate", cand), slog.Any("err", err))
		}
	}
	if o.Opts.DefaultCover != "" {
		if st, err := os.Stat(o.Opts.DefaultCover); err == nil && !st.IsDir() {
			return o.Opts.DefaultCover, nil
		}
	}
	return "", ErrNoCoverAvailable
}

// localize returns a local file for ref, downloading remote refs once per run.
func (o *Orchestrator) localize(ctx context.Context, scope *media.Scope, ref string, local map[string]string) (string, error) {
	if p, ok := local[ref]; ok {
		return p, nil
	}
	if !message.IsRemote(ref) {
		if _, err := os.Stat(ref); err != nil {
			return "", err
		}
		return ref, nil
	}
	dst := scope.Path(extOf(ref))
	if err := o.Fetcher.Fetch(ctx, ref, dst); err != nil {
		return "", err
	}
	local[ref] = dst
	return dst, nil
}

func extOf(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ".jpg"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return ext
	}
	if strings.Contains(u.RawQuery, "wx_fmt=gif") {
		return ".gif"
	}
	return ".jpg"
}

// uploadImages moves every CMS photo to the CMS image host, degrading the
// ones that fail. It returns the number degraded.
func (o *Orchestrator) uploadImages(ctx context.Context, logger *slog.Logger, scope *media.Scope, cms []message.Message, local map[string]string) int {
	degraded := 0
	for i, m := range cms {
		if m.Type != message.TypePhoto {
			continue
		}
		p, err := o.localize(ctx, scope, m.Content, local)
		if err == nil {
			var hosted string
			hosted, err = o.Uploader.Upload(ctx, p, o.CMSImages)
			if err == nil {
				cms[i].Content = hosted
				continue
			}
		}
		logger.Warn("cms image upload failed", slog.Int("index", i), slog.Any("err", err))
		telemetry.IncDegraded("cms_image")
		cms[i] = m.Degrade(message.PlaceholderImage)
		degraded++
	}
	return degraded
}

func (o *Orchestrator) uploadThumb(ctx context.Context, scope *media.Scope, cover string) (string, error) {
	thumb := scope.Path(".jpg")
	if err := o.Thumbs.Thumb(ctx, cover, thumb); err != nil {
		return "", fmt.Errorf("prepare thumbnail: %w", err)
	}
	return o.Uploader.Upload(ctx, thumb, o.CMSThumb)
}

func (o *Orchestrator) submitPaste(ctx context.Context, html string) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "publish", "publish.submit", telemetry.TargetAttr("telegraph"))
	defer span.End()
	page, err := retry.Do(ctx, o.Opts.Policy, func(ctx context.Context) (telegraph.Page, error) {
		return o.Paste.CreatePage(ctx, o.title(), o.Opts.Author, html)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return "", fmt.Errorf("create page: %w", err)
	}
	return page.URL, nil
}

func (o *Orchestrator) submitDraft(ctx context.Context, html, thumbID string) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "publish", "publish.submit", telemetry.TargetAttr("wechat"))
	defer span.End()
	d := wechat.Draft{
		Title:        o.title(),
		Author:       o.Opts.Author,
		Digest:       o.Opts.Digest,
		Content:      html,
		ThumbMediaID: thumbID,
	}
	if d.Author == "" {
		d.Author = "Bot"
	}
	if d.Digest == "" {
		d.Digest = d.Title
	}
	id, err := retry.Do(ctx, o.Opts.Policy, func(ctx context.Context) (string, error) {
		return o.CMS.CreateDraft(ctx, d)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return "", fmt.Errorf("create draft: %w", err)
	}
	return id, nil
}

func (o *Orchestrator) title() string {
	if o.Opts.Title == "" {
		return "Message Log"
	}
	return o.Opts.Title
}
