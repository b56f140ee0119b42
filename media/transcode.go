// Package media converts sticker and image payloads into formats both
// publish targets can render.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/tgscribe/message"
	"github.com/onnwee/tgscribe/telemetry"
)

var (
	// ErrUnsupportedFormat is returned for formats the transcoder cannot handle.
	ErrUnsupportedFormat = errors.New("unsupported media format")
	// ErrDecode is returned when a payload is malformed or a converter fails.
	ErrDecode = errors.New("media decode failed")
)

// MaxVideoFPS caps the frame rate of GIFs produced from video stickers.
const MaxVideoFPS = 15

// Runner executes an external program and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Animation is the output of one transcode. CoverPath is empty unless a cover
// was requested.
type Animation struct {
	GIFPath   string
	CoverPath string
	Format    message.StickerFormat
}

// Transcoder turns animated stickers into GIFs using external converters.
type Transcoder struct {
	FFmpeg        string
	FFprobe       string
	LottieConvert string
	Pool          *Pool
	Run           Runner
}

// NewTranscoder returns a transcoder with default binary names and a pool of size n.
func NewTranscoder(n int) *Transcoder {
	return &Transcoder{
		FFmpeg:        "ffmpeg",
		FFprobe:       "ffprobe",
		LottieConvert: "lottie_convert.py",
		Pool:          NewPool(n),
		Run:           execRunner,
	}
}

func (t *Transcoder) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r := t.Run
	if r == nil {
		r = execRunner
	}
	return r(ctx, name, args...)
}

func (t *Transcoder) do(ctx context.Context, fn func() error) error {
	if t.Pool == nil {
		return fn()
	}
	return t.Pool.Do(ctx, fn)
}

// Transcode converts the animated sticker at src to a GIF next to it. When
// wantCover is set the first frame is also written as PNG.
func (t *Transcoder) Transcode(ctx context.Context, src string, format message.StickerFormat, wantCover bool) (Animation, error) {
	start := time.Now()
	anim := Animation{GIFPath: Swap(src, ".gif"), Format: format}
	if wantCover {
		anim.CoverPath = Swap(src, ".cover.png")
	}
	var err error
	switch format {
	case message.StickerVector:
		err = t.do(ctx, func() error { return t.vector(ctx, src, anim) })
	case message.StickerVideo:
		err = t.do(ctx, func() error { return t.video(ctx, src, anim) })
	default:
		return Animation{}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return Animation{}, err
	}
	telemetry.ObserveTranscode(format.String(), time.Since(start))
	slog.Debug("sticker transcoded", slog.String("component", "media"), slog.String("format", format.String()), slog.Duration("took", time.Since(start)))
	return anim, nil
}

func (t *Transcoder) vector(ctx context.Context, src string, anim Animation) error {
	info, err := ReadLottieFile(src)
	if err != nil {
		return err
	}
	slog.Debug("lottie header", slog.Int("w", info.Width), slog.Int("h", info.Height), slog.Float64("fps", info.FrameRate), slog.Int("frames", info.Frames()))
	if err := t.convert(ctx, anim.GIFPath, t.LottieConvert, src, anim.GIFPath); err != nil {
		return err
	}
	if anim.CoverPath != "" {
		return t.convert(ctx, anim.CoverPath, t.LottieConvert, "--frame", "0", src, anim.CoverPath)
	}
	return nil
}

func (t *Transcoder) video(ctx context.Context, src string, anim Animation) error {
	fps := MaxVideoFPS
	if native, err := t.probeFPS(ctx, src); err == nil && native > 0 && native < float64(MaxVideoFPS) {
		fps = int(native + 0.5)
		if fps < 1 {
			fps = 1
		}
	} else if err != nil {
		slog.Debug("ffprobe failed, using default fps", slog.Any("err", err))
	}
	filter := fmt.Sprintf("fps=%d,split[a][b];[a]palettegen=reserve_transparent=1[p];[b][p]paletteuse", fps)
	if err := t.convert(ctx, anim.GIFPath, t.FFmpeg, "-y", "-v", "error", "-c:v", "libvpx-vp9", "-i", src, "-lavfi", filter, "-loop", "0", anim.GIFPath); err != nil {
		return err
	}
	if anim.CoverPath != "" {
		return t.convert(ctx, anim.CoverPath, t.FFmpeg, "-y", "-v", "error", "-c:v", "libvpx-vp9", "-i", src, "-frames:v", "1", anim.CoverPath)
	}
	return nil
}

func (t *Transcoder) probeFPS(ctx context.Context, src string) (float64, error) {
	out, err := t.run(ctx, t.FFprobe, "-v", "error", "-select_streams", "v:0", "-show_entries", "stream=r_frame_rate", "-of", "default=noprint_wrappers=1:nokey=1", src)
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}
	return ParseRate(strings.TrimSpace(string(out)))
}

// convert runs an external converter and checks that it produced want.
func (t *Transcoder) convert(ctx context.Context, want, name string, args ...string) error {
	out, err := t.run(ctx, name, args...)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s: %v: %s", ErrDecode, name, err, strings.TrimSpace(string(out)))
	}
	if st, err := os.Stat(want); err != nil || st.Size() == 0 {
		return fmt.Errorf("%w: %s produced no output", ErrDecode, name)
	}
	return nil
}

// ParseRate parses an ffprobe rate such as "30/1" or "29.97".
func ParseRate(s string) (float64, error) {
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, err
		}
		d, err := strconv.ParseFloat(den, 64)
		if err != nil || d == 0 {
			return 0, fmt.Errorf("bad rate %q", s)
		}
		return n / d, nil
	}
	return strconv.ParseFloat(s, 64)
}
