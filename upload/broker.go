// Package upload moves local blobs to remote hosts under the shared retry policy.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/onnwee/tgscribe/retry"
	"github.com/onnwee/tgscribe/telemetry"
)

// ErrEmptyReference is returned when a destination reports success without a reference.
var ErrEmptyReference = errors.New("destination returned empty reference")

// Destination is a remote host that stores a blob and returns a reference to
// it (a URL or a media id).
type Destination interface {
	Name() string
	Put(ctx context.Context, r io.Reader, filename, contentType string) (string, error)
}

// Broker uploads files to destinations with bounded retries.
type Broker struct {
	Policy retry.Policy
}

// NewBroker returns a broker using p.
func NewBroker(p retry.Policy) *Broker { return &Broker{Policy: p} }

// Upload sends the file at path to dest and returns its reference. The file
// is reopened for every attempt.
func (b *Broker) Upload(ctx context.Context, path string, dest Destination) (string, error) {
	name := filepath.Base(path)
	ct := ContentType(path)
	attempt := 0
	ref, err := retry.Do(ctx, b.Policy, func(ctx context.Context) (string, error) {
		attempt++
		f, err := os.Open(path)
		if err != nil {
			return "", retry.Permanent(fmt.Errorf("open blob: %w", err))
		}
		defer f.Close()
		ref, err := dest.Put(ctx, f, name, ct)
		if err == nil && strings.TrimSpace(ref) == "" {
			err = retry.Transient(ErrEmptyReference)
		}
		if err != nil {
			telemetry.IncUploadAttempt(dest.Name(), "error")
			slog.Debug("upload attempt failed", slog.String("component", "upload"), slog.String("destination", dest.Name()), slog.Int("attempt", attempt), slog.Any("err", err))
			return "", err
		}
		telemetry.IncUploadAttempt(dest.Name(), "ok")
		return ref, nil
	})
	if err != nil {
		return "", fmt.Errorf("upload %s to %s: %w", name, dest.Name(), err)
	}
	return ref, nil
}

// ContentType guesses a MIME type from the file extension.
func ContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gif":
		return "image/gif"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
