// Package render turns a message sequence into the HTML document each
// publish target expects.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/onnwee/tgscribe/message"
)

//go:embed templates/*.html
var templateFS embed.FS

// Target selects a document flavor.
type Target string

const (
	TargetTelegraph Target = "telegraph"
	TargetWeChat    Target = "wechat"
)

// IsGIF reports whether an image URL points at an animated GIF.
func IsGIF(u string) bool {
	lower := strings.ToLower(u)
	if i := strings.IndexAny(lower, "?#"); i >= 0 {
		if strings.Contains(lower[i:], "wx_fmt=gif") {
			return true
		}
		lower = lower[:i]
	}
	return strings.HasSuffix(lower, ".gif")
}

// Renderer holds the parsed templates. It is safe for concurrent use.
type Renderer struct {
	loc   *time.Location
	tmpls map[Target]*template.Template
}

// New parses the embedded templates. Times are shown in loc (UTC when nil).
func New(loc *time.Location) (*Renderer, error) {
	if loc == nil {
		loc = time.UTC
	}
	r := &Renderer{loc: loc, tmpls: map[Target]*template.Template{}}
	funcs := template.FuncMap{
		"isGIF": IsGIF,
		"clock": func(t time.Time) string { return t.In(loc).Format("15:04:05") },
		"stamp": func(t time.Time) string { return t.In(loc).Format("2006-01-02 15:04") },
	}
	for _, tgt := range []Target{TargetTelegraph, TargetWeChat} {
		t, err := template.New(string(tgt)+".html").Funcs(funcs).ParseFS(templateFS, "templates/"+string(tgt)+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", tgt, err)
		}
		r.tmpls[tgt] = t
	}
	return r, nil
}

// Render produces the document for target. It does not modify msgs.
func (r *Renderer) Render(target Target, msgs []message.Message) (string, error) {
	t, ok := r.tmpls[target]
	if !ok {
		return "", fmt.Errorf("unknown render target %q", target)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, struct{ Messages []message.Message }{msgs}); err != nil {
		return "", fmt.Errorf("render %s: %w", target, err)
	}
	return strings.TrimSpace(buf.String()), nil
}
