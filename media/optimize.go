package media

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"os"

	"golang.org/x/image/draw"
)

const (
	// MaxGIFWidth is the widest GIF uploaded to the paste host.
	MaxGIFWidth = 320
	// OutputDelay is the per-frame delay of optimized GIFs (10 fps).
	OutputDelay = 10
)

// Optimize rewrites the GIF at src into a smaller copy next to it and returns
// the new path. The caller owns the returned file.
func (t *Transcoder) Optimize(ctx context.Context, src string) (string, error) {
	dst := Swap(src, ".opt.gif")
	err := t.do(ctx, func() error { return OptimizeGIF(src, dst) })
	if err != nil {
		_ = os.Remove(dst)
		return "", err
	}
	return dst, nil
}

// OptimizeGIF downscales src to MaxGIFWidth, resamples it to 10 fps and
// writes the result to dst.
func OptimizeGIF(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	g, err := gif.DecodeAll(bufio.NewReader(in))
	in.Close()
	if err != nil {
		return fmt.Errorf("%w: gif: %v", ErrDecode, err)
	}
	if len(g.Image) == 0 {
		return fmt.Errorf("%w: gif has no frames", ErrDecode)
	}

	frames := composite(g)
	w, h := frames[0].Bounds().Dx(), frames[0].Bounds().Dy()
	tw, th := fit(w, h, MaxGIFWidth)

	pick := resample(g.Delay)
	pal := canvasPalette(g)
	out := &gif.GIF{LoopCount: g.LoopCount}
	for _, idx := range pick {
		scaled := image.NewRGBA(image.Rect(0, 0, tw, th))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), frames[idx], frames[idx].Bounds(), draw.Src, nil)

		pm := image.NewPaletted(scaled.Bounds(), pal)
		draw.FloydSteinberg.Draw(pm, pm.Bounds(), scaled, image.Point{})
		out.Image = append(out.Image, pm)
		out.Delay = append(out.Delay, OutputDelay)
		out.Disposal = append(out.Disposal, gif.DisposalNone)
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	if err := gif.EncodeAll(bw, out); err != nil {
		f.Close()
		return fmt.Errorf("encode gif: %w", err)
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// composite renders every frame onto the full logical canvas, honouring
// each frame's disposal method.
func composite(g *gif.GIF) []*image.RGBA {
	bounds := image.Rect(0, 0, g.Config.Width, g.Config.Height)
	if bounds.Empty() {
		bounds = g.Image[0].Bounds()
		for _, fr := range g.Image[1:] {
			bounds = bounds.Union(fr.Bounds())
		}
	}
	canvas := image.NewRGBA(bounds)
	out := make([]*image.RGBA, len(g.Image))
	for i, fr := range g.Image {
		var saved *image.RGBA
		disposal := byte(gif.DisposalNone)
		if i < len(g.Disposal) {
			disposal = g.Disposal[i]
		}
		if disposal == gif.DisposalPrevious {
			saved = cloneRGBA(canvas)
		}
		draw.Draw(canvas, fr.Bounds(), fr, fr.Bounds().Min, draw.Over)
		out[i] = cloneRGBA(canvas)
		switch disposal {
		case gif.DisposalBackground:
			draw.Draw(canvas, fr.Bounds(), image.Transparent, image.Point{}, draw.Src)
		case gif.DisposalPrevious:
			canvas = saved
		}
	}
	return out
}

func cloneRGBA(src *image.RGBA) *image.RGBA {
	c := image.NewRGBA(src.Bounds())
	copy(c.Pix, src.Pix)
	return c
}

// resample maps a source delay list (hundredths of a second) onto a 10 fps
// timeline and returns the source frame index shown at each output tick.
// Delays of 0 or 1 are treated as 10, matching how browsers play them.
func resample(delays []int) []int {
	if len(delays) == 0 {
		return []int{0}
	}
	starts := make([]int, len(delays))
	total := 0
	for i, d := range delays {
		if d <= 1 {
			d = OutputDelay
		}
		starts[i] = total
		total += d
	}
	n := (total + OutputDelay/2) / OutputDelay
	if n < 1 {
		n = 1
	}
	pick := make([]int, n)
	j := 0
	for k := 0; k < n; k++ {
		at := k * OutputDelay
		for j+1 < len(starts) && starts[j+1] <= at {
			j++
		}
		pick[k] = j
	}
	return pick
}

// fit scales (w, h) down to maxW preserving aspect ratio.
func fit(w, h, maxW int) (int, int) {
	if w <= maxW || w == 0 {
		return w, h
	}
	nh := h * maxW / w
	if nh < 1 {
		nh = 1
	}
	return maxW, nh
}

// canvasPalette returns one palette for every composited frame: the global
// color table when present, else the union of the local tables. Frames may be
// cropped patches with tiny local palettes, so a single frame's table cannot
// describe the whole canvas. Falls back to a web-safe palette past 256 colors.
func canvasPalette(g *gif.GIF) color.Palette {
	if global, ok := g.Config.ColorModel.(color.Palette); ok && len(global) > 0 {
		return withTransparent(global)
	}
	seen := map[color.RGBA]bool{}
	var pal color.Palette
	for _, fr := range g.Image {
		for _, c := range fr.Palette {
			rgba := color.RGBAModel.Convert(c).(color.RGBA)
			if seen[rgba] {
				continue
			}
			seen[rgba] = true
			pal = append(pal, rgba)
			if len(pal) > 256 {
				return webSafe()
			}
		}
	}
	if len(pal) == 0 {
		return webSafe()
	}
	return withTransparent(pal)
}

// withTransparent adds a transparent entry when there is room, since the
// canvas starts transparent outside the first frame.
func withTransparent(p color.Palette) color.Palette {
	for _, c := range p {
		if _, _, _, a := c.RGBA(); a == 0 {
			return p
		}
	}
	if len(p) >= 256 {
		return p
	}
	out := make(color.Palette, 0, len(p)+1)
	out = append(out, p...)
	return append(out, color.Transparent)
}

func webSafe() color.Palette {
	pal := make(color.Palette, 0, 256)
	pal = append(pal, color.Transparent)
	for r := 0; r < 6; r++ {
		for g := 0; g < 6; g++ {
			for b := 0; b < 6; b++ {
				pal = append(pal, color.RGBA{uint8(r * 51), uint8(g * 51), uint8(b * 51), 0xff})
			}
		}
	}
	return pal
}
