package media

import (
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// MaxThumbWidth keeps CMS thumbnails well under the host's size limit.
const MaxThumbWidth = 360

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// FlattenSticker decodes a still sticker, composites it onto white and writes a PNG.
func FlattenSticker(src, dst string) error {
	img, err := decodeFile(src)
	if err != nil {
		return err
	}
	b := img.Bounds()
	canvas := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(canvas, canvas.Bounds(), img, b.Min, draw.Over)
	return writeImage(dst, func(w io.Writer) error { return png.Encode(w, canvas) })
}

// PrepareThumb writes a JPEG of src no wider than MaxThumbWidth. A cover that
// cannot be decoded is copied through unchanged.
func PrepareThumb(src, dst string) error {
	img, err := decodeFile(src)
	if err != nil {
		return copyFile(src, dst)
	}
	b := img.Bounds()
	w, h := fit(b.Dx(), b.Dy(), MaxThumbWidth)
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(out, out.Bounds(), img, b, draw.Over, nil)
	return writeImage(dst, func(w io.Writer) error { return jpeg.Encode(w, out, &jpeg.Options{Quality: 85}) })
}

// Flatten runs FlattenSticker through the pool.
func (t *Transcoder) Flatten(ctx context.Context, src, dst string) error {
	return t.do(ctx, func() error { return FlattenSticker(src, dst) })
}

// Thumb runs PrepareThumb through the pool.
func (t *Transcoder) Thumb(ctx context.Context, src, dst string) error {
	return t.do(ctx, func() error { return PrepareThumb(src, dst) })
}

func writeImage(dst string, enc func(io.Writer) error) error {
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := enc(f); err != nil {
		f.Close()
		return fmt.Errorf("encode %s: %w", dst, err)
	}
	return f.Close()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
