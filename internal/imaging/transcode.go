// Package imaging normalizes uploaded images of any supported encoding into
// width-bounded JPEGs.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"

	// decoders
	_ "image/gif"
	_ "image/png"

	_ "github.com/gen2brain/heic"
	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"storefront/internal/errs"
)

// Options controls the output of Transcode.
type Options struct {
	MaxWidth  int
	MaxHeight int
	// MaxPixels caps the source width*height, checked from the header before
	// any pixel data is decoded. Zero means unlimited.
	MaxPixels int64
	Quality   int
}

// Result describes one transcoded image.
type Result struct {
	JPEG      []byte
	Format    string // source format as reported by image.Decode
	SrcWidth  int
	SrcHeight int
	Width     int
	Height    int
}

// Transcode decodes r in whatever registered format it is in and re-encodes it
// as JPEG. Images larger than MaxWidth x MaxHeight are scaled down, keeping
// the aspect ratio; smaller images keep their size. Sources over MaxPixels
// are rejected with a validation error.
func Transcode(r io.Reader, opts Options) (*Result, error) {
	body, err := checkHeader(r, opts.MaxPixels)
	if err != nil {
		return nil, err
	}
	src, format, err := image.Decode(body)
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, errors.New("decode: empty image")
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = jpeg.DefaultQuality
	}

	nw, nh := Fit(w, h, opts.MaxWidth, opts.MaxHeight)

	// JPEG has no alpha; flatten onto white so transparent regions don't go black.
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if nw == w && nh == h {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	}

	var out bytes.Buffer
	if err := jpeg.Encode(&out, dst, &jpeg.Options{Quality: opts.Quality}); err != nil {
		return nil, errors.Wrap(err, "encode jpeg")
	}
	return &Result{
		JPEG:      out.Bytes(),
		Format:    format,
		SrcWidth:  w,
		SrcHeight: h,
		Width:     nw,
		Height:    nh,
	}, nil
}

// checkHeader reads the image header and enforces maxPixels. It returns a
// reader positioned at the start of the image for the full decode.
func checkHeader(r io.Reader, maxPixels int64) (io.Reader, error) {
	var (
		cfg  image.Config
		err  error
		rest io.Reader
	)
	if rs, ok := r.(io.ReadSeeker); ok {
		start, serr := rs.Seek(0, io.SeekCurrent)
		if serr != nil {
			return nil, errors.Wrap(serr, "seek")
		}
		cfg, _, err = image.DecodeConfig(rs)
		if err == nil {
			_, err = rs.Seek(start, io.SeekStart)
		}
		rest = rs
	} else {
		var head bytes.Buffer
		cfg, _, err = image.DecodeConfig(io.TeeReader(r, &head))
		rest = io.MultiReader(&head, r)
	}
	if err != nil {
		return nil, errors.Wrap(err, "decode header")
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errors.New("decode: empty image")
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > maxPixels {
		return nil, errs.Validation(fmt.Sprintf("image is %dx%d, over the %d pixel limit", cfg.Width, cfg.Height, maxPixels))
	}
	return rest, nil
}

// Fit returns the output size for a w x h image bounded by maxW x maxH (zero
// means unbounded). It never enlarges and never returns a zero dimension.
func Fit(w, h, maxW, maxH int) (int, int) {
	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = float64(maxW) / float64(w)
	}
	if maxH > 0 && float64(h)*scale > float64(maxH) {
		scale = float64(maxH) / float64(h)
	}
	if scale == 1 {
		return w, h
	}
	nw := clamp(int(float64(w)*scale+0.5), maxW)
	nh := clamp(int(float64(h)*scale+0.5), maxH)
	return nw, nh
}

func clamp(v, max int) int {
	if max > 0 && v > max {
		v = max
	}
	if v < 1 {
		v = 1
	}
	return v
}
