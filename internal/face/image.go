package face

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// RawImage holds the uploaded bytes and, once decoded, its pixels.
// It is owned by a single request.
type RawImage struct {
	Data   []byte
	Format string

	pixels *image.NRGBA
	err    error
}

// NewRawImage wraps the given bytes without decoding them.
func NewRawImage(data []byte) *RawImage {
	return &RawImage{Data: data}
}

// FromImage wraps already decoded pixels, e.g. frames produced in memory.
func FromImage(img image.Image) *RawImage {
	return &RawImage{pixels: toNRGBA(img), Format: "memory"}
}

// Decode decodes the byte buffer into non-premultiplied RGBA pixels. Images
// above MaxImagePixels are rejected from their header alone.
// Repeated calls return the first result.
func (r *RawImage) Decode() error {
	if r.pixels != nil || r.err != nil {
		return r.err
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(r.Data))
	if err != nil {
		r.err = Errorf(KindImageUnreadable, "%s: %v", ErrImageUnreadable.Message, err)
		return r.err
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxImagePixels {
		r.err = Errorf(KindImageTooLarge, "image dimensions too large (%dx%d, maximum %d megapixels)",
			cfg.Width, cfg.Height, MaxImagePixels/1_000_000)
		return r.err
	}

	img, format, err := image.Decode(bytes.NewReader(r.Data))
	if err != nil {
		r.err = Errorf(KindImageUnreadable, "%s: %v", ErrImageUnreadable.Message, err)
		return r.err
	}

	r.Format = format
	r.pixels = toNRGBA(img)

	return nil
}

// Pixels returns the decoded pixels, or nil if the image was not decoded.
func (r *RawImage) Pixels() *image.NRGBA {
	return r.pixels
}

// Width returns the decoded width in pixels.
func (r *RawImage) Width() int {
	if r.pixels == nil {
		return 0
	}
	return r.pixels.Bounds().Dx()
}

// Height returns the decoded height in pixels.
func (r *RawImage) Height() int {
	if r.pixels == nil {
		return 0
	}
	return r.pixels.Bounds().Dy()
}

// toNRGBA converts img to a zero-origin NRGBA image.
func toNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	if n, ok := img.(*image.NRGBA); ok && b.Min == (image.Point{}) {
		return n
	}

	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)

	return dst
}
