package face

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// noiseImage returns a w x h image whose gray levels are spread +-spread around level.
func noiseImage(w, h int, level, spread uint8) *image.NRGBA {
	rnd := rand.New(rand.NewSource(int64(w*h) + int64(level)))
	img := image.NewNRGBA(image.Rect(0, 0, w, h))

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := int(level) + rnd.Intn(2*int(spread)+1) - int(spread)
			if v < 0 {
				v = 0
			}
			if v > 255 {
				v = 255
			}
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(v), G: uint8(v), B: uint8(v), A: 255})
		}
	}

	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	return buf.Bytes()
}
