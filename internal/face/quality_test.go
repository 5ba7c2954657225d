package face

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQualityGate_Validate(t *testing.T) {
	gate := NewQualityGate(nil)

	t.Run("Gray", func(t *testing.T) {
		data := encodePNG(t, noiseImage(128, 128, 128, 4))
		require.Greater(t, len(data), MinImageBytes)

		report, err := gate.Validate(NewRawImage(data))
		require.NoError(t, err)
		assert.True(t, report.Valid)
		assert.InDelta(t, 128, report.Brightness, 1)
		assert.Equal(t, 128, report.Width)
		assert.Equal(t, 128, report.Height)
		assert.Empty(t, report.Warnings)
	})

	t.Run("HugeDimensions", func(t *testing.T) {
		img := NewRawImage(withDimensions(t, encodePNG(t, image.NewGray(image.Rect(0, 0, 8, 8))), 8000, 8000))

		_, err := gate.Validate(img)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrImageTooLarge)
		assert.Nil(t, img.Pixels())
	})

	t.Run("Black", func(t *testing.T) {
		report, err := gate.Validate(NewRawImage(encodePNG(t, noiseImage(128, 128, 0, 3))))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTooDark)
		assert.False(t, report.Valid)
		assert.Less(t, report.Brightness, MinBrightness)
	})

	t.Run("White", func(t *testing.T) {
		_, err := gate.Validate(NewRawImage(encodePNG(t, noiseImage(128, 128, 255, 3))))
		assert.ErrorIs(t, err, ErrOverexposed)
		assert.NotErrorIs(t, err, ErrTooDark)
	})

	t.Run("DimWarning", func(t *testing.T) {
		report, err := gate.Validate(NewRawImage(encodePNG(t, noiseImage(128, 128, 50, 4))))
		require.NoError(t, err)
		assert.Equal(t, []Warning{WarnDarkLighting}, report.Warnings)
	})

	t.Run("BrightWarning", func(t *testing.T) {
		report, err := gate.Validate(NewRawImage(encodePNG(t, noiseImage(128, 128, 210, 4))))
		require.NoError(t, err)
		assert.Equal(t, []Warning{WarnBrightLighting}, report.Warnings)
	})

	t.Run("Unreadable", func(t *testing.T) {
		_, err := gate.Validate(NewRawImage(bytes.Repeat([]byte("x"), 2048)))
		assert.ErrorIs(t, err, ErrImageUnreadable)
		assert.Equal(t, []Kind{KindImageUnreadable}, Kinds(err))
	})

	t.Run("EmptyCollectsAll", func(t *testing.T) {
		_, err := gate.Validate(NewRawImage([]byte{}))
		assert.ErrorIs(t, err, ErrImageTooSmall)
		assert.ErrorIs(t, err, ErrImageUnreadable)
		assert.Equal(t, []Kind{KindImageTooSmall, KindImageUnreadable}, Kinds(err))
		assert.False(t, IsInternal(err))
	})

	t.Run("TooLarge", func(t *testing.T) {
		data := append(encodePNG(t, noiseImage(128, 128, 128, 4)), make([]byte, MaxImageBytes)...)

		_, err := gate.Validate(NewRawImage(data))
		assert.ErrorIs(t, err, ErrImageTooLarge)
		assert.Contains(t, err.Error(), "MiB")
	})

	t.Run("TooSmallAndDark", func(t *testing.T) {
		data := encodePNG(t, noiseImage(16, 16, 0, 0))
		require.Less(t, len(data), MinImageBytes)

		_, err := gate.Validate(NewRawImage(data))
		assert.ErrorIs(t, err, ErrImageTooSmall)
		assert.ErrorIs(t, err, ErrTooDark)
	})
}

func TestBrightness(t *testing.T) {
	img := FromImage(noiseImage(10, 10, 100, 0))
	assert.InDelta(t, 100, Brightness(img), 1e-9)
	assert.Zero(t, Brightness(NewRawImage(nil)))
}

func TestKinds(t *testing.T) {
	err := errors.Join(ErrTooDark, Errorf(KindImageTooSmall, "small"), ErrTooDark)
	assert.Equal(t, []Kind{KindTooDark, KindImageTooSmall}, Kinds(err))

	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindTooDark, kind)

	_, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestIsInternal(t *testing.T) {
	assert.False(t, IsInternal(nil))
	assert.False(t, IsInternal(ErrFaceCutOff))
	assert.True(t, IsInternal(ErrModelNotFound))
	assert.True(t, IsInternal(errors.Join(ErrTooDark, ErrInferenceFailed)))
	assert.True(t, IsInternal(errors.New("boom")))
}

// withDimensions rewrites the IHDR size of a PNG so the header claims w x h
// without the pixel data to back it.
func withDimensions(t *testing.T, data []byte, w, h uint32) []byte {
	t.Helper()
	require.Equal(t, "IHDR", string(data[12:16]))
	out := append([]byte(nil), data...)
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}
