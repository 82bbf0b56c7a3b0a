package qr

import (
	"errors"
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encode renders payload as a QR code with a white quiet zone.
func encode(t *testing.T, payload string) image.Image {
	t.Helper()
	matrix, err := qrcode.NewQRCodeWriter().Encode(payload, gozxing.BarcodeFormat_QR_CODE, 200, 200, nil)
	require.NoError(t, err)

	img := image.NewGray(image.Rect(0, 0, 240, 240))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(20, 20, 220, 220), matrix, image.Point{}, draw.Src)
	return img
}

func TestZXing_DecodesPayload(t *testing.T) {
	for _, tryHarder := range []bool{false, true} {
		got, err := NewZXing(tryHarder).Decode(encode(t, "21BCE001 Jane Doe"))
		require.NoError(t, err)
		assert.Equal(t, "21BCE001 Jane Doe", got)
	}
}

func TestZXing_BlankFrameIsNotFound(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 120, 120))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	_, err := NewZXing(false).Decode(img)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestZXing_NilFrameIsFailure(t *testing.T) {
	_, err := NewZXing(false).Decode(nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotFound))
}
