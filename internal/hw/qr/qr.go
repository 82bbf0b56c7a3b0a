// Package qr wraps the QR decoding library behind a small interface so the
// decode loop can be tested with fakes.
package qr

import (
	"errors"
	"fmt"
	"image"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

// ErrNotFound means the frame holds no readable code yet. It is the normal
// result for most frames and is not a failure.
var ErrNotFound = errors.New("qr: no code in frame")

// Decoder extracts a QR payload from a frame.
type Decoder interface {
	Decode(img image.Image) (string, error)
}

// ZXing decodes with gozxing's QR reader.
type ZXing struct {
	hints map[gozxing.DecodeHintType]interface{}
}

// NewZXing creates a decoder. tryHarder trades speed for accuracy on
// blurry or low-contrast frames.
func NewZXing(tryHarder bool) *ZXing {
	hints := map[gozxing.DecodeHintType]interface{}{}
	if tryHarder {
		hints[gozxing.DecodeHintType_TRY_HARDER] = true
	}
	return &ZXing{hints: hints}
}

// Decode returns the payload, ErrNotFound, or a decode failure.
func (z *ZXing) Decode(img image.Image) (string, error) {
	if img == nil {
		return "", errors.New("qr: nil frame")
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("qr: binarize frame: %w", err)
	}

	// Readers keep no useful state between frames; a fresh one per call
	// keeps Decode safe for concurrent use.
	res, err := qrcode.NewQRCodeReader().Decode(bmp, z.hints)
	if err != nil {
		var nf gozxing.NotFoundException
		if errors.As(err, &nf) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("qr: decode: %w", err)
	}
	return res.GetText(), nil
}
