package domain

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

// MaxFramePixels bounds the declared size of an inbound image. Decoding
// allocates the full pixel buffer up front, so larger frames are refused
// before any pixel data is read.
const MaxFramePixels = 4096 * 4096

// Frame is one decoded image. TimestampMicros is assigned by the FrameBuffer
// when the frame is popped.
type Frame struct {
	Image           image.Image
	Width           int
	Height          int
	Format          string
	ReceivedAt      time.Time
	TimestampMicros int64
}

func NewFrame(img image.Image, format string) Frame {
	f := Frame{Image: img, Format: format, ReceivedAt: time.Now()}
	if img != nil {
		b := img.Bounds()
		f.Width, f.Height = b.Dx(), b.Dy()
	}
	return f
}

func (f Frame) IsEmpty() bool {
	return f.Image == nil || f.Width <= 0 || f.Height <= 0
}

// DecodeFrame decodes one binary message into a Frame. Any registered image
// format is accepted.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("empty payload: %w", ErrDecodeFailure)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return Frame{}, fmt.Errorf("zero sized image: %w", ErrDecodeFailure)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxFramePixels {
		return Frame{}, fmt.Errorf("image %dx%d exceeds %d pixels: %w", cfg.Width, cfg.Height, MaxFramePixels, ErrDecodeFailure)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	f := NewFrame(img, format)
	if f.IsEmpty() {
		return Frame{}, fmt.Errorf("zero sized image: %w", ErrDecodeFailure)
	}
	return f, nil
}

// JPEG re-encodes the frame for engines that take compressed input.
func (f Frame) JPEG(quality int) ([]byte, error) {
	if f.IsEmpty() {
		return nil, fmt.Errorf("empty frame: %w", ErrFailedPrecondition)
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.Image, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("error encoding jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
