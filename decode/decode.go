// Package decode validates captured frames by decoding them.
//
// The monitor decodes every frame to exercise the full capture path; the
// decoded image is discarded.
package decode

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/disintegration/imaging"

	"github.com/e7canasta/orion-camnode/framesource"
)

// ErrDecode wraps every decode failure.
var ErrDecode = errors.New("decode: frame decode failed")

// Decoder checks that a frame payload is well formed.
type Decoder interface {
	Decode(data []byte) error
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(data []byte) error

func (f DecoderFunc) Decode(data []byte) error { return f(data) }

// Nop accepts every frame (decoding disabled).
var Nop Decoder = DecoderFunc(func([]byte) error { return nil })

// ForFormat returns the decoder for frames of format at width x height.
func ForFormat(format framesource.PixelFormat, width, height int) Decoder {
	if format == framesource.PixelFormatJPEG {
		return JPEG{Width: width, Height: height}
	}
	return Raw{Format: format, Width: width, Height: height}
}

// JPEG decodes a JPEG bitstream with imaging.Decode.
// Width and Height, when non-zero, must match the decoded image.
type JPEG struct {
	Width, Height int
}

func (j JPEG) Decode(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty jpeg", ErrDecode)
	}
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if j.Width > 0 && j.Height > 0 {
		b := img.Bounds()
		if b.Dx() != j.Width || b.Dy() != j.Height {
			return fmt.Errorf("%w: jpeg is %dx%d, want %dx%d", ErrDecode, b.Dx(), b.Dy(), j.Width, j.Height)
		}
	}
	return nil
}

// Raw checks an uncompressed buffer against width*height*bytesPerPixel.
type Raw struct {
	Format        framesource.PixelFormat
	Width, Height int
}

func (r Raw) Decode(data []byte) error {
	want := int(float64(r.Width*r.Height) * r.Format.BytesPerPixel())
	if len(data) != want {
		return fmt.Errorf("%w: %s buffer is %d bytes, want %d", ErrDecode, r.Format, len(data), want)
	}
	return nil
}
