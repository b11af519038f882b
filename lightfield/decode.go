package lightfield

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/stevecastle/lightfield/correspond"
)

// Supported channel layouts.
const (
	Gray = 1
	RGB  = 3
	RGBA = 4
)

func validChannels(c int) bool {
	return c == Gray || c == RGB || c == RGBA
}

// DecodeImage decodes an encoded image, optionally shrinks it so neither side
// exceeds maxDim, and converts it to a buffer with the given channel count.
func DecodeImage(data []byte, channels, maxDim int) (*correspond.Buffer, error) {
	if !validChannels(channels) {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if maxDim > 0 {
		b := img.Bounds()
		if b.Dx() > maxDim || b.Dy() > maxDim {
			img = resize.Thumbnail(uint(maxDim), uint(maxDim), img, resize.Bilinear)
		}
	}
	return FromImage(img, channels), nil
}

// FromImage converts img to an interleaved buffer with 1, 3 or 4 channels.
func FromImage(img image.Image, channels int) *correspond.Buffer {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := correspond.NewBuffer(w, h, channels)

	if channels == Gray {
		gray := image.NewGray(image.Rect(0, 0, w, h))
		draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
		for y := 0; y < h; y++ {
			copy(out.Pix[y*w:(y+1)*w], gray.Pix[y*gray.Stride:y*gray.Stride+w])
		}
		return out
	}

	rgba := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	for y := 0; y < h; y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+4*w]
		if channels == RGBA {
			copy(out.Pix[y*w*4:(y+1)*w*4], row)
			continue
		}
		for x := 0; x < w; x++ {
			si, di := 4*x, (y*w+x)*3
			out.Pix[di], out.Pix[di+1], out.Pix[di+2] = row[si], row[si+1], row[si+2]
		}
	}
	return out
}

// ToRGBA renders a buffer as an RGBA image. Gray buffers are replicated
// across the color channels.
func ToRGBA(img correspond.Image) *image.RGBA {
	w, h := img.Width(), img.Height()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			s := img.SamplesAt(x, y)
			c := color.RGBA{A: 255}
			switch len(s) {
			case Gray:
				c.R, c.G, c.B = s[0], s[0], s[0]
			case RGB:
				c.R, c.G, c.B = s[0], s[1], s[2]
			default:
				c.R, c.G, c.B, c.A = s[0], s[1], s[2], s[3]
			}
			dst.SetRGBA(x, y, c)
		}
	}
	return dst
}
