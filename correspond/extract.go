package correspond

import (
	"fmt"
	"image"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// Extractor samples fixed-radius patches from images.
type Extractor struct {
	radius int
}

// NewExtractor returns an extractor for windows of side 2*radius+1.
func NewExtractor(radius int) (*Extractor, error) {
	if radius < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRadius, radius)
	}
	return &Extractor{radius: radius}, nil
}

// Radius returns the configured window half-size.
func (e *Extractor) Radius() int { return e.radius }

// RoundPosition rounds a continuous position to the nearest pixel, halves away from zero.
func RoundPosition(p r2.Vec) image.Point {
	return image.Point{X: int(math.Round(p.X)), Y: int(math.Round(p.Y))}
}

// InBounds reports whether the window centered on c lies entirely inside img.
func (e *Extractor) InBounds(img Image, c image.Point) bool {
	r := e.radius
	return c.X >= r && c.Y >= r && c.X < img.Width()-r && c.Y < img.Height()-r
}

// locate rounds center to a pixel whose window fits inside img. Non-finite
// and far-off centers are rejected before the conversion to int.
func (e *Extractor) locate(img Image, center r2.Vec) (image.Point, bool) {
	if !(center.X > -1 && center.X < float64(img.Width()) &&
		center.Y > -1 && center.Y < float64(img.Height())) {
		return image.Point{}, false
	}
	c := RoundPosition(center)
	return c, e.InBounds(img, c)
}

// Extract fills dst with the window around the pixel nearest to center and
// returns that pixel. dst is reshaped to the extractor's radius and the
// image's channel count.
//
// If any part of the window falls outside the image, Extract returns
// ErrOutOfBounds and leaves dst untouched.
func (e *Extractor) Extract(img Image, center r2.Vec, dst *Patch) (image.Point, error) {
	c, ok := e.locate(img, center)
	if !ok {
		return c, ErrOutOfBounds
	}
	ch := img.Channels()
	if dst.Radius != e.radius || dst.Channels != ch || len(dst.Samples) != PatchLen(e.radius, ch) {
		dst.reshape(e.radius, ch)
	}
	i := 0
	for y := c.Y - e.radius; y <= c.Y+e.radius; y++ {
		for x := c.X - e.radius; x <= c.X+e.radius; x++ {
			i += copy(dst.Samples[i:i+ch], img.SamplesAt(x, y))
		}
	}
	return c, nil
}
