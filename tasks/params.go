package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"

	"github.com/stevecastle/lightfield/correspond"
)

// Pixel is a pixel coordinate in request JSON.
type Pixel struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// CorrespondParams are the arguments of the "correspond" task. Unset fields
// default to the center view and its center pixel.
type CorrespondParams struct {
	ReferenceView *int    `json:"referenceView,omitempty"`
	X             *int    `json:"x,omitempty"`
	Y             *int    `json:"y,omitempty"`
	Pixels        []Pixel `json:"pixels,omitempty"`
	// Debug writes annotated images of the walk; single-pixel queries only.
	Debug bool `json:"debug,omitempty"`
}

// GridParams are the arguments of the "grid" task: every Stride-th pixel whose
// window fits the reference view.
type GridParams struct {
	ReferenceView *int `json:"referenceView,omitempty"`
	Stride        int  `json:"stride"`
}

// maxGridPixels bounds a grid query.
const maxGridPixels = 4096

func decodeParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// Validate checks the parameters that do not depend on the light field.
func (p CorrespondParams) Validate() error {
	if (p.X == nil) != (p.Y == nil) {
		return errors.New("x and y must be given together")
	}
	if p.X != nil && len(p.Pixels) > 0 {
		return errors.New("give either x/y or pixels, not both")
	}
	if p.Debug && len(p.Pixels) > 1 {
		return errors.New("debug images need a single pixel")
	}
	return nil
}

// Validate checks the grid stride.
func (p GridParams) Validate() error {
	if p.Stride < 1 {
		return fmt.Errorf("stride must be >= 1, got %d", p.Stride)
	}
	return nil
}

func referenceView(vs *correspond.ViewSet, ref *int) (int, error) {
	if ref != nil {
		return *ref, nil
	}
	return vs.CenterView()
}

// pixels resolves the query pixels, defaulting to the image center.
func (p CorrespondParams) pixels(g correspond.Geometry) []image.Point {
	switch {
	case len(p.Pixels) > 0:
		out := make([]image.Point, len(p.Pixels))
		for i, px := range p.Pixels {
			out[i] = image.Pt(px.X, px.Y)
		}
		return out
	case p.X != nil:
		return []image.Point{image.Pt(*p.X, *p.Y)}
	default:
		return []image.Point{image.Pt(g.Width/2, g.Height/2)}
	}
}

// gridPixels lists the pixels of a stride grid whose radius-r window fits g.
func gridPixels(g correspond.Geometry, r, stride int) ([]image.Point, error) {
	var out []image.Point
	for y := r; y < g.Height-r; y += stride {
		for x := r; x < g.Width-r; x += stride {
			out = append(out, image.Pt(x, y))
			if len(out) > maxGridPixels {
				return nil, fmt.Errorf("grid with stride %d exceeds %d pixels", stride, maxGridPixels)
			}
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no pixel of a %s image fits a radius %d window", g, r)
	}
	return out, nil
}
