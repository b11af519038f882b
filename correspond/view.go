package correspond

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r2"
)

// Image is a read-only multi-channel pixel source.
//
// SamplesAt returns exactly Channels() bytes for the pixel at (x, y). The
// returned slice may alias internal storage and must not be modified.
type Image interface {
	Width() int
	Height() int
	Channels() int
	SamplesAt(x, y int) []uint8
}

// Buffer is an in-memory Image with interleaved 8-bit channels stored row by row.
type Buffer struct {
	W, H, C int
	Pix     []uint8
}

// NewBuffer allocates a zeroed w×h buffer with c channels per pixel.
func NewBuffer(w, h, c int) *Buffer {
	return &Buffer{W: w, H: h, C: c, Pix: make([]uint8, w*h*c)}
}

func (b *Buffer) Width() int    { return b.W }
func (b *Buffer) Height() int   { return b.H }
func (b *Buffer) Channels() int { return b.C }

func (b *Buffer) SamplesAt(x, y int) []uint8 {
	i := (y*b.W + x) * b.C
	return b.Pix[i : i+b.C : i+b.C]
}

// Set writes the channel samples of one pixel. Extra samples are ignored.
func (b *Buffer) Set(x, y int, samples ...uint8) {
	i := (y*b.W + x) * b.C
	copy(b.Pix[i:i+b.C], samples)
}

// View is one camera position paired with its image.
type View struct {
	Position r2.Vec
	Image    Image
}

func geometryOf(img Image) Geometry {
	return Geometry{Width: img.Width(), Height: img.Height(), Channels: img.Channels()}
}

// ViewSet is an ordered, validated collection of views. Views are identified
// by their index; the set is never mutated after construction.
type ViewSet struct {
	views    []View
	geometry Geometry
}

// NewViewSet validates the views once and returns a set over a copy of them.
//
// It fails with ErrEmptyViewSet for zero views and with an
// *InconsistentViewGeometryError when any view differs from view 0.
func NewViewSet(views ...View) (*ViewSet, error) {
	if len(views) == 0 {
		return nil, ErrEmptyViewSet
	}
	for i, v := range views {
		if v.Image == nil {
			return nil, fmt.Errorf("view %d: %w: missing image", i, ErrInconsistentViewGeometry)
		}
	}
	want := geometryOf(views[0].Image)
	if want.Width <= 0 || want.Height <= 0 || want.Channels <= 0 {
		return nil, fmt.Errorf("view 0 is %s: %w", want, ErrInconsistentViewGeometry)
	}
	for i := 1; i < len(views); i++ {
		if got := geometryOf(views[i].Image); got != want {
			return nil, &InconsistentViewGeometryError{View: i, Want: want, Got: got}
		}
	}
	owned := make([]View, len(views))
	copy(owned, views)
	return &ViewSet{views: owned, geometry: want}, nil
}

// Len returns the number of views.
func (vs *ViewSet) Len() int {
	if vs == nil {
		return 0
	}
	return len(vs.views)
}

// View returns the view at index i.
func (vs *ViewSet) View(i int) View { return vs.views[i] }

// Views returns the views in set order. The slice must not be modified.
func (vs *ViewSet) Views() []View {
	if vs == nil {
		return nil
	}
	return vs.views
}

// Geometry returns the layout shared by all views.
func (vs *ViewSet) Geometry() Geometry { return vs.geometry }

// Center returns the average camera position of the set.
func (vs *ViewSet) Center() (r2.Vec, error) {
	return AveragePosition(vs.Views())
}

// CenterView returns the index of the view closest to the average position.
func (vs *ViewSet) CenterView() (int, error) {
	c, err := vs.Center()
	if err != nil {
		return 0, err
	}
	return ClosestView(vs.Views(), c)
}
