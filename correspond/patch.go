package correspond

import (
	"fmt"
	"sync"
)

// Patch is a square window of side 2*Radius+1 sampled from an image.
// Samples are ordered by row, then column, then channel.
type Patch struct {
	Radius   int
	Channels int
	Samples  []uint8
}

// PatchLen returns the number of samples in a patch of the given shape.
func PatchLen(radius, channels int) int {
	side := 2*radius + 1
	return side * side * channels
}

// NewPatch returns a zeroed patch of the given shape.
func NewPatch(radius, channels int) *Patch {
	return &Patch{
		Radius:   radius,
		Channels: channels,
		Samples:  make([]uint8, PatchLen(radius, channels)),
	}
}

// Side returns the window width in pixels.
func (p *Patch) Side() int { return 2*p.Radius + 1 }

// reshape resizes the patch, reusing the backing array when it is large enough.
func (p *Patch) reshape(radius, channels int) {
	n := PatchLen(radius, channels)
	if cap(p.Samples) < n {
		p.Samples = make([]uint8, n)
	} else {
		p.Samples = p.Samples[:n]
		clear(p.Samples)
	}
	p.Radius, p.Channels = radius, channels
}

// Distance returns the sum of squared sample differences between a and b.
// Lower is more similar. Both patches must have the same shape.
func Distance(a, b *Patch) float64 {
	if a.Radius != b.Radius || a.Channels != b.Channels || len(a.Samples) != len(b.Samples) {
		panic(fmt.Sprintf("correspond: distance between patches of different shape (r=%d c=%d n=%d vs r=%d c=%d n=%d)",
			a.Radius, a.Channels, len(a.Samples), b.Radius, b.Channels, len(b.Samples)))
	}
	var sum int64
	for i, av := range a.Samples {
		d := int64(av) - int64(b.Samples[i])
		sum += d * d
	}
	return float64(sum)
}

// patchPool hands out patch buffers sized for one radius.
type patchPool struct {
	radius int
	pool   sync.Pool
}

func newPatchPool(radius int) *patchPool {
	pp := &patchPool{radius: radius}
	pp.pool.New = func() any { return &Patch{Radius: radius} }
	return pp
}

func (pp *patchPool) get(channels int) *Patch {
	p := pp.pool.Get().(*Patch)
	p.reshape(pp.radius, channels)
	return p
}

func (pp *patchPool) put(p *Patch) {
	pp.pool.Put(p)
}
