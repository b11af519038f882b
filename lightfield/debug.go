package lightfield

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"

	"github.com/stevecastle/lightfield/correspond"
)

// MainDebugName is the file written for the reference view.
const MainDebugName = "debug_000000_main.png"

var debugMark = color.RGBA{G: 255, A: 255}

// DebugRecorder collects every position the engine samples so they can be
// drawn onto copies of the views. It is safe for concurrent use.
type DebugRecorder struct {
	mu        sync.Mutex
	reference int
	hasRef    bool
	samples   map[int][]image.Point
}

var _ correspond.Observer = (*DebugRecorder)(nil)

// NewDebugRecorder returns an empty recorder.
func NewDebugRecorder() *DebugRecorder {
	return &DebugRecorder{samples: make(map[int][]image.Point)}
}

// Sampled implements correspond.Observer.
func (d *DebugRecorder) Sampled(view int, pos image.Point, reference bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reference {
		d.reference = view
		d.hasRef = true
	}
	d.samples[view] = append(d.samples[view], pos)
}

// Samples returns a copy of the positions recorded for a view.
func (d *DebugRecorder) Samples(view int) []image.Point {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]image.Point(nil), d.samples[view]...)
}

// WritePNGs writes one annotated image per view into dir: the reference view
// as debug_000000_main.png and every other view as debug_<n>.png, where n
// counts the non-reference views in order. It returns the written paths,
// main image first.
func (d *DebugRecorder) WritePNGs(dir string, vs *correspond.ViewSet) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.hasRef {
		return nil, fmt.Errorf("no query recorded")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create debug dir: %w", err)
	}

	paths := []string{filepath.Join(dir, MainDebugName)}
	if err := writeMarked(paths[0], vs.View(d.reference).Image, d.samples[d.reference]); err != nil {
		return nil, err
	}
	n := 0
	for i := 0; i < vs.Len(); i++ {
		if i == d.reference {
			continue
		}
		p := filepath.Join(dir, fmt.Sprintf("debug_%d.png", n))
		if err := writeMarked(p, vs.View(i).Image, d.samples[i]); err != nil {
			return nil, err
		}
		paths = append(paths, p)
		n++
	}
	return paths, nil
}

func writeMarked(path string, img correspond.Image, marks []image.Point) error {
	rgba := ToRGBA(img)
	for _, p := range marks {
		if p.In(rgba.Rect) {
			rgba.SetRGBA(p.X, p.Y, debugMark)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(f, rgba); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}
