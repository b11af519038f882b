package correspond

import (
	"bytes"
	"context"
	"image"
	"log/slog"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/stevecastle/lightfield/logging"
)

// countingImage counts pixel reads.
type countingImage struct {
	Image
	reads atomic.Int64
}

func (c *countingImage) SamplesAt(x, y int) []uint8 {
	c.reads.Add(1)
	return c.Image.SamplesAt(x, y)
}

// texture returns a deterministic noise image.
func texture(w, h, c int, seed uint64) *Buffer {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	b := NewBuffer(w, h, c)
	for i := range b.Pix {
		b.Pix[i] = uint8(rng.IntN(256))
	}
	return b
}

// shifted returns src translated by (dx, dy); uncovered pixels are zero.
func shifted(src *Buffer, dx, dy int) *Buffer {
	dst := NewBuffer(src.W, src.H, src.C)
	for y := 0; y < src.H; y++ {
		for x := 0; x < src.W; x++ {
			sx, sy := x-dx, y-dy
			if sx < 0 || sy < 0 || sx >= src.W || sy >= src.H {
				continue
			}
			dst.Set(x, y, src.SamplesAt(sx, sy)...)
		}
	}
	return dst
}

type recordingObserver struct {
	mu      sync.Mutex
	samples map[int][]image.Point
	refs    []image.Point
}

func (o *recordingObserver) Sampled(view int, pos image.Point, reference bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if reference {
		o.refs = append(o.refs, pos)
		return
	}
	if o.samples == nil {
		o.samples = make(map[int][]image.Point)
	}
	o.samples[view] = append(o.samples[view], pos)
}

func TestStepVector(t *testing.T) {
	tests := []struct {
		name       string
		ref, tgt   r2.Vec
		want       r2.Vec
		degenerate bool
	}{
		{"horizontal", r2.Vec{X: 4, Y: 0}, r2.Vec{X: 0, Y: 0}, r2.Vec{X: 1, Y: 0}, false},
		{"horizontal negative", r2.Vec{X: 0, Y: 0}, r2.Vec{X: 4, Y: 0}, r2.Vec{X: -1, Y: 0}, false},
		{"vertical", r2.Vec{X: 0, Y: 0}, r2.Vec{X: 0, Y: 10}, r2.Vec{X: 0, Y: -1}, false},
		{"diagonal major x", r2.Vec{X: 4, Y: 2}, r2.Vec{X: 0, Y: 0}, r2.Vec{X: 1, Y: 0.5}, false},
		{"diagonal major y", r2.Vec{X: 1, Y: 3}, r2.Vec{X: 2, Y: 0}, r2.Vec{X: -1.0 / 3, Y: 1}, false},
		{"tiny offset", r2.Vec{X: 1e-9, Y: 0}, r2.Vec{X: 0, Y: 0}, r2.Vec{X: 1, Y: 0}, false},
		{"subnormal offset", r2.Vec{X: 5e-324, Y: 0}, r2.Vec{X: 0, Y: 0}, r2.Vec{X: 1, Y: 0}, false},
		{"subnormal diagonal", r2.Vec{X: 0, Y: 0}, r2.Vec{X: 5e-324, Y: 5e-324}, r2.Vec{X: -1, Y: -1}, false},
		{"same position", r2.Vec{X: 3, Y: 3}, r2.Vec{X: 3, Y: 3}, r2.Vec{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := StepVector(tt.ref, tt.tgt)
			if tt.degenerate {
				require.ErrorIs(t, err, ErrDegenerateGeometry)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want.X, got.X, 1e-6)
			assert.InDelta(t, tt.want.Y, got.Y, 1e-6)
		})
	}
}

func TestNewEngineValidation(t *testing.T) {
	_, err := New(Config{PatchRadius: -1})
	require.ErrorIs(t, err, ErrInvalidRadius)

	_, err = New(Config{PatchRadius: 1, MaxWalkSteps: -1})
	require.Error(t, err)

	_, err = New(Config{PatchRadius: 1, Workers: -2})
	require.Error(t, err)

	eng, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, 3, eng.Radius())
}

func TestFindCorrespondencesDegenerateView(t *testing.T) {
	ref := texture(20, 20, 1, 1)
	same := &countingImage{Image: texture(20, 20, 1, 2)}
	other := texture(20, 20, 1, 3)
	vs, err := NewViewSet(
		View{Position: r2.Vec{X: 1, Y: 1}, Image: ref},
		View{Position: r2.Vec{X: 1, Y: 1}, Image: same},
		View{Position: r2.Vec{X: 0, Y: 1}, Image: other},
	)
	require.NoError(t, err)

	obs := &recordingObserver{}
	eng, err := New(Config{PatchRadius: 1, Observer: obs})
	require.NoError(t, err)

	rec, err := eng.FindCorrespondences(context.Background(), vs, 0, image.Pt(10, 10))
	require.NoError(t, err)
	require.Len(t, rec.Results, 2)

	assert.Equal(t, 1, rec.Results[0].View)
	assert.Equal(t, OutcomeDegenerate, rec.Results[0].Outcome)
	require.ErrorIs(t, rec.Results[0].Err(), ErrDegenerateGeometry)
	assert.Zero(t, same.reads.Load(), "degenerate view must not be sampled")
	assert.Empty(t, obs.samples[1])

	assert.Equal(t, 2, rec.Results[1].View)
	assert.Equal(t, OutcomeMatched, rec.Results[1].Outcome)
	assert.Equal(t, []image.Point{image.Pt(10, 10)}, obs.refs)
}

func TestFindCorrespondencesVerticalWalk(t *testing.T) {
	vs, err := NewViewSet(
		View{Position: r2.Vec{X: 0, Y: 0}, Image: texture(100, 100, 1, 4)},
		View{Position: r2.Vec{X: 0, Y: 10}, Image: texture(100, 100, 1, 5)},
	)
	require.NoError(t, err)

	obs := &recordingObserver{}
	eng, err := New(Config{PatchRadius: 1, Observer: obs})
	require.NoError(t, err)

	rec, err := eng.FindCorrespondences(context.Background(), vs, 0, image.Pt(50, 50))
	require.NoError(t, err)
	require.Len(t, rec.Results, 1)

	res := rec.Results[0]
	assert.InDelta(t, 0, res.Step.X, 1e-6)
	assert.InDelta(t, -1, res.Step.Y, 1e-6)
	assert.LessOrEqual(t, res.Steps, 50)
	assert.Equal(t, 50, res.Steps)
	assert.False(t, res.Truncated)

	walked := obs.samples[1]
	require.Len(t, walked, res.Steps)
	for i, p := range walked {
		assert.Equal(t, 50, p.X)
		assert.Equal(t, 50-i, p.Y)
	}
}

func TestFindCorrespondencesFindsShift(t *testing.T) {
	ref := texture(64, 48, 3, 7)
	vs, err := NewViewSet(
		View{Position: r2.Vec{X: 0, Y: 0}, Image: ref},
		// offset (2,0): walk moves +x.
		View{Position: r2.Vec{X: -2, Y: 0}, Image: shifted(ref, 6, 0)},
		// offset (0,-3): walk moves -y.
		View{Position: r2.Vec{X: 0, Y: 3}, Image: shifted(ref, 0, -4)},
		// offset (4,2): walk moves (+1, +0.5).
		View{Position: r2.Vec{X: -4, Y: -2}, Image: shifted(ref, 8, 4)},
	)
	require.NoError(t, err)

	eng, err := New(Config{PatchRadius: 2})
	require.NoError(t, err)

	rec, err := eng.FindCorrespondences(context.Background(), vs, 0, image.Pt(20, 20))
	require.NoError(t, err)
	require.Len(t, rec.Results, 3)

	want := []image.Point{image.Pt(26, 20), image.Pt(20, 16), image.Pt(28, 24)}
	for i, res := range rec.Results {
		assert.Equal(t, i+1, res.View)
		assert.Equal(t, OutcomeMatched, res.Outcome)
		assert.Equal(t, want[i], res.Best.Position, "view %d", res.View)
		assert.Zero(t, res.Best.Score, "view %d", res.View)
	}
}

func TestFindCorrespondencesNoMatch(t *testing.T) {
	// Walks start at the reference pixel, whose window always fits a view of
	// the same size, so the empty walk is exercised directly.
	ref := texture(10, 10, 1, 9)
	eng, err := New(Config{PatchRadius: 1})
	require.NoError(t, err)

	p := NewPatch(1, 1)
	_, err = eng.extractor.Extract(ref, r2.Vec{X: 5, Y: 5}, p)
	require.NoError(t, err)

	res, err := eng.walk(context.Background(), p, ref, 1, r2.Vec{X: 0, Y: 5}, r2.Vec{X: -1, Y: 0}, 100)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoMatch, res.Outcome)
	assert.Zero(t, res.Steps)
	require.ErrorIs(t, res.Err(), ErrNoMatchFound)
}

func TestFindCorrespondencesTruncated(t *testing.T) {
	vs, err := NewViewSet(
		View{Position: r2.Vec{X: 0, Y: 0}, Image: texture(40, 40, 1, 10)},
		View{Position: r2.Vec{X: 1, Y: 0}, Image: texture(40, 40, 1, 11)},
	)
	require.NoError(t, err)

	eng, err := New(Config{PatchRadius: 1, MaxWalkSteps: 5})
	require.NoError(t, err)

	rec, err := eng.FindCorrespondences(context.Background(), vs, 0, image.Pt(20, 20))
	require.NoError(t, err)
	assert.Equal(t, 5, rec.Results[0].Steps)
	assert.True(t, rec.Results[0].Truncated)

	// A cap exactly at the natural end of the walk is not a truncation.
	eng, err = New(Config{PatchRadius: 1, MaxWalkSteps: 20})
	require.NoError(t, err)
	rec, err = eng.FindCorrespondences(context.Background(), vs, 0, image.Pt(20, 20))
	require.NoError(t, err)
	assert.Equal(t, 20, rec.Results[0].Steps)
	assert.False(t, rec.Results[0].Truncated)
}

func TestFindCorrespondencesFatalErrors(t *testing.T) {
	vs, err := NewViewSet(
		View{Position: r2.Vec{X: 0, Y: 0}, Image: texture(8, 8, 1, 12)},
		View{Position: r2.Vec{X: 1, Y: 0}, Image: texture(8, 8, 1, 13)},
	)
	require.NoError(t, err)
	ctx := context.Background()

	eng, err := New(Config{PatchRadius: 1})
	require.NoError(t, err)

	_, err = eng.FindCorrespondences(ctx, vs, 0, image.Pt(0, 4))
	require.ErrorIs(t, err, ErrOutOfBounds)

	for _, px := range []image.Point{
		image.Pt(math.MinInt, 4),
		image.Pt(4, math.MinInt),
		image.Pt(math.MaxInt, 4),
	} {
		_, err = eng.FindCorrespondences(ctx, vs, 0, px)
		require.ErrorIs(t, err, ErrOutOfBounds, "pixel %v", px)
	}

	_, err = eng.FindCorrespondences(ctx, vs, 2, image.Pt(4, 4))
	require.ErrorIs(t, err, ErrReferenceIndex)

	_, err = eng.FindCorrespondences(ctx, vs, -1, image.Pt(4, 4))
	require.ErrorIs(t, err, ErrReferenceIndex)

	_, err = eng.FindCorrespondences(ctx, &ViewSet{}, 0, image.Pt(4, 4))
	require.ErrorIs(t, err, ErrEmptyViewSet)

	big, err := New(Config{PatchRadius: 4})
	require.NoError(t, err)
	_, err = big.FindCorrespondences(ctx, vs, 0, image.Pt(4, 4))
	require.ErrorIs(t, err, ErrInvalidRadius)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = eng.FindCorrespondences(cancelled, vs, 0, image.Pt(4, 4))
	require.ErrorIs(t, err, context.Canceled)
}

func TestFindCorrespondencesSubnormalOffset(t *testing.T) {
	ref := texture(20, 20, 1, 16)
	vs, err := NewViewSet(
		View{Position: r2.Vec{X: 5e-324, Y: 0}, Image: ref},
		View{Position: r2.Vec{X: 0, Y: 0}, Image: shifted(ref, 2, 0)},
	)
	require.NoError(t, err)

	eng, err := New(Config{PatchRadius: 1})
	require.NoError(t, err)

	rec, err := eng.FindCorrespondences(context.Background(), vs, 0, image.Pt(5, 10))
	require.NoError(t, err)
	require.Len(t, rec.Results, 1)
	res := rec.Results[0]
	assert.Equal(t, r2.Vec{X: 1, Y: 0}, res.Step)
	assert.Equal(t, OutcomeMatched, res.Outcome)
	assert.Equal(t, image.Pt(7, 10), res.Best.Position)
	assert.Equal(t, 14, res.Steps)
	assert.False(t, res.Truncated)
}

func TestFindCorrespondencesLogsStepsOnce(t *testing.T) {
	ref := texture(24, 24, 1, 17)
	vs, err := NewViewSet(
		View{Position: r2.Vec{X: 0, Y: 0}, Image: ref},
		View{Position: r2.Vec{X: -1, Y: 0}, Image: shifted(ref, 1, 0)},
		View{Position: r2.Vec{X: 0, Y: -1}, Image: shifted(ref, 0, 1)},
	)
	require.NoError(t, err)

	var buf bytes.Buffer
	eng, err := New(Config{PatchRadius: 1, Logger: logging.NewText(&buf, slog.LevelInfo)})
	require.NoError(t, err)

	pixels := []image.Point{image.Pt(4, 4), image.Pt(8, 8), image.Pt(12, 12), image.Pt(16, 16)}
	_, err = eng.FindCorrespondencesBatch(context.Background(), vs, 0, pixels)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(buf.String(), "search step"))

	buf.Reset()
	_, err = eng.FindCorrespondences(context.Background(), vs, 0, image.Pt(6, 6))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(buf.String(), "search step"))
}

func TestFindCorrespondencesParallelMatchesSerial(t *testing.T) {
	ref := texture(48, 48, 3, 14)
	var views []View
	for y := -2; y <= 2; y++ {
		for x := -2; x <= 2; x++ {
			views = append(views, View{
				Position: r2.Vec{X: float64(x), Y: float64(y)},
				Image:    shifted(ref, -2*x, -2*y),
			})
		}
	}
	vs, err := NewViewSet(views...)
	require.NoError(t, err)
	center, err := vs.CenterView()
	require.NoError(t, err)
	require.Equal(t, 12, center)

	serial, err := New(Config{PatchRadius: 2, Workers: 1})
	require.NoError(t, err)
	parallel, err := New(Config{PatchRadius: 2, Workers: 8})
	require.NoError(t, err)

	a, err := serial.FindCorrespondences(context.Background(), vs, center, image.Pt(24, 24))
	require.NoError(t, err)
	b, err := parallel.FindCorrespondences(context.Background(), vs, center, image.Pt(24, 24))
	require.NoError(t, err)

	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatalf("parallel record differs from serial (-serial +parallel):\n%s", diff)
	}
	require.Len(t, a.Results, len(views)-1)
	for i, res := range a.Results {
		want := i
		if i >= center {
			want = i + 1
		}
		assert.Equal(t, want, res.View)
	}
}

func TestFindCorrespondencesBatch(t *testing.T) {
	ref := texture(32, 32, 1, 15)
	vs, err := NewViewSet(
		View{Position: r2.Vec{X: 0, Y: 0}, Image: ref},
		View{Position: r2.Vec{X: -1, Y: 0}, Image: shifted(ref, 3, 0)},
	)
	require.NoError(t, err)

	eng, err := New(Config{PatchRadius: 1})
	require.NoError(t, err)

	pixels := []image.Point{image.Pt(5, 5), image.Pt(0, 0), image.Pt(10, 20)}
	out, err := eng.FindCorrespondencesBatch(context.Background(), vs, 0, pixels)
	require.NoError(t, err)
	require.Len(t, out, 3)

	require.NoError(t, out[0].Err)
	assert.Equal(t, image.Pt(8, 5), out[0].Record.Results[0].Best.Position)

	require.ErrorIs(t, out[1].Err, ErrOutOfBounds)
	assert.Nil(t, out[1].Record)

	require.NoError(t, out[2].Err)
	assert.Equal(t, image.Pt(13, 20), out[2].Record.Results[0].Best.Position)

	_, err = eng.FindCorrespondencesBatch(context.Background(), vs, 5, pixels)
	require.ErrorIs(t, err, ErrReferenceIndex)
}
