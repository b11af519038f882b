package correspond

import (
	"context"
	"fmt"
	"image"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/stevecastle/lightfield/logging"
)

// Config configures an Engine.
type Config struct {
	// PatchRadius is the window half-size; windows are 2R+1 pixels wide.
	PatchRadius int `json:"patchRadius"`

	// MaxWalkSteps caps the candidates scored per view. Zero means
	// width+height of the images being searched.
	MaxWalkSteps int `json:"maxWalkSteps"`

	// Workers bounds how many views are searched concurrently.
	// Zero means runtime.GOMAXPROCS(0).
	Workers int `json:"workers"`

	// Observer, when set, is told about every sampled position.
	Observer Observer `json:"-"`

	// Logger defaults to a no-op logger.
	Logger *logging.Logger `json:"-"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{PatchRadius: 3}
}

// Engine runs correspondence queries. It is safe for concurrent use.
type Engine struct {
	extractor *Extractor
	patches   *patchPool
	maxSteps  int
	workers   int
	observer  Observer
	log       *logging.Logger
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	ex, err := NewExtractor(cfg.PatchRadius)
	if err != nil {
		return nil, err
	}
	if cfg.MaxWalkSteps < 0 {
		return nil, fmt.Errorf("max walk steps must not be negative: %d", cfg.MaxWalkSteps)
	}
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("workers must not be negative: %d", cfg.Workers)
	}
	workers := cfg.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	return &Engine{
		extractor: ex,
		patches:   newPatchPool(cfg.PatchRadius),
		maxSteps:  cfg.MaxWalkSteps,
		workers:   workers,
		observer:  cfg.Observer,
		log:       log.WithComponent("correspond"),
	}, nil
}

// Radius returns the configured patch radius.
func (e *Engine) Radius() int { return e.extractor.Radius() }

// checkSet validates the set-level preconditions of a query.
func (e *Engine) checkSet(vs *ViewSet, ref int) error {
	if vs.Len() == 0 {
		return ErrEmptyViewSet
	}
	if ref < 0 || ref >= vs.Len() {
		return fmt.Errorf("%w: %d not in [0,%d)", ErrReferenceIndex, ref, vs.Len())
	}
	g := vs.Geometry()
	side := 2*e.Radius() + 1
	if side > g.Width || side > g.Height {
		return fmt.Errorf("%w: window %d does not fit %s images", ErrInvalidRadius, side, g)
	}
	return nil
}

func (e *Engine) walkLimit(g Geometry) int {
	if e.maxSteps > 0 {
		return e.maxSteps
	}
	return g.Width + g.Height
}

// FindCorrespondences searches every non-reference view for the pixel that
// best matches the patch around pixel in the reference view.
//
// Per-view outcomes (degenerate geometry, no match) are reported in the
// record. An error is returned only when the query cannot run at all: an
// empty set, a bad reference index, a radius too large for the images, a
// reference pixel whose window leaves the image (ErrOutOfBounds), or a
// cancelled context.
func (e *Engine) FindCorrespondences(ctx context.Context, vs *ViewSet, ref int, pixel image.Point) (*Record, error) {
	if err := e.checkSet(vs, ref); err != nil {
		return nil, err
	}
	rec, err := e.query(ctx, vs, ref, pixel, e.steps(ctx, vs, ref))
	e.log.LogQuery(ctx, ref, pixel.X, pixel.Y, vs.Len()-1, err)
	return rec, err
}

// BatchResult is the outcome of one pixel in a batch query.
type BatchResult struct {
	Pixel  image.Point
	Record *Record
	Err    error
}

// FindCorrespondencesBatch runs FindCorrespondences for each pixel against
// the same reference view, computing the per-view steps once.
//
// Failures specific to a pixel (its window leaving the image) are reported
// in that entry's Err; set-level failures and cancellation are returned.
func (e *Engine) FindCorrespondencesBatch(ctx context.Context, vs *ViewSet, ref int, pixels []image.Point) ([]BatchResult, error) {
	if err := e.checkSet(vs, ref); err != nil {
		return nil, err
	}
	steps := e.steps(ctx, vs, ref)
	out := make([]BatchResult, len(pixels))
	for i, px := range pixels {
		if err := ctx.Err(); err != nil {
			return out[:i], err
		}
		rec, err := e.query(ctx, vs, ref, px, steps)
		if err != nil && ctx.Err() != nil {
			return out[:i], ctx.Err()
		}
		out[i] = BatchResult{Pixel: px, Record: rec, Err: err}
	}
	e.log.InfoContext(ctx, "batch query completed", "reference", ref, "pixels", len(pixels))
	return out, nil
}

// steps computes the per-view steps for ref and logs them once per query or batch.
func (e *Engine) steps(ctx context.Context, vs *ViewSet, ref int) []pairStep {
	steps := stepsFor(vs, ref)
	for i, st := range steps {
		switch {
		case i == ref:
		case st.err != nil:
			e.log.DebugContext(ctx, "view not searchable", "view", i, "error", st.err)
		default:
			e.log.InfoContext(ctx, "search step", "view", i, "offset", st.offset, "step", st.step)
		}
	}
	return steps
}

func (e *Engine) query(ctx context.Context, vs *ViewSet, ref int, pixel image.Point, steps []pairStep) (*Record, error) {
	refView := vs.View(ref)
	refPatch := e.patches.get(vs.Geometry().Channels)
	defer e.patches.put(refPatch)

	start := r2.Vec{X: float64(pixel.X), Y: float64(pixel.Y)}
	if _, err := e.extractor.Extract(refView.Image, start, refPatch); err != nil {
		return nil, fmt.Errorf("reference pixel (%d,%d) in view %d: %w", pixel.X, pixel.Y, ref, err)
	}
	if e.observer != nil {
		e.observer.Sampled(ref, pixel, true)
	}

	limit := e.walkLimit(vs.Geometry())
	slots := make([]ViewResult, vs.Len())
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, v := range vs.Views() {
		if i == ref {
			continue
		}
		st := steps[i]
		if st.err != nil {
			slots[i] = ViewResult{View: i, Outcome: OutcomeDegenerate}
			continue
		}
		g.Go(func() error {
			res, err := e.walk(gctx, refPatch, v.Image, i, start, st.step, limit)
			slots[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	rec := &Record{
		ReferenceView: ref,
		Pixel:         pixel,
		Radius:        e.Radius(),
		Results:       make([]ViewResult, 0, vs.Len()-1),
	}
	for i, res := range slots {
		if i == ref {
			continue
		}
		e.log.LogViewResult(ctx, i, res.Outcome.String(), res.Steps, res.Best.Score)
		rec.Results = append(rec.Results, res)
	}
	return rec, nil
}
