package correspond

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// ctxCheckInterval is how many walk steps run between context checks.
const ctxCheckInterval = 64

// StepVector returns the per-iteration search step for a target view: the
// offset from target to reference, scaled so its larger axis moves exactly
// one pixel. The step depends only on the two positions.
//
// Views at the same position (or with non-finite positions) have no search
// direction and yield ErrDegenerateGeometry.
func StepVector(reference, target r2.Vec) (r2.Vec, error) {
	offset := r2.Sub(reference, target)
	if offset.X == 0 && offset.Y == 0 {
		return r2.Vec{}, ErrDegenerateGeometry
	}
	m := math.Max(math.Abs(offset.X), math.Abs(offset.Y))
	if math.IsNaN(m) || math.IsInf(m, 0) {
		return r2.Vec{}, fmt.Errorf("%w: offset %v", ErrDegenerateGeometry, offset)
	}
	return r2.Vec{X: offset.X / m, Y: offset.Y / m}, nil
}

// pairStep is a precomputed step for one target view.
type pairStep struct {
	offset r2.Vec
	step   r2.Vec
	err    error
}

// stepsFor computes the step from the reference view to every view in the set.
// The reference slot is left zero.
func stepsFor(vs *ViewSet, ref int) []pairStep {
	views := vs.Views()
	origin := views[ref].Position
	steps := make([]pairStep, len(views))
	for i, v := range views {
		if i == ref {
			continue
		}
		s, err := StepVector(origin, v.Position)
		steps[i] = pairStep{offset: r2.Sub(origin, v.Position), step: s, err: err}
	}
	return steps
}

// walk scores candidates along start + n*step in the target view until the
// window leaves the image or maxSteps candidates have been scored.
func (e *Engine) walk(ctx context.Context, ref *Patch, target Image, view int, start, step r2.Vec, maxSteps int) (ViewResult, error) {
	res := ViewResult{View: view, Outcome: OutcomeNoMatch, Step: step}
	cand := e.patches.get(target.Channels())
	defer e.patches.put(cand)

	for {
		cur := r2.Add(start, r2.Scale(float64(res.Steps), step))
		if res.Steps == maxSteps {
			_, res.Truncated = e.extractor.locate(target, cur)
			break
		}
		if res.Steps%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return res, err
			}
		}
		pos, err := e.extractor.Extract(target, cur, cand)
		if err != nil {
			break
		}
		score := Distance(ref, cand)
		if res.Outcome != OutcomeMatched || score < res.Best.Score {
			res.Outcome = OutcomeMatched
			res.Best = MatchCandidate{Position: pos, Score: score}
		}
		if e.observer != nil {
			e.observer.Sampled(view, pos, false)
		}
		res.Steps++
	}
	return res, nil
}
