package correspond

import "gonum.org/v1/gonum/spatial/r2"

// AveragePosition returns the arithmetic mean of the view positions.
//
// The mean is accumulated incrementally, so a set of identical positions
// yields that position exactly.
func AveragePosition(views []View) (r2.Vec, error) {
	if len(views) == 0 {
		return r2.Vec{}, ErrEmptyViewSet
	}
	mean := views[0].Position
	for i := 1; i < len(views); i++ {
		d := r2.Sub(views[i].Position, mean)
		mean = r2.Add(mean, r2.Scale(1/float64(i+1), d))
	}
	return mean, nil
}

// ClosestView returns the index of the view nearest to target by squared
// Euclidean distance. Ties go to the lowest index.
func ClosestView(views []View, target r2.Vec) (int, error) {
	if len(views) == 0 {
		return 0, ErrEmptyViewSet
	}
	best := 0
	bestDist := r2.Norm2(r2.Sub(views[0].Position, target))
	for i := 1; i < len(views); i++ {
		if d := r2.Norm2(r2.Sub(views[i].Position, target)); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best, nil
}
