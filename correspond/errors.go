package correspond

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyViewSet is returned when an operation needs at least one view.
	ErrEmptyViewSet = errors.New("view set is empty")

	// ErrOutOfBounds is returned by the extractor when the patch window
	// would read outside the image.
	ErrOutOfBounds = errors.New("patch window out of bounds")

	// ErrDegenerateGeometry marks a target view that shares the reference
	// view's position; no search direction exists.
	ErrDegenerateGeometry = errors.New("target view coincides with reference view")

	// ErrNoMatchFound marks a walk that produced no candidate at all.
	ErrNoMatchFound = errors.New("no match found")

	// ErrInconsistentViewGeometry is returned when views differ in size or channel layout.
	ErrInconsistentViewGeometry = errors.New("inconsistent view geometry")

	// ErrInvalidRadius is returned for a negative radius or one whose window
	// does not fit the images.
	ErrInvalidRadius = errors.New("invalid patch radius")

	// ErrReferenceIndex is returned when the reference view index is not in the set.
	ErrReferenceIndex = errors.New("reference view index out of range")
)

// InconsistentViewGeometryError describes the first view that does not match view 0.
//
// It matches ErrInconsistentViewGeometry via errors.Is.
type InconsistentViewGeometryError struct {
	View int
	Want Geometry
	Got  Geometry
}

func (e *InconsistentViewGeometryError) Error() string {
	return fmt.Sprintf("inconsistent view geometry: view %d is %s, want %s", e.View, e.Got, e.Want)
}

func (e *InconsistentViewGeometryError) Unwrap() error { return ErrInconsistentViewGeometry }

// Geometry is the pixel layout shared by every view in a set.
type Geometry struct {
	Width    int `json:"width"`
	Height   int `json:"height"`
	Channels int `json:"channels"`
}

func (g Geometry) String() string {
	return fmt.Sprintf("%dx%dx%d", g.Width, g.Height, g.Channels)
}
