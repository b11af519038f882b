package correspond

import (
	"encoding/json"
	"image"

	"gonum.org/v1/gonum/spatial/r2"
)

// Outcome classifies the result of searching one target view.
type Outcome int

const (
	// OutcomeMatched means at least one candidate was scored.
	OutcomeMatched Outcome = iota
	// OutcomeNoMatch means the first candidate was already out of bounds.
	OutcomeNoMatch
	// OutcomeDegenerate means the view shares the reference position and was not searched.
	OutcomeDegenerate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeMatched:
		return "matched"
	case OutcomeNoMatch:
		return "no_match"
	case OutcomeDegenerate:
		return "degenerate"
	default:
		return "unknown"
	}
}

// ParseOutcome is the inverse of Outcome.String. Unknown names map to OutcomeNoMatch.
func ParseOutcome(s string) Outcome {
	switch s {
	case "matched":
		return OutcomeMatched
	case "degenerate":
		return OutcomeDegenerate
	default:
		return OutcomeNoMatch
	}
}

// MarshalJSON serializes Outcome as its lowercase name.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON deserializes Outcome from its name.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = ParseOutcome(s)
	return nil
}

// MatchCandidate is one scored position in a target view.
type MatchCandidate struct {
	Position image.Point `json:"position"`
	Score    float64     `json:"score"`
}

// ViewResult is the best candidate found in one target view.
// Best is only meaningful when Outcome is OutcomeMatched.
type ViewResult struct {
	View      int            `json:"view"`
	Outcome   Outcome        `json:"outcome"`
	Best      MatchCandidate `json:"best"`
	Step      r2.Vec         `json:"step"`
	Steps     int            `json:"steps"`
	Truncated bool           `json:"truncated,omitempty"`
}

// Err returns ErrDegenerateGeometry or ErrNoMatchFound for the
// corresponding outcomes and nil for a match.
func (r ViewResult) Err() error {
	switch r.Outcome {
	case OutcomeDegenerate:
		return ErrDegenerateGeometry
	case OutcomeNoMatch:
		return ErrNoMatchFound
	default:
		return nil
	}
}

// Record is the full answer to one correspondence query: one result per
// non-reference view, in view set order.
type Record struct {
	ReferenceView int          `json:"referenceView"`
	Pixel         image.Point  `json:"pixel"`
	Radius        int          `json:"radius"`
	Results       []ViewResult `json:"results"`
}

// Matched returns the results with OutcomeMatched.
func (r *Record) Matched() []ViewResult {
	var out []ViewResult
	for _, vr := range r.Results {
		if vr.Outcome == OutcomeMatched {
			out = append(out, vr)
		}
	}
	return out
}

// Observer receives every pixel position the engine samples.
//
// Sampled is called once for the reference pixel with reference set, and
// once per scored candidate in each target view. Calls arrive from several
// goroutines when the engine runs views in parallel.
type Observer interface {
	Sampled(view int, pos image.Point, reference bool)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(view int, pos image.Point, reference bool)

func (f ObserverFunc) Sampled(view int, pos image.Point, reference bool) { f(view, pos, reference) }
