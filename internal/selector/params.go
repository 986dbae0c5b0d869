package selector

import (
	"math"

	"gtfs-conflator/internal/cospatial"
)

// Params bounds the filters applied to candidate paths. Min length relaxes down
// to its floor while ratio and gap relax up to their ceilings, each by Relax per step.
type Params struct {
	MinLengthStart float64 // meters
	MinLengthFloor float64
	RatioStart     float64 // |path - edge| / edge
	RatioCeiling   float64
	GapStart       float64 // meters, to the chosen paths of neighbouring edges
	GapCeiling     float64
	Relax          float64

	// ExclusionOverlap is the shared length above which two candidates of one edge exclude each other (meters).
	ExclusionOverlap float64
	// CombinationWarnLimit is the number of explored combinations that triggers a warning.
	CombinationWarnLimit int

	Cospatial *cospatial.Analyzer
}

func DefaultParams() Params {
	return Params{
		MinLengthStart:       100,
		MinLengthFloor:       10,
		RatioStart:           0.005,
		RatioCeiling:         0.05,
		GapStart:             0.5,
		GapCeiling:           2,
		Relax:                math.Sqrt2,
		ExclusionOverlap:     2,
		CombinationWarnLimit: 1024,
		Cospatial:            cospatial.New(),
	}
}

type thresholds struct {
	minLength float64
	ratio     float64
	gap       float64
}

func (p Params) initial() thresholds {
	return thresholds{minLength: p.MinLengthStart, ratio: p.RatioStart, gap: p.GapStart}
}

func (p Params) atLimit(t thresholds) bool {
	return t.minLength <= p.MinLengthFloor && t.ratio >= p.RatioCeiling && t.gap >= p.GapCeiling
}

func (p Params) relax(t thresholds) thresholds {
	return thresholds{
		minLength: math.Max(p.MinLengthFloor, t.minLength/p.Relax),
		ratio:     math.Min(p.RatioCeiling, t.ratio*p.Relax),
		gap:       math.Min(p.GapCeiling, t.gap*p.Relax),
	}
}
