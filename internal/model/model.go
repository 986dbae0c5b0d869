// Package model defines the records exchanged between the conflation components.
package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/paulmach/orb"

	"gtfs-conflator/internal/geom"
)

var (
	ErrTooFewCoordinates    = errors.New("linear feature needs at least 2 distinct coordinates")
	ErrInvalidSection       = errors.New("section must satisfy 0 <= start < end <= 1")
	ErrContradictoryStop    = errors.New("stop id appears at contradictory locations")
	ErrInfeasibleAssignment = errors.New("no monotonic stop assignment exists")
	ErrEdgeOrder            = errors.New("network edges are not a contiguous sequence of one shape")
)

// ShapeError reports an invariant violation that makes one shape unprocessable.
type ShapeError struct {
	ShapeID   string
	Invariant string
	Err       error
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("shape %s: %s: %v", e.ShapeID, e.Invariant, e.Err)
}

func (e *ShapeError) Unwrap() error { return e.Err }

// NewShapeError wraps err unless it already is a ShapeError.
func NewShapeError(shapeID, invariant string, err error) error {
	var se *ShapeError
	if errors.As(err, &se) {
		return err
	}
	return &ShapeError{ShapeID: shapeID, Invariant: invariant, Err: err}
}

// NetworkEdge is one segment of a scheduled path between two stop boundaries.
type NetworkEdge struct {
	ShapeID   string
	Index     int
	FromStops []string // stop ids at the departing boundary, empty for a synthesized start
	ToStops   []string // stop ids at the arriving boundary, empty for a synthesized end
	Geometry  orb.LineString
	Length    float64
}

func (e NetworkEdge) ID() string {
	return fmt.Sprintf("%s:%d", e.ShapeID, e.Index)
}

func (e NetworkEdge) Validate() error {
	if len(geom.Dedupe(e.Geometry)) < 2 {
		return fmt.Errorf("edge %s: %w", e.ID(), ErrTooFewCoordinates)
	}
	return nil
}

// Section is a fractional interval along a reference line.
type Section struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func (s Section) Validate() error {
	if s.Start < 0 || s.End > 1 || s.Start >= s.End {
		return fmt.Errorf("%w: [%g, %g]", ErrInvalidSection, s.Start, s.End)
	}
	return nil
}

// CandidateMatch is one provider proposal of a reference-line portion for a feature.
type CandidateMatch struct {
	ID          string
	FeatureID   string // id of the feature the provider was asked to match
	ReferenceID string
	Section     Section
	Geometry    orb.LineString
	Length      float64
	Assisted    bool // produced by routing between matched points rather than matched directly
}

func (m CandidateMatch) Validate() error {
	if len(geom.Dedupe(m.Geometry)) < 2 {
		return fmt.Errorf("match %s: %w", m.ID, ErrTooFewCoordinates)
	}
	if err := m.Section.Validate(); err != nil {
		return fmt.Errorf("match %s: %w", m.ID, err)
	}
	return nil
}

type EntryKind int

const (
	EntryMatch EntryKind = iota
	EntryGap
	EntryOverlap
)

func (k EntryKind) String() string {
	switch k {
	case EntryGap:
		return "gap"
	case EntryOverlap:
		return "overlap"
	default:
		return "match"
	}
}

// Decomposition is one entry of a path's composition list.
// Gap and overlap entries have an empty MatchID and no geometry.
type Decomposition struct {
	MatchID     string
	ReferenceID string
	Section     Section
	Length      float64
	Kind        EntryKind
	Geometry    orb.LineString
}

// MatchEntry builds the decomposition entry of a candidate match.
func MatchEntry(m CandidateMatch) Decomposition {
	return Decomposition{
		MatchID:     m.ID,
		ReferenceID: m.ReferenceID,
		Section:     m.Section,
		Length:      m.Length,
		Kind:        EntryMatch,
		Geometry:    geom.Dedupe(m.Geometry),
	}
}

// Path is a concatenation of candidate matches, possibly bridged by recorded gaps.
type Path struct {
	Entries  []Decomposition
	Geometry orb.LineString
	Length   float64
}

// NewPath assembles a path from its entries; the geometry is the join of the match entries.
func NewPath(entries []Decomposition) Path {
	parts := make([]orb.LineString, 0, len(entries))
	for _, e := range entries {
		if e.Kind == EntryMatch {
			parts = append(parts, e.Geometry)
		}
	}
	ls := geom.Concat(parts...)
	return Path{Entries: entries, Geometry: ls, Length: geom.Length(ls)}
}

// MatchIDs lists the match ids of the path in order, skipping gaps.
func (p Path) MatchIDs() []string {
	ids := make([]string, 0, len(p.Entries))
	for _, e := range p.Entries {
		if e.Kind == EntryMatch {
			ids = append(ids, e.MatchID)
		}
	}
	return ids
}

// Key identifies a path by its match id sequence.
func (p Path) Key() string {
	return strings.Join(p.MatchIDs(), ",")
}

func (p Path) Start() orb.Point { return p.Geometry[0] }

func (p Path) End() orb.Point { return p.Geometry[len(p.Geometry)-1] }

// Extent is the part of one feature before and after the shared portion.
type Extent struct {
	Pre    float64
	Post   float64
	Length float64
}

// Cospatiality describes how much two linear features share in space.
// A nil *Cospatiality means no shared geometry was established.
type Cospatiality struct {
	Intersection float64
	Source       Extent
	Target       Extent
}
