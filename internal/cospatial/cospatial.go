// Package cospatial measures how much two linear features share in space.
//
// Features are anchored on exact coordinate identity. From every coordinate
// present in both features, the two are walked forward and backward together
// while their segments keep the same bearing and each vertex passed on one
// feature lies on the current segment of the other. The longest such stretch is
// the shared portion.
package cospatial

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"

	"gtfs-conflator/internal/geom"
	"gtfs-conflator/internal/model"
)

var log = logrus.WithField("module", "cospatial")

const (
	DefaultNoiseLength      = 1.0   // meters
	DefaultTolerance        = 0.001 // relative
	DefaultBearingTolerance = 2.0   // degrees
	DefaultOffsetTolerance  = 0.5   // meters
)

type Analyzer struct {
	// NoiseLength is the length under which a feature is never compared (meters).
	NoiseLength float64
	// Tolerance is the accepted relative error of pre + intersection + post against the feature length.
	Tolerance float64
	// BearingTolerance is the largest angle between two segments still treated as overlapping (degrees).
	BearingTolerance float64
	// OffsetTolerance is the largest distance between a vertex of one feature and the other feature
	// along a shared stretch (meters).
	OffsetTolerance float64
}

func New() *Analyzer {
	return &Analyzer{
		NoiseLength:      DefaultNoiseLength,
		Tolerance:        DefaultTolerance,
		BearingTolerance: DefaultBearingTolerance,
		OffsetTolerance:  DefaultOffsetTolerance,
	}
}

// stretch is a shared portion as distances along each feature.
type stretch struct {
	sFrom, sTo float64
	tFrom, tTo float64
}

func (r stretch) length() float64 { return r.sTo - r.sFrom }

// Analyze returns the cospatiality of s against t, or nil when they share no geometry.
func (a *Analyzer) Analyze(s, t orb.LineString) *model.Cospatiality {
	s, t = geom.Dedupe(s), geom.Dedupe(t)
	if len(s) < 2 || len(t) < 2 {
		return nil
	}
	sl, tl := geom.NewLine(s), geom.NewLine(t)
	if sl.Length() < a.NoiseLength || tl.Length() < a.NoiseLength {
		return nil
	}

	best, ok := a.longest(sl, tl)
	if !ok {
		return nil
	}
	c := &model.Cospatiality{
		Intersection: best.length(),
		Source:       model.Extent{Pre: best.sFrom, Post: sl.Length() - best.sTo, Length: sl.Length()},
		Target:       model.Extent{Pre: best.tFrom, Post: tl.Length() - best.tTo, Length: tl.Length()},
	}
	if !a.conserves(c.Source, c.Intersection) || !a.conserves(c.Target, c.Intersection) {
		log.WithFields(logrus.Fields{
			"source": c.Source,
			"target": c.Target,
			"shared": c.Intersection,
		}).Warn("cospatiality does not conserve feature length, dropping it")
		return nil
	}
	return c
}

// longest walks from every shared coordinate and keeps the first longest stretch.
func (a *Analyzer) longest(s, t *geom.Line) (stretch, bool) {
	sc, tc := s.Coords(), t.Coords()
	var best stretch
	found := false
	for i := range sc {
		for j := range tc {
			if sc[i] != tc[j] {
				continue
			}
			sFrom, tFrom := a.walk(s, t, i, j, -1)
			sTo, tTo := a.walk(s, t, i, j, 1)
			r := stretch{sFrom: sFrom, sTo: sTo, tFrom: tFrom, tTo: tTo}
			if r.length() > 0 && (!found || r.length() > best.length()) {
				best, found = r, true
			}
		}
	}
	return best, found
}

// walk advances along both lines from the shared vertices s[i] and t[j] in
// direction dir and returns where the shared stretch ends on each line.
func (a *Analyzer) walk(s, t *geom.Line, i, j, dir int) (float64, float64) {
	sc, tc := s.Coords(), t.Coords()
	sPos, tPos := s.VertexAlong(i), t.VertexAlong(j)
	step := float64(dir)
	for {
		ni, nj := i+dir, j+dir
		if ni < 0 || ni >= len(sc) || nj < 0 || nj >= len(tc) {
			return sPos, tPos
		}
		if !a.sameBearing(sc[i], sc[ni], tc[j], tc[nj]) {
			return sPos, tPos
		}
		rs := math.Abs(s.VertexAlong(ni) - sPos)
		rt := math.Abs(t.VertexAlong(nj) - tPos)
		switch {
		case math.Abs(rs-rt) <= a.OffsetTolerance:
			if geom.Distance(sc[ni], tc[nj]) > a.OffsetTolerance {
				return sPos, tPos
			}
			i, j = ni, nj
			sPos, tPos = s.VertexAlong(i), t.VertexAlong(j)
		case rs < rt:
			if !a.onSegment(sc[ni], tc[j], tc[nj]) {
				return sPos, tPos
			}
			i = ni
			sPos, tPos = s.VertexAlong(i), tPos+step*rs
		default:
			if !a.onSegment(tc[nj], sc[i], sc[ni]) {
				return sPos, tPos
			}
			j = nj
			sPos, tPos = sPos+step*rt, t.VertexAlong(j)
		}
	}
}

func (a *Analyzer) onSegment(p, from, to orb.Point) bool {
	q, _ := geom.ProjectOnSegment(from, to, p)
	return geom.Distance(p, q) <= a.OffsetTolerance
}

func (a *Analyzer) sameBearing(s0, s1, t0, t1 orb.Point) bool {
	return geom.BearingDelta(geom.Bearing(s0, s1), geom.Bearing(t0, t1)) <= a.BearingTolerance
}

func (a *Analyzer) conserves(e model.Extent, shared float64) bool {
	slack := a.Tolerance * e.Length
	if e.Pre < -slack || e.Post < -slack {
		return false
	}
	return math.Abs(e.Pre+shared+e.Post-e.Length) <= slack
}
