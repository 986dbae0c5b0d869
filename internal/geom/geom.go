// Package geom holds the geometry primitives used by the conflation core.
// Coordinates are orb points in lon/lat order and every distance is in meters.
package geom

import (
	"math"
	"sort"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Distance returns the distance in meters between two lon/lat points.
func Distance(a, b orb.Point) float64 {
	return geo.Distance(a, b)
}

// Bearing returns the initial bearing from a to b in degrees, within [0, 360).
func Bearing(a, b orb.Point) float64 {
	brng := geo.Bearing(a, b)
	if brng < 0 {
		brng += 360
	}
	return brng
}

// BearingDelta returns the absolute angle between two bearings, within [0, 180].
func BearingDelta(b1, b2 float64) float64 {
	d := math.Mod(math.Abs(b1-b2), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// Length returns the length of a linestring in meters.
func Length(ls orb.LineString) float64 {
	return geo.Length(ls)
}

// CumulativeLengths returns, for every vertex, the distance travelled from the first vertex.
func CumulativeLengths(ls orb.LineString) []float64 {
	if len(ls) == 0 {
		return nil
	}
	cum := make([]float64, len(ls))
	for i := 1; i < len(ls); i++ {
		cum[i] = cum[i-1] + Distance(ls[i-1], ls[i])
	}
	return cum
}

// Dedupe drops consecutive duplicate coordinates. The input is never modified.
func Dedupe(ls orb.LineString) orb.LineString {
	if len(ls) == 0 {
		return nil
	}
	out := make(orb.LineString, 0, len(ls))
	out = append(out, ls[0])
	for _, p := range ls[1:] {
		if p != out[len(out)-1] {
			out = append(out, p)
		}
	}
	return out
}

// Concat joins linestrings end to start, dropping the repeated joint coordinate.
func Concat(parts ...orb.LineString) orb.LineString {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make(orb.LineString, 0, n)
	for _, p := range parts {
		for _, c := range p {
			if len(out) > 0 && out[len(out)-1] == c {
				continue
			}
			out = append(out, c)
		}
	}
	return out
}

// Projection is the result of snapping a point onto a line.
type Projection struct {
	Point    orb.Point // snapped point on the line
	Segment  int       // index of the segment the point was snapped to
	Fraction float64   // position within the segment, 0..1
	Along    float64   // distance from the line start to Point
	Offset   float64   // distance from the query point to Point
}

// ProjectOnSegment returns the orthogonal projection of p onto segment ab and its fraction along ab.
// The projection uses an equirectangular approximation centered on p.
func ProjectOnSegment(a, b, p orb.Point) (orb.Point, float64) {
	cosLat := math.Cos(p.Lat() * math.Pi / 180)
	x0 := (a.Lon() - p.Lon()) * cosLat
	y0 := a.Lat() - p.Lat()
	dx := (b.Lon() - a.Lon()) * cosLat
	dy := b.Lat() - a.Lat()
	seg2 := dx*dx + dy*dy
	t := 0.0
	if seg2 > 0 {
		t = -(x0*dx + y0*dy) / seg2
		if t < 0 {
			t = 0
		} else if t > 1 {
			t = 1
		}
	}
	return Blend(a, b, t), t
}

// Blend interpolates linearly between a and b.
func Blend(a, b orb.Point, t float64) orb.Point {
	return orb.Point{a.Lon() + (b.Lon()-a.Lon())*t, a.Lat() + (b.Lat()-a.Lat())*t}
}

// Line is a linestring with its cumulative vertex distances precomputed.
type Line struct {
	coords orb.LineString
	cum    []float64
}

func NewLine(ls orb.LineString) *Line {
	return &Line{coords: ls, cum: CumulativeLengths(ls)}
}

func (l *Line) Coords() orb.LineString { return l.coords }

func (l *Line) Segments() int {
	if len(l.coords) < 2 {
		return 0
	}
	return len(l.coords) - 1
}

func (l *Line) Length() float64 {
	if len(l.cum) == 0 {
		return 0
	}
	return l.cum[len(l.cum)-1]
}

// VertexAlong returns the distance from the line start to vertex i.
func (l *Line) VertexAlong(i int) float64 {
	return l.cum[i]
}

// ProjectOnSegment snaps p onto segment i of the line.
func (l *Line) ProjectOnSegment(i int, p orb.Point) Projection {
	q, t := ProjectOnSegment(l.coords[i], l.coords[i+1], p)
	return Projection{
		Point:    q,
		Segment:  i,
		Fraction: t,
		Along:    l.cum[i] + t*(l.cum[i+1]-l.cum[i]),
		Offset:   Distance(p, q),
	}
}

// Nearest snaps p onto the closest point of the line. Ties resolve to the earliest segment.
func (l *Line) Nearest(p orb.Point) Projection {
	if len(l.coords) == 0 {
		return Projection{Offset: math.Inf(1)}
	}
	if len(l.coords) == 1 {
		return Projection{Point: l.coords[0], Offset: Distance(p, l.coords[0])}
	}
	best := Projection{Offset: math.Inf(1)}
	for i := 0; i < len(l.coords)-1; i++ {
		if pr := l.ProjectOnSegment(i, p); pr.Offset < best.Offset {
			best = pr
		}
	}
	return best
}

// PointAt returns the point at distance d from the line start, clamped to the line.
func (l *Line) PointAt(d float64) orb.Point {
	n := len(l.coords)
	if d <= 0 || n == 1 {
		return l.coords[0]
	}
	if d >= l.Length() {
		return l.coords[n-1]
	}
	i := sort.SearchFloat64s(l.cum, d)
	if l.cum[i] == d {
		return l.coords[i]
	}
	lo, hi := l.cum[i-1], l.cum[i]
	return Blend(l.coords[i-1], l.coords[i], (d-lo)/(hi-lo))
}

// Slice returns the part of the line between distances start and end.
func (l *Line) Slice(start, end float64) orb.LineString {
	total := l.Length()
	start = math.Max(0, math.Min(start, total))
	end = math.Max(0, math.Min(end, total))
	if end < start {
		start, end = end, start
	}
	out := orb.LineString{l.PointAt(start)}
	for i, c := range l.cum {
		if c > start && c < end {
			out = append(out, l.coords[i])
		}
	}
	out = append(out, l.PointAt(end))
	return Dedupe(out)
}

// SliceAlong cuts ls between two distances measured from its start.
func SliceAlong(ls orb.LineString, start, end float64) orb.LineString {
	return NewLine(ls).Slice(start, end)
}

// NearestPointOnLine snaps p onto ls.
func NearestPointOnLine(ls orb.LineString, p orb.Point) Projection {
	return NewLine(ls).Nearest(p)
}

// RMSD is the root mean square of the distances from each point to ls.
func RMSD(points []orb.Point, ls orb.LineString) float64 {
	if len(points) == 0 || len(ls) == 0 {
		return 0
	}
	line := NewLine(ls)
	sum := 0.0
	for _, p := range points {
		d := line.Nearest(p).Offset
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(points)))
}
