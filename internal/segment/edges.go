package segment

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/samber/lo"

	"gtfs-conflator/internal/geom"
	"gtfs-conflator/internal/model"
)

// BoundaryEpsilon is the distance under which snapped stops share one boundary (meters).
const BoundaryEpsilon = 0.01

// Boundary is a cut point of the path. StopIDs is empty for a synthesized boundary.
type Boundary struct {
	Along   float64
	StopIDs []string
	Point   orb.Point
}

// Boundaries groups assignments landing at the same distance and makes sure the
// first and last boundary sit exactly on the path ends.
func Boundaries(as []Assignment, line *geom.Line) []Boundary {
	total := line.Length()
	bs := make([]Boundary, 0, len(as)+2)
	for _, a := range as {
		if n := len(bs); n > 0 && math.Abs(a.Along-bs[n-1].Along) <= BoundaryEpsilon {
			if !lo.Contains(bs[n-1].StopIDs, a.StopID) {
				bs[n-1].StopIDs = append(bs[n-1].StopIDs, a.StopID)
			}
			continue
		}
		bs = append(bs, Boundary{Along: a.Along, StopIDs: []string{a.StopID}, Point: a.Point})
	}
	if len(bs) == 0 || bs[0].Along > BoundaryEpsilon {
		bs = append([]Boundary{{Along: 0, Point: line.PointAt(0)}}, bs...)
	} else {
		bs[0].Along, bs[0].Point = 0, line.PointAt(0)
	}
	if last := len(bs) - 1; bs[last].Along < total-BoundaryEpsilon {
		bs = append(bs, Boundary{Along: total, Point: line.PointAt(total)})
	} else {
		bs[last].Along, bs[last].Point = total, line.PointAt(total)
	}
	return bs
}

// BuildEdges segments the shape at its stops and returns one network edge per
// pair of consecutive boundaries.
func BuildEdges(shapeID string, path orb.LineString, stops []Stop) ([]model.NetworkEdge, error) {
	if err := checkStops(stops); err != nil {
		return nil, model.NewShapeError(shapeID, "stop identity", err)
	}
	as, err := Assign(path, stops)
	if err != nil {
		return nil, model.NewShapeError(shapeID, "stop assignment", err)
	}
	if len(as) > 0 {
		worst, mean := Deviation(as)
		log.WithField("shape", shapeID).Debugf("assigned %d stops, max offset %.1fm, mean %.1fm", len(as), worst, mean)
	}
	line := geom.NewLine(path)
	bs := Boundaries(as, line)
	edges := make([]model.NetworkEdge, 0, len(bs)-1)
	for i := 0; i+1 < len(bs); i++ {
		ls := line.Slice(bs[i].Along, bs[i+1].Along)
		edges = append(edges, model.NetworkEdge{
			ShapeID:   shapeID,
			Index:     i,
			FromStops: bs[i].StopIDs,
			ToStops:   bs[i+1].StopIDs,
			Geometry:  ls,
			Length:    geom.Length(ls),
		})
	}
	return edges, nil
}
