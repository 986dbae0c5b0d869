// Package segment snaps scheduled stops onto a shape and cuts the shape into network edges.
package segment

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"

	"gtfs-conflator/internal/geom"
	"gtfs-conflator/internal/model"
)

var log = logrus.WithField("module", "segment")

// alongEpsilon absorbs float noise when comparing distances along the path (meters)
const alongEpsilon = 1e-9

type Stop struct {
	ID    string
	Point orb.Point
}

// Assignment is where one stop was snapped onto the path.
type Assignment struct {
	StopID  string
	Segment int
	Along   float64 // distance along the path, meters
	Offset  float64 // distance between the stop and its snapped point, meters
	Point   orb.Point
}

// Assign snaps stops, given in schedule order, onto the path so that the total squared
// deviation is minimal and the distance along the path never decreases.
func Assign(path orb.LineString, stops []Stop) ([]Assignment, error) {
	line := geom.NewLine(path)
	if len(geom.Dedupe(path)) < 2 {
		return nil, model.ErrTooFewCoordinates
	}
	if len(stops) == 0 {
		return nil, nil
	}
	nSeg := line.Segments()
	table := make([][]geom.Projection, len(stops))
	for s, stop := range stops {
		row := make([]geom.Projection, nSeg)
		for j := 0; j < nSeg; j++ {
			row[j] = line.ProjectOnSegment(j, stop.Point)
		}
		table[s] = row
	}

	if picks, ok := closestMonotonic(table); ok {
		return toAssignments(stops, table, picks), nil
	}
	log.Debugf("closest projections of %d stops backtrack, solving assignment", len(stops))
	picks, err := solve(table)
	if err != nil {
		return nil, err
	}
	return toAssignments(stops, table, picks), nil
}

// closestMonotonic picks the globally closest projection per stop and
// reports whether that choice already respects stop order.
func closestMonotonic(table [][]geom.Projection) ([]int, bool) {
	picks := make([]int, len(table))
	prev := math.Inf(-1)
	for s, row := range table {
		best := 0
		for j := range row {
			if row[j].Offset < row[best].Offset {
				best = j
			}
		}
		picks[s] = best
		if row[best].Along < prev-alongEpsilon {
			return nil, false
		}
		prev = row[best].Along
	}
	return picks, true
}

// solve runs the dynamic program over the projection table. The distance along
// the path is non-decreasing in the segment index, so the predecessors
// compatible with a cell always form a prefix of the previous row.
func solve(table [][]geom.Projection) ([]int, error) {
	nStops, nSeg := len(table), len(table[0])
	cost := make([][]float64, nStops)
	parent := make([][]int, nStops)
	for s := range table {
		cost[s] = make([]float64, nSeg)
		parent[s] = make([]int, nSeg)
	}
	for j, pr := range table[0] {
		cost[0][j] = pr.Offset * pr.Offset
		parent[0][j] = -1
	}
	for s := 1; s < nStops; s++ {
		k := 0
		bestPrev, bestIdx := math.Inf(1), -1
		for j, pr := range table[s] {
			for k < nSeg && table[s-1][k].Along <= pr.Along+alongEpsilon {
				if cost[s-1][k] < bestPrev {
					bestPrev, bestIdx = cost[s-1][k], k
				}
				k++
			}
			if bestIdx < 0 {
				cost[s][j] = math.Inf(1)
				parent[s][j] = -1
				continue
			}
			cost[s][j] = bestPrev + pr.Offset*pr.Offset
			parent[s][j] = bestIdx
		}
	}

	last := nStops - 1
	end := -1
	for j, c := range cost[last] {
		if !math.IsInf(c, 1) && (end < 0 || c < cost[last][end]) {
			end = j
		}
	}
	if end < 0 {
		return nil, model.ErrInfeasibleAssignment
	}
	picks := make([]int, nStops)
	for s, j := last, end; s >= 0; s-- {
		picks[s] = j
		j = parent[s][j]
	}
	return picks, nil
}

func toAssignments(stops []Stop, table [][]geom.Projection, picks []int) []Assignment {
	out := make([]Assignment, len(stops))
	for s, j := range picks {
		pr := table[s][j]
		out[s] = Assignment{
			StopID:  stops[s].ID,
			Segment: j,
			Along:   pr.Along,
			Offset:  pr.Offset,
			Point:   pr.Point,
		}
	}
	return out
}

// SquaredDeviation is the objective minimized by Assign.
func SquaredDeviation(as []Assignment) float64 {
	sum := 0.0
	for _, a := range as {
		sum += a.Offset * a.Offset
	}
	return sum
}

// Deviation returns the largest and the mean stop offset.
func Deviation(as []Assignment) (worst, mean float64) {
	if len(as) == 0 {
		return 0, 0
	}
	for _, a := range as {
		worst = math.Max(worst, a.Offset)
		mean += a.Offset
	}
	return worst, mean / float64(len(as))
}

func checkStops(stops []Stop) error {
	seen := make(map[string]orb.Point, len(stops))
	for _, s := range stops {
		if p, ok := seen[s.ID]; ok && p != s.Point {
			return fmt.Errorf("%w: %s at %v and %v", model.ErrContradictoryStop, s.ID, p, s.Point)
		}
		seen[s.ID] = s.Point
	}
	return nil
}
