package selector_test

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-conflator/internal/geom"
	"gtfs-conflator/internal/model"
	"gtfs-conflator/internal/selector"
)

const degPerMeter = 1 / 111319.49079327357

func line(xy ...float64) orb.LineString {
	ls := make(orb.LineString, 0, len(xy)/2)
	for i := 0; i+1 < len(xy); i += 2 {
		ls = append(ls, orb.Point{xy[i] * degPerMeter, xy[i+1] * degPerMeter})
	}
	return ls
}

func path(id string, xy ...float64) model.Path {
	ls := line(xy...)
	return model.NewPath([]model.Decomposition{model.MatchEntry(model.CandidateMatch{
		ID:       id,
		Geometry: ls,
		Length:   geom.Length(ls),
	})})
}

func edge(index int, xy ...float64) model.NetworkEdge {
	ls := line(xy...)
	return model.NetworkEdge{ShapeID: "s", Index: index, Geometry: ls, Length: geom.Length(ls)}
}

func keys(ps []model.Path) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.Key()
	}
	return out
}

func TestSingleExactMatchIsAxiomatic(t *testing.T) {
	in := []selector.Input{{
		Edge:  edge(0, 0, 0, 1000, 0),
		Paths: []model.Path{path("m1", 0, 0, 1000, 0)},
	}}
	res := selector.Select(in, selector.DefaultParams())

	require.Len(t, res.Choices, 1)
	c := res.Choices[0]
	assert.Equal(t, selector.StatusAxiomatic, c.Status)
	assert.Equal(t, 0, c.Step)
	assert.Equal(t, []string{"m1"}, keys(c.Paths))
	assert.InDelta(t, 1, c.Ratio, 1e-9)
	assert.Equal(t, 1, res.Metadata.ChosenEdges)
	assert.InDelta(t, 1, res.Metadata.Coverage, 1e-9)
	assert.Empty(t, res.Warnings)
}

func TestTightThresholdsPickAdjacentCandidate(t *testing.T) {
	in := []selector.Input{
		{Edge: edge(0, 0, 0, 500, 0), Paths: []model.Path{path("p0", 0, 0, 500, 0)}},
		{Edge: edge(1, 500, 0, 1480, 0), Paths: []model.Path{
			path("p1", 500, 0, 1480, 0),
			path("p2", 2000, 100, 2500, 100),
		}},
	}
	res := selector.Select(in, selector.DefaultParams())

	assert.Equal(t, []string{"p0"}, keys(res.Choices[0].Paths))
	assert.Equal(t, []string{"p1"}, keys(res.Choices[1].Paths))
	assert.Equal(t, selector.StatusAxiomatic, res.Choices[1].Status)
	assert.Equal(t, 0, res.Choices[1].Step)
}

func TestNeighbourGapFilter(t *testing.T) {
	in := []selector.Input{
		{Edge: edge(0, 0, 0, 500, 0), Paths: []model.Path{path("p0", 0, 0, 500, 0)}},
		{Edge: edge(1, 500, 0, 1000, 0), Paths: []model.Path{
			path("near", 500, 0, 1000, 0),
			path("far", 500, 10, 1000, 10),
		}},
	}
	res := selector.Select(in, selector.DefaultParams())
	assert.Equal(t, []string{"near"}, keys(res.Choices[1].Paths))
	assert.Equal(t, selector.StatusAxiomatic, res.Choices[1].Status)
}

func TestOverlappingCandidatesExcludeEachOther(t *testing.T) {
	// the candidates share 5m and neither is close to the edge length
	in := []selector.Input{{
		Edge: edge(0, 0, 0, 100, 0),
		Paths: []model.Path{
			path("a", 0, 0, 95, 0, 100, 0, 100, -20),
			path("b", 95, 0, 100, 0, 100, -40),
		},
	}}
	res := selector.Select(in, selector.DefaultParams())

	c := res.Choices[0]
	assert.Equal(t, selector.StatusResolved, c.Status)
	assert.Equal(t, -1, c.Step)
	assert.Equal(t, []string{"a"}, keys(c.Paths))
	assert.Equal(t, 2, res.Metadata.Combinations)
}

func TestOverlappingCandidatesTieOnKey(t *testing.T) {
	in := []selector.Input{{
		Edge: edge(0, 0, 0, 200, 0),
		Paths: []model.Path{
			path("b", 95, 0, 100, 0, 100, -95),
			path("a", 0, 0, 95, 0, 100, 0),
		},
	}}
	res := selector.Select(in, selector.DefaultParams())
	assert.Equal(t, []string{"a"}, keys(res.Choices[0].Paths))
}

func TestCoincidentCandidatesExcludeEachOther(t *testing.T) {
	// same 130m of geometry, b carries extra vertices
	in := []selector.Input{{
		Edge: edge(0, 0, 0, 100, 0),
		Paths: []model.Path{
			path("b", 0, 0, 40, 0, 70, 0, 100, 0, 100, -10, 100, -30),
			path("a", 0, 0, 100, 0, 100, -30),
		},
	}}
	res := selector.Select(in, selector.DefaultParams())

	c := res.Choices[0]
	assert.Equal(t, selector.StatusResolved, c.Status)
	assert.Equal(t, []string{"a"}, keys(c.Paths))
	assert.InDelta(t, 1.3, c.Ratio, 1e-6)
}

func TestMinLengthHoldsBackShortEdges(t *testing.T) {
	in := []selector.Input{{
		Edge:  edge(0, 0, 0, 50, 0),
		Paths: []model.Path{path("m1", 0, 0, 50, 0)},
	}}
	res := selector.Select(in, selector.DefaultParams())
	c := res.Choices[0]
	assert.Equal(t, selector.StatusAxiomatic, c.Status)
	assert.Greater(t, c.Step, 0)

	p := selector.DefaultParams()
	p.MinLengthStart, p.MinLengthFloor = 1e9, 1e9
	res = selector.Select(in, p)
	c = res.Choices[0]
	assert.Equal(t, selector.StatusResolved, c.Status)
	assert.Equal(t, -1, c.Step)
	assert.Equal(t, []string{"m1"}, keys(c.Paths))
}

func TestShortEdgeDoesNotSteerNeighbour(t *testing.T) {
	// the short edge ends 1.5m off the exact candidate of the last edge
	in := []selector.Input{
		{Edge: edge(0, 0, 0, 500, 0), Paths: []model.Path{path("p0", 0, 0, 500, 0)}},
		{Edge: edge(1, 500, 0, 550, 0), Paths: []model.Path{path("s", 500, 0, 550, 1.5)}},
		{Edge: edge(2, 550, 0, 1050, 0), Paths: []model.Path{
			path("p", 550, 0, 1050, 0),
			path("q", 550, 1.5, 1054.5, 1.5),
		}},
	}
	res := selector.Select(in, selector.DefaultParams())

	c := res.Choices[2]
	assert.Equal(t, []string{"p"}, keys(c.Paths))
	assert.Equal(t, selector.StatusAxiomatic, c.Status)
	assert.Equal(t, 0, c.Step)
	assert.Equal(t, []string{"s"}, keys(res.Choices[1].Paths))
}

func TestDisjointCandidatesAreAllChosen(t *testing.T) {
	in := []selector.Input{{
		Edge: edge(0, 0, 0, 100, 0),
		Paths: []model.Path{
			path("a", 0, 0, 50, 0),
			path("b", 50, 0, 100, 0),
		},
	}}
	res := selector.Select(in, selector.DefaultParams())

	c := res.Choices[0]
	assert.Equal(t, selector.StatusResolved, c.Status)
	assert.ElementsMatch(t, []string{"a", "b"}, keys(c.Paths))
	assert.InDelta(t, 1, c.Ratio, 1e-6)
}

func TestUnmatchedEdge(t *testing.T) {
	in := []selector.Input{
		{Edge: edge(0, 0, 0, 500, 0), Paths: []model.Path{path("p0", 0, 0, 500, 0)}},
		{Edge: edge(1, 500, 0, 1000, 0)},
	}
	res := selector.Select(in, selector.DefaultParams())

	assert.Equal(t, selector.StatusUnmatched, res.Choices[1].Status)
	assert.Empty(t, res.Choices[1].Paths)
	assert.Equal(t, 2, res.Metadata.Edges)
	assert.Equal(t, 1, res.Metadata.ChosenEdges)
	assert.InDelta(t, 1000, res.Metadata.TotalLength, 1e-6)
	assert.InDelta(t, 500, res.Metadata.ChosenLength, 1e-6)
	assert.InDelta(t, 0.5, res.Metadata.Coverage, 1e-6)
	assert.Len(t, res.Metadata.Ratios, 2)
	assert.Len(t, res.ChosenPaths(), 2)
}

func TestCombinationWarning(t *testing.T) {
	p := selector.DefaultParams()
	p.CombinationWarnLimit = 1
	in := []selector.Input{{
		Edge: edge(0, 0, 0, 100, 0),
		Paths: []model.Path{
			path("a", 0, 0, 95, 0, 100, 0, 100, -20),
			path("b", 95, 0, 100, 0, 100, -40),
		},
	}}
	res := selector.Select(in, p)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "s:0")
	assert.Len(t, res.Choices[0].Paths, 1)
}

func TestSelectIsIdempotent(t *testing.T) {
	in := []selector.Input{
		{Edge: edge(0, 0, 0, 500, 0), Paths: []model.Path{path("p0", 0, 0, 500, 0), path("p0b", 0, 3, 480, 3)}},
		{Edge: edge(1, 500, 0, 1000, 0), Paths: []model.Path{
			path("a", 500, 0, 995, 0, 1000, 0),
			path("b", 995, 0, 1000, 0, 1000, -400),
			path("c", 500, 0, 700, 0),
		}},
		{Edge: edge(2, 1000, 0, 1200, 0)},
	}
	first := selector.Select(in, selector.DefaultParams())
	second := selector.Select(in, selector.DefaultParams())
	assert.Equal(t, first, second)
}
