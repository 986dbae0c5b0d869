package conflate_test

import (
	"context"
	"errors"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-conflator/internal/conflate"
	"gtfs-conflator/internal/geom"
	"gtfs-conflator/internal/model"
	"gtfs-conflator/internal/segment"
	"gtfs-conflator/internal/selector"
)

const degPerMeter = 1 / 111319.49079327357

func pt(x, y float64) orb.Point {
	return orb.Point{x * degPerMeter, y * degPerMeter}
}

var errBoom = errors.New("boom")

// echoProvider matches every feature onto itself.
type echoProvider struct {
	calls [][]string
	fail  map[int]error
	empty bool
}

func (p *echoProvider) Match(_ context.Context, features []conflate.Feature) (*conflate.MatchResult, error) {
	call := len(p.calls)
	ids := make([]string, len(features))
	for i, f := range features {
		ids[i] = f.ID
	}
	p.calls = append(p.calls, ids)
	if err := p.fail[call]; err != nil {
		return nil, err
	}
	if p.empty {
		return nil, nil
	}
	res := &conflate.MatchResult{}
	for _, f := range features {
		res.Matches = append(res.Matches, model.CandidateMatch{
			ID:          "m-" + f.ID,
			FeatureID:   f.ID,
			ReferenceID: "ref-" + f.ID,
			Section:     model.Section{Start: 0, End: 1},
			Geometry:    f.Geometry,
			Length:      geom.Length(f.Geometry),
		})
	}
	return res, nil
}

type countingObserver struct {
	batches, failed, warnings int
}

func (o *countingObserver) BatchDone(_ int, err error) {
	o.batches++
	if err != nil {
		o.failed++
	}
}

func (o *countingObserver) SelectionWarning(string) { o.warnings++ }

func shapeEdges(t *testing.T) []model.NetworkEdge {
	t.Helper()
	shape := orb.LineString{pt(0, 0), pt(500, 0), pt(1000, 0), pt(1500, 0)}
	stops := []segment.Stop{{ID: "a", Point: pt(0, 2)}, {ID: "b", Point: pt(500, 2)}, {ID: "c", Point: pt(1000, -2)}, {ID: "d", Point: pt(1500, 0)}}
	edges, err := segment.BuildEdges("shape-1", shape, stops)
	require.NoError(t, err)
	require.Len(t, edges, 3)
	return edges
}

func TestConflateShape(t *testing.T) {
	p := &echoProvider{}
	obs := &countingObserver{}
	opts := conflate.DefaultOptions()
	opts.Observer = obs

	res, err := conflate.ConflateShape(context.Background(), shapeEdges(t), p, opts)
	require.NoError(t, err)

	assert.Len(t, p.calls, 1)
	assert.Equal(t, 3, res.Matches)
	assert.False(t, res.Partial())
	assert.Equal(t, 3, res.Metadata.ChosenEdges)
	assert.InDelta(t, 1, res.Metadata.Coverage, 1e-6)
	for i, c := range res.Choices {
		assert.Equal(t, selector.StatusAxiomatic, c.Status)
		require.Len(t, c.Paths, 1)
		assert.Equal(t, "m-"+res.Edges[i].ID(), c.Paths[0].Key())
	}
	assert.Len(t, res.ChosenPaths(), 3)
	assert.Equal(t, 1, obs.batches)
}

func TestConflateShapeKeepsOtherBatchesOnFailure(t *testing.T) {
	p := &echoProvider{fail: map[int]error{1: errBoom}}
	obs := &countingObserver{}
	opts := conflate.DefaultOptions()
	opts.BatchSize = 1
	opts.Observer = obs

	res, err := conflate.ConflateShape(context.Background(), shapeEdges(t), p, opts)
	require.NoError(t, err)

	assert.Len(t, p.calls, 3)
	require.Len(t, res.BatchErrors, 1)
	assert.ErrorIs(t, res.BatchErrors[0], errBoom)
	assert.Equal(t, []string{"shape-1:1"}, res.BatchErrors[0].EdgeIDs)
	assert.True(t, res.Partial())

	assert.Len(t, res.Choices[0].Paths, 1)
	assert.Equal(t, selector.StatusUnmatched, res.Choices[1].Status)
	assert.Len(t, res.Choices[2].Paths, 1)
	assert.Equal(t, 2, res.Metadata.ChosenEdges)
	assert.Equal(t, 3, obs.batches)
	assert.Equal(t, 1, obs.failed)
}

func TestConflateShapeNilResult(t *testing.T) {
	res, err := conflate.ConflateShape(context.Background(), shapeEdges(t), &echoProvider{empty: true}, conflate.DefaultOptions())
	require.NoError(t, err)
	assert.Zero(t, res.Metadata.ChosenEdges)
	assert.Zero(t, res.Metadata.Coverage)
	assert.False(t, res.Partial())
}

func TestConflateShapeStopsSubmittingWhenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &echoProvider{}
	opts := conflate.DefaultOptions()
	opts.BatchSize = 2

	res, err := conflate.ConflateShape(ctx, shapeEdges(t), p, opts)
	require.NoError(t, err)
	assert.Empty(t, p.calls)
	assert.True(t, res.Canceled)
	require.Len(t, res.BatchErrors, 2)
	assert.ErrorIs(t, res.BatchErrors[0], context.Canceled)
	assert.Len(t, res.Choices, 3)
}

func TestConflateShapeRejectsMisorderedEdges(t *testing.T) {
	edges := shapeEdges(t)
	edges[0], edges[1] = edges[1], edges[0]

	_, err := conflate.ConflateShape(context.Background(), edges, &echoProvider{}, conflate.DefaultOptions())
	assert.ErrorIs(t, err, model.ErrEdgeOrder)
	var se *model.ShapeError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "shape-1", se.ShapeID)

	_, err = conflate.ConflateShape(context.Background(), nil, &echoProvider{}, conflate.DefaultOptions())
	assert.ErrorIs(t, err, model.ErrEdgeOrder)
}

type badSectionProvider struct{}

func (badSectionProvider) Match(_ context.Context, features []conflate.Feature) (*conflate.MatchResult, error) {
	f := features[0]
	return &conflate.MatchResult{Matches: []model.CandidateMatch{{
		ID: "bad", FeatureID: f.ID, Geometry: f.Geometry, Section: model.Section{Start: 0.8, End: 0.2},
	}}}, nil
}

func TestConflateShapeInvalidMatch(t *testing.T) {
	_, err := conflate.ConflateShape(context.Background(), shapeEdges(t), badSectionProvider{}, conflate.DefaultOptions())
	assert.ErrorIs(t, err, model.ErrInvalidSection)
	var se *model.ShapeError
	assert.ErrorAs(t, err, &se)
}

func TestConflateTrip(t *testing.T) {
	shape := orb.LineString{pt(0, 0), pt(1000, 0)}
	res, err := conflate.ConflateTrip(context.Background(), "t", shape,
		[]segment.Stop{{ID: "a", Point: pt(0, 0)}, {ID: "b", Point: pt(1000, 0)}}, &echoProvider{}, conflate.DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Choices, 1)
	assert.Equal(t, selector.StatusAxiomatic, res.Choices[0].Status)

	_, err = conflate.ConflateTrip(context.Background(), "t", shape,
		[]segment.Stop{{ID: "a", Point: pt(800, 0)}, {ID: "b", Point: pt(200, 0)}}, &echoProvider{}, conflate.DefaultOptions())
	assert.ErrorIs(t, err, model.ErrInfeasibleAssignment)
}
