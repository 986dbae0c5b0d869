package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gtfs-conflator/internal/conflate"
	"gtfs-conflator/internal/geom"
	"gtfs-conflator/internal/model"
	"gtfs-conflator/internal/pipeline"
	"gtfs-conflator/internal/segment"
)

const degPerMeter = 1 / 111319.49079327357

func pt(x, y float64) orb.Point {
	return orb.Point{x * degPerMeter, y * degPerMeter}
}

type echoProvider struct{}

func (echoProvider) Match(_ context.Context, features []conflate.Feature) (*conflate.MatchResult, error) {
	res := &conflate.MatchResult{}
	for _, f := range features {
		res.Matches = append(res.Matches, model.CandidateMatch{
			ID:        "m-" + f.ID,
			FeatureID: f.ID,
			Section:   model.Section{Start: 0, End: 1},
			Geometry:  f.Geometry,
			Length:    geom.Length(f.Geometry),
		})
	}
	return res, nil
}

// cancelingProvider cancels the run while the first shape is being matched.
type cancelingProvider struct {
	echoProvider
	cancel context.CancelFunc
}

func (p cancelingProvider) Match(ctx context.Context, features []conflate.Feature) (*conflate.MatchResult, error) {
	p.cancel()
	return p.echoProvider.Match(ctx, features)
}

type memorySink struct {
	mu    sync.Mutex
	saved []string
	fail  string
}

func (s *memorySink) Save(ctx context.Context, res *conflate.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if res.ShapeID == s.fail {
		return errors.New("disk full")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, res.ShapeID)
	return nil
}

type fakeMetrics struct {
	mu       sync.Mutex
	done     int
	failures map[string]int
	peak     int
}

func (f *fakeMetrics) ShapeDone(*conflate.Result, time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.done++
}

func (f *fakeMetrics) ShapeFailed(stage, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == nil {
		f.failures = make(map[string]int)
	}
	f.failures[stage+":"+reason]++
}

func (f *fakeMetrics) SetActiveShapes(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peak = max(f.peak, n)
}

func job(id string) pipeline.Job {
	return pipeline.Job{
		ShapeID: id,
		TripID:  "trip-" + id,
		Shape:   orb.LineString{pt(0, 0), pt(400, 0), pt(800, 0)},
		Stops:   []segment.Stop{{ID: "a", Point: pt(0, 1)}, {ID: "b", Point: pt(400, 1)}, {ID: "c", Point: pt(800, 1)}},
	}
}

func TestRunConflatesEveryShape(t *testing.T) {
	var jobs []pipeline.Job
	for i := 0; i < 10; i++ {
		jobs = append(jobs, job(fmt.Sprintf("s%02d", i)))
	}
	sink := &memorySink{}
	m := &fakeMetrics{}
	mgr := pipeline.NewManager(echoProvider{}, conflate.DefaultOptions(), 3, m, sink)

	require.NoError(t, mgr.Run(context.Background(), jobs))
	results := mgr.Results()
	require.Len(t, results, 10)
	assert.Equal(t, "s00", results[0].ShapeID)
	assert.Len(t, sink.saved, 10)
	assert.Equal(t, 10, m.done)
	assert.LessOrEqual(t, m.peak, 3)
	assert.Empty(t, mgr.Failures())

	s := mgr.Summary()
	assert.Equal(t, 10, s.Shapes)
	assert.InDelta(t, 1, s.Coverage, 1e-6)
}

func TestRunIsolatesFailures(t *testing.T) {
	bad := job("bad")
	bad.Stops = []segment.Stop{{ID: "a", Point: pt(700, 0)}, {ID: "b", Point: pt(100, 0)}, {ID: "c", Point: pt(50, 0)}}
	bad.Shape = orb.LineString{pt(0, 0), pt(800, 0)}
	sink := &memorySink{fail: "unsaved"}
	m := &fakeMetrics{}
	mgr := pipeline.NewManager(echoProvider{}, conflate.DefaultOptions(), 2, m, sink)

	err := mgr.Run(context.Background(), []pipeline.Job{job("ok"), bad, job("unsaved"), job("ok")})
	require.NoError(t, err)

	_, ok := mgr.Result("ok")
	assert.True(t, ok)
	_, ok = mgr.Result("bad")
	assert.False(t, ok)
	_, ok = mgr.Result("unsaved")
	assert.True(t, ok)

	fs := mgr.Failures()
	require.Len(t, fs, 2)
	assert.Equal(t, "bad", fs[0].ShapeID)
	assert.Equal(t, pipeline.StageConflate, fs[0].Stage)
	assert.ErrorIs(t, fs[0].Err, model.ErrInfeasibleAssignment)
	assert.Equal(t, "unsaved", fs[1].ShapeID)
	assert.Equal(t, pipeline.StageSink, fs[1].Stage)

	assert.Equal(t, 1, m.failures["conflate:stop assignment"])
	assert.Equal(t, 1, m.failures["sink:save"])
	assert.Equal(t, []string{"ok"}, sink.saved)
	assert.Equal(t, 2, mgr.Summary().Failed)
}

func TestRunStopsWhenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	mgr := pipeline.NewManager(echoProvider{}, conflate.DefaultOptions(), 1, nil)
	err := mgr.Run(ctx, []pipeline.Job{job("a"), job("b")})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, mgr.Results())
}

func TestRunStoresShapesFinishedBeforeCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sink := &memorySink{}
	mgr := pipeline.NewManager(cancelingProvider{cancel: cancel}, conflate.DefaultOptions(), 1, nil, sink)

	err := mgr.Run(ctx, []pipeline.Job{job("a"), job("b")})
	assert.ErrorIs(t, err, context.Canceled)

	_, ok := mgr.Result("a")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, sink.saved)
	assert.Empty(t, mgr.Failures())
}
