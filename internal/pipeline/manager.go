// Package pipeline conflates many shapes concurrently and hands the results to sinks.
package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"gtfs-conflator/internal/conflate"
	"gtfs-conflator/internal/model"
	"gtfs-conflator/internal/segment"
)

var log = logrus.WithField("module", "pipeline")

const (
	StageConflate = "conflate"
	StageSink     = "sink"
)

// SinkTimeout bounds one Save. Sinks outlive cancellation of the run so that
// shapes already conflated are still stored.
const SinkTimeout = 30 * time.Second

// Job is one shape to conflate, segmented at the stops of a representative trip.
type Job struct {
	ShapeID string
	TripID  string
	RouteID string
	Shape   orb.LineString
	Stops   []segment.Stop
}

// Loader supplies the jobs of a run, optionally restricted to some shape ids.
type Loader interface {
	LoadJobs(ctx context.Context, shapeIDs []string) ([]Job, error)
}

// Sink receives every completed shape result.
type Sink interface {
	Save(ctx context.Context, res *conflate.Result) error
}

type Metrics interface {
	ShapeDone(res *conflate.Result, d time.Duration)
	ShapeFailed(stage, reason string)
	SetActiveShapes(n int)
}

type Failure struct {
	ShapeID string
	Stage   string
	Err     error
}

type Manager struct {
	provider conflate.MatchProvider
	opts     conflate.Options
	workers  int
	sinks    []Sink
	metrics  Metrics

	results  *xsync.MapOf[string, *conflate.Result]
	failures *xsync.MapOf[string, Failure]
	started  *xsync.MapOf[string, struct{}]

	mu     sync.Mutex
	active int
}

func NewManager(provider conflate.MatchProvider, opts conflate.Options, workers int, metrics Metrics, sinks ...Sink) *Manager {
	if workers <= 0 {
		workers = 1
	}
	return &Manager{
		provider: provider,
		opts:     opts,
		workers:  workers,
		sinks:    sinks,
		metrics:  metrics,
		results:  xsync.NewMapOf[string, *conflate.Result](),
		failures: xsync.NewMapOf[string, Failure](),
		started:  xsync.NewMapOf[string, struct{}](),
	}
}

// Run conflates the jobs on at most workers goroutines. A failing shape is
// recorded and never stops the others. Once ctx is done no further shape is
// started; results of finished shapes are kept.
func (m *Manager) Run(ctx context.Context, jobs []Job) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for _, job := range jobs {
		if gctx.Err() != nil {
			break
		}
		if _, loaded := m.started.LoadOrStore(job.ShapeID, struct{}{}); loaded {
			log.Debugf("shape %s already scheduled, skipping trip %s", job.ShapeID, job.TripID)
			continue
		}
		job := job
		g.Go(func() error {
			m.runJob(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

func (m *Manager) runJob(ctx context.Context, job Job) {
	if ctx.Err() != nil {
		return
	}
	m.setActive(1)
	defer m.setActive(-1)

	start := time.Now()
	res, err := conflate.ConflateTrip(ctx, job.ShapeID, job.Shape, job.Stops, m.provider, m.opts)
	if err != nil {
		m.fail(job.ShapeID, StageConflate, reason(err), err)
		return
	}
	elapsed := time.Since(start)
	m.results.Store(job.ShapeID, res)
	if m.metrics != nil {
		m.metrics.ShapeDone(res, elapsed)
	}

	fields := logrus.Fields{
		"shape":    job.ShapeID,
		"trip":     job.TripID,
		"edges":    res.Metadata.Edges,
		"chosen":   res.Metadata.ChosenEdges,
		"coverage": res.Metadata.Coverage,
		"took":     elapsed.Round(time.Millisecond),
	}
	if res.Partial() {
		log.WithFields(fields).Warnf("shape conflated with %d failed batches", len(res.BatchErrors))
	} else {
		log.WithFields(fields).Info("shape conflated")
	}

	if len(m.sinks) == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SinkTimeout)
	defer cancel()
	for _, s := range m.sinks {
		if err := s.Save(sctx, res); err != nil {
			m.fail(job.ShapeID, StageSink, "save", err)
		}
	}
}

func (m *Manager) fail(shapeID, stage, why string, err error) {
	log.WithFields(logrus.Fields{"shape": shapeID, "stage": stage}).Errorf("shape failed: %v", err)
	m.failures.Store(shapeID+"/"+stage, Failure{ShapeID: shapeID, Stage: stage, Err: err})
	if m.metrics != nil {
		m.metrics.ShapeFailed(stage, why)
	}
}

func (m *Manager) setActive(delta int) {
	m.mu.Lock()
	m.active += delta
	n := m.active
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SetActiveShapes(n)
	}
}

// reason labels an error by the invariant it violates.
func reason(err error) string {
	var se *model.ShapeError
	if errors.As(err, &se) {
		return se.Invariant
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "other"
}

func (m *Manager) Result(shapeID string) (*conflate.Result, bool) {
	return m.results.Load(shapeID)
}

// Results returns the completed results ordered by shape id.
func (m *Manager) Results() []*conflate.Result {
	var out []*conflate.Result
	m.results.Range(func(_ string, r *conflate.Result) bool {
		out = append(out, r)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ShapeID < out[j].ShapeID })
	return out
}

// Failures returns the recorded failures ordered by shape id and stage.
func (m *Manager) Failures() []Failure {
	var out []Failure
	m.failures.Range(func(_ string, f Failure) bool {
		out = append(out, f)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ShapeID != out[j].ShapeID {
			return out[i].ShapeID < out[j].ShapeID
		}
		return out[i].Stage < out[j].Stage
	})
	return out
}

type Summary struct {
	Shapes   int
	Failed   int
	Partial  int
	Coverage float64 // chosen length over total length across all conflated shapes
}

func (m *Manager) Summary() Summary {
	var s Summary
	var total, chosen float64
	for _, r := range m.Results() {
		s.Shapes++
		if r.Partial() {
			s.Partial++
		}
		total += r.Metadata.TotalLength
		chosen += r.Metadata.ChosenLength
	}
	failed := make(map[string]bool)
	for _, f := range m.Failures() {
		failed[f.ShapeID] = true
	}
	s.Failed = len(failed)
	if total > 0 {
		s.Coverage = chosen / total
	}
	return s
}
