// Package conflate conflates the network edges of one shape onto reference
// lines: it requests candidate matches in batches, builds candidate paths per
// edge and selects the chosen paths of the whole shape.
package conflate

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"gtfs-conflator/internal/cospatial"
	"gtfs-conflator/internal/geom"
	"gtfs-conflator/internal/model"
	"gtfs-conflator/internal/pathbuilder"
	"gtfs-conflator/internal/segment"
	"gtfs-conflator/internal/selector"
)

var log = logrus.WithField("module", "conflate")

const DefaultBatchSize = 25

// edgeJoinTolerance is the largest distance between the end of an edge and the start of the next (meters).
const edgeJoinTolerance = 1.0

// Feature is a linear feature submitted to the match provider. ID is echoed back
// in CandidateMatch.FeatureID.
type Feature struct {
	ID       string
	Geometry orb.LineString
}

// MatchResult is the provider answer for one batch.
type MatchResult struct {
	Matches []model.CandidateMatch
	Context map[string]string
}

// MatchProvider proposes candidate matches for a batch of features.
// A nil result means nothing matched.
type MatchProvider interface {
	Match(ctx context.Context, features []Feature) (*MatchResult, error)
}

// Observer is notified of provider batches and selection warnings.
type Observer interface {
	BatchDone(size int, err error)
	SelectionWarning(shapeID string)
}

type Params struct {
	Path   pathbuilder.Params
	Select selector.Params
}

func DefaultParams() Params {
	a := cospatial.New()
	p := Params{Path: pathbuilder.DefaultParams(), Select: selector.DefaultParams()}
	p.Path.Cospatial, p.Select.Cospatial = a, a
	return p
}

type Options struct {
	BatchSize int
	Params    Params
	Observer  Observer
}

func DefaultOptions() Options {
	return Options{BatchSize: DefaultBatchSize, Params: DefaultParams()}
}

// BatchError records a provider batch that failed or was never submitted.
type BatchError struct {
	Batch   int
	EdgeIDs []string
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("match batch %d (%d edges): %v", e.Batch, len(e.EdgeIDs), e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

type Result struct {
	ShapeID  string
	Edges    []model.NetworkEdge
	Choices  []selector.Choice
	Metadata selector.Metadata
	Warnings []string
	// BatchErrors lists the batches whose edges got no candidates because of a provider failure or cancellation.
	BatchErrors []*BatchError
	Matches     int
	Canceled    bool
}

// ChosenPaths returns the chosen paths of every edge, in edge order.
func (r *Result) ChosenPaths() [][]model.Path {
	return lo.Map(r.Choices, func(c selector.Choice, _ int) []model.Path { return c.Paths })
}

// Partial reports whether some edges were selected without their candidates.
func (r *Result) Partial() bool {
	return r.Canceled || len(r.BatchErrors) > 0
}

// ConflateShape conflates the edges of one shape, given in shape order.
// Invariant violations are returned as *model.ShapeError. Provider failures
// are not errors: they are recorded per batch and the affected edges are left
// without candidates. Once ctx is done no further batch is submitted.
func ConflateShape(ctx context.Context, edges []model.NetworkEdge, provider MatchProvider, opts Options) (*Result, error) {
	shapeID, err := checkEdges(edges)
	if err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	res := &Result{ShapeID: shapeID, Edges: edges}
	byEdge := fetch(ctx, edges, provider, opts, res)

	inputs := make([]selector.Input, len(edges))
	for i, e := range edges {
		paths, err := pathbuilder.Build(e, byEdge[e.ID()], opts.Params.Path)
		if err != nil {
			return nil, model.NewShapeError(shapeID, "candidate match", err)
		}
		inputs[i] = selector.Input{Edge: e, Paths: paths}
	}

	sel := selector.Select(inputs, opts.Params.Select)
	res.Choices, res.Metadata, res.Warnings = sel.Choices, sel.Metadata, sel.Warnings
	if opts.Observer != nil {
		for range res.Warnings {
			opts.Observer.SelectionWarning(shapeID)
		}
	}
	log.WithFields(logrus.Fields{
		"shape":    shapeID,
		"edges":    res.Metadata.Edges,
		"chosen":   res.Metadata.ChosenEdges,
		"coverage": fmt.Sprintf("%.3f", res.Metadata.Coverage),
	}).Debug("shape conflated")
	return res, nil
}

// ConflateTrip segments a shape at its stops and conflates the resulting edges.
func ConflateTrip(ctx context.Context, shapeID string, shape orb.LineString, stops []segment.Stop, provider MatchProvider, opts Options) (*Result, error) {
	edges, err := segment.BuildEdges(shapeID, shape, stops)
	if err != nil {
		return nil, err
	}
	return ConflateShape(ctx, edges, provider, opts)
}

func checkEdges(edges []model.NetworkEdge) (string, error) {
	if len(edges) == 0 {
		return "", model.NewShapeError("", "edge order", fmt.Errorf("%w: no edges", model.ErrEdgeOrder))
	}
	shapeID := edges[0].ShapeID
	for i, e := range edges {
		if e.ShapeID != shapeID || e.Index != i {
			return "", model.NewShapeError(shapeID, "edge order", fmt.Errorf("%w: edge %s at position %d", model.ErrEdgeOrder, e.ID(), i))
		}
		if err := e.Validate(); err != nil {
			return "", model.NewShapeError(shapeID, "edge geometry", err)
		}
		if i > 0 {
			prev := edges[i-1].Geometry
			if d := geom.Distance(prev[len(prev)-1], e.Geometry[0]); d > edgeJoinTolerance {
				return "", model.NewShapeError(shapeID, "edge order", fmt.Errorf("%w: %.1fm between %s and %s", model.ErrEdgeOrder, d, edges[i-1].ID(), e.ID()))
			}
		}
	}
	return shapeID, nil
}

// fetch requests candidate matches batch by batch and groups them by edge id.
func fetch(ctx context.Context, edges []model.NetworkEdge, provider MatchProvider, opts Options, res *Result) map[string][]model.CandidateMatch {
	byEdge := make(map[string][]model.CandidateMatch, len(edges))
	for bi, batch := range lo.Chunk(edges, opts.BatchSize) {
		ids := lo.Map(batch, func(e model.NetworkEdge, _ int) string { return e.ID() })
		if err := ctx.Err(); err != nil {
			res.Canceled = true
			res.BatchErrors = append(res.BatchErrors, &BatchError{Batch: bi, EdgeIDs: ids, Err: err})
			continue
		}

		features := lo.Map(batch, func(e model.NetworkEdge, _ int) Feature {
			return Feature{ID: e.ID(), Geometry: e.Geometry}
		})
		mr, err := provider.Match(ctx, features)
		if opts.Observer != nil {
			opts.Observer.BatchDone(len(batch), err)
		}
		if err != nil {
			log.WithFields(logrus.Fields{"shape": res.ShapeID, "batch": bi}).Warnf("match provider failed: %v", err)
			res.BatchErrors = append(res.BatchErrors, &BatchError{Batch: bi, EdgeIDs: ids, Err: err})
			continue
		}
		if mr == nil {
			continue
		}
		for _, m := range mr.Matches {
			if !lo.Contains(ids, m.FeatureID) {
				log.WithField("shape", res.ShapeID).Warnf("match %s refers to unknown feature %q, ignored", m.ID, m.FeatureID)
				continue
			}
			byEdge[m.FeatureID] = append(byEdge[m.FeatureID], m)
			res.Matches++
		}
	}
	return byEdge
}
