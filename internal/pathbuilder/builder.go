// Package pathbuilder turns the candidate matches of one network edge into
// maximal, non-redundant candidate paths.
package pathbuilder

import (
	"fmt"
	"sort"

	"github.com/paulmach/orb"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"gtfs-conflator/internal/cospatial"
	"gtfs-conflator/internal/geom"
	"gtfs-conflator/internal/graph"
	"gtfs-conflator/internal/model"
)

var log = logrus.WithField("module", "pathbuilder")

// DefaultMergeTolerance is the largest end to start distance bridged by an adjacency merge (meters).
const DefaultMergeTolerance = 2.0

type Params struct {
	MergeTolerance float64
	Cospatial      *cospatial.Analyzer
}

func DefaultParams() Params {
	return Params{MergeTolerance: DefaultMergeTolerance, Cospatial: cospatial.New()}
}

// Build returns the candidate paths of edge. No matches yield no paths and no error.
func Build(edge model.NetworkEdge, matches []model.CandidateMatch, p Params) ([]model.Path, error) {
	if len(matches) == 0 {
		return nil, nil
	}
	if p.Cospatial == nil {
		p.Cospatial = cospatial.New()
	}
	for _, m := range matches {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("edge %s: %w", edge.ID(), err)
		}
	}
	matches = lo.UniqBy(matches, func(m model.CandidateMatch) string { return m.ID })
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })

	paths := extract(edge, matches)
	paths = mergeAll(paths, p)
	log.WithField("edge", edge.ID()).Debugf("%d matches, %d candidate paths", len(matches), len(paths))
	return paths, nil
}

// extract builds the match graph and returns one path per reachable source/sink pair.
func extract(edge model.NetworkEdge, matches []model.CandidateMatch) []model.Path {
	g := graph.New[orb.Point, model.CandidateMatch]()
	var loops []model.Path
	for _, m := range matches {
		ls := geom.Dedupe(m.Geometry)
		from, to := ls[0], ls[len(ls)-1]
		if from == to {
			loops = append(loops, model.NewPath([]model.Decomposition{model.MatchEntry(m)}))
			continue
		}
		g.AddEdge(from, to, geom.Length(ls)*geom.RMSD(ls, edge.Geometry), m)
	}

	seen := make(map[string]bool)
	var paths []model.Path
	for _, comp := range g.Components() {
		sources, sinks := g.Sources(comp), g.Sinks(comp)
		if len(sources) == 0 {
			sources = comp[:1]
		}
		if len(sinks) == 0 {
			sinks = lo.Without(comp, sources...)
		}
		for _, src := range sources {
			tree := g.ShortestPaths(src)
			for _, dst := range sinks {
				ms, ok := tree.PathTo(dst)
				if !ok {
					continue
				}
				entries := lo.Map(ms, func(m model.CandidateMatch, _ int) model.Decomposition { return model.MatchEntry(m) })
				path := model.NewPath(entries)
				if key := path.Key(); !seen[key] {
					seen[key] = true
					paths = append(paths, path)
				}
			}
		}
	}
	for _, l := range loops {
		if key := l.Key(); !seen[key] {
			seen[key] = true
			paths = append(paths, l)
		}
	}
	return paths
}
