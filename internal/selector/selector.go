// Package selector chooses, for every network edge of a shape, which candidate
// paths represent it.
//
// Edges are first decided one by one while their candidates are filtered through
// length, length-ratio and neighbour-gap thresholds that start strict and are
// relaxed step by step; an edge is decided as soon as exactly one candidate
// survives. Decided edges constrain their neighbours through the gap filter, so a
// scan is repeated with unchanged thresholds while it keeps deciding edges. Edges
// still open once the thresholds reach their limits are resolved on their own by
// picking the heaviest set of candidates that do not run over each other.
package selector

import (
	"fmt"
	"math"
	"sort"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"gtfs-conflator/internal/cospatial"
	"gtfs-conflator/internal/geom"
	"gtfs-conflator/internal/model"
)

var log = logrus.WithField("module", "selector")

// lengthEpsilon is the difference under which two path lengths are equal (meters)
const lengthEpsilon = 1e-9

type Status string

const (
	StatusAxiomatic Status = "axiomatic" // only candidate left under the thresholds
	StatusResolved  Status = "resolved"  // picked after the thresholds were exhausted
	StatusUnmatched Status = "unmatched" // no candidate path
)

// Input is one edge of the shape with its candidate paths, in shape order.
type Input struct {
	Edge  model.NetworkEdge
	Paths []model.Path
}

type Choice struct {
	Edge   model.NetworkEdge
	Paths  []model.Path
	Status Status
	// Ratio is the chosen length over the edge length.
	Ratio float64
	// Step is the relaxation step the edge was decided at, -1 when it was not decided by the thresholds.
	Step int
}

type Metadata struct {
	TotalLength  float64
	Edges        int
	ChosenEdges  int
	ChosenLength float64
	Coverage     float64
	Ratios       []float64
	Steps        int
	Combinations int
}

type Result struct {
	Choices  []Choice
	Metadata Metadata
	Warnings []string
}

// ChosenPaths returns the chosen paths of every edge, in edge order.
func (r *Result) ChosenPaths() [][]model.Path {
	return lo.Map(r.Choices, func(c Choice, _ int) []model.Path { return c.Paths })
}

type run struct {
	p        Params
	inputs   []Input
	decided  []bool
	choices  []Choice
	warnings []string
	combos   int
}

// Select decides the chosen paths of every edge. The result only depends on the inputs.
func Select(inputs []Input, p Params) *Result {
	if p.Relax <= 1 {
		p.Relax = math.Sqrt2
	}
	if p.Cospatial == nil {
		p.Cospatial = cospatial.New()
	}
	r := &run{
		p:       p,
		inputs:  inputs,
		decided: make([]bool, len(inputs)),
		choices: make([]Choice, len(inputs)),
	}
	for i, in := range inputs {
		r.choices[i] = Choice{Edge: in.Edge, Step: -1}
		if len(in.Paths) == 0 {
			r.decided[i] = true
			r.choices[i].Status = StatusUnmatched
		}
	}

	steps := r.relaxation()
	for i := range inputs {
		if !r.decided[i] {
			r.resolve(i)
		}
	}
	return r.result(steps)
}

// relaxation runs the threshold loop and returns the number of relaxation steps taken.
func (r *run) relaxation() int {
	th := r.p.initial()
	step := 0
	for {
		progress := false
		for i := range r.inputs {
			if r.decided[i] {
				continue
			}
			if survivors := r.filter(i, th); len(survivors) == 1 {
				r.decide(i, survivors, StatusAxiomatic)
				r.choices[i].Step = step
				progress = true
			}
		}
		if progress {
			continue
		}
		if r.p.atLimit(th) || !lo.Contains(r.decided, false) {
			return step
		}
		th = r.p.relax(th)
		step++
	}
}

func (r *run) filter(i int, th thresholds) []model.Path {
	e := r.inputs[i].Edge
	return lo.Filter(r.inputs[i].Paths, func(path model.Path, _ int) bool {
		if path.Length < th.minLength {
			return false
		}
		if e.Length > 0 && math.Abs(path.Length-e.Length)/e.Length > th.ratio {
			return false
		}
		if prev := r.neighbour(i - 1); len(prev) > 0 {
			if gap(lo.Map(prev, func(q model.Path, _ int) float64 { return geom.Distance(q.End(), path.Start()) })) > th.gap {
				return false
			}
		}
		if next := r.neighbour(i + 1); len(next) > 0 {
			if gap(lo.Map(next, func(q model.Path, _ int) float64 { return geom.Distance(path.End(), q.Start()) })) > th.gap {
				return false
			}
		}
		return true
	})
}

// neighbour returns the chosen paths of edge i when it is decided.
func (r *run) neighbour(i int) []model.Path {
	if i < 0 || i >= len(r.inputs) || !r.decided[i] {
		return nil
	}
	return r.choices[i].Paths
}

func gap(ds []float64) float64 {
	return lo.Min(ds)
}

func (r *run) decide(i int, paths []model.Path, status Status) {
	r.decided[i] = true
	r.choices[i].Paths = paths
	r.choices[i].Status = status
}

// resolve picks the chosen paths of an edge left open by the relaxation loop.
func (r *run) resolve(i int) {
	cands := append([]model.Path(nil), r.inputs[i].Paths...)
	sort.SliceStable(cands, func(a, b int) bool {
		if math.Abs(cands[a].Length-cands[b].Length) > lengthEpsilon {
			return cands[a].Length > cands[b].Length
		}
		return cands[a].Key() < cands[b].Key()
	})
	if len(cands) == 1 {
		r.decide(i, cands, StatusResolved)
		return
	}

	s := newSearch(cands, r.p)
	s.walk(0, nil, make([]bool, len(cands)), 0)
	r.combos += s.count
	if s.count > r.p.CombinationWarnLimit {
		msg := fmt.Sprintf("edge %s: %d path combinations explored for %d candidates", r.inputs[i].Edge.ID(), s.count, len(cands))
		log.Warn(msg)
		r.warnings = append(r.warnings, msg)
	}
	r.decide(i, lo.Map(s.best, func(k int, _ int) model.Path { return cands[k] }), StatusResolved)
}

func (r *run) result(steps int) *Result {
	md := Metadata{Edges: len(r.inputs), Steps: steps, Combinations: r.combos}
	for i := range r.choices {
		c := &r.choices[i]
		chosen := lo.SumBy(c.Paths, func(p model.Path) float64 { return p.Length })
		if c.Edge.Length > 0 {
			c.Ratio = chosen / c.Edge.Length
		}
		if len(c.Paths) > 0 {
			md.ChosenEdges++
		} else {
			c.Status = StatusUnmatched
		}
		md.TotalLength += c.Edge.Length
		md.ChosenLength += chosen
		md.Ratios = append(md.Ratios, c.Ratio)
	}
	if md.TotalLength > 0 {
		md.Coverage = md.ChosenLength / md.TotalLength
	}
	return &Result{Choices: r.choices, Metadata: md, Warnings: r.warnings}
}
