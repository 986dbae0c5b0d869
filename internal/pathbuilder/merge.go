package pathbuilder

import (
	"sort"

	"github.com/samber/lo"

	"gtfs-conflator/internal/geom"
	"gtfs-conflator/internal/model"
)

// mergeAll merges pairs of paths until no rule applies. Paths are kept ordered so
// that the pair tried first, and therefore the result, only depends on the input.
func mergeAll(paths []model.Path, p Params) []model.Path {
	paths = prune(paths)
	for {
		merged := false
	scan:
		for i := range paths {
			for j := range paths {
				if i == j {
					continue
				}
				m, ok := spliceOverlap(paths[i], paths[j])
				if !ok {
					m, ok = joinAdjacent(paths[i], paths[j], p)
				}
				if !ok {
					continue
				}
				rest := make([]model.Path, 0, len(paths)-1)
				for k := range paths {
					if k != i && k != j {
						rest = append(rest, paths[k])
					}
				}
				paths = prune(append(rest, m))
				merged = true
				break scan
			}
		}
		if !merged {
			return paths
		}
	}
}

// spliceOverlap merges a and b when the trailing match ids of a equal the leading
// match ids of b. The longest such overlap is used.
func spliceOverlap(a, b model.Path) (model.Path, bool) {
	ai, bi := a.MatchIDs(), b.MatchIDs()
	for k := min(len(ai), len(bi)) - 1; k >= 1; k-- {
		if !sameOrder(ai[len(ai)-k:], bi[:k]) {
			continue
		}
		if len(lo.Intersect(ai, bi[k:])) > 0 {
			return model.Path{}, false
		}
		entries := append(append([]model.Decomposition{}, a.Entries...), b.Entries[afterMatch(b.Entries, k):]...)
		return model.NewPath(entries), true
	}
	return model.Path{}, false
}

func sameOrder(x, y []string) bool {
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}

// afterMatch returns the index of the entry following the k-th match entry.
func afterMatch(entries []model.Decomposition, k int) int {
	seen := 0
	for i, e := range entries {
		if e.Kind == model.EntryMatch {
			seen++
			if seen == k {
				return i + 1
			}
		}
	}
	return len(entries)
}

// joinAdjacent appends b to a when b starts within the merge tolerance of the end of a,
// the two paths share no match and they do not run over each other.
func joinAdjacent(a, b model.Path, p Params) (model.Path, bool) {
	d := geom.Distance(a.End(), b.Start())
	if d > p.MergeTolerance {
		return model.Path{}, false
	}
	if len(lo.Intersect(a.MatchIDs(), b.MatchIDs())) > 0 {
		return model.Path{}, false
	}
	if c := p.Cospatial.Analyze(a.Geometry, b.Geometry); c != nil && c.Intersection > p.MergeTolerance {
		return model.Path{}, false
	}
	entries := append([]model.Decomposition{}, a.Entries...)
	if d > 0 {
		entries = append(entries, model.Decomposition{Kind: bridgeKind(a, b), Length: d})
	}
	entries = append(entries, b.Entries...)
	return model.NewPath(entries), true
}

// bridgeKind tells whether b starts past the end of a (a gap) or before it (an overlap).
func bridgeKind(a, b model.Path) model.EntryKind {
	n := len(a.Geometry)
	heading := geom.Bearing(a.Geometry[n-2], a.Geometry[n-1])
	if geom.BearingDelta(heading, geom.Bearing(a.End(), b.Start())) > 90 {
		return model.EntryOverlap
	}
	return model.EntryGap
}

// prune drops every path whose match ids are all contained in another path,
// then orders the survivors by decomposition length, longest first, and match ids.
func prune(paths []model.Path) []model.Path {
	sortPaths(paths)
	kept := make([]model.Path, 0, len(paths))
	for i, p := range paths {
		ids := p.MatchIDs()
		redundant := false
		for j, q := range paths {
			if i == j {
				continue
			}
			qids := q.MatchIDs()
			if lo.Every(qids, ids) && (len(qids) > len(ids) || j < i) {
				redundant = true
				break
			}
		}
		if !redundant {
			kept = append(kept, p)
		}
	}
	return kept
}

func sortPaths(paths []model.Path) {
	sort.SliceStable(paths, func(i, j int) bool {
		if len(paths[i].Entries) != len(paths[j].Entries) {
			return len(paths[i].Entries) > len(paths[j].Entries)
		}
		return paths[i].Key() < paths[j].Key()
	})
}
