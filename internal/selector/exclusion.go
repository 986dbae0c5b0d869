package selector

import (
	"gtfs-conflator/internal/model"
)

// search enumerates the subsets of candidates in which no two candidates
// share more than the exclusion overlap, keeping the one of greatest total length.
// Candidates are visited in order and a branch only forks on a candidate that
// conflicts with a later one still available.
type search struct {
	cands    []model.Path
	conflict [][]bool

	best    []int
	bestLen float64
	found   bool
	count   int
}

func newSearch(cands []model.Path, p Params) *search {
	conflict := make([][]bool, len(cands))
	for a := range cands {
		conflict[a] = make([]bool, len(cands))
	}
	for a := range cands {
		for b := a + 1; b < len(cands); b++ {
			c := p.Cospatial.Analyze(cands[a].Geometry, cands[b].Geometry)
			if c != nil && c.Intersection > p.ExclusionOverlap {
				conflict[a][b], conflict[b][a] = true, true
			}
		}
	}
	return &search{cands: cands, conflict: conflict}
}

func (s *search) walk(k int, included []int, excluded []bool, total float64) {
	if k == len(s.cands) {
		s.count++
		if !s.found || total > s.bestLen+lengthEpsilon {
			s.best = append([]int(nil), included...)
			s.bestLen = total
			s.found = true
		}
		return
	}
	if excluded[k] {
		s.walk(k+1, included, excluded, total)
		return
	}

	var later []int
	for j := k + 1; j < len(s.cands); j++ {
		if s.conflict[k][j] && !excluded[j] {
			later = append(later, j)
		}
	}
	with := append(included[:len(included):len(included)], k)
	if len(later) == 0 {
		s.walk(k+1, with, excluded, total+s.cands[k].Length)
		return
	}
	ex := append([]bool(nil), excluded...)
	for _, j := range later {
		ex[j] = true
	}
	s.walk(k+1, with, ex, total+s.cands[k].Length)
	s.walk(k+1, included, excluded, total)
}
