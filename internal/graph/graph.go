// Package graph is a small directed multigraph with shortest paths and components.
package graph

import (
	"container/heap"
	"math"

	"github.com/samber/lo"
)

type Edge[E any] struct {
	From   int
	To     int
	Weight float64
	Attr   E
}

// Graph is a directed multigraph whose nodes are identified by comparable keys.
// Node ids are dense and assigned in insertion order.
type Graph[N comparable, E any] struct {
	ids   map[N]int
	nodes []N
	out   [][]int // node id -> edge indices
	in    [][]int
	edges []Edge[E]
}

func New[N comparable, E any]() *Graph[N, E] {
	return &Graph[N, E]{ids: make(map[N]int)}
}

// AddNode returns the id of n, inserting it when unseen.
func (g *Graph[N, E]) AddNode(n N) int {
	if id, ok := g.ids[n]; ok {
		return id
	}
	id := len(g.nodes)
	g.ids[n] = id
	g.nodes = append(g.nodes, n)
	g.out = append(g.out, nil)
	g.in = append(g.in, nil)
	return id
}

func (g *Graph[N, E]) AddEdge(from, to N, weight float64, attr E) {
	f, t := g.AddNode(from), g.AddNode(to)
	idx := len(g.edges)
	g.edges = append(g.edges, Edge[E]{From: f, To: t, Weight: weight, Attr: attr})
	g.out[f] = append(g.out[f], idx)
	g.in[t] = append(g.in[t], idx)
}

func (g *Graph[N, E]) Node(id int) N { return g.nodes[id] }

func (g *Graph[N, E]) Len() int { return len(g.nodes) }

func (g *Graph[N, E]) Edges() []Edge[E] { return g.edges }

func (g *Graph[N, E]) InDegree(id int) int { return len(g.in[id]) }

func (g *Graph[N, E]) OutDegree(id int) int { return len(g.out[id]) }

// Components returns the weakly connected components. Node ids are ascending
// inside a component and components are ordered by their smallest id.
func (g *Graph[N, E]) Components() [][]int {
	ds := NewDisjointSet(len(g.nodes))
	for _, e := range g.edges {
		ds.Union(e.From, e.To)
	}
	index := make(map[int]int)
	var comps [][]int
	for id := range g.nodes {
		root := ds.GetRoot(id)
		ci, ok := index[root]
		if !ok {
			ci = len(comps)
			index[root] = ci
			comps = append(comps, nil)
		}
		comps[ci] = append(comps[ci], id)
	}
	return comps
}

// Sources lists the nodes of comp without incoming edges.
func (g *Graph[N, E]) Sources(comp []int) []int {
	return lo.Filter(comp, func(id int, _ int) bool { return g.InDegree(id) == 0 })
}

// Sinks lists the nodes of comp without outgoing edges.
func (g *Graph[N, E]) Sinks(comp []int) []int {
	return lo.Filter(comp, func(id int, _ int) bool { return g.OutDegree(id) == 0 })
}

// Tree is a shortest path tree rooted at one source.
type Tree[N comparable, E any] struct {
	g      *Graph[N, E]
	source int
	dist   []float64
	via    []int // edge index used to reach the node, -1 when unreached
}

// ShortestPaths runs Dijkstra from source. Weights must be non-negative.
// Equal cost alternatives resolve to the edge inserted first.
func (g *Graph[N, E]) ShortestPaths(source int) *Tree[N, E] {
	dist := make([]float64, len(g.nodes))
	via := make([]int, len(g.nodes))
	for i := range dist {
		dist[i] = math.Inf(1)
		via[i] = -1
	}
	dist[source] = 0
	settled := make([]bool, len(g.nodes))

	pq := PriorityQueue{}
	heap.Push(&pq, &Item{Value: source, Priority: 0})
	for pq.Len() > 0 {
		cur := heap.Pop(&pq).(*Item)
		u := cur.Value
		if settled[u] {
			continue
		}
		settled[u] = true
		for _, ei := range g.out[u] {
			e := g.edges[ei]
			if settled[e.To] {
				continue
			}
			if d := dist[u] + e.Weight; d < dist[e.To] {
				dist[e.To] = d
				via[e.To] = ei
				heap.Push(&pq, &Item{Value: e.To, Priority: d})
			}
		}
	}
	return &Tree[N, E]{g: g, source: source, dist: dist, via: via}
}

// Distance returns the cost to reach target, +Inf when unreachable.
func (t *Tree[N, E]) Distance(target int) float64 {
	return t.dist[target]
}

// PathTo returns the attributes of the edges from the source to target in travel order.
// ok is false when target is unreachable or is the source itself.
func (t *Tree[N, E]) PathTo(target int) ([]E, bool) {
	if target == t.source || math.IsInf(t.dist[target], 1) {
		return nil, false
	}
	var reversed []E
	for cur := target; cur != t.source; {
		e := t.g.edges[t.via[cur]]
		reversed = append(reversed, e.Attr)
		cur = e.From
	}
	return lo.Reverse(reversed), true
}
