package graph

// DisjointSet is a union-find over dense integer ids.
type DisjointSet struct {
	parent []int
}

func NewDisjointSet(n int) *DisjointSet {
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	return &DisjointSet{parent: parent}
}

func (d *DisjointSet) GetRoot(x int) int {
	r := d.parent[x]
	if r == x {
		return r
	}
	d.parent[x] = d.GetRoot(r)
	return d.parent[x]
}

// Union joins the sets of x and y; the smaller root becomes the root of both.
func (d *DisjointSet) Union(x, y int) {
	rx, ry := d.GetRoot(x), d.GetRoot(y)
	if rx == ry {
		return
	}
	if ry < rx {
		rx, ry = ry, rx
	}
	d.parent[ry] = rx
}
