package cofi

// graph is C3: an address-keyed, append-only map from IP to *Node. Both
// back-ends below satisfy it and must be observably interchangeable — the
// follower and builder never branch on which one is active.
type graph interface {
	get(ip IP) (*Node, bool)
	// putAt maps ip to n. ip usually equals n.Addr, except for the
	// straight-line waypoint addresses described in spec.md §4.3 step 2c,
	// which all share the run's eventual node.
	putAt(ip IP, n *Node)
}

// maxDenseRange is the largest address range the dense array back-end will
// serve; sessions created over a larger range use hashGraph instead. This
// is the Go mirror of the source's `assert((max_addr-min_addr) <= (128 <<
// 20))` under FAST_ARRAY_LOOKUP.
const maxDenseRange = 128 << 20

// denseGraph is the performance specialization from spec.md §3/§9: a flat
// slice indexed by maxAddr-ip, valid only when the range is small enough
// that this doesn't dominate memory. It is strictly an optimization of the
// IP->node map; hashGraph alone would also be correct.
type denseGraph struct {
	minAddr, maxAddr IP
	slots            []*Node
}

func newDenseGraph(minAddr, maxAddr IP) *denseGraph {
	return &denseGraph{
		minAddr: minAddr,
		maxAddr: maxAddr,
		slots:   make([]*Node, uint64(maxAddr-minAddr)+1),
	}
}

func (g *denseGraph) index(ip IP) (int, bool) {
	if ip < g.minAddr || ip > g.maxAddr {
		return 0, false
	}
	return int(g.maxAddr - ip), true
}

func (g *denseGraph) get(ip IP) (*Node, bool) {
	idx, ok := g.index(ip)
	if !ok {
		return nil, false
	}
	n := g.slots[idx]
	return n, n != nil
}

func (g *denseGraph) putAt(ip IP, n *Node) {
	idx, ok := g.index(ip)
	if !ok {
		return
	}
	g.slots[idx] = n
}

// hashGraph is the general-path back-end: a plain map, with no eviction and
// no bound on range size. It is what a session over more than 128 MiB (or
// one that simply opts out of the dense array) uses.
type hashGraph struct {
	nodes map[IP]*Node
}

func newHashGraph() *hashGraph {
	return &hashGraph{nodes: make(map[IP]*Node)}
}

func (g *hashGraph) get(ip IP) (*Node, bool) {
	n, ok := g.nodes[ip]
	return n, ok
}

func (g *hashGraph) putAt(ip IP, n *Node) {
	g.nodes[ip] = n
}
