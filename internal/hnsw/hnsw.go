package hnsw

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/bits-and-blooms/bitset"

	"github.com/szuwgh/vectorbase/distance"
	"github.com/szuwgh/vectorbase/internal/searcher"
)

// node is an arena slot. neighbors[l] holds arena indices of the node's
// links on layer l, for l in 0..level.
type node struct {
	id        uint64
	level     int
	neighbors [][]uint32
}

// Index is an in-memory HNSW graph. It is safe for concurrent use: inserts
// take an exclusive lock, searches a shared one.
type Index struct {
	mu sync.RWMutex

	opts  Options
	dist  distance.Func
	mmax  int     // max connections on layers > 0
	mmax0 int     // max connections on layer 0
	ml    float64 // level normalization factor 1/ln(M)
	rng   *rand.Rand

	nodes   []node
	vectors []float32 // node i occupies vectors[i*dim : (i+1)*dim]
	ids     map[uint64]uint32

	ep       uint32
	maxLevel int
}

// New creates an empty index.
func New(opts Options) (*Index, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	dist, err := distance.Provider(opts.Metric)
	if err != nil {
		return nil, err
	}

	return &Index{
		opts:  opts,
		dist:  dist,
		mmax:  opts.M,
		mmax0: mmax0Multiplier * opts.M,
		ml:    1 / math.Log(float64(opts.M)),
		rng:   rand.New(rand.NewSource(opts.Seed)), // nolint gosec
		ids:   make(map[uint64]uint32),
	}, nil
}

// Options returns the options the index was built with.
func (h *Index) Options() Options {
	return h.opts
}

// Dimension returns the fixed vector dimensionality.
func (h *Index) Dimension() int {
	return h.opts.Dimension
}

// Len returns the number of nodes.
func (h *Index) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

// Contains reports whether id is present.
func (h *Index) Contains(id uint64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.ids[id]
	return ok
}

// Vector returns a copy of the vector stored for id.
func (h *Index) Vector(id uint64) ([]float32, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	idx, ok := h.ids[id]
	if !ok {
		return nil, false
	}
	out := make([]float32, h.opts.Dimension)
	copy(out, h.vector(idx))
	return out, true
}

// IDs returns all node ids in ascending order.
func (h *Index) IDs() []uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]uint64, 0, len(h.nodes))
	for i := range h.nodes {
		out = append(out, h.nodes[i].id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Insert adds a vector under the caller-issued id.
func (h *Index) Insert(id uint64, v []float32) error {
	if err := h.checkVector(v); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.ids[id]; ok {
		return ErrDuplicateID
	}

	h.insert(id, v, h.randomLevel())
	return nil
}

// Search returns the k nearest neighbors of q ordered by ascending distance.
func (h *Index) Search(q []float32, k int) ([]Neighbor, error) {
	return h.SearchEf(q, k, h.opts.EfSearch)
}

// SearchEf is Search with an explicit beam width. The effective width is
// max(k, ef).
func (h *Index) SearchEf(q []float32, k, ef int) ([]Neighbor, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}
	if err := h.checkVector(q); err != nil {
		return nil, err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 {
		return nil, ErrEmptyIndex
	}

	ep := h.greedyDescent(q, h.ep, 0)
	found := h.searchLayer(q, []searcher.PriorityQueueItem{ep}, max(k, ef), 0)
	if len(found) > k {
		found = found[:k]
	}

	out := make([]Neighbor, len(found))
	for i, item := range found {
		out[i] = Neighbor{ID: h.nodes[item.Node].id, Distance: item.Distance}
	}
	return out, nil
}

func (h *Index) checkVector(v []float32) error {
	if len(v) == 0 {
		return ErrEmptyVector
	}
	if len(v) != h.opts.Dimension {
		return &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(v)}
	}
	return nil
}

func (h *Index) vector(idx uint32) []float32 {
	dim := h.opts.Dimension
	off := int(idx) * dim
	return h.vectors[off : off+dim]
}

// randomLevel draws floor(-ln(U) * mL) with U ~ Uniform(0,1).
func (h *Index) randomLevel() int {
	u := h.rng.Float64()
	for u == 0 {
		u = h.rng.Float64()
	}
	level := int(math.Floor(-math.Log(u) * h.ml))
	return min(level, h.opts.MaxLevel)
}

func (h *Index) capacity(level int) int {
	if level == 0 {
		return h.mmax0
	}
	return h.mmax
}

// insert links a new node at the given level. Callers hold the write lock
// and have validated the vector and id.
func (h *Index) insert(id uint64, v []float32, level int) {
	idx := uint32(len(h.nodes))
	h.nodes = append(h.nodes, node{
		id:        id,
		level:     level,
		neighbors: make([][]uint32, level+1),
	})
	h.vectors = append(h.vectors, v...)
	h.ids[id] = idx

	if idx == 0 {
		h.ep = idx
		h.maxLevel = level
		return
	}

	vec := h.vector(idx)

	// Find single shortest path from top layers above our current node.
	ep := h.greedyDescent(vec, h.ep, level)
	entries := []searcher.PriorityQueueItem{ep}

	for l := min(level, h.maxLevel); l >= 0; l-- {
		candidates := h.searchLayer(vec, entries, h.opts.EfConstruction, l)
		selected := h.selectNeighbors(candidates, h.capacity(l))

		links := make([]uint32, len(selected))
		for i, s := range selected {
			links[i] = s.Node
		}
		h.nodes[idx].neighbors[l] = links

		for _, n := range links {
			h.link(n, idx, l)
		}

		entries = candidates
	}

	if level > h.maxLevel {
		h.ep = idx
		h.maxLevel = level
	}
}

// greedyDescent walks from ep through every layer above floor, keeping the
// single closest node per layer.
func (h *Index) greedyDescent(q []float32, ep uint32, floor int) searcher.PriorityQueueItem {
	curr := ep
	currDist := h.dist(q, h.vector(curr))

	for l := h.maxLevel; l > floor; l-- {
		changed := true
		for changed {
			changed = false
			n := &h.nodes[curr]
			if l > n.level {
				break
			}
			for _, next := range n.neighbors[l] {
				if d := h.dist(q, h.vector(next)); d < currDist {
					curr = next
					currDist = d
					changed = true
				}
			}
		}
	}

	return searcher.PriorityQueueItem{Node: curr, Distance: currDist}
}

// searchLayer runs a best-first beam search of width ef on one layer and
// returns the found nodes ordered by ascending distance.
func (h *Index) searchLayer(q []float32, entries []searcher.PriorityQueueItem, ef int, level int) []searcher.PriorityQueueItem {
	visited := bitset.New(uint(len(h.nodes)))
	candidates := searcher.NewPriorityQueue(false)
	results := searcher.NewPriorityQueue(true)

	for _, e := range entries {
		if visited.Test(uint(e.Node)) {
			continue
		}
		visited.Set(uint(e.Node))
		candidates.PushItem(e)
		results.PushItemBounded(e, ef)
	}

	for candidates.Len() > 0 {
		candidate, _ := candidates.PopItem()
		worst, _ := results.TopItem()
		if results.Len() >= ef && candidate.Distance > worst.Distance {
			break
		}

		n := &h.nodes[candidate.Node]
		if level > n.level {
			continue
		}

		for _, next := range n.neighbors[level] {
			if visited.Test(uint(next)) {
				continue
			}
			visited.Set(uint(next))

			item := searcher.PriorityQueueItem{Node: next, Distance: h.dist(q, h.vector(next))}
			if results.PushItemBounded(item, ef) {
				candidates.PushItem(item)
			}
		}
	}

	return results.Ascending()
}

// selectNeighbors applies the diversity heuristic to candidates sorted by
// ascending distance from the base vector. A candidate is kept only if it is
// closer to the base than to every neighbor already selected.
func (h *Index) selectNeighbors(candidates []searcher.PriorityQueueItem, m int) []searcher.PriorityQueueItem {
	result := h.applyHeuristic(candidates, m)
	if h.opts.KeepPruned && len(result) < m {
		result = fillUpNeighbors(result, candidates, m)
	}
	return result
}

func (h *Index) applyHeuristic(candidates []searcher.PriorityQueueItem, m int) []searcher.PriorityQueueItem {
	result := make([]searcher.PriorityQueueItem, 0, min(m, len(candidates)))

	for _, cand := range candidates {
		if len(result) >= m {
			break
		}

		candVec := h.vector(cand.Node)
		good := true
		for _, r := range result {
			if h.dist(candVec, h.vector(r.Node)) < cand.Distance {
				good = false
				break
			}
		}

		if good {
			result = append(result, cand)
		}
	}

	return result
}

func fillUpNeighbors(result, candidates []searcher.PriorityQueueItem, m int) []searcher.PriorityQueueItem {
	for _, cand := range candidates {
		if len(result) >= m {
			break
		}
		found := false
		for _, r := range result {
			if r.Node == cand.Node {
				found = true
				break
			}
		}
		if !found {
			result = append(result, cand)
		}
	}
	return result
}

// link adds a directed edge from -> to on level and prunes from's list back
// to capacity with the same heuristic when it overflows.
func (h *Index) link(from, to uint32, level int) {
	n := &h.nodes[from]
	n.neighbors[level] = append(n.neighbors[level], to)

	maxConnections := h.capacity(level)
	if len(n.neighbors[level]) <= maxConnections {
		return
	}

	base := h.vector(from)
	candidates := make([]searcher.PriorityQueueItem, len(n.neighbors[level]))
	for i, id := range n.neighbors[level] {
		candidates[i] = searcher.PriorityQueueItem{Node: id, Distance: h.dist(base, h.vector(id))}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Distance < candidates[j].Distance })

	selected := h.selectNeighbors(candidates, maxConnections)
	links := n.neighbors[level][:0]
	for _, s := range selected {
		links = append(links, s.Node)
	}
	n.neighbors[level] = links
}

// Levels returns per-layer statistics, highest layer last.
func (h *Index) Levels() []LevelStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 {
		return nil
	}

	stats := make([]LevelStats, h.maxLevel+1)
	for l := range stats {
		stats[l].Level = l
	}
	for i := range h.nodes {
		for l, links := range h.nodes[i].neighbors {
			stats[l].Nodes++
			stats[l].Connections += len(links)
		}
	}
	for l := range stats {
		if stats[l].Nodes > 0 {
			stats[l].AvgConnections = float64(stats[l].Connections) / float64(stats[l].Nodes)
		}
	}
	return stats
}
