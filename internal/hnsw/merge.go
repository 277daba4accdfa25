package hnsw

import (
	"fmt"
	"sort"
)

// Merge returns a new index holding the union of h and others. Ids must be
// disjoint across the inputs. When keep is non-nil, ids it rejects are left
// out of the result.
//
// Every node keeps the level it had in its source graph and is re-linked
// against the merged node set, so the layered structure of the inputs
// carries over. Without a filter the result starts as a copy of h and only
// the nodes of others are inserted.
func (h *Index) Merge(others []*Index, keep func(id uint64) bool) (*Index, error) {
	for _, o := range others {
		if o.opts.Dimension != h.opts.Dimension {
			return nil, &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: o.opts.Dimension}
		}
		if o.opts.Metric != h.opts.Metric {
			return nil, fmt.Errorf("%w: metric %v differs from %v", ErrInvalidOptions, o.opts.Metric, h.opts.Metric)
		}
	}

	var (
		out *Index
		err error
	)
	if keep == nil {
		out = h.clone()
	} else {
		out, err = New(h.opts)
		if err != nil {
			return nil, err
		}
		if err := out.absorb(h, keep); err != nil {
			return nil, err
		}
	}

	for _, o := range others {
		if err := out.absorb(o, keep); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// absorb inserts the nodes of src in ascending id order at their original
// levels.
func (h *Index) absorb(src *Index, keep func(id uint64) bool) error {
	src.mu.RLock()
	defer src.mu.RUnlock()

	order := make([]uint32, 0, len(src.nodes))
	for i := range src.nodes {
		if keep == nil || keep(src.nodes[i].id) {
			order = append(order, uint32(i))
		}
	}
	sort.Slice(order, func(i, j int) bool { return src.nodes[order[i]].id < src.nodes[order[j]].id })

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, idx := range order {
		n := &src.nodes[idx]
		if _, ok := h.ids[n.id]; ok {
			return fmt.Errorf("%w: %d", ErrDuplicateID, n.id)
		}
		h.insert(n.id, src.vector(idx), n.level)
	}
	return nil
}

func (h *Index) clone() *Index {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out, _ := New(h.opts)
	out.nodes = make([]node, len(h.nodes))
	for i, n := range h.nodes {
		neighbors := make([][]uint32, len(n.neighbors))
		for l, links := range n.neighbors {
			neighbors[l] = append([]uint32(nil), links...)
		}
		out.nodes[i] = node{id: n.id, level: n.level, neighbors: neighbors}
	}
	out.vectors = append([]float32(nil), h.vectors...)
	for id, idx := range h.ids {
		out.ids[id] = idx
	}
	out.ep = h.ep
	out.maxLevel = h.maxLevel
	return out
}
