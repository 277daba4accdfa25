package index

import (
	"github.com/szuwgh/vectorbase/internal/hnsw"
)

func init() {
	RegisterLoader(KindHNSW, func(data []byte) (Index, error) {
		h, err := hnsw.Unmarshal(data)
		if err != nil {
			return nil, err
		}
		return &HNSW{Index: h}, nil
	})
}

// HNSW adapts *hnsw.Index to the Index contract.
type HNSW struct {
	*hnsw.Index
}

// NewHNSW creates an empty HNSW index.
func NewHNSW(opts hnsw.Options) (*HNSW, error) {
	h, err := hnsw.New(opts)
	if err != nil {
		return nil, err
	}
	return &HNSW{Index: h}, nil
}

// Kind implements Index.
func (h *HNSW) Kind() Kind { return KindHNSW }

// Merge implements Index. All inputs must be HNSW indexes.
func (h *HNSW) Merge(others []Index, keep func(id uint64) bool) (Index, error) {
	graphs := make([]*hnsw.Index, 0, len(others))
	for _, o := range others {
		g, ok := o.(*HNSW)
		if !ok {
			return nil, ErrKindMismatch
		}
		graphs = append(graphs, g.Index)
	}

	merged, err := h.Index.Merge(graphs, keep)
	if err != nil {
		return nil, err
	}
	return &HNSW{Index: merged}, nil
}
