package hnsw

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/szuwgh/vectorbase/distance"
)

const (
	magic         uint32 = 0xA953A953
	formatVersion uint16 = 1

	headerSize = 4 + 2 + 1 + 1 + 4*6 + 8 + 4*3
)

// MarshalBinary encodes the graph: options, entry point, then for every node
// its id, level, raw vector and per-layer neighbor lists.
func (h *Index) MarshalBinary() ([]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := headerSize + len(h.vectors)*4
	for i := range h.nodes {
		size += 8 + 1
		for _, links := range h.nodes[i].neighbors {
			size += 2 + 4*len(links)
		}
	}

	buf := make([]byte, 0, size)
	le := binary.LittleEndian

	buf = le.AppendUint32(buf, magic)
	buf = le.AppendUint16(buf, formatVersion)
	buf = append(buf, byte(h.opts.Metric))
	if h.opts.KeepPruned {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = le.AppendUint32(buf, uint32(h.opts.Dimension))
	buf = le.AppendUint32(buf, uint32(h.opts.M))
	buf = le.AppendUint32(buf, uint32(h.opts.EfConstruction))
	buf = le.AppendUint32(buf, uint32(h.opts.EfSearch))
	buf = le.AppendUint32(buf, uint32(h.opts.MaxLevel))
	buf = le.AppendUint32(buf, 0) // reserved
	buf = le.AppendUint64(buf, uint64(h.opts.Seed))
	buf = le.AppendUint32(buf, uint32(len(h.nodes)))
	buf = le.AppendUint32(buf, h.ep)
	buf = le.AppendUint32(buf, uint32(h.maxLevel))

	for i := range h.nodes {
		n := &h.nodes[i]
		buf = le.AppendUint64(buf, n.id)
		buf = append(buf, byte(n.level))
		for _, f := range h.vector(uint32(i)) {
			buf = le.AppendUint32(buf, math.Float32bits(f))
		}
		for _, links := range n.neighbors {
			buf = le.AppendUint16(buf, uint16(len(links)))
			for _, l := range links {
				buf = le.AppendUint32(buf, l)
			}
		}
	}

	return buf, nil
}

// Unmarshal decodes an index produced by MarshalBinary. Every structural
// violation is reported as ErrCorruptIndex.
func Unmarshal(data []byte) (*Index, error) {
	r := reader{buf: data}

	if r.u32() != magic {
		return nil, corrupt("bad magic")
	}
	if v := r.u16(); v != formatVersion {
		return nil, corrupt("unsupported version %d", v)
	}

	opts := Options{Metric: distance.Metric(r.u8())}
	opts.KeepPruned = r.u8() == 1
	opts.Dimension = int(r.u32())
	opts.M = int(r.u32())
	opts.EfConstruction = int(r.u32())
	opts.EfSearch = int(r.u32())
	opts.MaxLevel = int(r.u32())
	_ = r.u32()
	opts.Seed = int64(r.u64())
	count := int(r.u32())
	ep := r.u32()
	maxLevel := int(r.u32())
	if r.err != nil {
		return nil, r.err
	}

	h, err := New(opts)
	if err != nil {
		return nil, corrupt("options: %v", err)
	}

	dim := opts.Dimension
	// Each node needs at least id, level, vector and one layer header.
	if count < 0 || count > r.remaining()/(8+1+4*dim+2) {
		return nil, corrupt("node count %d exceeds payload", count)
	}
	if count == 0 {
		if r.remaining() != 0 {
			return nil, corrupt("trailing bytes")
		}
		return h, nil
	}
	if int(ep) >= count || maxLevel > opts.MaxLevel {
		return nil, corrupt("entry point %d level %d out of range", ep, maxLevel)
	}

	h.nodes = make([]node, count)
	h.vectors = make([]float32, count*dim)

	for i := 0; i < count; i++ {
		id := r.u64()
		level := int(r.u8())
		if r.err != nil {
			return nil, r.err
		}
		if level > maxLevel {
			return nil, corrupt("node %d level %d above max %d", id, level, maxLevel)
		}
		if _, dup := h.ids[id]; dup {
			return nil, corrupt("duplicate id %d", id)
		}

		vec := h.vectors[i*dim : (i+1)*dim]
		for j := range vec {
			vec[j] = math.Float32frombits(r.u32())
		}

		neighbors := make([][]uint32, level+1)
		for l := 0; l <= level; l++ {
			n := int(r.u16())
			if n > h.capacity(l) {
				return nil, corrupt("node %d layer %d has %d links, capacity %d", id, l, n, h.capacity(l))
			}
			var links []uint32
			if n > 0 {
				links = make([]uint32, n)
			}
			for k := range links {
				links[k] = r.u32()
				if int(links[k]) >= count {
					return nil, corrupt("node %d links to %d of %d", id, links[k], count)
				}
			}
			neighbors[l] = links
		}
		if r.err != nil {
			return nil, r.err
		}

		h.nodes[i] = node{id: id, level: level, neighbors: neighbors}
		h.ids[id] = uint32(i)
	}

	if r.remaining() != 0 {
		return nil, corrupt("%d trailing bytes", r.remaining())
	}
	if h.nodes[ep].level != maxLevel {
		return nil, corrupt("entry point level %d, want %d", h.nodes[ep].level, maxLevel)
	}
	for i := range h.nodes {
		for l, links := range h.nodes[i].neighbors {
			for _, link := range links {
				if h.nodes[link].level < l {
					return nil, corrupt("node %d links to %d on layer %d above its level", h.nodes[i].id, h.nodes[link].id, l)
				}
			}
		}
	}

	h.ep = ep
	h.maxLevel = maxLevel
	return h, nil
}

// UnmarshalBinary replaces the contents of h with the decoded index.
func (h *Index) UnmarshalBinary(data []byte) error {
	decoded, err := Unmarshal(data)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.opts = decoded.opts
	h.dist = decoded.dist
	h.mmax = decoded.mmax
	h.mmax0 = decoded.mmax0
	h.ml = decoded.ml
	h.rng = decoded.rng
	h.nodes = decoded.nodes
	h.vectors = decoded.vectors
	h.ids = decoded.ids
	h.ep = decoded.ep
	h.maxLevel = decoded.maxLevel
	return nil
}

func corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruptIndex, fmt.Sprintf(format, args...))
}

// reader decodes little-endian fields and latches the first short read.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if r.remaining() < n {
		r.err = corrupt("unexpected end of data at offset %d", r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.next(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.next(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.next(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}
