package hnsw

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szuwgh/vectorbase/testutil"
)

func TestMarshalRoundTrip(t *testing.T) {
	rng := testutil.NewRNG(11)
	data := rng.UniformVectors(250, 12)

	h := newIndex(t, 12, func(o *Options) { o.M = 6 })
	fill(t, h, data, 100)

	buf, err := h.MarshalBinary()
	require.NoError(t, err)

	got, err := Unmarshal(buf)
	require.NoError(t, err)

	require.Equal(t, len(h.nodes), len(got.nodes))
	assert.Equal(t, h.ep, got.ep)
	assert.Equal(t, h.maxLevel, got.maxLevel)
	assert.Equal(t, h.vectors, got.vectors)
	assert.Equal(t, h.opts, got.opts)
	for i := range h.nodes {
		assert.Equal(t, h.nodes[i].id, got.nodes[i].id)
		assert.Equal(t, h.nodes[i].level, got.nodes[i].level)
		assert.Equal(t, h.nodes[i].neighbors, got.nodes[i].neighbors)
	}

	q := data[17]
	want, err := h.Search(q, 5)
	require.NoError(t, err)
	res, err := got.Search(q, 5)
	require.NoError(t, err)
	assert.Equal(t, want, res)

	again, err := got.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, buf, again)
}

func TestUnmarshalBinaryReplacesContents(t *testing.T) {
	src := newIndex(t, 2)
	require.NoError(t, src.Insert(1, []float32{1, 1}))
	buf, err := src.MarshalBinary()
	require.NoError(t, err)

	dst := newIndex(t, 2)
	require.NoError(t, dst.UnmarshalBinary(buf))
	assert.True(t, dst.Contains(1))
}

func TestMarshalEmpty(t *testing.T) {
	h := newIndex(t, 3)
	buf, err := h.MarshalBinary()
	require.NoError(t, err)

	got, err := Unmarshal(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Len())

	_, err = got.Search([]float32{1, 2, 3}, 1)
	assert.ErrorIs(t, err, ErrEmptyIndex)
}

func TestUnmarshalCorrupt(t *testing.T) {
	h := newIndex(t, 4)
	fill(t, h, testutil.NewRNG(1).UniformVectors(20, 4), 0)
	buf, err := h.MarshalBinary()
	require.NoError(t, err)

	cases := map[string]func([]byte) []byte{
		"Empty":     func([]byte) []byte { return nil },
		"Truncated": func(b []byte) []byte { return b[:len(b)-3] },
		"Header":    func(b []byte) []byte { return b[:headerSize-1] },
		"BadMagic": func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[0:], 0xdeadbeef)
			return b
		},
		"BadVersion": func(b []byte) []byte {
			binary.LittleEndian.PutUint16(b[4:], 9)
			return b
		},
		"Trailing": func(b []byte) []byte { return append(b, 0) },
		"BadEntryPoint": func(b []byte) []byte {
			binary.LittleEndian.PutUint32(b[headerSize-8:], 1<<20)
			return b
		},
		"BadLink": func(b []byte) []byte {
			// First node: id(8) level(1) vector(16) count(2) then links.
			off := headerSize + 8 + 1 + 16
			if binary.LittleEndian.Uint16(b[off:]) > 0 {
				binary.LittleEndian.PutUint32(b[off+2:], 1<<30)
			} else {
				binary.LittleEndian.PutUint16(b[off:], 1000)
			}
			return b
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			b := mutate(append([]byte(nil), buf...))
			_, err := Unmarshal(b)
			assert.ErrorIs(t, err, ErrCorruptIndex)
		})
	}
}
