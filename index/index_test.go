package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/szuwgh/vectorbase/internal/hnsw"
)

type fakeIndex struct{ Index }

func (fakeIndex) Kind() Kind { return Kind(200) }

func TestEncodeDecode(t *testing.T) {
	h, err := NewHNSW(hnsw.DefaultOptions(2))
	require.NoError(t, err)
	require.NoError(t, h.Insert(1, []float32{0, 1}))
	require.NoError(t, h.Insert(2, []float32{1, 0}))

	data, err := Encode(h)
	require.NoError(t, err)
	assert.Equal(t, byte(KindHNSW), data[0])

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindHNSW, got.Kind())
	assert.Equal(t, 2, got.Len())
	assert.Equal(t, 2, got.Dimension())

	res, err := got.Search([]float32{0, 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res[0].ID)
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Decode([]byte{99, 1, 2})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Decode([]byte{byte(KindHNSW), 1, 2})
	assert.ErrorIs(t, err, hnsw.ErrCorruptIndex)
}

func TestMerge(t *testing.T) {
	a, err := NewHNSW(hnsw.DefaultOptions(2))
	require.NoError(t, err)
	b, err := NewHNSW(hnsw.DefaultOptions(2))
	require.NoError(t, err)
	require.NoError(t, a.Insert(1, []float32{0, 1}))
	require.NoError(t, b.Insert(2, []float32{1, 0}))

	merged, err := a.Merge([]Index{b}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, merged.Len())

	_, err = a.Merge([]Index{fakeIndex{}}, nil)
	assert.ErrorIs(t, err, ErrKindMismatch)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "hnsw", KindHNSW.String())
	assert.Equal(t, "kind(7)", Kind(7).String())
}
