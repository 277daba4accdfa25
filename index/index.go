package index

import (
	"errors"
	"fmt"
	"sync"

	"github.com/szuwgh/vectorbase/internal/hnsw"
)

// Kind tags an index implementation on disk. Values are persisted and must
// never be renumbered.
type Kind uint8

const (
	KindHNSW Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindHNSW:
		return "hnsw"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	ErrUnknownKind  = errors.New("index: unknown kind")
	ErrKindMismatch = errors.New("index: cannot merge different kinds")
	ErrTruncated    = errors.New("index: truncated data")
)

// Neighbor is a search hit ordered by ascending distance.
type Neighbor = hnsw.Neighbor

// Index is the capability contract of an ANN index.
type Index interface {
	Kind() Kind
	Dimension() int
	Len() int
	Insert(id uint64, vec []float32) error
	Search(q []float32, k int) ([]Neighbor, error)
	// Merge returns a new index with the union of the receiver and others.
	// Ids rejected by keep are dropped; a nil keep retains everything.
	Merge(others []Index, keep func(id uint64) bool) (Index, error)
	Vector(id uint64) ([]float32, bool)
	MarshalBinary() ([]byte, error)
}

// Loader decodes the body of a serialized index (without the kind tag).
type Loader func(data []byte) (Index, error)

var (
	loaderMu sync.RWMutex
	loaders  = map[Kind]Loader{}
)

// RegisterLoader registers a loader for a specific index kind.
func RegisterLoader(kind Kind, loader Loader) {
	loaderMu.Lock()
	defer loaderMu.Unlock()
	loaders[kind] = loader
}

// Encode serializes idx prefixed with its kind tag.
func Encode(idx Index) ([]byte, error) {
	body, err := idx.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(idx.Kind()))
	return append(out, body...), nil
}

// Decode reads the kind tag and dispatches to the registered loader.
func Decode(data []byte) (Index, error) {
	if len(data) == 0 {
		return nil, ErrTruncated
	}

	kind := Kind(data[0])

	loaderMu.RLock()
	loader, ok := loaders[kind]
	loaderMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, data[0])
	}

	return loader(data[1:])
}
