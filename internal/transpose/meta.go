package transpose

import (
	"fmt"

	"github.com/danmuck/corrstream/internal/beamlet"
	"github.com/danmuck/corrstream/internal/dataflow"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	Tag     = "transposed-block"
	Version = 1

	MetaTag     = "transposed-meta"
	MetaVersion = 1
)

// Meta travels in the extra region of every transposed block.
type Meta struct {
	Seq     uint32 `msgpack:"seq"`
	Block   uint32 `msgpack:"block"`
	Index   uint64 `msgpack:"index"`
	First   int    `msgpack:"first"`
	Boards  []int  `msgpack:"boards"`
	Lost    []bool `msgpack:"lost"`
	Flagged []bool `msgpack:"flagged"`
	// Valid is indexed [board][beamlet] over the block's beamlet range.
	Valid [][]uint32 `msgpack:"valid"`
}

func EncodeMeta(m Meta) (dataflow.Extra, error) {
	b, err := msgpack.Marshal(&m)
	if err != nil {
		return dataflow.Extra{}, fmt.Errorf("transpose: encode meta: %w", err)
	}
	return dataflow.Extra{Tag: MetaTag, Version: MetaVersion, Payload: b}, nil
}

func DecodeMeta(e dataflow.Extra) (Meta, error) {
	var m Meta
	if e.Tag != MetaTag || e.Version != MetaVersion {
		return m, fmt.Errorf("%w: extra %s v%d", dataflow.ErrHeaderMismatch, e.Tag, e.Version)
	}
	if err := msgpack.Unmarshal(e.Payload, &m); err != nil {
		return m, fmt.Errorf("transpose: decode meta: %w", err)
	}
	return m, nil
}

// BlockLayout is the fixed region of a transposed block covering beamlets
// beamlets of boards boards: one "data" field ordered
// [board][beamlet][sample][polarization].
func BlockLayout(boards int, l beamlet.Layout, beamlets int) dataflow.Layout {
	return dataflow.MustLayout(dataflow.FieldSpec{Name: "data", Size: boards * beamlets * l.BeamletBytes()})
}

// NewBuffer returns a transposed-block buffer. Receivers use it to build
// inputs that match a stage output.
func NewBuffer(name string, boards int, l beamlet.Layout, beamlets int) *dataflow.DataBuffer {
	return dataflow.NewDataBuffer(name, Tag, Version, BlockLayout(boards, l, beamlets))
}
