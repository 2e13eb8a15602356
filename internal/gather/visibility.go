package gather

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/danmuck/corrstream/internal/beamlet"
	"github.com/danmuck/corrstream/internal/dataflow"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	VisTag     = "visibility"
	VisVersion = 1

	VisMetaTag     = "visibility-meta"
	VisMetaVersion = 1
)

var ErrUnsupportedSample = errors.New("gather: unsupported sample width")

// Shape sizes one subband's visibility block.
type Shape struct {
	Boards        int
	Beamlets      int
	Polarizations int
}

// Baselines counts board pairs including autocorrelations.
func (s Shape) Baselines() int {
	return s.Boards * (s.Boards + 1) / 2
}

// Floats is the number of float32 values: one complex per beamlet, baseline
// and polarization.
func (s Shape) Floats() int {
	return s.Beamlets * s.Baselines() * s.Polarizations * 2
}

func (s Shape) Layout() dataflow.Layout {
	return dataflow.MustLayout(dataflow.FieldSpec{Name: "vis", Size: s.Floats() * 4})
}

func (s Shape) NewBuffer(name string) *dataflow.DataBuffer {
	return dataflow.NewDataBuffer(name, VisTag, VisVersion, s.Layout())
}

// index is the float offset of the real part for beamlet b, baseline bl and
// polarization p.
func (s Shape) index(b, bl, p int) int {
	return ((b*s.Baselines()+bl)*s.Polarizations + p) * 2
}

// VisMeta travels in the extra region of visibility buffers.
type VisMeta struct {
	Subband int    `msgpack:"subband"`
	Seq     uint32 `msgpack:"seq"`
	Block   uint32 `msgpack:"block"`
	Index   uint64 `msgpack:"index"`
	Window  uint64 `msgpack:"window"`
	Parts   int    `msgpack:"parts"`
	Flagged []bool `msgpack:"flagged"`
}

func EncodeVisMeta(m VisMeta) (dataflow.Extra, error) {
	b, err := msgpack.Marshal(&m)
	if err != nil {
		return dataflow.Extra{}, fmt.Errorf("gather: encode meta: %w", err)
	}
	return dataflow.Extra{Tag: VisMetaTag, Version: VisMetaVersion, Payload: b}, nil
}

func DecodeVisMeta(e dataflow.Extra) (VisMeta, error) {
	var m VisMeta
	if e.Tag != VisMetaTag || e.Version != VisMetaVersion {
		return m, fmt.Errorf("%w: extra %s v%d", dataflow.ErrHeaderMismatch, e.Tag, e.Version)
	}
	if err := msgpack.Unmarshal(e.Payload, &m); err != nil {
		return m, fmt.Errorf("gather: decode meta: %w", err)
	}
	return m, nil
}

func checkSampleWidth(bytesPerSample int) error {
	switch bytesPerSample {
	case 2, 4, 8:
		return nil
	}
	return fmt.Errorf("%w: %d bytes", ErrUnsupportedSample, bytesPerSample)
}

// sample decodes one interleaved complex sample. Widths are 2 (int8 pairs),
// 4 (little-endian int16 pairs) and 8 (little-endian float32 pairs).
func sample(raw []byte) (re, im float32) {
	switch len(raw) {
	case 2:
		return float32(int8(raw[0])), float32(int8(raw[1]))
	case 4:
		return float32(int16(binary.LittleEndian.Uint16(raw))), float32(int16(binary.LittleEndian.Uint16(raw[2:])))
	default:
		return math.Float32frombits(binary.LittleEndian.Uint32(raw)), math.Float32frombits(binary.LittleEndian.Uint32(raw[4:]))
	}
}

// correlate writes into dst the visibilities of one transposed block: for
// every beamlet, board pair (i <= j) and polarization, the sum over samples
// of x_i * conj(x_j). data is ordered [board][beamlet][sample][polarization].
func correlate(dst []float32, data []byte, shape Shape, l beamlet.Layout) {
	clear(dst)
	bps := l.BytesPerSample
	at := func(board, b, t, p int) (float32, float32) {
		off := ((board*shape.Beamlets+b)*l.SamplesPerFrame+t)*l.Polarizations*bps + p*bps
		return sample(data[off : off+bps])
	}
	for b := 0; b < shape.Beamlets; b++ {
		bl := 0
		for i := 0; i < shape.Boards; i++ {
			for j := i; j < shape.Boards; j++ {
				for p := 0; p < shape.Polarizations; p++ {
					var sre, sim float32
					for t := 0; t < l.SamplesPerFrame; t++ {
						are, aim := at(i, b, t, p)
						bre, bim := at(j, b, t, p)
						sre += are*bre + aim*bim
						sim += aim*bre - are*bim
					}
					k := shape.index(b, bl, p)
					dst[k] += sre
					dst[k+1] += sim
				}
				bl++
			}
		}
	}
}
