package beamlet

import (
	"errors"
	"fmt"
)

var ErrInvalidLayout = errors.New("beamlet: invalid layout")

// Layout describes one board frame payload. Samples are stored beamlet-major:
// [beamlet][sample][polarization], each polarization sample BytesPerSample
// bytes of interleaved complex data.
type Layout struct {
	Beamlets        int `toml:"beamlets"`
	SamplesPerFrame int `toml:"samples_per_frame"`
	Polarizations   int `toml:"polarizations"`
	BytesPerSample  int `toml:"bytes_per_sample"`
}

func DefaultLayout() Layout {
	return Layout{
		Beamlets:        61,
		SamplesPerFrame: 16,
		Polarizations:   2,
		BytesPerSample:  4,
	}
}

func (l Layout) Validate() error {
	if l.Beamlets <= 0 || l.SamplesPerFrame <= 0 || l.Polarizations <= 0 || l.BytesPerSample <= 0 {
		return fmt.Errorf("%w: %+v", ErrInvalidLayout, l)
	}
	return nil
}

// BeamletBytes is the size of one beamlet's contiguous run in a payload.
func (l Layout) BeamletBytes() int {
	return l.SamplesPerFrame * l.Polarizations * l.BytesPerSample
}

func (l Layout) PayloadSize() int {
	return l.Beamlets * l.BeamletBytes()
}

// Interval is the clock advance, in blocks, between consecutive frames.
func (l Layout) Interval() int64 {
	return int64(l.SamplesPerFrame)
}

// Beamlet returns the payload slice holding beamlet b.
func (l Layout) Beamlet(payload []byte, b int) []byte {
	n := l.BeamletBytes()
	return payload[b*n : (b+1)*n]
}
