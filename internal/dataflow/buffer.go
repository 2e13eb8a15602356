package dataflow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	ErrInvalidLayout = errors.New("dataflow: invalid layout")
	ErrUnknownField  = errors.New("dataflow: unknown field")
)

type FieldSpec struct {
	Name string
	Size int
}

// Layout is an ordered set of named fixed-size fields. Offsets are resolved
// once when the layout is built.
type Layout struct {
	fields  []FieldSpec
	offsets map[string]int
	size    int
}

func NewLayout(fields ...FieldSpec) (Layout, error) {
	l := Layout{
		fields:  append([]FieldSpec(nil), fields...),
		offsets: make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		if f.Name == "" || strings.ContainsAny(f.Name, ":,") || f.Size <= 0 {
			return Layout{}, fmt.Errorf("%w: field %q size %d", ErrInvalidLayout, f.Name, f.Size)
		}
		if _, dup := l.offsets[f.Name]; dup {
			return Layout{}, fmt.Errorf("%w: duplicate field %q", ErrInvalidLayout, f.Name)
		}
		l.offsets[f.Name] = l.size
		l.size += f.Size
	}
	return l, nil
}

// MustLayout is NewLayout for static layouts.
func MustLayout(fields ...FieldSpec) Layout {
	l, err := NewLayout(fields...)
	if err != nil {
		panic(err)
	}
	return l
}

func (l Layout) Size() int { return l.size }

func (l Layout) Fields() []FieldSpec {
	return append([]FieldSpec(nil), l.fields...)
}

// Offset returns the byte range of name within the fixed region.
func (l Layout) Offset(name string) (start, end int, ok bool) {
	start, ok = l.offsets[name]
	if !ok {
		return 0, 0, false
	}
	for _, f := range l.fields {
		if f.Name == name {
			return start, start + f.Size, true
		}
	}
	return 0, 0, false
}

// String is the canonical form exchanged during the connection handshake.
func (l Layout) String() string {
	parts := make([]string, len(l.fields))
	for i, f := range l.fields {
		parts[i] = f.Name + ":" + strconv.Itoa(f.Size)
	}
	return strings.Join(parts, ",")
}

// Extra is the optional variable-length metadata carried after the fixed
// region.
type Extra struct {
	Tag     string
	Version uint16
	Payload []byte
}

func (e Extra) Empty() bool {
	return e.Tag == "" && len(e.Payload) == 0
}

// DataBuffer is one typed transfer unit.
type DataBuffer struct {
	Name    string
	Tag     string
	Version uint16
	Extra   Extra

	layout Layout
	fixed  []byte

	refs  atomic.Int32
	alloc *Allocator
}

func NewDataBuffer(name, tag string, version uint16, layout Layout) *DataBuffer {
	return &DataBuffer{
		Name:    name,
		Tag:     tag,
		Version: version,
		layout:  layout,
		fixed:   make([]byte, layout.Size()),
	}
}

func (b *DataBuffer) Layout() Layout { return b.layout }

// Fixed is the whole fixed region.
func (b *DataBuffer) Fixed() []byte { return b.fixed }

// Field returns the fixed-region slice for name, or nil when absent.
func (b *DataBuffer) Field(name string) []byte {
	start, end, ok := b.layout.Offset(name)
	if !ok {
		return nil
	}
	return b.fixed[start:end]
}

// MustField is Field that fails loudly for a misspelled name.
func (b *DataBuffer) MustField(name string) []byte {
	f := b.Field(name)
	if f == nil {
		panic(fmt.Errorf("%w: %s.%s", ErrUnknownField, b.Name, name))
	}
	return f
}

func (b *DataBuffer) Reset() {
	clear(b.fixed)
	b.Extra = Extra{}
}

// Clone returns a detached copy with the same type and contents.
func (b *DataBuffer) Clone() *DataBuffer {
	c := NewDataBuffer(b.Name, b.Tag, b.Version, b.layout)
	c.CopyFrom(b)
	return c
}

// CopyFrom overwrites b with src. Both must share a layout.
func (b *DataBuffer) CopyFrom(src *DataBuffer) {
	copy(b.fixed, src.fixed)
	b.Extra = Extra{
		Tag:     src.Extra.Tag,
		Version: src.Extra.Version,
		Payload: append(b.Extra.Payload[:0], src.Extra.Payload...),
	}
}

func (b *DataBuffer) Refs() int32 { return b.refs.Load() }

// Allocator recycles buffers of one type once every holder has released
// them.
type Allocator struct {
	name    string
	tag     string
	version uint16
	layout  Layout

	mu   sync.Mutex
	free []*DataBuffer

	allocated atomic.Uint64
	recycled  atomic.Uint64
}

func NewAllocator(name, tag string, version uint16, layout Layout) *Allocator {
	return &Allocator{name: name, tag: tag, version: version, layout: layout}
}

// Get returns a zeroed buffer holding one reference.
func (a *Allocator) Get() *DataBuffer {
	a.mu.Lock()
	var b *DataBuffer
	if n := len(a.free); n > 0 {
		b = a.free[n-1]
		a.free = a.free[:n-1]
	}
	a.mu.Unlock()
	if b == nil {
		b = NewDataBuffer(a.name, a.tag, a.version, a.layout)
		b.alloc = a
		a.allocated.Add(1)
	} else {
		a.recycled.Add(1)
	}
	b.refs.Store(1)
	return b
}

func (a *Allocator) Retain(b *DataBuffer) {
	b.refs.Add(1)
}

// Release drops one reference and recycles b when none remain.
func (a *Allocator) Release(b *DataBuffer) {
	n := b.refs.Add(-1)
	switch {
	case n > 0:
		return
	case n < 0:
		panic(fmt.Sprintf("dataflow: %s released more often than retained", b.Name))
	}
	b.Reset()
	if b.alloc != a {
		return
	}
	a.mu.Lock()
	a.free = append(a.free, b)
	a.mu.Unlock()
}

func (a *Allocator) Stats() (allocated, recycled uint64) {
	return a.allocated.Load(), a.recycled.Load()
}

// PutFloat32s stores v little-endian into dst.
func PutFloat32s(dst []byte, v []float32) {
	for i, f := range v {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(f))
	}
}

// Float32s decodes len(dst) little-endian floats from src.
func Float32s(dst []float32, src []byte) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
}

// AddFloat32s adds v element-wise into the little-endian floats in dst.
func AddFloat32s(dst []byte, v []float32) {
	for i, f := range v {
		off := i * 4
		cur := math.Float32frombits(binary.LittleEndian.Uint32(dst[off:]))
		binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(cur+f))
	}
}
