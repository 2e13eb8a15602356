package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/corrstream/internal/clock"
)

// HeaderLen is the size of the fixed board header on the wire.
const HeaderLen = 13

var (
	ErrShortHeader        = errors.New("frame: short fixed header")
	ErrPayloadTooLarge    = errors.New("frame: payload too large")
	ErrPayloadLenMismatch = errors.New("frame: payload length does not match datagram")
)

// Header is the fixed board header: boardId u8, sequenceId u32, blockId u32,
// payloadLength u32, all network order.
type Header struct {
	BoardID    uint8
	Seq        uint32
	Block      uint32
	PayloadLen uint32
}

func (h Header) Clock() clock.SampleClock {
	return clock.SampleClock{Seq: h.Seq, Block: h.Block}
}

// Frame is one received board unit. Payload aliases the receive buffer when
// produced by Decode; copy it before the buffer is reused.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 64 * 1024}
}

// Decode parses one datagram. The payload length must match the datagram.
func Decode(datagram []byte, limits Limits) (Frame, error) {
	if len(datagram) < HeaderLen {
		return Frame{}, ErrShortHeader
	}
	h, err := DecodeHeader(datagram[:HeaderLen])
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}
	if int(h.PayloadLen) != len(datagram)-HeaderLen {
		return Frame{}, fmt.Errorf("%w: header=%d datagram=%d", ErrPayloadLenMismatch, h.PayloadLen, len(datagram)-HeaderLen)
	}
	return Frame{Header: h, Payload: datagram[HeaderLen:]}, nil
}

// ReadFrame reads one frame from a byte stream. The payload is read into buf
// when it fits and aliases it; otherwise a new slice is allocated. A stream
// that ends before a full header wraps its error in ErrShortHeader.
func ReadFrame(r io.Reader, buf []byte, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, fmt.Errorf("%w: %w", ErrShortHeader, err)
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	var payload []byte
	if int(h.PayloadLen) <= len(buf) {
		payload = buf[:h.PayloadLen]
	} else {
		payload = make([]byte, h.PayloadLen)
	}
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

// Append encodes f onto dst and returns the extended slice.
func Append(dst []byte, f Frame) []byte {
	h := f.Header
	h.PayloadLen = uint32(len(f.Payload))
	dst = binary.BigEndian.AppendUint32(append(dst, h.BoardID), h.Seq)
	dst = binary.BigEndian.AppendUint32(dst, h.Block)
	dst = binary.BigEndian.AppendUint32(dst, h.PayloadLen)
	return append(dst, f.Payload...)
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderLen {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	return Header{
		BoardID:    b[0],
		Seq:        binary.BigEndian.Uint32(b[1:5]),
		Block:      binary.BigEndian.Uint32(b[5:9]),
		PayloadLen: binary.BigEndian.Uint32(b[9:13]),
	}, nil
}
