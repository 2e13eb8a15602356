package dataflow

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/corrstream/internal/protocol"
	"github.com/danmuck/corrstream/internal/protocol/schema"
	"github.com/danmuck/corrstream/internal/protocol/tlv"
	"github.com/danmuck/corrstream/internal/stream"
)

// Message framing on a dataflow stream:
//
//	handshake: u32 message type | u32 length | TLV fields
//	transfer:  fixed region | u32 length | TLV extra fields (length may be 0)
const (
	messageHeaderLen = 8
	MaxExtraBytes    = 16 << 20
)

var (
	ErrHeaderMismatch = errors.New("dataflow: buffer header mismatch")
	ErrExtraTooLarge  = errors.New("dataflow: extra blob too large")
	ErrBadMessage     = errors.New("dataflow: unexpected message")
)

func handshakeFields(b *DataBuffer) []tlv.Field {
	return []tlv.Field{
		tlv.String(schema.FieldTypeTag, b.Tag),
		tlv.U16(schema.FieldVersion, b.Version),
		tlv.U64(schema.FieldFixedSize, uint64(len(b.fixed))),
		tlv.String(schema.FieldLayout, b.layout.String()),
	}
}

func writeHandshake(s stream.Stream, b *DataBuffer) error {
	body := tlv.EncodeFields(handshakeFields(b))
	msg := make([]byte, messageHeaderLen, messageHeaderLen+len(body))
	binary.BigEndian.PutUint32(msg[0:4], schema.MsgHandshake)
	binary.BigEndian.PutUint32(msg[4:8], uint32(len(body)))
	return s.Send(append(msg, body...))
}

// readHandshake receives the writer's handshake and checks it against b.
func readHandshake(s stream.Stream, b *DataBuffer) error {
	var hdr [messageHeaderLen]byte
	if err := s.Recv(hdr[:]); err != nil {
		return err
	}
	msgType := binary.BigEndian.Uint32(hdr[0:4])
	n := binary.BigEndian.Uint32(hdr[4:8])
	if msgType != schema.MsgHandshake {
		return protocol.Fatal("dataflow.handshake", fmt.Errorf("%w: type %d", ErrBadMessage, msgType))
	}
	if n > MaxExtraBytes {
		return protocol.Fatal("dataflow.handshake", ErrExtraTooLarge)
	}
	body := make([]byte, n)
	if err := s.Recv(body); err != nil {
		return err
	}
	fields, err := tlv.DecodeFields(body)
	if err != nil {
		return protocol.Fatal("dataflow.handshake", err)
	}
	if err := schema.Validate(schema.MsgHandshake, fields); err != nil {
		return protocol.Fatal("dataflow.handshake", err)
	}

	tag, _ := tlv.GetField(fields, schema.FieldTypeTag)
	ver, _ := tlv.GetField(fields, schema.FieldVersion)
	size, _ := tlv.GetField(fields, schema.FieldFixedSize)
	layout, _ := tlv.GetField(fields, schema.FieldLayout)
	version, _ := tlv.U16FromBytes(ver.Value)
	fixed, _ := tlv.U64FromBytes(size.Value)

	switch {
	case string(tag.Value) != b.Tag:
		return mismatch(b, "tag", string(tag.Value), b.Tag)
	case version != b.Version:
		return mismatch(b, "version", version, b.Version)
	case fixed != uint64(len(b.fixed)):
		return mismatch(b, "fixed size", fixed, len(b.fixed))
	case string(layout.Value) != b.layout.String():
		return mismatch(b, "layout", string(layout.Value), b.layout.String())
	}
	return nil
}

func mismatch(b *DataBuffer, what string, got, want any) error {
	return protocol.Fatal("dataflow.handshake",
		fmt.Errorf("%w: %s %s got=%v want=%v", ErrHeaderMismatch, b.Name, what, got, want))
}

// encodeTransfer appends one transfer of b to dst.
func encodeTransfer(dst []byte, b *DataBuffer) []byte {
	dst = append(dst, b.fixed...)
	lenAt := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	if !b.Extra.Empty() {
		dst = tlv.AppendField(dst, tlv.String(schema.FieldExtraTag, b.Extra.Tag))
		dst = tlv.AppendField(dst, tlv.U16(schema.FieldExtraVersion, b.Extra.Version))
		dst = tlv.AppendField(dst, tlv.Bytes(schema.FieldExtraPayload, b.Extra.Payload))
	}
	binary.BigEndian.PutUint32(dst[lenAt:], uint32(len(dst)-lenAt-4))
	return dst
}

// readTransfer fills b from one transfer. scratch is reused for the extra
// blob and returned.
func readTransfer(s stream.Stream, b *DataBuffer, scratch []byte) ([]byte, error) {
	if err := s.Recv(b.fixed); err != nil {
		return scratch, err
	}
	var lenBuf [4]byte
	if err := s.Recv(lenBuf[:]); err != nil {
		return scratch, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		b.Extra = Extra{}
		return scratch, nil
	}
	if n > MaxExtraBytes {
		return scratch, protocol.Fatal("dataflow.transfer", ErrExtraTooLarge)
	}
	if cap(scratch) < int(n) {
		scratch = make([]byte, n)
	}
	scratch = scratch[:n]
	if err := s.Recv(scratch); err != nil {
		return scratch, err
	}
	fields, err := tlv.DecodeFields(scratch)
	if err != nil {
		return scratch, protocol.Fatal("dataflow.transfer", err)
	}
	if err := schema.Validate(schema.MsgExtra, fields); err != nil {
		return scratch, protocol.Fatal("dataflow.transfer", err)
	}
	tag, _ := tlv.GetField(fields, schema.FieldExtraTag)
	ver, _ := tlv.GetField(fields, schema.FieldExtraVersion)
	payload, _ := tlv.GetField(fields, schema.FieldExtraPayload)
	version, _ := tlv.U16FromBytes(ver.Value)
	b.Extra = Extra{
		Tag:     string(tag.Value),
		Version: version,
		Payload: append(b.Extra.Payload[:0], payload.Value...),
	}
	return scratch, nil
}
