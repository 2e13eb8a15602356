package schema

import (
	"fmt"

	"github.com/danmuck/corrstream/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs for dataflow wire messages.
const (
	MsgHandshake uint32 = 1
	MsgExtra     uint32 = 2
)

// Field IDs for dataflow wire messages.
const (
	FieldTypeTag   uint16 = 1
	FieldVersion   uint16 = 2
	FieldFixedSize uint16 = 3
	FieldLayout    uint16 = 4

	FieldExtraTag     uint16 = 100
	FieldExtraVersion uint16 = 101
	FieldExtraPayload uint16 = 102
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgHandshake: {
		{FieldTypeTag, tlv.TypeString},
		{FieldVersion, tlv.TypeU16},
		{FieldFixedSize, tlv.TypeU64},
		{FieldLayout, tlv.TypeString},
	},
	MsgExtra: {
		{FieldExtraTag, tlv.TypeString},
		{FieldExtraVersion, tlv.TypeU16},
		{FieldExtraPayload, tlv.TypeBytes},
	},
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
