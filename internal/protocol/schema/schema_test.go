package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/corrstream/internal/protocol/tlv"
	"github.com/danmuck/corrstream/internal/testutil/testlog"
)

func TestValidateHandshake(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldTypeTag, "partial-visibility"),
		tlv.U16(FieldVersion, 1),
		tlv.U64(FieldFixedSize, 1024),
		tlv.String(FieldLayout, "vis:1024"),
	}
	if err := Validate(MsgHandshake, fields); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateMissingField(t *testing.T) {
	testlog.Start(t)
	err := Validate(MsgExtra, []tlv.Field{tlv.String(FieldExtraTag, "meta")})
	var verr ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if verr.FieldID != FieldExtraVersion || verr.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", verr)
	}
}

func TestValidateTypeMismatch(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.String(FieldExtraTag, "meta"),
		tlv.U32(FieldExtraVersion, 1),
		tlv.Bytes(FieldExtraPayload, nil),
	}
	err := Validate(MsgExtra, fields)
	var verr ValidationError
	if !errors.As(err, &verr) || verr.Reason != "type mismatch" {
		t.Fatalf("expected type mismatch, got %v", err)
	}
}

func TestValidateUnknownMessageType(t *testing.T) {
	testlog.Start(t)
	if err := Validate(99, nil); err == nil {
		t.Fatalf("expected unknown message_type error")
	}
}
