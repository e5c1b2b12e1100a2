// Package schema declares the notice message types and their required fields.
package schema

import (
	"fmt"

	"github.com/danmuck/exchange/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type ids.
const (
	MsgNotice    uint32 = 1
	MsgNoticeAck uint32 = 2
)

// Field ids.
const (
	FieldNoticeID    uint16 = 1
	FieldNodeID      uint16 = 2
	FieldKind        uint16 = 3
	FieldTimestampMS uint16 = 4

	// FieldSessionID may repeat.
	FieldSessionID uint16 = 100
	FieldAPIKind   uint16 = 101
	FieldActive    uint16 = 102

	FieldAckStatus uint16 = 200
	FieldAckCode   uint16 = 201
)

type Requirement struct {
	ID   uint16
	Type tlv.Type
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
	MsgNotice: {
		{FieldNoticeID, tlv.TypeString},
		{FieldNodeID, tlv.TypeString},
		{FieldKind, tlv.TypeString},
		{FieldActive, tlv.TypeU32},
	},
	MsgNoticeAck: {
		{FieldNoticeID, tlv.TypeString},
		{FieldNodeID, tlv.TypeString},
		{FieldAckStatus, tlv.TypeString},
		{FieldTimestampMS, tlv.TypeU64},
	},
}

// Validate enforces required fields and their types for a message type.
// Unknown fields are ignored; every occurrence of a repeated field is type
// checked.
func Validate(messageType uint32, fields tlv.Fields) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		if _, found := fields.Get(req.ID); !found {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
	}
	for _, f := range fields {
		want, known := fieldTypes[f.ID]
		if known && f.Type != want {
			log.Error().
				Uint32("message_type", messageType).
				Uint16("field_id", f.ID).
				Stringer("got", f.Type).
				Stringer("want", want).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: f.ID, Reason: "type mismatch"}
		}
	}
	log.Debug().Uint32("message_type", messageType).Int("fields", len(fields)).Msg("schema.Validate ok")
	return nil
}

var fieldTypes = map[uint16]tlv.Type{
	FieldNoticeID:    tlv.TypeString,
	FieldNodeID:      tlv.TypeString,
	FieldKind:        tlv.TypeString,
	FieldTimestampMS: tlv.TypeU64,
	FieldSessionID:   tlv.TypeString,
	FieldAPIKind:     tlv.TypeString,
	FieldActive:      tlv.TypeU32,
	FieldAckStatus:   tlv.TypeString,
	FieldAckCode:     tlv.TypeU32,
}
