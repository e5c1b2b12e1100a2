package session

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/danmuck/exchange/internal/protocol/frame"
	"github.com/danmuck/exchange/internal/protocol/schema"
	"github.com/danmuck/exchange/internal/protocol/tlv"
)

// Notice kinds.
const (
	NoticeEvicted   = "evicted"
	NoticeHeartbeat = "heartbeat"
)

// Notice is a node->controller report. Evicted notices list the session ids
// the node no longer serves; heartbeats carry only the active count.
type Notice struct {
	NoticeID    string
	NodeID      string
	Kind        string
	APIKind     string
	SessionIDs  []string
	Active      uint32
	TimestampMS uint64
}

func (n Notice) Validate() error {
	if strings.TrimSpace(n.NoticeID) == "" {
		return fmt.Errorf("notice missing notice_id")
	}
	if strings.TrimSpace(n.NodeID) == "" {
		return fmt.Errorf("notice missing node_id")
	}
	switch n.Kind {
	case NoticeEvicted:
		if len(n.SessionIDs) == 0 {
			return fmt.Errorf("evicted notice missing session ids")
		}
	case NoticeHeartbeat:
	default:
		return fmt.Errorf("notice has unknown kind %q", n.Kind)
	}
	return nil
}

// NoticeAck is the controller->node acknowledgment.
type NoticeAck struct {
	NoticeID    string
	NodeID      string
	AckStatus   string
	AckCode     uint32
	TimestampMS uint64
}

func (a NoticeAck) Validate() error {
	if strings.TrimSpace(a.NoticeID) == "" {
		return fmt.Errorf("notice.ack missing notice_id")
	}
	if strings.TrimSpace(a.NodeID) == "" {
		return fmt.Errorf("notice.ack missing node_id")
	}
	if strings.TrimSpace(a.AckStatus) == "" {
		return fmt.Errorf("notice.ack missing ack_status")
	}
	if a.TimestampMS == 0 {
		return fmt.Errorf("notice.ack missing timestamp_ms")
	}
	return nil
}

func EncodeNoticeFrame(messageID uint64, n Notice) ([]byte, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	fields := tlv.Fields{
		tlv.String(schema.FieldNoticeID, n.NoticeID),
		tlv.String(schema.FieldNodeID, n.NodeID),
		tlv.String(schema.FieldKind, n.Kind),
		tlv.U32(schema.FieldActive, n.Active),
	}
	if n.APIKind != "" {
		fields = append(fields, tlv.String(schema.FieldAPIKind, n.APIKind))
	}
	for _, id := range n.SessionIDs {
		fields = append(fields, tlv.String(schema.FieldSessionID, id))
	}
	if n.TimestampMS != 0 {
		fields = append(fields, tlv.U64(schema.FieldTimestampMS, n.TimestampMS))
	}
	return encode(messageID, schema.MsgNotice, 0, fields)
}

func DecodeNoticeFrame(f frame.Frame) (Notice, error) {
	if f.Header.MessageType != schema.MsgNotice {
		return Notice{}, fmt.Errorf("session: message_type %d is not a notice", f.Header.MessageType)
	}
	fields, err := decode(schema.MsgNotice, f)
	if err != nil {
		return Notice{}, err
	}
	count, _, err := fields.Uint32(schema.FieldActive)
	if err != nil {
		return Notice{}, err
	}
	ts, _, err := fields.Uint64(schema.FieldTimestampMS)
	if err != nil {
		return Notice{}, err
	}
	n := Notice{
		NoticeID:    fields.String(schema.FieldNoticeID),
		NodeID:      fields.String(schema.FieldNodeID),
		Kind:        fields.String(schema.FieldKind),
		APIKind:     fields.String(schema.FieldAPIKind),
		SessionIDs:  fields.Strings(schema.FieldSessionID),
		Active:      count,
		TimestampMS: ts,
	}
	return n, n.Validate()
}

func EncodeNoticeAckFrame(messageID uint64, ack NoticeAck) ([]byte, error) {
	if err := ack.Validate(); err != nil {
		return nil, err
	}
	fields := tlv.Fields{
		tlv.String(schema.FieldNoticeID, ack.NoticeID),
		tlv.String(schema.FieldNodeID, ack.NodeID),
		tlv.String(schema.FieldAckStatus, ack.AckStatus),
		tlv.U32(schema.FieldAckCode, ack.AckCode),
		tlv.U64(schema.FieldTimestampMS, ack.TimestampMS),
	}
	return encode(messageID, schema.MsgNoticeAck, frame.FlagIsResponse, fields)
}

func DecodeNoticeAckFrame(f frame.Frame) (NoticeAck, error) {
	if f.Header.MessageType != schema.MsgNoticeAck {
		return NoticeAck{}, fmt.Errorf("session: message_type %d is not a notice ack", f.Header.MessageType)
	}
	fields, err := decode(schema.MsgNoticeAck, f)
	if err != nil {
		return NoticeAck{}, err
	}
	at, _, err := fields.Uint64(schema.FieldTimestampMS)
	if err != nil {
		return NoticeAck{}, err
	}
	code, _, err := fields.Uint32(schema.FieldAckCode)
	if err != nil {
		return NoticeAck{}, err
	}
	ack := NoticeAck{
		NoticeID:    fields.String(schema.FieldNoticeID),
		NodeID:      fields.String(schema.FieldNodeID),
		AckStatus:   fields.String(schema.FieldAckStatus),
		AckCode:     code,
		TimestampMS: at,
	}
	return ack, nil
}

func encode(messageID uint64, messageType uint32, flags uint16, fields tlv.Fields) ([]byte, error) {
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err := frame.WriteFrame(&buf, frame.Frame{
		Header: frame.Header{
			MessageID:   messageID,
			MessageType: messageType,
			Flags:       flags,
		},
		Payload: fields.Encode(),
	}, frame.DefaultLimits())
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(messageType uint32, f frame.Frame) (tlv.Fields, error) {
	fields, err := tlv.Decode(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}
