// Package tlv encodes notice payloads as a sequence of fields. Each field is
// id(2) type(1) uvarint(len) value. Unknown ids survive a decode so newer
// peers can add fields.
package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrShortField   = errors.New("tlv: short field header")
	ErrBadLength    = errors.New("tlv: malformed length")
	ErrShortValue   = errors.New("tlv: short field value")
	ErrTypeMismatch = errors.New("tlv: type mismatch")
)

type Type uint8

const (
	TypeString Type = 1
	TypeU32    Type = 2
	TypeU64    Type = 3
	TypeBytes  Type = 4
)

func (t Type) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeU32:
		return "u32"
	case TypeU64:
		return "u64"
	case TypeBytes:
		return "bytes"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

type Field struct {
	ID    uint16
	Type  Type
	Value []byte
}

func String(id uint16, v string) Field { return Field{ID: id, Type: TypeString, Value: []byte(v)} }

func Bytes(id uint16, v []byte) Field { return Field{ID: id, Type: TypeBytes, Value: v} }

func U32(id uint16, v uint32) Field {
	return Field{ID: id, Type: TypeU32, Value: binary.BigEndian.AppendUint32(nil, v)}
}

func U64(id uint16, v uint64) Field {
	return Field{ID: id, Type: TypeU64, Value: binary.BigEndian.AppendUint64(nil, v)}
}

// Fields is a decoded payload in wire order. Ids may repeat.
type Fields []Field

func (fs Fields) Encode() []byte {
	size := 0
	for _, f := range fs {
		size += 3 + binary.MaxVarintLen64 + len(f.Value)
	}
	out := make([]byte, 0, size)
	for _, f := range fs {
		out = binary.BigEndian.AppendUint16(out, f.ID)
		out = append(out, byte(f.Type))
		out = binary.AppendUvarint(out, uint64(len(f.Value)))
		out = append(out, f.Value...)
	}
	return out
}

func Decode(payload []byte) (Fields, error) {
	var fs Fields
	for i := 0; i < len(payload); {
		if len(payload)-i < 4 {
			return nil, ErrShortField
		}
		id := binary.BigEndian.Uint16(payload[i : i+2])
		typ := Type(payload[i+2])
		i += 3
		n, w := binary.Uvarint(payload[i:])
		if w <= 0 {
			return nil, ErrBadLength
		}
		i += w
		if uint64(len(payload)-i) < n {
			return nil, ErrShortValue
		}
		val := make([]byte, n)
		copy(val, payload[i:i+int(n)])
		i += int(n)
		fs = append(fs, Field{ID: id, Type: typ, Value: val})
	}
	return fs, nil
}

// Get returns the first field with id.
func (fs Fields) Get(id uint16) (Field, bool) {
	for _, f := range fs {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// All returns every field with id, in wire order.
func (fs Fields) All(id uint16) []Field {
	var out []Field
	for _, f := range fs {
		if f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

// String returns the first string field with id, or "".
func (fs Fields) String(id uint16) string {
	f, ok := fs.Get(id)
	if !ok || f.Type != TypeString {
		return ""
	}
	return string(f.Value)
}

// Strings returns the values of every string field with id.
func (fs Fields) Strings(id uint16) []string {
	var out []string
	for _, f := range fs.All(id) {
		if f.Type == TypeString {
			out = append(out, string(f.Value))
		}
	}
	return out
}

// Uint32 decodes the first field with id. ok is false when it is absent.
func (fs Fields) Uint32(id uint16) (v uint32, ok bool, err error) {
	f, ok := fs.Get(id)
	if !ok {
		return 0, false, nil
	}
	if f.Type != TypeU32 || len(f.Value) != 4 {
		return 0, true, fmt.Errorf("%w: field %d is %s/%d bytes", ErrTypeMismatch, id, f.Type, len(f.Value))
	}
	return binary.BigEndian.Uint32(f.Value), true, nil
}

// Uint64 decodes the first field with id. ok is false when it is absent.
func (fs Fields) Uint64(id uint16) (v uint64, ok bool, err error) {
	f, ok := fs.Get(id)
	if !ok {
		return 0, false, nil
	}
	if f.Type != TypeU64 || len(f.Value) != 8 {
		return 0, true, fmt.Errorf("%w: field %d is %s/%d bytes", ErrTypeMismatch, id, f.Type, len(f.Value))
	}
	return binary.BigEndian.Uint64(f.Value), true, nil
}
