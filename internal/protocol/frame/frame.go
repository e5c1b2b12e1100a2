// Package frame is the length-prefixed framing of the node to controller
// notice stream. Each frame carries a checksum over its payload.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// HeaderLen is the size of the fixed header:
// magic(4) version(2) flags(2) type(4) id(8) payload_len(4) crc(4).
const HeaderLen = 28

const (
	FlagIsResponse uint16 = 0x01
	FlagIsError    uint16 = 0x02

	// Magic is "EXCH".
	Magic   uint32 = 0x45584348
	Version uint16 = 2
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrBadMagic        = errors.New("frame: bad magic")
	ErrBadVersion      = errors.New("frame: unsupported version")
	ErrChecksum        = errors.New("frame: payload checksum mismatch")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type Header struct {
	Magic       uint32
	Version     uint16
	Flags       uint16
	MessageType uint32
	MessageID   uint64
	PayloadLen  uint32
	Checksum    uint32
}

// Frame is one complete wire message.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits caps decode and encode memory use.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 1 << 20}
}

// ReadFrame reads one frame. The payload is only allocated once the header
// passed magic, version and size checks.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [HeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	h := DecodeHeader(fixed)
	if h.Magic != Magic {
		return Frame{}, fmt.Errorf("%w: %#x", ErrBadMagic, h.Magic)
	}
	if h.Version != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrBadVersion, h.Version)
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, h.PayloadLen, limits.MaxPayloadBytes)
	}
	payload := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}
	if crc32.Checksum(payload, castagnoli) != h.Checksum {
		return Frame{}, ErrChecksum
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame fills in magic, version, length and checksum and writes f as a
// single Write call.
func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	if uint64(len(f.Payload)) > uint64(limits.MaxPayloadBytes) {
		return ErrPayloadTooLarge
	}
	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.PayloadLen = uint32(len(f.Payload))
	h.Checksum = crc32.Checksum(f.Payload, castagnoli)

	buf := make([]byte, 0, HeaderLen+len(f.Payload))
	buf = append(buf, EncodeHeader(h)...)
	buf = append(buf, f.Payload...)
	_, err := w.Write(buf)
	return err
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.Flags)
	binary.BigEndian.PutUint32(buf[8:12], h.MessageType)
	binary.BigEndian.PutUint64(buf[12:20], h.MessageID)
	binary.BigEndian.PutUint32(buf[20:24], h.PayloadLen)
	binary.BigEndian.PutUint32(buf[24:28], h.Checksum)
	return buf
}

func DecodeHeader(b [HeaderLen]byte) Header {
	return Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		Flags:       binary.BigEndian.Uint16(b[6:8]),
		MessageType: binary.BigEndian.Uint32(b[8:12]),
		MessageID:   binary.BigEndian.Uint64(b[12:20]),
		PayloadLen:  binary.BigEndian.Uint32(b[20:24]),
		Checksum:    binary.BigEndian.Uint32(b[24:28]),
	}
}
