package submission

import (
	"crypto/ed25519"
	"encoding/binary"
	"strings"
)

// Header names a message and binds it to its sender.
type Header struct {
	MessageID         string `json:"message_id"`
	Origin            string `json:"origin"`
	Destination       string `json:"destination"`
	Service           string `json:"service"`
	OriginFingerprint string `json:"origin_fingerprint"`
	Signature         []byte `json:"signature"`
}

// Payload describes how the message body is split into chunks.
type Payload struct {
	ChunkSize       int   `json:"chunk_size"`
	PlaintextLength int64 `json:"plaintext_length"`
}

type Message struct {
	Header  *Header  `json:"header"`
	Payload *Payload `json:"payload"`
}

type Chunk struct {
	MessageID string `json:"message_id"`
	Position  int    `json:"position"`
	Data      []byte `json:"data"`
	AuthCode  []byte `json:"auth_code"`
}

// TransactionSpec is a client transaction request. Zero TimeoutSeconds means
// the default timeout.
type TransactionSpec struct {
	ID             string `json:"id"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SigningBytes is the canonical byte form covered by Header.Signature.
func (m Message) SigningBytes() []byte {
	var b strings.Builder
	h := m.Header
	if h == nil {
		h = &Header{}
	}
	for _, f := range []string{h.MessageID, h.Origin, h.Destination, h.Service, h.OriginFingerprint} {
		b.WriteString(f)
		b.WriteByte(0)
	}
	out := []byte(b.String())
	if m.Payload != nil {
		out = binary.BigEndian.AppendUint32(out, uint32(m.Payload.ChunkSize))
		out = binary.BigEndian.AppendUint64(out, uint64(m.Payload.PlaintextLength))
	}
	return out
}

// Sign sets the header signature using key.
func (m Message) Sign(key ed25519.PrivateKey) {
	if m.Header == nil {
		return
	}
	m.Header.Signature = ed25519.Sign(key, m.SigningBytes())
}

// ChunkCount is ceil(plaintextLength / chunkSize).
func (p Payload) ChunkCount() int {
	if p.ChunkSize <= 0 || p.PlaintextLength <= 0 {
		return 0
	}
	n := p.PlaintextLength / int64(p.ChunkSize)
	if p.PlaintextLength%int64(p.ChunkSize) != 0 {
		n++
	}
	return int(n)
}
