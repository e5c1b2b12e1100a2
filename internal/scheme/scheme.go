// Package scheme computes and checks chunk authentication codes for the
// algorithm agreed on a channel.
package scheme

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"
)

type Algorithm string

const (
	AlgorithmBlake2b    Algorithm = "blake2b-256"
	AlgorithmHMACSHA256 Algorithm = "hmac-sha256"
	AlgorithmNone       Algorithm = "none"
)

var (
	ErrUnknownAlgorithm = errors.New("scheme: unknown algorithm")
	ErrInvalidKey       = errors.New("scheme: invalid key")
	ErrMismatch         = errors.New("scheme: authentication code mismatch")
)

// Scheme is a channel's chunk authentication setup.
type Scheme struct {
	Algorithm Algorithm `json:"algorithm" bson:"algorithm"`
	Key       []byte    `json:"key" bson:"key"`
}

func (s Scheme) Validate() error {
	switch s.Algorithm {
	case AlgorithmNone, "":
		return nil
	case AlgorithmBlake2b:
		if len(s.Key) == 0 || len(s.Key) > blake2b.Size {
			return fmt.Errorf("%w: blake2b key length %d", ErrInvalidKey, len(s.Key))
		}
		return nil
	case AlgorithmHMACSHA256:
		if len(s.Key) == 0 {
			return fmt.Errorf("%w: empty hmac key", ErrInvalidKey)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s.Algorithm)
	}
}

// Sign returns the authentication code for one chunk.
func (s Scheme) Sign(messageID string, position int, data []byte) ([]byte, error) {
	if s.disabled() {
		return nil, nil
	}
	h, err := s.newHash()
	if err != nil {
		return nil, err
	}
	writeInput(h, messageID, position, data)
	return h.Sum(nil), nil
}

// Verify checks code against the expected value in constant time.
func (s Scheme) Verify(messageID string, position int, data, code []byte) error {
	if s.disabled() {
		return nil
	}
	want, err := s.Sign(messageID, position, data)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, code) != 1 {
		return ErrMismatch
	}
	return nil
}

// An empty algorithm is treated as AlgorithmNone.
func (s Scheme) disabled() bool {
	return s.Algorithm == AlgorithmNone || s.Algorithm == ""
}

func (s Scheme) newHash() (hash.Hash, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	switch s.Algorithm {
	case AlgorithmBlake2b:
		return blake2b.New256(s.Key)
	default:
		return hmac.New(sha256.New, s.Key), nil
	}
}

// writeInput frames the MAC input as messageID || 0x00 || u32(position) || data.
func writeInput(h hash.Hash, messageID string, position int, data []byte) {
	var pos [4]byte
	binary.BigEndian.PutUint32(pos[:], uint32(position))
	h.Write([]byte(messageID))
	h.Write([]byte{0})
	h.Write(pos[:])
	h.Write(data)
}
