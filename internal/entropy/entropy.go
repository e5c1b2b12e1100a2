// Package entropy supplies secrets and identifiers to components that need
// them. Generators are constructed at process start and passed explicitly.
package entropy

import (
	"crypto/rand"
	"io"
	mrand "math/rand"
	"sync"

	"github.com/google/uuid"
)

const DefaultSize = 32

// Source produces per-object secrets and unique identifiers.
type Source interface {
	Entropy() []byte
	NewID() string
}

// Crypto draws from crypto/rand.
type Crypto struct {
	size int
}

func NewCrypto(size int) *Crypto {
	if size <= 0 {
		size = DefaultSize
	}
	return &Crypto{size: size}
}

func (c *Crypto) Entropy() []byte {
	buf := make([]byte, c.size)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic("entropy: crypto/rand failed: " + err.Error())
	}
	return buf
}

func (c *Crypto) NewID() string {
	return uuid.NewString()
}

// Seeded is a deterministic source for tests. Same seed, same sequence.
type Seeded struct {
	mu   sync.Mutex
	rng  *mrand.Rand
	size int
}

func NewSeeded(seed int64, size int) *Seeded {
	if size <= 0 {
		size = DefaultSize
	}
	return &Seeded{rng: mrand.New(mrand.NewSource(seed)), size: size}
}

func (s *Seeded) Entropy() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, s.size)
	_, _ = s.rng.Read(buf)
	return buf
}

func (s *Seeded) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := uuid.NewRandomFromReader(s.rng)
	if err != nil {
		panic("entropy: seeded id failed: " + err.Error())
	}
	return id.String()
}
