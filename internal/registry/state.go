package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/danmuck/exchange/internal/routing"
	"github.com/danmuck/exchange/internal/store"
)

// ChannelContext is a session's cached view of one channel.
type ChannelContext struct {
	ZoneID  int64
	Key     routing.ChannelKey
	Channel store.Channel

	mu        sync.RWMutex
	relayAddr string
}

func NewChannelContext(zoneID int64, key routing.ChannelKey, ch store.Channel) *ChannelContext {
	return &ChannelContext{ZoneID: zoneID, Key: key, Channel: ch, relayAddr: ch.RelayHint}
}

// RelayAddress is the last address a relay to this channel succeeded on.
func (c *ChannelContext) RelayAddress() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.relayAddr
}

func (c *ChannelContext) SetRelayAddress(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relayAddr = addr
}

// TransactionContext buffers the messages submitted under one transaction.
type TransactionContext struct {
	ID        string
	Synthetic bool
	Timeout   time.Duration
	Deadline  time.Time
	Entropy   []byte

	mu      sync.Mutex
	members map[string]struct{}

	// done is set under the owning session's lock once the transaction has
	// left the session.
	done bool
}

func NewTransactionContext(id string, synthetic bool, timeout time.Duration, now time.Time, entropy []byte) *TransactionContext {
	return &TransactionContext{
		ID:        id,
		Synthetic: synthetic,
		Timeout:   timeout,
		Deadline:  now.Add(timeout),
		Entropy:   entropy,
		members:   make(map[string]struct{}),
	}
}

func (t *TransactionContext) Expired(now time.Time) bool {
	return !now.Before(t.Deadline)
}

func (t *TransactionContext) AddMember(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.members[messageID] = struct{}{}
}

func (t *TransactionContext) RemoveMember(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.members, messageID)
}

// Members returns member message ids in sorted order.
func (t *TransactionContext) Members() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.members))
	for id := range t.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PendingMessage is one message whose chunks are still being accepted or
// whose transaction has not completed. Next and Complete are guarded by the
// embedded mutex. Never take a session lock while holding it.
type PendingMessage struct {
	sync.Mutex

	ID              string
	TransactionID   string
	Record          store.MessageRecord
	ChunkSize       int
	PlaintextLength int64
	ChunkCount      int
	Channel         *ChannelContext
	Entropy         []byte

	Next     int
	Complete bool
}

// ChunkLength is the exact byte length expected at position.
func (p *PendingMessage) ChunkLength(position int) int {
	if position < p.ChunkCount-1 {
		return p.ChunkSize
	}
	last := int(p.PlaintextLength - int64(p.ChunkSize)*int64(p.ChunkCount-1))
	return last
}

// IsComplete reads Complete under the lock.
func (p *PendingMessage) IsComplete() bool {
	p.Lock()
	defer p.Unlock()
	return p.Complete
}
