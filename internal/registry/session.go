package registry

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/exchange/internal/identity"
	"github.com/danmuck/exchange/internal/routing"
	"github.com/danmuck/exchange/internal/store"
)

var (
	ErrSessionClosed         = errors.New("registry: session closed")
	ErrMessagePending        = errors.New("registry: message already pending")
	ErrTransactionNotFound   = errors.New("registry: transaction not found")
	ErrTransactionDone       = errors.New("registry: transaction already finalized")
	ErrTransactionIncomplete = errors.New("registry: transaction incomplete")
)

// Session is node-local state for one placed client session.
type Session struct {
	ID           string
	Kind         routing.APIKind
	ControllerID string
	CreatedAt    time.Time

	Zone    store.Zone
	Domain  *store.Domain
	Address *store.Address
	Service *store.Service
	Channel *store.Channel

	lastUsed atomic.Int64

	mu         sync.RWMutex
	extensions map[string]string
	identities map[string]identity.Identity
	channels   map[string]*ChannelContext
	txns       map[string]*TransactionContext
	pending    map[string]*PendingMessage
	release    func()
	closed     bool
}

func newSession(id string, kind routing.APIKind, controllerID string, now time.Time) *Session {
	s := &Session{
		ID:           id,
		Kind:         kind,
		ControllerID: controllerID,
		CreatedAt:    now,
		extensions:   make(map[string]string),
		identities:   make(map[string]identity.Identity),
		channels:     make(map[string]*ChannelContext),
		txns:         make(map[string]*TransactionContext),
		pending:      make(map[string]*PendingMessage),
		release:      func() {},
	}
	s.lastUsed.Store(now.UnixNano())
	return s
}

func (s *Session) Touch(now time.Time) {
	s.lastUsed.Store(now.UnixNano())
}

func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// SenderAddress is local@domain for sessions bound to an address.
func (s *Session) SenderAddress() string {
	if s.Address == nil || s.Domain == nil {
		return ""
	}
	return store.Endpoint{Domain: s.Domain.Name, Local: s.Address.LocalName}.String()
}

// Key rebuilds the sticky routing key from the resolved store entities.
func (s *Session) Key() string {
	switch s.Kind {
	case routing.KindSubmission:
		if s.Address == nil || s.Domain == nil {
			return ""
		}
		return routing.SubmissionKey(s.Zone.Apex, s.Address.LocalName, s.Domain.Name)
	case routing.KindDelivery:
		if s.Address == nil || s.Domain == nil || s.Service == nil {
			return ""
		}
		return routing.DeliveryKey(s.Zone.Apex, s.Address.LocalName, s.Domain.Name, s.Service.Name)
	case routing.KindAdmin:
		if s.Domain == nil {
			return routing.AdminKey(s.Zone.Apex, "")
		}
		return routing.AdminKey(s.Zone.Apex, s.Domain.Name)
	case routing.KindRelay:
		if s.Channel == nil {
			return ""
		}
		return routing.RelayKey(s.Zone.Apex, s.Channel.Origin.String(), s.Channel.Destination.String(), s.Channel.Service)
	default:
		return ""
	}
}

func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) Authorized(fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.identities[fingerprint]
	return ok
}

func (s *Session) Identities() []identity.Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]identity.Identity, 0, len(s.identities))
	for _, id := range s.identities {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

func (s *Session) addIdentity(id identity.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[id.Fingerprint] = id
}

func (s *Session) removeIdentity(fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[fingerprint]; !ok {
		return false
	}
	delete(s.identities, fingerprint)
	return true
}

func (s *Session) SetExtension(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.extensions[key] = value
}

func (s *Session) Extension(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.extensions[key]
	return v, ok
}

func (s *Session) Extensions() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.extensions)
}

func (s *Session) ChannelContext(key string) (*ChannelContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cc, ok := s.channels[key]
	return cc, ok
}

// PutChannelContext caches cc unless another worker won the race, in which
// case the existing context is returned.
func (s *Session) PutChannelContext(cc *ChannelContext) *ChannelContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cc.Key.String()
	if existing, ok := s.channels[key]; ok {
		return existing
	}
	s.channels[key] = cc
	return cc
}

func (s *Session) InvalidateChannel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, key)
}

func (s *Session) Transaction(id string) (*TransactionContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.txns[id]
	return t, ok
}

// RegisterMessage records p under txn, inserting txn if it is not yet known.
// A txn already taken by commit, rollback or expiry is never revived.
func (s *Session) RegisterMessage(txn *TransactionContext, p *PendingMessage) (*TransactionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if txn.done {
		return nil, ErrTransactionDone
	}
	if _, dup := s.pending[p.ID]; dup {
		return nil, ErrMessagePending
	}
	if existing, ok := s.txns[txn.ID]; ok {
		txn = existing
	} else {
		s.txns[txn.ID] = txn
	}
	p.TransactionID = txn.ID
	s.pending[p.ID] = p
	txn.AddMember(p.ID)
	return txn, nil
}

func (s *Session) Pending(messageID string) (*PendingMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pending[messageID]
	return p, ok
}

// HasPending reports whether messageID is in flight in this session.
func (s *Session) HasPending(messageID string) bool {
	_, ok := s.Pending(messageID)
	return ok
}

// TakeTransaction removes txn and all of its pending members from the session
// and returns the removed transaction.
func (s *Session) TakeTransaction(id string) (*TransactionContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok {
		return nil, false
	}
	s.takeLocked(t)
	return t, true
}

// TakeCompleteTransaction removes txn only if every member has all of its
// chunks, and returns the members in id order. On ErrTransactionIncomplete
// the transaction stays registered.
func (s *Session) TakeCompleteTransaction(id string) (*TransactionContext, []*PendingMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok {
		return nil, nil, ErrTransactionNotFound
	}
	members := t.Members()
	out := make([]*PendingMessage, 0, len(members))
	for _, mid := range members {
		p, ok := s.pending[mid]
		if !ok || !p.IsComplete() {
			return nil, nil, fmt.Errorf("%w: message %s", ErrTransactionIncomplete, mid)
		}
		out = append(out, p)
	}
	s.takeLocked(t)
	return t, out, nil
}

func (s *Session) takeLocked(t *TransactionContext) {
	t.done = true
	delete(s.txns, t.ID)
	for _, mid := range t.Members() {
		delete(s.pending, mid)
	}
}

// expiredTransactions removes and returns every transaction past its deadline.
func (s *Session) expiredTransactions(now time.Time) []*TransactionContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*TransactionContext, 0)
	for _, t := range s.txns {
		if t.Expired(now) {
			out = append(out, t)
		}
	}
	for _, t := range out {
		s.takeLocked(t)
	}
	return out
}

func (s *Session) TransactionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.txns)
}

// close marks the session closed and returns every in-flight message id
// plus the partition release.
func (s *Session) close() ([]string, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, func() {}
	}
	s.closed = true
	for _, t := range s.txns {
		t.done = true
	}
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	s.pending = make(map[string]*PendingMessage)
	s.txns = make(map[string]*TransactionContext)
	s.channels = make(map[string]*ChannelContext)
	release := s.release
	s.release = func() {}
	return ids, release
}

// Info is a read-only session summary.
type Info struct {
	ID           string          `json:"id"`
	Kind         routing.APIKind `json:"kind"`
	ControllerID string          `json:"controller_id"`
	ZoneID       int64           `json:"zone_id"`
	CreatedAt    time.Time       `json:"created_at"`
	LastUsedAt   time.Time       `json:"last_used_at"`
	Identities   int             `json:"identities"`
	Transactions int             `json:"transactions"`
}

func (s *Session) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Info{
		ID:           s.ID,
		Kind:         s.Kind,
		ControllerID: s.ControllerID,
		ZoneID:       s.Zone.ID,
		CreatedAt:    s.CreatedAt,
		LastUsedAt:   s.LastUsed(),
		Identities:   len(s.identities),
		Transactions: len(s.txns),
	}
}
