package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/exchange/internal/routing"
)

type shard struct {
	channels map[int64]Channel
	messages map[string]MessageRecord
	chunks   map[string]map[int][]byte
}

func newShard() *shard {
	return &shard{
		channels: make(map[int64]Channel),
		messages: make(map[string]MessageRecord),
		chunks:   make(map[string]map[int][]byte),
	}
}

// Memory is an in-process Store. Channel and message data is sharded by
// partition, so every such call must run under AcquirePartition.
type Memory struct {
	mu sync.RWMutex

	zones     map[int64]Zone
	domains   map[int64]Domain
	addresses map[int64]Address
	services  map[int64]Service
	shards    map[string]*shard
	nextID    int64

	leases *Leases
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		zones:     make(map[int64]Zone),
		domains:   make(map[int64]Domain),
		addresses: make(map[int64]Address),
		services:  make(map[int64]Service),
		shards:    make(map[string]*shard),
		nextID:    1000,
		leases:    NewLeases(),
		now:       time.Now,
	}
}

// Leases exposes outstanding partition associations.
func (m *Memory) Leases() *Leases {
	return m.leases
}

func (m *Memory) PutZone(z Zone) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if z.Partition == "" {
		z.Partition = "default"
	}
	m.zones[z.ID] = z
	if _, ok := m.shards[z.Partition]; !ok {
		m.shards[z.Partition] = newShard()
	}
}

func (m *Memory) PutDomain(d Domain) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains[d.ID] = d
}

func (m *Memory) PutAddress(a Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addresses[a.ID] = a
}

func (m *Memory) PutService(s Service) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services[s.ID] = s
}

// PutChannel stores ch in its zone's partition, bypassing partition scoping.
func (m *Memory) PutChannel(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zones[ch.ZoneID]
	if !ok {
		return fmt.Errorf("%w: zone %d", ErrNotFound, ch.ZoneID)
	}
	m.shards[z.Partition].channels[ch.ID] = ch
	return nil
}

func (m *Memory) AcquirePartition(ctx context.Context, zoneID int64) (context.Context, func(), error) {
	m.mu.RLock()
	z, ok := m.zones[zoneID]
	m.mu.RUnlock()
	if !ok {
		return ctx, func() {}, fmt.Errorf("%w: zone %d", ErrNotFound, zoneID)
	}
	pctx, release := m.leases.Acquire(ctx, z.Partition)
	return pctx, release, nil
}

func (m *Memory) FindZone(_ context.Context, id int64) (Zone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	z, ok := m.zones[id]
	if !ok {
		return Zone{}, fmt.Errorf("%w: zone %d", ErrNotFound, id)
	}
	return z, nil
}

func (m *Memory) FindZoneByApex(_ context.Context, apex string) (Zone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, z := range m.zones {
		if z.Apex == apex {
			return z, nil
		}
	}
	return Zone{}, fmt.Errorf("%w: zone apex %q", ErrNotFound, apex)
}

func (m *Memory) FindDomain(_ context.Context, id int64) (Domain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.domains[id]
	if !ok {
		return Domain{}, fmt.Errorf("%w: domain %d", ErrNotFound, id)
	}
	return d, nil
}

func (m *Memory) FindAddress(_ context.Context, id int64) (Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.addresses[id]
	if !ok {
		return Address{}, fmt.Errorf("%w: address %d", ErrNotFound, id)
	}
	return a, nil
}

func (m *Memory) FindService(_ context.Context, id int64) (Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.services[id]
	if !ok {
		return Service{}, fmt.Errorf("%w: service %d", ErrNotFound, id)
	}
	return s, nil
}

// shardFor must be called with m.mu held.
func (m *Memory) shardFor(ctx context.Context) (*shard, error) {
	p, ok := PartitionFrom(ctx)
	if !ok {
		return nil, ErrNoPartition
	}
	sh, ok := m.shards[p]
	if !ok {
		sh = newShard()
		m.shards[p] = sh
	}
	return sh, nil
}

func (m *Memory) FindChannel(ctx context.Context, id int64) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, err := m.shardFor(ctx)
	if err != nil {
		return Channel{}, err
	}
	ch, ok := sh.channels[id]
	if !ok {
		return Channel{}, fmt.Errorf("%w: channel %d", ErrNotFound, id)
	}
	return ch, nil
}

func (m *Memory) FindChannelByKey(ctx context.Context, zoneID int64, key routing.ChannelKey) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, err := m.shardFor(ctx)
	if err != nil {
		return Channel{}, err
	}
	for _, ch := range sh.channels {
		if ch.ZoneID == zoneID && ch.Key(key.Apex) == key {
			return ch, nil
		}
	}
	return Channel{}, fmt.Errorf("%w: channel %s", ErrNotFound, key)
}

func (m *Memory) SearchChannels(ctx context.Context, zoneID int64, origin string) ([]Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, err := m.shardFor(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Channel, 0)
	for _, ch := range sh.channels {
		if ch.ZoneID != zoneID {
			continue
		}
		if origin != "" && ch.Origin.String() != origin && ch.Origin.Domain != origin {
			continue
		}
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) CreateChannel(ctx context.Context, ch Channel) (Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, err := m.shardFor(ctx)
	if err != nil {
		return Channel{}, err
	}
	if ch.ID == 0 {
		m.nextID++
		ch.ID = m.nextID
	}
	if _, ok := sh.channels[ch.ID]; ok {
		return Channel{}, fmt.Errorf("%w: channel %d", ErrDuplicate, ch.ID)
	}
	sh.channels[ch.ID] = ch
	return ch, nil
}

func (m *Memory) UpdateChannel(ctx context.Context, ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, err := m.shardFor(ctx)
	if err != nil {
		return err
	}
	if _, ok := sh.channels[ch.ID]; !ok {
		return fmt.Errorf("%w: channel %d", ErrNotFound, ch.ID)
	}
	sh.channels[ch.ID] = ch
	return nil
}

func (m *Memory) PrecommitFlow(ctx context.Context, channelID int64, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, err := m.shardFor(ctx)
	if err != nil {
		return err
	}
	ch, ok := sh.channels[channelID]
	if !ok {
		return fmt.Errorf("%w: channel %d", ErrNotFound, channelID)
	}
	if !ch.Open {
		return ErrChannelClosed
	}
	if !ch.FlowOpen {
		return ErrFlowClosed
	}
	if ch.QuotaBytes >= 0 {
		if ch.QuotaBytes < size {
			return fmt.Errorf("%w: quota exhausted", ErrFlowClosed)
		}
		ch.QuotaBytes -= size
		sh.channels[channelID] = ch
	}
	return nil
}

func (m *Memory) CreateMessage(ctx context.Context, rec MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, err := m.shardFor(ctx)
	if err != nil {
		return err
	}
	if _, ok := sh.messages[rec.ID]; ok {
		return fmt.Errorf("%w: message %s", ErrDuplicate, rec.ID)
	}
	now := m.now()
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	sh.messages[rec.ID] = rec
	return nil
}

func (m *Memory) PutChunk(ctx context.Context, chunk ChunkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, err := m.shardFor(ctx)
	if err != nil {
		return err
	}
	if _, ok := sh.messages[chunk.MessageID]; !ok {
		return fmt.Errorf("%w: message %s", ErrNotFound, chunk.MessageID)
	}
	byPos, ok := sh.chunks[chunk.MessageID]
	if !ok {
		byPos = make(map[int][]byte)
		sh.chunks[chunk.MessageID] = byPos
	}
	byPos[chunk.Position] = slices.Clone(chunk.Data)
	return nil
}

func (m *Memory) MarkReady(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, err := m.shardFor(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, ok := sh.messages[id]; !ok {
			return fmt.Errorf("%w: message %s", ErrNotFound, id)
		}
	}
	now := m.now()
	for _, id := range ids {
		rec := sh.messages[id]
		rec.Status = StatusReady
		rec.UpdatedAt = now
		sh.messages[id] = rec
	}
	return nil
}

func (m *Memory) MarkRelayFailed(ctx context.Context, id string, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, err := m.shardFor(ctx)
	if err != nil {
		return err
	}
	rec, ok := sh.messages[id]
	if !ok {
		return fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	rec.Status = StatusError
	rec.Reason = reason
	rec.UpdatedAt = m.now()
	sh.messages[id] = rec
	return nil
}

func (m *Memory) DiscardMessages(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, err := m.shardFor(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		delete(sh.messages, id)
		delete(sh.chunks, id)
	}
	return nil
}

func (m *Memory) LoadMessage(ctx context.Context, id string) (MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, err := m.shardFor(ctx)
	if err != nil {
		return MessageRecord{}, err
	}
	rec, ok := sh.messages[id]
	if !ok {
		return MessageRecord{}, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	return rec, nil
}

func (m *Memory) LoadChunks(ctx context.Context, id string) ([]ChunkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sh, err := m.shardFor(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := sh.messages[id]; !ok {
		return nil, fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	byPos := sh.chunks[id]
	out := make([]ChunkRecord, 0, len(byPos))
	for pos, data := range byPos {
		out = append(out, ChunkRecord{MessageID: id, Position: pos, Data: slices.Clone(data)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}
