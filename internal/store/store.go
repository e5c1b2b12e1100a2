// Package store is the persistence boundary consumed by the exchange core.
package store

import (
	"context"
	"errors"

	"github.com/danmuck/exchange/internal/routing"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrDuplicate     = errors.New("store: duplicate")
	ErrChannelClosed = errors.New("store: channel closed")
	ErrFlowClosed    = errors.New("store: flow closed")
	ErrNoPartition   = errors.New("store: no partition associated")
)

// Directory resolves zone-level records. Directory reads need no partition.
type Directory interface {
	FindZone(ctx context.Context, id int64) (Zone, error)
	FindZoneByApex(ctx context.Context, apex string) (Zone, error)
	FindDomain(ctx context.Context, id int64) (Domain, error)
	FindAddress(ctx context.Context, id int64) (Address, error)
	FindService(ctx context.Context, id int64) (Service, error)
}

// Channels reads and writes channel records in the associated partition.
type Channels interface {
	FindChannel(ctx context.Context, id int64) (Channel, error)
	FindChannelByKey(ctx context.Context, zoneID int64, key routing.ChannelKey) (Channel, error)
	SearchChannels(ctx context.Context, zoneID int64, origin string) ([]Channel, error)
	CreateChannel(ctx context.Context, ch Channel) (Channel, error)
	UpdateChannel(ctx context.Context, ch Channel) error
	// PrecommitFlow reserves size bytes of flow quota on a channel.
	PrecommitFlow(ctx context.Context, channelID int64, size int64) error
}

// Messages persists message and chunk state in the associated partition.
type Messages interface {
	CreateMessage(ctx context.Context, rec MessageRecord) error
	PutChunk(ctx context.Context, chunk ChunkRecord) error
	MarkReady(ctx context.Context, ids []string) error
	MarkRelayFailed(ctx context.Context, id string, reason string) error
	DiscardMessages(ctx context.Context, ids []string) error
	LoadMessage(ctx context.Context, id string) (MessageRecord, error)
	LoadChunks(ctx context.Context, id string) ([]ChunkRecord, error)
}

// Partitions associates a zone's storage partition with a call scope.
// The returned release must run on every exit path.
type Partitions interface {
	AcquirePartition(ctx context.Context, zoneID int64) (context.Context, func(), error)
}

type Store interface {
	Directory
	Channels
	Messages
	Partitions
}
