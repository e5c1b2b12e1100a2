package store

import (
	"strings"
	"time"

	"github.com/danmuck/exchange/internal/routing"
	"github.com/danmuck/exchange/internal/scheme"
)

// Zone is a tenant namespace. Its data lives in Partition.
type Zone struct {
	ID        int64  `json:"id" bson:"_id" toml:"id"`
	Apex      string `json:"apex" bson:"apex" toml:"apex"`
	Partition string `json:"partition" bson:"partition" toml:"partition"`
}

type Domain struct {
	ID     int64  `json:"id" bson:"_id" toml:"id"`
	ZoneID int64  `json:"zone_id" bson:"zone_id" toml:"zone_id"`
	Name   string `json:"name" bson:"name" toml:"name"`
}

type Address struct {
	ID        int64  `json:"id" bson:"_id" toml:"id"`
	DomainID  int64  `json:"domain_id" bson:"domain_id" toml:"domain_id"`
	LocalName string `json:"local_name" bson:"local_name" toml:"local_name"`
}

type Service struct {
	ID     int64  `json:"id" bson:"_id" toml:"id"`
	ZoneID int64  `json:"zone_id" bson:"zone_id" toml:"zone_id"`
	Name   string `json:"name" bson:"name" toml:"name"`
}

// Endpoint is one side of a channel: a domain, optionally narrowed to an address.
type Endpoint struct {
	Domain string `json:"domain" bson:"domain" toml:"domain"`
	Local  string `json:"local,omitempty" bson:"local,omitempty" toml:"local"`
}

func (e Endpoint) String() string {
	if e.Local == "" {
		return e.Domain
	}
	return e.Local + "@" + e.Domain
}

// Channel is an authorized route from Origin to Destination for one service.
type Channel struct {
	ID          int64         `json:"id" bson:"_id" toml:"id"`
	ZoneID      int64         `json:"zone_id" bson:"zone_id" toml:"zone_id"`
	Temporary   bool          `json:"temporary" bson:"temporary" toml:"temporary"`
	Origin      Endpoint      `json:"origin" bson:"origin" toml:"origin"`
	Destination Endpoint      `json:"destination" bson:"destination" toml:"destination"`
	Service     string        `json:"service" bson:"service" toml:"service"`
	Scheme      scheme.Scheme `json:"scheme" bson:"scheme" toml:"-"`
	Open        bool          `json:"open" bson:"open" toml:"open"`
	FlowOpen    bool          `json:"flow_open" bson:"flow_open" toml:"flow_open"`
	// QuotaBytes is the remaining flow allowance; negative means unlimited.
	QuotaBytes int64  `json:"quota_bytes" bson:"quota_bytes" toml:"quota_bytes"`
	RelayHint  string `json:"relay_hint,omitempty" bson:"relay_hint,omitempty" toml:"relay_hint"`
}

func (c Channel) Key(apex string) routing.ChannelKey {
	return routing.ChannelKey{
		Apex:        apex,
		Origin:      c.Origin.String(),
		Destination: c.Destination.String(),
		Service:     c.Service,
	}
}

type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusReady   MessageStatus = "ready"
	StatusError   MessageStatus = "error"
)

// MessageRecord is the durable processing state of one message.
type MessageRecord struct {
	ID              string        `json:"id" bson:"_id"`
	ChannelID       int64         `json:"channel_id" bson:"channel_id"`
	TransactionID   string        `json:"transaction_id" bson:"transaction_id"`
	Origin          string        `json:"origin" bson:"origin"`
	Destination     string        `json:"destination" bson:"destination"`
	Service         string        `json:"service" bson:"service"`
	ChunkSize       int           `json:"chunk_size" bson:"chunk_size"`
	PlaintextLength int64         `json:"plaintext_length" bson:"plaintext_length"`
	ChunkCount      int           `json:"chunk_count" bson:"chunk_count"`
	Status          MessageStatus `json:"status" bson:"status"`
	Reason          string        `json:"reason,omitempty" bson:"reason,omitempty"`
	CreatedAt       time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at" bson:"updated_at"`
}

type ChunkRecord struct {
	MessageID string `json:"message_id" bson:"message_id"`
	Position  int    `json:"position" bson:"position"`
	Data      []byte `json:"data" bson:"data"`
}

// ParseEndpoint is the inverse of Endpoint.String.
func ParseEndpoint(raw string) Endpoint {
	if i := strings.LastIndex(raw, "@"); i >= 0 {
		return Endpoint{Local: raw[:i], Domain: raw[i+1:]}
	}
	return Endpoint{Domain: raw}
}
