// Package mongostore implements store.Store on MongoDB. Directory records live
// in one database; each zone partition maps to its own database.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/exchange/internal/store"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	collZones     = "zones"
	collDomains   = "domains"
	collAddresses = "addresses"
	collServices  = "services"
	collChannels  = "channels"
	collMessages  = "messages"
	collChunks    = "chunks"
	collCounters  = "counters"
)

type Config struct {
	URI              string
	AppName          string
	Directory        string
	PartitionPrefix  string
	MinPoolSize      uint64
	MaxPoolSize      uint64
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		URI:              "mongodb://127.0.0.1:27017",
		AppName:          "exchange",
		Directory:        "exchange_directory",
		PartitionPrefix:  "exchange_",
		MinPoolSize:      2,
		MaxPoolSize:      32,
		ConnectTimeout:   10 * time.Second,
		OperationTimeout: 5 * time.Second,
	}
}

type Store struct {
	cfg       Config
	client    *mongo.Client
	directory *mongo.Database
	leases    *store.Leases

	indexed sync.Map
}

// Connect dials MongoDB, verifies the connection and prepares directory indexes.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.URI) == "" {
		cfg.URI = def.URI
	}
	if cfg.Directory == "" {
		cfg.Directory = def.Directory
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = def.OperationTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}

	opts := options.Client().ApplyURI(cfg.URI).SetAppName(cfg.AppName)
	if cfg.MinPoolSize > 0 {
		opts.SetMinPoolSize(cfg.MinPoolSize)
	}
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetTimeout(cfg.OperationTimeout)
	opts.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				log.Debug().Str("address", evt.Address).Msg("mongostore.pool connection created")
			case event.ConnectionClosed:
				log.Debug().Str("address", evt.Address).Str("reason", evt.Reason).Msg("mongostore.pool connection closed")
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}

	s := &Store{
		cfg:       cfg,
		client:    client,
		directory: client.Database(cfg.Directory),
		leases:    store.NewLeases(),
	}
	if err := s.ensureDirectoryIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	log.Info().Str("directory", cfg.Directory).Msg("mongostore.Connect ready")
	return s, nil
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Store) Leases() *store.Leases {
	return s.leases
}

func (s *Store) ensureDirectoryIndexes(ctx context.Context) error {
	_, err := s.directory.Collection(collZones).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "apex", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("zones_apex_unique"),
	})
	if err != nil {
		return fmt.Errorf("mongostore: zone indexes: %w", err)
	}
	return nil
}

func (s *Store) ensurePartitionIndexes(ctx context.Context, db *mongo.Database) error {
	if _, done := s.indexed.Load(db.Name()); done {
		return nil
	}
	_, err := db.Collection(collChannels).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "zone_id", Value: 1},
			{Key: "origin.domain", Value: 1},
			{Key: "origin.local", Value: 1},
			{Key: "destination.domain", Value: 1},
			{Key: "destination.local", Value: 1},
			{Key: "service", Value: 1},
		},
		Options: options.Index().SetName("channels_route"),
	})
	if err != nil {
		return fmt.Errorf("mongostore: channel indexes: %w", err)
	}
	_, err = db.Collection(collChunks).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "message_id", Value: 1}, {Key: "position", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("chunks_message_position_unique"),
	})
	if err != nil {
		return fmt.Errorf("mongostore: chunk indexes: %w", err)
	}
	s.indexed.Store(db.Name(), struct{}{})
	return nil
}

func (s *Store) AcquirePartition(ctx context.Context, zoneID int64) (context.Context, func(), error) {
	z, err := s.FindZone(ctx, zoneID)
	if err != nil {
		return ctx, func() {}, err
	}
	db := s.client.Database(s.cfg.PartitionPrefix + z.Partition)
	if err := s.ensurePartitionIndexes(ctx, db); err != nil {
		return ctx, func() {}, err
	}
	pctx, release := s.leases.Acquire(ctx, z.Partition)
	return pctx, release, nil
}

func (s *Store) partition(ctx context.Context) (*mongo.Database, error) {
	p, ok := store.PartitionFrom(ctx)
	if !ok {
		return nil, store.ErrNoPartition
	}
	return s.client.Database(s.cfg.PartitionPrefix + p), nil
}

func (s *Store) collection(ctx context.Context, name string) (*mongo.Collection, error) {
	db, err := s.partition(ctx)
	if err != nil {
		return nil, err
	}
	return db.Collection(name), nil
}

func mapErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%w: %s", store.ErrNotFound, what)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %s", store.ErrDuplicate, what)
	default:
		return fmt.Errorf("mongostore: %s: %w", what, err)
	}
}

func findOne[T any](ctx context.Context, coll *mongo.Collection, filter any, what string) (T, error) {
	var out T
	err := coll.FindOne(ctx, filter).Decode(&out)
	return out, mapErr(err, what)
}

func (s *Store) FindZone(ctx context.Context, id int64) (store.Zone, error) {
	return findOne[store.Zone](ctx, s.directory.Collection(collZones), bson.M{"_id": id}, fmt.Sprintf("zone %d", id))
}

func (s *Store) FindZoneByApex(ctx context.Context, apex string) (store.Zone, error) {
	return findOne[store.Zone](ctx, s.directory.Collection(collZones), bson.M{"apex": apex}, fmt.Sprintf("zone apex %q", apex))
}

func (s *Store) FindDomain(ctx context.Context, id int64) (store.Domain, error) {
	return findOne[store.Domain](ctx, s.directory.Collection(collDomains), bson.M{"_id": id}, fmt.Sprintf("domain %d", id))
}

func (s *Store) FindAddress(ctx context.Context, id int64) (store.Address, error) {
	return findOne[store.Address](ctx, s.directory.Collection(collAddresses), bson.M{"_id": id}, fmt.Sprintf("address %d", id))
}

func (s *Store) FindService(ctx context.Context, id int64) (store.Service, error) {
	return findOne[store.Service](ctx, s.directory.Collection(collServices), bson.M{"_id": id}, fmt.Sprintf("service %d", id))
}

// PutDirectory upserts directory records, used when loading fixtures.
func (s *Store) PutDirectory(ctx context.Context, zones []store.Zone, domains []store.Domain, addresses []store.Address, services []store.Service) error {
	upsert := options.Replace().SetUpsert(true)
	for _, z := range zones {
		if _, err := s.directory.Collection(collZones).ReplaceOne(ctx, bson.M{"_id": z.ID}, z, upsert); err != nil {
			return mapErr(err, fmt.Sprintf("zone %d", z.ID))
		}
	}
	for _, d := range domains {
		if _, err := s.directory.Collection(collDomains).ReplaceOne(ctx, bson.M{"_id": d.ID}, d, upsert); err != nil {
			return mapErr(err, fmt.Sprintf("domain %d", d.ID))
		}
	}
	for _, a := range addresses {
		if _, err := s.directory.Collection(collAddresses).ReplaceOne(ctx, bson.M{"_id": a.ID}, a, upsert); err != nil {
			return mapErr(err, fmt.Sprintf("address %d", a.ID))
		}
	}
	for _, svc := range services {
		if _, err := s.directory.Collection(collServices).ReplaceOne(ctx, bson.M{"_id": svc.ID}, svc, upsert); err != nil {
			return mapErr(err, fmt.Sprintf("service %d", svc.ID))
		}
	}
	return nil
}
