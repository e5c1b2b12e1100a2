package config

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/danmuck/exchange/internal/scheme"
	"github.com/danmuck/exchange/internal/store"
	"github.com/danmuck/exchange/internal/store/mongostore"
	"github.com/rs/zerolog/log"
)

const (
	StoreMemory = "memory"
	StoreMongo  = "mongo"
)

type StoreConfig struct {
	Driver           string `toml:"driver"`
	URI              string `toml:"uri"`
	Directory        string `toml:"directory"`
	PartitionPrefix  string `toml:"partition_prefix"`
	MaxPoolSize      int    `toml:"max_pool_size"`
	ConnectTimeout   string `toml:"connect_timeout"`
	OperationTimeout string `toml:"operation_timeout"`

	// Fixtures seed the memory driver.
	Zones     []store.Zone     `toml:"zones"`
	Domains   []store.Domain   `toml:"domains"`
	Addresses []store.Address  `toml:"addresses"`
	Services  []store.Service  `toml:"services"`
	Channels  []ChannelFixture `toml:"channels"`
}

// ChannelFixture is a channel with its scheme key as base64.
type ChannelFixture struct {
	store.Channel
	SchemeAlgorithm string `toml:"scheme_algorithm"`
	SchemeKey       string `toml:"scheme_key"`
}

func (f ChannelFixture) channel() (store.Channel, error) {
	ch := f.Channel
	ch.Scheme = scheme.Scheme{Algorithm: scheme.Algorithm(strings.TrimSpace(f.SchemeAlgorithm))}
	if raw := strings.TrimSpace(f.SchemeKey); raw != "" {
		key, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return store.Channel{}, fmt.Errorf("channel %d scheme_key: %w", f.ID, err)
		}
		ch.Scheme.Key = key
	}
	if err := ch.Scheme.Validate(); err != nil {
		return store.Channel{}, fmt.Errorf("channel %d: %w", f.ID, err)
	}
	return ch, nil
}

func (s StoreConfig) Validate() error {
	switch strings.TrimSpace(s.Driver) {
	case StoreMemory, "":
	case StoreMongo:
		if len(s.Zones)+len(s.Domains)+len(s.Addresses)+len(s.Services)+len(s.Channels) > 0 {
			return fmt.Errorf("store fixtures are only supported by the %s driver", StoreMemory)
		}
	default:
		return fmt.Errorf("store driver %q unknown (expected %s or %s)", s.Driver, StoreMemory, StoreMongo)
	}
	for _, f := range s.Channels {
		if _, err := f.channel(); err != nil {
			return err
		}
	}
	if _, err := s.Mongo(); err != nil {
		return err
	}
	return nil
}

// Seed loads the fixtures into m.
func (s StoreConfig) Seed(m *store.Memory) error {
	for _, z := range s.Zones {
		m.PutZone(z)
	}
	for _, d := range s.Domains {
		m.PutDomain(d)
	}
	for _, a := range s.Addresses {
		m.PutAddress(a)
	}
	for _, svc := range s.Services {
		m.PutService(svc)
	}
	for _, f := range s.Channels {
		ch, err := f.channel()
		if err != nil {
			return err
		}
		if err := m.PutChannel(ch); err != nil {
			return fmt.Errorf("seed channel %d: %w", ch.ID, err)
		}
	}
	return nil
}

// Open builds the configured store. The returned close func is never nil.
func (s StoreConfig) Open(ctx context.Context) (store.Store, func(context.Context) error, error) {
	switch strings.TrimSpace(s.Driver) {
	case StoreMongo:
		cfg, err := s.Mongo()
		if err != nil {
			return nil, nil, err
		}
		st, err := mongostore.Connect(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("driver", StoreMongo).Str("directory", cfg.Directory).Msg("config.StoreConfig.Open")
		return st, st.Close, nil
	default:
		m := store.NewMemory()
		if err := s.Seed(m); err != nil {
			return nil, nil, err
		}
		log.Info().
			Str("driver", StoreMemory).
			Int("zones", len(s.Zones)).
			Int("channels", len(s.Channels)).
			Msg("config.StoreConfig.Open")
		return m, func(context.Context) error { return nil }, nil
	}
}
