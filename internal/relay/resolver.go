package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/exchange/internal/registry"
	"github.com/danmuck/exchange/internal/store"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
)

var ErrNoRoute = errors.New("relay: no route for channel")

const (
	DefaultCacheSize = 1024
	DefaultCacheTTL  = 10 * time.Minute
)

// Resolver maps a channel to the address of its next hop.
type Resolver interface {
	Resolve(ctx context.Context, cc *registry.ChannelContext, fresh bool) (string, error)
}

// StoreResolver reads the channel's relay hint from the store, falling back
// to a per-destination-domain table.
type StoreResolver struct {
	store    store.Store
	fallback map[string]string
}

func NewStoreResolver(st store.Store, fallback map[string]string) *StoreResolver {
	routes := make(map[string]string, len(fallback))
	for domain, addr := range fallback {
		routes[strings.ToLower(domain)] = addr
	}
	return &StoreResolver{store: st, fallback: routes}
}

func (r *StoreResolver) Resolve(ctx context.Context, cc *registry.ChannelContext, _ bool) (string, error) {
	pctx, release, err := r.store.AcquirePartition(ctx, cc.ZoneID)
	if err != nil {
		return "", err
	}
	defer release()
	ch, err := r.store.FindChannel(pctx, cc.Channel.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", Terminal(err)
		}
		return "", err
	}
	if ch.RelayHint != "" {
		return ch.RelayHint, nil
	}
	if addr, ok := r.fallback[strings.ToLower(ch.Destination.Domain)]; ok {
		return addr, nil
	}
	return "", Terminal(fmt.Errorf("%w: %s", ErrNoRoute, cc.Key))
}

// CachingResolver keeps resolved addresses in an expiring LRU keyed by
// channel key. A fresh resolve bypasses and replaces the cached entry.
type CachingResolver struct {
	next  Resolver
	cache *expirable.LRU[string, string]
}

func NewCachingResolver(next Resolver, size int, ttl time.Duration) *CachingResolver {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachingResolver{
		next:  next,
		cache: expirable.NewLRU[string, string](size, nil, ttl),
	}
}

func (r *CachingResolver) Resolve(ctx context.Context, cc *registry.ChannelContext, fresh bool) (string, error) {
	key := cc.Key.String()
	if !fresh {
		if addr, ok := r.cache.Get(key); ok {
			return addr, nil
		}
	} else {
		r.cache.Remove(key)
	}
	addr, err := r.next.Resolve(ctx, cc, fresh)
	if err != nil {
		return "", err
	}
	r.cache.Add(key, addr)
	log.Debug().Str("channel", key).Str("address", addr).Bool("fresh", fresh).Msg("relay.CachingResolver.Resolve resolved")
	return addr, nil
}

func (r *CachingResolver) Len() int {
	return r.cache.Len()
}
