package frontend

import (
	"context"
	"time"

	"github.com/danmuck/exchange/internal/registry"
	"github.com/danmuck/exchange/internal/routing"
	"github.com/rs/zerolog/log"
)

const (
	DefaultIdleThreshold = 10 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

// EvictionNotifier reports sessions a node no longer serves.
type EvictionNotifier interface {
	NotifyEvicted(ctx context.Context, kind routing.APIKind, sessionIDs []string)
}

// SweepResult summarizes one sweep tick.
type SweepResult struct {
	Evicted map[routing.APIKind][]string
	Expired int
}

// Sweeper evicts idle sessions and rolls back expired transactions on a
// fixed interval, independent of request handling.
type Sweeper struct {
	registries *registry.Registries
	notifier   EvictionNotifier
	idle       time.Duration
	interval   time.Duration
	now        func() time.Time
}

func NewSweeper(rs *registry.Registries, notifier EvictionNotifier, idle, interval time.Duration) *Sweeper {
	if idle <= 0 {
		idle = DefaultIdleThreshold
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		registries: rs,
		notifier:   notifier,
		idle:       idle,
		interval:   interval,
		now:        time.Now,
	}
}

// Tick runs one sweep across every API kind.
func (s *Sweeper) Tick(ctx context.Context) SweepResult {
	now := s.now()
	res := SweepResult{Evicted: make(map[routing.APIKind][]string)}
	for _, kind := range s.registries.Kinds() {
		reg, _ := s.registries.For(kind)
		res.Expired += reg.ExpireTransactions(ctx, now)
		ids := reg.Sweep(ctx, s.idle, now)
		if len(ids) == 0 {
			continue
		}
		res.Evicted[kind] = ids
		if s.notifier != nil {
			s.notifier.NotifyEvicted(ctx, kind, ids)
		}
	}
	if len(res.Evicted) > 0 || res.Expired > 0 {
		log.Info().
			Int("kinds", len(res.Evicted)).
			Int("transactions_expired", res.Expired).
			Msg("frontend.Sweeper.Tick")
	}
	return res
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
