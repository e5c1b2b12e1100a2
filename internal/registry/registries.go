package registry

import (
	"context"
	"time"

	"github.com/danmuck/exchange/internal/routing"
	"github.com/danmuck/exchange/internal/store"
)

// Registries holds one Registry per served API kind.
type Registries struct {
	kinds  []routing.APIKind
	byKind map[routing.APIKind]*Registry
}

func NewRegistries(st store.Store, kinds ...routing.APIKind) *Registries {
	if len(kinds) == 0 {
		kinds = routing.Kinds()
	}
	rs := &Registries{byKind: make(map[routing.APIKind]*Registry, len(kinds))}
	for _, k := range kinds {
		if _, dup := rs.byKind[k]; dup {
			continue
		}
		rs.kinds = append(rs.kinds, k)
		rs.byKind[k] = New(k, st)
	}
	return rs
}

func (rs *Registries) SetClock(now func() time.Time) {
	for _, r := range rs.byKind {
		r.SetClock(now)
	}
}

func (rs *Registries) Kinds() []routing.APIKind {
	out := make([]routing.APIKind, len(rs.kinds))
	copy(out, rs.kinds)
	return out
}

func (rs *Registries) For(kind routing.APIKind) (*Registry, bool) {
	r, ok := rs.byKind[kind]
	return r, ok
}

// Find locates a session by id in any registry.
func (rs *Registries) Find(sessionID string) (*Registry, *Session, bool) {
	for _, k := range rs.kinds {
		r := rs.byKind[k]
		if s, ok := r.Get(sessionID); ok {
			return r, s, true
		}
	}
	return nil, nil, false
}

// RemoveIdentityEverywhere drops fingerprint from every session of every kind.
func (rs *Registries) RemoveIdentityEverywhere(fingerprint string) map[routing.APIKind][]string {
	out := make(map[routing.APIKind][]string)
	for _, k := range rs.kinds {
		if ids := rs.byKind[k].RemoveIdentityEverywhere(fingerprint); len(ids) > 0 {
			out[k] = ids
		}
	}
	return out
}

func (rs *Registries) Count() int {
	total := 0
	for _, r := range rs.byKind {
		total += r.Count()
	}
	return total
}

func (rs *Registries) EvictController(ctx context.Context, controllerID string) map[routing.APIKind][]string {
	out := make(map[routing.APIKind][]string)
	for _, k := range rs.kinds {
		if ids := rs.byKind[k].EvictController(ctx, controllerID); len(ids) > 0 {
			out[k] = ids
		}
	}
	return out
}

func (rs *Registries) Snapshot() map[routing.APIKind][]Info {
	out := make(map[routing.APIKind][]Info, len(rs.kinds))
	for _, k := range rs.kinds {
		out[k] = rs.byKind[k].Snapshot()
	}
	return out
}
