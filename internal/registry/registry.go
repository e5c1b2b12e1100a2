// Package registry owns the node-local session tables, one per API kind.
package registry

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/exchange/internal/apierr"
	"github.com/danmuck/exchange/internal/identity"
	"github.com/danmuck/exchange/internal/observability"
	"github.com/danmuck/exchange/internal/routing"
	"github.com/danmuck/exchange/internal/store"
	"github.com/rs/zerolog/log"
)

// Registry is the live session table for one API kind.
type Registry struct {
	kind  routing.APIKind
	store store.Store
	now   func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

func New(kind routing.APIKind, st store.Store) *Registry {
	return &Registry{
		kind:     kind,
		store:    st,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// SetClock replaces the registry clock.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Registry) Kind() routing.APIKind {
	return r.kind
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) reportCount() int {
	n := r.Count()
	observability.SetActiveSessions(string(r.kind), n)
	return n
}

// CreateSession resolves seed against the store, registers a new session and
// returns the active session count. Creating an id that already exists only
// authorizes id on it.
func (r *Registry) CreateSession(
	ctx context.Context,
	sessionID string,
	controllerID string,
	id identity.Identity,
	seed routing.Seed,
) (int, error) {
	return r.create(ctx, sessionID, controllerID, "", id, seed)
}

// CreateKeyedSession is CreateSession for a placed handle: the entities the
// seed resolves to must rebuild sessionKey exactly, so a handle cannot pair
// one address's sticky key with another address's ids.
func (r *Registry) CreateKeyedSession(
	ctx context.Context,
	sessionID string,
	controllerID string,
	sessionKey string,
	id identity.Identity,
	seed routing.Seed,
) (int, error) {
	if strings.TrimSpace(sessionKey) == "" {
		return r.Count(), apierr.New(apierr.CodeMalformedRequest, "session key required")
	}
	return r.create(ctx, sessionID, controllerID, sessionKey, id, seed)
}

func (r *Registry) create(
	ctx context.Context,
	sessionID string,
	controllerID string,
	sessionKey string,
	id identity.Identity,
	seed routing.Seed,
) (int, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return r.Count(), apierr.New(apierr.CodeMalformedRequest, "session id required")
	}
	if err := id.Validate(); err != nil {
		return r.Count(), apierr.Wrap(apierr.CodeMalformedRequest, err)
	}
	if existing, ok := r.Get(sessionID); ok {
		if sessionKey != "" && existing.Key() != sessionKey {
			return r.Count(), apierr.Newf(apierr.CodeMalformedRequest, "session %s is not %s", sessionID, sessionKey)
		}
		existing.addIdentity(id)
		return r.reportCount(), nil
	}

	sess, err := r.resolve(ctx, sessionID, controllerID, sessionKey, seed)
	if err != nil {
		log.Warn().
			Str("api_kind", string(r.kind)).
			Str("session_id", sessionID).
			Err(err).
			Msg("registry.Registry.CreateSession resolve failed")
		return r.Count(), err
	}
	sess.addIdentity(id)

	r.mu.Lock()
	if existing, ok := r.sessions[sessionID]; ok {
		r.mu.Unlock()
		sess.release()
		existing.addIdentity(id)
		return r.reportCount(), nil
	}
	r.sessions[sessionID] = sess
	r.mu.Unlock()

	count := r.reportCount()
	log.Info().
		Str("api_kind", string(r.kind)).
		Str("session_id", sessionID).
		Str("controller_id", controllerID).
		Int("active", count).
		Msg("registry.Registry.CreateSession created")
	return count, nil
}

// resolve builds a session from seed ids. On success the session holds a
// lease on its zone's partition until it is torn down.
func (r *Registry) resolve(ctx context.Context, sessionID, controllerID, sessionKey string, seed routing.Seed) (*Session, error) {
	zoneID, ok := seed.Get(routing.AttrZone)
	if !ok {
		return nil, apierr.New(apierr.CodeMalformedRequest, "seed missing zone")
	}
	zone, err := r.store.FindZone(ctx, zoneID)
	if err != nil {
		return nil, seedErr(err)
	}
	pctx, release, err := r.store.AcquirePartition(ctx, zone.ID)
	if err != nil {
		return nil, seedErr(err)
	}

	sess := newSession(sessionID, r.kind, controllerID, r.now())
	sess.Zone = zone
	sess.release = release
	if err := r.resolveKind(pctx, sess, seed); err != nil {
		release()
		return nil, err
	}
	if sessionKey != "" {
		if got := sess.Key(); got != sessionKey {
			release()
			return nil, apierr.Newf(apierr.CodeMalformedRequest, "seed resolves to %q, not %q", got, sessionKey)
		}
	}
	return sess, nil
}

func (r *Registry) resolveKind(ctx context.Context, sess *Session, seed routing.Seed) error {
	needDomain := r.kind == routing.KindSubmission || r.kind == routing.KindDelivery
	if domainID, ok := seed.Get(routing.AttrDomain); ok {
		d, err := r.store.FindDomain(ctx, domainID)
		if err != nil {
			return seedErr(err)
		}
		if d.ZoneID != sess.Zone.ID {
			return apierr.Newf(apierr.CodeMalformedRequest, "domain %d not in zone %d", d.ID, sess.Zone.ID)
		}
		sess.Domain = &d
	} else if needDomain {
		return apierr.New(apierr.CodeMalformedRequest, "seed missing domain")
	}

	if needDomain {
		addressID, ok := seed.Get(routing.AttrAddress)
		if !ok {
			return apierr.New(apierr.CodeMalformedRequest, "seed missing address")
		}
		a, err := r.store.FindAddress(ctx, addressID)
		if err != nil {
			return seedErr(err)
		}
		if a.DomainID != sess.Domain.ID {
			return apierr.Newf(apierr.CodeMalformedRequest, "address %d not in domain %d", a.ID, sess.Domain.ID)
		}
		sess.Address = &a
	}

	if r.kind == routing.KindDelivery {
		serviceID, ok := seed.Get(routing.AttrService)
		if !ok {
			return apierr.New(apierr.CodeMalformedRequest, "seed missing service")
		}
		svc, err := r.store.FindService(ctx, serviceID)
		if err != nil {
			return seedErr(err)
		}
		if svc.ZoneID != sess.Zone.ID {
			return apierr.Newf(apierr.CodeMalformedRequest, "service %d not in zone %d", svc.ID, sess.Zone.ID)
		}
		sess.Service = &svc
	}

	if r.kind == routing.KindRelay {
		channelID, permanent := seed.Get(routing.AttrChannel)
		tempID, temporary := seed.Get(routing.AttrTempChannel)
		if !permanent && !temporary {
			return apierr.New(apierr.CodeMalformedRequest, "seed missing channel")
		}
		if temporary {
			channelID = tempID
		}
		ch, err := r.store.FindChannel(ctx, channelID)
		if err != nil {
			return seedErr(err)
		}
		if ch.Temporary != temporary {
			return apierr.Newf(apierr.CodeMalformedRequest, "channel %d temporary=%v", ch.ID, ch.Temporary)
		}
		sess.Channel = &ch
	}
	return nil
}

func seedErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apierr.Wrap(apierr.CodeMalformedRequest, err)
	}
	return apierr.Wrap(apierr.CodeInternal, err)
}

func (r *Registry) Get(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// Authorize returns the session if fingerprint may use it, refreshing lastUsedAt.
func (r *Registry) Authorize(sessionID, fingerprint string) (*Session, error) {
	sess, ok := r.Get(sessionID)
	if !ok || sess.Closed() {
		return nil, apierr.New(apierr.CodeSessionNotFound, sessionID)
	}
	if !sess.Authorized(fingerprint) {
		return nil, apierr.New(apierr.CodeUnauthorizedIdentity, sessionID)
	}
	sess.Touch(r.now())
	return sess, nil
}

func (r *Registry) AddIdentity(sessionID string, id identity.Identity) (int, error) {
	if err := id.Validate(); err != nil {
		return r.Count(), apierr.Wrap(apierr.CodeMalformedRequest, err)
	}
	sess, ok := r.Get(sessionID)
	if !ok {
		return r.Count(), apierr.New(apierr.CodeSessionNotFound, sessionID)
	}
	sess.addIdentity(id)
	sess.Touch(r.now())
	return r.Count(), nil
}

func (r *Registry) RemoveIdentity(sessionID string, fingerprint string) (int, error) {
	sess, ok := r.Get(sessionID)
	if !ok {
		return r.Count(), apierr.New(apierr.CodeSessionNotFound, sessionID)
	}
	sess.removeIdentity(fingerprint)
	return r.Count(), nil
}

// RemoveIdentityEverywhere drops fingerprint from every session in this
// registry and returns the affected session ids.
func (r *Registry) RemoveIdentityEverywhere(fingerprint string) []string {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	out := make([]string, 0)
	for _, s := range sessions {
		if s.removeIdentity(fingerprint) {
			out = append(out, s.ID)
		}
	}
	sort.Strings(out)
	return out
}

// Idle returns ids of sessions unused for longer than threshold.
func (r *Registry) Idle(threshold time.Duration, now time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0)
	for id, s := range r.sessions {
		if now.Sub(s.LastUsed()) > threshold {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Sweep evicts idle sessions and returns their ids.
func (r *Registry) Sweep(ctx context.Context, threshold time.Duration, now time.Time) []string {
	return r.Evict(ctx, r.Idle(threshold, now))
}

// Evict removes sessions, rolls back their in-flight messages and releases
// their partition leases. It returns the ids actually removed.
func (r *Registry) Evict(ctx context.Context, ids []string) []string {
	removed := make([]*Session, 0, len(ids))
	r.mu.Lock()
	for _, id := range ids {
		if s, ok := r.sessions[id]; ok {
			delete(r.sessions, id)
			removed = append(removed, s)
		}
	}
	r.mu.Unlock()

	out := make([]string, 0, len(removed))
	for _, s := range removed {
		r.teardown(ctx, s)
		out = append(out, s.ID)
	}
	if len(out) > 0 {
		count := r.reportCount()
		log.Info().
			Str("api_kind", string(r.kind)).
			Strs("session_ids", out).
			Int("active", count).
			Msg("registry.Registry.Evict evicted")
	}
	return out
}

// EvictController tears down every session placed by controllerID.
func (r *Registry) EvictController(ctx context.Context, controllerID string) []string {
	r.mu.RLock()
	ids := make([]string, 0)
	for id, s := range r.sessions {
		if s.ControllerID == controllerID {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	return r.Evict(ctx, ids)
}

func (r *Registry) teardown(ctx context.Context, s *Session) {
	ids, release := s.close()
	defer release()
	if len(ids) == 0 {
		return
	}
	if err := r.discard(ctx, s.Zone.ID, ids); err != nil {
		log.Warn().
			Str("session_id", s.ID).
			Strs("message_ids", ids).
			Err(err).
			Msg("registry.Registry.teardown discard failed")
	}
}

func (r *Registry) discard(ctx context.Context, zoneID int64, ids []string) error {
	pctx, release, err := r.store.AcquirePartition(ctx, zoneID)
	if err != nil {
		return err
	}
	defer release()
	return r.store.DiscardMessages(pctx, ids)
}

// ExpireTransactions rolls back transactions past their deadline across all
// sessions and returns how many were rolled back.
func (r *Registry) ExpireTransactions(ctx context.Context, now time.Time) int {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	total := 0
	for _, s := range sessions {
		for _, t := range s.expiredTransactions(now) {
			total++
			members := t.Members()
			if len(members) == 0 {
				continue
			}
			if err := r.discard(ctx, s.Zone.ID, members); err != nil {
				log.Warn().
					Str("session_id", s.ID).
					Str("transaction_id", t.ID).
					Err(err).
					Msg("registry.Registry.ExpireTransactions discard failed")
			}
		}
	}
	if total > 0 {
		log.Info().Str("api_kind", string(r.kind)).Int("expired", total).Msg("registry.Registry.ExpireTransactions rolled back")
	}
	return total
}

// Snapshot returns session summaries sorted by id.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
