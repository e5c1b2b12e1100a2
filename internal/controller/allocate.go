package controller

import (
	"context"
	"strings"

	"github.com/danmuck/exchange/internal/apierr"
	"github.com/danmuck/exchange/internal/identity"
	"github.com/danmuck/exchange/internal/observability"
	"github.com/danmuck/exchange/internal/routing"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Allocate places h on a node, or reuses the existing placement for its
// session key, and makes sure requester is authorized on it.
func (c *Controller) Allocate(ctx context.Context, h routing.SessionHandle, requester identity.Identity) (routing.SessionEndpoint, error) {
	if err := validateHandle(h); err != nil {
		observability.RecordAllocation(string(h.Kind), "invalid")
		return routing.SessionEndpoint{}, err
	}
	if err := requester.Validate(); err != nil {
		observability.RecordAllocation(string(h.Kind), "invalid")
		return routing.SessionEndpoint{}, apierr.Wrap(apierr.CodeMalformedRequest, err)
	}

	// A placement can vanish between lookup and credential push when the node
	// evicts it; one replacement attempt covers that race.
	for attempt := 0; attempt < 2; attempt++ {
		p, node, err := c.place(ctx, h, requester)
		if err != nil {
			observability.RecordAllocation(string(h.Kind), resultLabel(err))
			return routing.SessionEndpoint{}, err
		}
		err = c.ensureCredential(ctx, p, node, requester)
		if apierr.IsCode(err, apierr.CodeSessionNotFound) {
			c.forget(p.SessionKey, p.SessionID)
			continue
		}
		if err != nil {
			observability.RecordAllocation(string(h.Kind), resultLabel(err))
			return routing.SessionEndpoint{}, err
		}
		observability.RecordAllocation(string(h.Kind), "ok")
		return routing.SessionEndpoint{
			SessionID:             p.SessionID,
			BackendURL:            node.BackendURL,
			BackendPublicIdentity: node.PublicIdentity,
		}, nil
	}
	observability.RecordAllocation(string(h.Kind), "no_capacity")
	return routing.SessionEndpoint{}, apierr.New(apierr.CodeNoCapacity, "placement lost during allocation")
}

type placed struct {
	placement Placement
	node      NodeInfo
}

// place returns the live placement for h, creating one on the least-loaded
// node when none exists. Concurrent calls for one key share a single create.
func (c *Controller) place(ctx context.Context, h routing.SessionHandle, requester identity.Identity) (Placement, NodeInfo, error) {
	if p, node, ok := c.lookup(h.SessionKey); ok {
		return p, node, nil
	}
	v, err, _ := c.placing.Do(h.SessionKey, func() (any, error) {
		if p, node, ok := c.lookup(h.SessionKey); ok {
			return placed{p, node}, nil
		}
		return c.create(ctx, h, requester)
	})
	if err != nil {
		return Placement{}, NodeInfo{}, err
	}
	out := v.(placed)
	return out.placement, out.node, nil
}

func (c *Controller) create(ctx context.Context, h routing.SessionHandle, requester identity.Identity) (placed, error) {
	c.mu.RLock()
	node, ok := c.leastLoadedLocked(h.Segment, h.Kind)
	c.mu.RUnlock()
	if !ok {
		log.Warn().
			Str("segment", h.Segment).
			Str("api_kind", string(h.Kind)).
			Msg("controller.Controller.create no capacity")
		return placed{}, apierr.Newf(apierr.CodeNoCapacity, "segment %s kind %s", h.Segment, h.Kind)
	}

	sessionID := uuid.NewString()
	active, err := c.admin.CreateSession(ctx, node.AdminAddr, CreateRequest{
		Kind:       h.Kind,
		SessionID:  sessionID,
		SessionKey: h.SessionKey,
		Identity:   requester,
		Seed:       h.Seed.Clone(),
	})
	if err != nil {
		log.Warn().
			Err(err).
			Str("node_id", node.NodeID).
			Str("session_key", h.SessionKey).
			Msg("controller.Controller.create node rejected session")
		return placed{}, apierr.From(err)
	}

	p := &placementState{
		meta: Placement{
			SessionKey: h.SessionKey,
			SessionID:  sessionID,
			Kind:       h.Kind,
			Segment:    h.Segment,
			NodeID:     node.NodeID,
			CreatedAt:  c.now(),
		},
		credentials: map[string]struct{}{requester.Fingerprint: {}},
	}
	c.mu.Lock()
	if st, ok := c.nodes[node.NodeID]; ok && st.meta.Connected {
		st.meta.Active = active
		c.placements[h.SessionKey] = p
		c.bySession[sessionID] = h.SessionKey
	}
	c.mu.Unlock()

	log.Info().
		Str("node_id", node.NodeID).
		Str("session_id", sessionID).
		Str("session_key", h.SessionKey).
		Str("api_kind", string(h.Kind)).
		Int("active", active).
		Msg("controller.Controller.create placed")
	return placed{p.snapshot(), node}, nil
}

func (c *Controller) ensureCredential(ctx context.Context, p Placement, node NodeInfo, requester identity.Identity) error {
	c.mu.RLock()
	st, ok := c.placements[p.SessionKey]
	has := ok && hasCredential(st, requester.Fingerprint)
	c.mu.RUnlock()
	if has {
		return nil
	}
	active, err := c.admin.AddCredential(ctx, node.AdminAddr, p.Kind, p.SessionID, requester)
	if err != nil {
		return apierr.From(err)
	}
	c.mu.Lock()
	if st, ok := c.placements[p.SessionKey]; ok && st.meta.SessionID == p.SessionID {
		st.credentials[requester.Fingerprint] = struct{}{}
	}
	if ns, ok := c.nodes[node.NodeID]; ok {
		ns.meta.Active = active
	}
	c.mu.Unlock()
	return nil
}

// RevokeCredential removes one identity from one placed session.
func (c *Controller) RevokeCredential(ctx context.Context, sessionKey, fingerprint string) error {
	c.mu.RLock()
	st, ok := c.placements[sessionKey]
	var p Placement
	var node NodeInfo
	if ok {
		p = st.snapshot()
		if ns, found := c.nodes[p.NodeID]; found {
			node = ns.meta
		}
	}
	c.mu.RUnlock()
	if !ok {
		return apierr.New(apierr.CodeSessionNotFound, sessionKey)
	}
	active, err := c.admin.RemoveCredential(ctx, node.AdminAddr, p.Kind, p.SessionID, fingerprint)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if st, ok := c.placements[sessionKey]; ok {
		delete(st.credentials, fingerprint)
	}
	if ns, ok := c.nodes[node.NodeID]; ok {
		ns.meta.Active = active
	}
	c.mu.Unlock()
	return nil
}

// InvalidateIdentity tells every connected node to drop fingerprint from all
// its sessions. It returns the number of nodes that failed.
func (c *Controller) InvalidateIdentity(ctx context.Context, fingerprint string) int {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return 0
	}
	c.mu.Lock()
	for _, st := range c.placements {
		delete(st.credentials, fingerprint)
	}
	nodes := make([]NodeInfo, 0, len(c.nodes))
	for _, st := range c.nodes {
		if st.meta.Connected {
			nodes = append(nodes, st.meta)
		}
	}
	c.mu.Unlock()

	failed := 0
	for _, n := range nodes {
		if err := c.admin.RemoveIdentityEverywhere(ctx, n.AdminAddr, fingerprint); err != nil {
			failed++
			log.Warn().
				Err(err).
				Str("node_id", n.NodeID).
				Msg("controller.Controller.InvalidateIdentity push failed")
		}
	}
	return failed
}

func (c *Controller) lookup(sessionKey string) (Placement, NodeInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.placements[sessionKey]
	if !ok {
		return Placement{}, NodeInfo{}, false
	}
	ns, ok := c.nodes[st.meta.NodeID]
	if !ok || !ns.meta.Connected {
		return Placement{}, NodeInfo{}, false
	}
	return st.snapshot(), copyNode(ns.meta), true
}

func (c *Controller) forget(sessionKey, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.placements[sessionKey]; ok && st.meta.SessionID == sessionID {
		delete(c.placements, sessionKey)
		delete(c.bySession, sessionID)
	}
}

func hasCredential(st *placementState, fingerprint string) bool {
	_, ok := st.credentials[fingerprint]
	return ok
}

func validateHandle(h routing.SessionHandle) error {
	if !h.Kind.Valid() {
		return apierr.Newf(apierr.CodeMalformedRequest, "unknown api kind %q", h.Kind)
	}
	if strings.TrimSpace(h.Segment) == "" {
		return apierr.New(apierr.CodeMalformedRequest, "segment required")
	}
	if strings.TrimSpace(h.SessionKey) == "" {
		return apierr.New(apierr.CodeMalformedRequest, "session key required")
	}
	return nil
}

func resultLabel(err error) string {
	switch apierr.CodeOf(err) {
	case apierr.CodeNoCapacity:
		return "no_capacity"
	case apierr.CodeMalformedRequest:
		return "invalid"
	default:
		return "error"
	}
}
