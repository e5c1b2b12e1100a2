package controller

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/exchange/internal/observability"
	"github.com/danmuck/exchange/internal/protocol/session"
	"github.com/danmuck/exchange/internal/routing"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	ackCodeInvalidRegistration uint32 = 1001
	ackCodeUnknownNode         uint32 = 1101
	ackCodeInvalidNotice       uint32 = 1102
)

// NodeInfo is the controller's view of one registered node.
type NodeInfo struct {
	NodeID         string            `json:"node_id"`
	Segment        string            `json:"segment"`
	Kinds          []routing.APIKind `json:"kinds"`
	BackendURL     string            `json:"backend_url"`
	AdminAddr      string            `json:"admin_addr"`
	PublicIdentity string            `json:"public_identity"`
	Capacity       int               `json:"capacity"`
	Active         int               `json:"active"`
	RemoteAddr     string            `json:"remote_addr"`
	RegisteredAt   time.Time         `json:"registered_at"`
	LastNoticeAt   time.Time         `json:"last_notice_at"`
	Connected      bool              `json:"connected"`
}

func (n NodeInfo) serves(segment string, kind routing.APIKind) bool {
	if n.Segment != segment {
		return false
	}
	for _, k := range n.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (n NodeInfo) free() int {
	return n.Capacity - n.Active
}

// Placement records where a session key currently lives.
type Placement struct {
	SessionKey  string          `json:"session_key"`
	SessionID   string          `json:"session_id"`
	Kind        routing.APIKind `json:"kind"`
	Segment     string          `json:"segment"`
	NodeID      string          `json:"node_id"`
	Credentials []string        `json:"credentials"`
	CreatedAt   time.Time       `json:"created_at"`
}

type placementState struct {
	meta        Placement
	credentials map[string]struct{}
}

func (p *placementState) snapshot() Placement {
	out := p.meta
	out.Credentials = make([]string, 0, len(p.credentials))
	for fp := range p.credentials {
		out.Credentials = append(out.Credentials, fp)
	}
	sort.Strings(out.Credentials)
	return out
}

type nodeState struct {
	meta        NodeInfo
	ackByNotice map[string]session.NoticeAck
}

// Controller places sessions on registered nodes and tracks node health.
type Controller struct {
	id    string
	admin NodeAdmin
	now   func() time.Time

	placing singleflight.Group

	mu         sync.RWMutex
	nodes      map[string]*nodeState
	placements map[string]*placementState
	bySession  map[string]string
}

func New(id string, admin NodeAdmin) *Controller {
	if strings.TrimSpace(id) == "" {
		id = "controller.local"
	}
	return &Controller{
		id:         id,
		admin:      admin,
		now:        time.Now,
		nodes:      make(map[string]*nodeState),
		placements: make(map[string]*placementState),
		bySession:  make(map[string]string),
	}
}

func (c *Controller) ID() string {
	return c.id
}

// SetClock replaces the controller clock.
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// UpsertRegistration records or refreshes a node and returns the ack to send.
// A re-registering node keeps no placements from its previous link.
func (c *Controller) UpsertRegistration(remote string, reg session.Registration) session.RegistrationAck {
	now := c.now()
	ack := session.RegistrationAck{
		NodeID:       reg.NodeID,
		ControllerID: c.id,
		TimestampMS:  uint64(now.UnixMilli()),
	}
	if err := reg.Validate(); err != nil {
		ack.Status = session.AckStatusRejected
		ack.Code = ackCodeInvalidRegistration
		ack.Message = err.Error()
		if ack.NodeID == "" {
			ack.NodeID = "unknown"
		}
		return ack
	}
	kinds := make([]routing.APIKind, 0, len(reg.APIKinds))
	for _, raw := range reg.APIKinds {
		kind, ok := routing.ParseKind(raw)
		if !ok {
			ack.Status = session.AckStatusRejected
			ack.Code = ackCodeInvalidRegistration
			ack.Message = "unknown api kind " + raw
			return ack
		}
		kinds = append(kinds, kind)
	}

	c.mu.Lock()
	c.dropNodePlacementsLocked(reg.NodeID)
	c.nodes[reg.NodeID] = &nodeState{
		meta: NodeInfo{
			NodeID:         reg.NodeID,
			Segment:        reg.Segment,
			Kinds:          kinds,
			BackendURL:     reg.BackendURL,
			AdminAddr:      reg.AdminAddr,
			PublicIdentity: reg.PublicIdentity,
			Capacity:       reg.Capacity,
			Active:         reg.Active,
			RemoteAddr:     remote,
			RegisteredAt:   now,
			Connected:      true,
		},
		ackByNotice: make(map[string]session.NoticeAck),
	}
	connected := c.connectedLocked()
	c.mu.Unlock()

	observability.SetControllerNodes(connected)
	log.Info().
		Str("node_id", reg.NodeID).
		Str("segment", reg.Segment).
		Int("capacity", reg.Capacity).
		Str("remote", remote).
		Msg("controller.Controller.UpsertRegistration accepted")
	ack.Status = session.AckStatusAccepted
	return ack
}

// MarkNodeDisconnected flags a node as gone and forgets its placements.
func (c *Controller) MarkNodeDisconnected(nodeID string) {
	c.mu.Lock()
	st, ok := c.nodes[nodeID]
	dropped := 0
	if ok {
		st.meta.Connected = false
		st.meta.Active = 0
		dropped = c.dropNodePlacementsLocked(nodeID)
	}
	connected := c.connectedLocked()
	c.mu.Unlock()
	if !ok {
		return
	}
	observability.SetControllerNodes(connected)
	log.Warn().
		Str("node_id", nodeID).
		Int("placements_dropped", dropped).
		Msg("controller.Controller.MarkNodeDisconnected")
}

// AcceptNotice applies a node notice and returns its ack. A repeated notice id
// returns the ack recorded the first time.
func (c *Controller) AcceptNotice(nodeID string, n session.Notice) session.NoticeAck {
	now := c.now()
	ack := session.NoticeAck{
		NoticeID:    n.NoticeID,
		NodeID:      nodeID,
		AckStatus:   session.AckStatusAccepted,
		TimestampMS: uint64(now.UnixMilli()),
	}
	if ack.NoticeID == "" {
		ack.NoticeID = "unknown"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.nodes[nodeID]
	if !ok || !st.meta.Connected {
		ack.AckStatus = session.AckStatusRejected
		ack.AckCode = ackCodeUnknownNode
		return ack
	}
	if prev, seen := st.ackByNotice[n.NoticeID]; seen {
		return prev
	}
	if n.NodeID != nodeID {
		ack.AckStatus = session.AckStatusRejected
		ack.AckCode = ackCodeInvalidNotice
		st.ackByNotice[n.NoticeID] = ack
		return ack
	}

	st.meta.LastNoticeAt = now
	st.meta.Active = int(n.Active)
	if n.Kind == session.NoticeEvicted {
		dropped := 0
		for _, id := range n.SessionIDs {
			if c.dropSessionLocked(id) {
				dropped++
			}
		}
		log.Debug().
			Str("node_id", nodeID).
			Str("api_kind", n.APIKind).
			Int("evicted", len(n.SessionIDs)).
			Int("placements_dropped", dropped).
			Msg("controller.Controller.AcceptNotice evicted")
	}
	st.ackByNotice[n.NoticeID] = ack
	return ack
}

// Node returns one node by id.
func (c *Controller) Node(nodeID string) (NodeInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.nodes[nodeID]
	if !ok {
		return NodeInfo{}, false
	}
	return copyNode(st.meta), true
}

// Nodes returns every known node sorted by id.
func (c *Controller) Nodes() []NodeInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]NodeInfo, 0, len(c.nodes))
	for _, st := range c.nodes {
		out = append(out, copyNode(st.meta))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// Placements returns every live placement sorted by session key.
func (c *Controller) Placements() []Placement {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Placement, 0, len(c.placements))
	for _, p := range c.placements {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionKey < out[j].SessionKey })
	return out
}

// Placement looks up the placement for a session key.
func (c *Controller) Placement(sessionKey string) (Placement, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.placements[sessionKey]
	if !ok {
		return Placement{}, false
	}
	return p.snapshot(), true
}

// leastLoadedLocked picks the connected node with the most free capacity for
// segment and kind. Ties go to the lowest node id.
func (c *Controller) leastLoadedLocked(segment string, kind routing.APIKind) (NodeInfo, bool) {
	var best *nodeState
	for _, st := range c.nodes {
		n := st.meta
		if !n.Connected || !n.serves(segment, kind) || n.free() <= 0 {
			continue
		}
		if best == nil ||
			n.free() > best.meta.free() ||
			(n.free() == best.meta.free() && n.NodeID < best.meta.NodeID) {
			best = st
		}
	}
	if best == nil {
		return NodeInfo{}, false
	}
	return copyNode(best.meta), true
}

func (c *Controller) dropNodePlacementsLocked(nodeID string) int {
	dropped := 0
	for key, p := range c.placements {
		if p.meta.NodeID != nodeID {
			continue
		}
		delete(c.bySession, p.meta.SessionID)
		delete(c.placements, key)
		dropped++
	}
	return dropped
}

func (c *Controller) dropSessionLocked(sessionID string) bool {
	key, ok := c.bySession[sessionID]
	if !ok {
		return false
	}
	delete(c.bySession, sessionID)
	delete(c.placements, key)
	return true
}

func (c *Controller) connectedLocked() int {
	n := 0
	for _, st := range c.nodes {
		if st.meta.Connected {
			n++
		}
	}
	return n
}

func copyNode(in NodeInfo) NodeInfo {
	out := in
	out.Kinds = append([]routing.APIKind(nil), in.Kinds...)
	return out
}
