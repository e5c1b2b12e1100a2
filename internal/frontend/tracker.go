package frontend

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/danmuck/exchange/internal/registry"
	"github.com/danmuck/exchange/internal/routing"
	"github.com/rs/zerolog/log"
)

type trackerEventKind int

const (
	eventLinkUp trackerEventKind = iota
	eventLinkDown
	eventSessionCreated
)

type trackerEvent struct {
	kind         trackerEventKind
	controllerID string
	apiKind      routing.APIKind
	sessionID    string
}

// LinkState is the tracker's record of one controller.
type LinkState struct {
	ControllerID string    `json:"controller_id"`
	Connected    bool      `json:"connected"`
	Since        time.Time `json:"since"`
	Created      int       `json:"sessions_created"`
	Evicted      int       `json:"sessions_evicted"`
}

// tracker owns the controller-to-session association. All changes arrive as
// events on one channel and are applied by the Run goroutine alone.
type tracker struct {
	registries *registry.Registries
	now        func() time.Time

	events  chan trackerEvent
	queries chan chan []LinkState
	done    chan struct{}
	running atomic.Bool

	// owned by Run
	links map[string]*LinkState
}

func newTracker(rs *registry.Registries) *tracker {
	return &tracker{
		registries: rs,
		now:        time.Now,
		events:     make(chan trackerEvent, 64),
		queries:    make(chan chan []LinkState),
		done:       make(chan struct{}),
		links:      make(map[string]*LinkState),
	}
}

func (t *tracker) LinkUp(controllerID string) {
	t.send(trackerEvent{kind: eventLinkUp, controllerID: controllerID})
}

// LinkDown tears down every session placed through controllerID.
func (t *tracker) LinkDown(controllerID string) {
	t.send(trackerEvent{kind: eventLinkDown, controllerID: controllerID})
}

func (t *tracker) SessionCreated(controllerID string, kind routing.APIKind, sessionID string) {
	t.send(trackerEvent{kind: eventSessionCreated, controllerID: controllerID, apiKind: kind, sessionID: sessionID})
}

func (t *tracker) send(ev trackerEvent) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

// Links returns the current link table. It returns nil unless Run is active.
func (t *tracker) Links() []LinkState {
	if !t.running.Load() {
		return nil
	}
	reply := make(chan []LinkState, 1)
	select {
	case t.queries <- reply:
	case <-t.done:
		return nil
	}
	return <-reply
}

// Run applies events until ctx is done.
func (t *tracker) Run(ctx context.Context) error {
	t.running.Store(true)
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-t.events:
			t.apply(ctx, ev)
		case reply := <-t.queries:
			reply <- t.snapshot()
		}
	}
}

func (t *tracker) apply(ctx context.Context, ev trackerEvent) {
	st := t.links[ev.controllerID]
	if st == nil {
		st = &LinkState{ControllerID: ev.controllerID, Since: t.now()}
		t.links[ev.controllerID] = st
	}
	switch ev.kind {
	case eventLinkUp:
		if !st.Connected {
			st.Connected = true
			st.Since = t.now()
		}
		log.Info().Str("controller_id", ev.controllerID).Msg("frontend.tracker link up")
	case eventLinkDown:
		st.Connected = false
		st.Since = t.now()
		evicted := t.registries.EvictController(context.WithoutCancel(ctx), ev.controllerID)
		n := 0
		for _, ids := range evicted {
			n += len(ids)
		}
		st.Evicted += n
		log.Warn().
			Str("controller_id", ev.controllerID).
			Int("sessions_evicted", n).
			Msg("frontend.tracker link down")
	case eventSessionCreated:
		st.Created++
		log.Debug().
			Str("controller_id", ev.controllerID).
			Str("api_kind", string(ev.apiKind)).
			Str("session_id", ev.sessionID).
			Msg("frontend.tracker session created")
	}
}

func (t *tracker) snapshot() []LinkState {
	out := make([]LinkState, 0, len(t.links))
	for _, st := range t.links {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ControllerID < out[j].ControllerID })
	return out
}
