package frontend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/exchange/internal/registry"
	"github.com/danmuck/exchange/internal/routing"
	"github.com/danmuck/exchange/internal/testutil/testlog"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls map[routing.APIKind][]string
}

func (n *recordingNotifier) NotifyEvicted(_ context.Context, kind routing.APIKind, ids []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.calls == nil {
		n.calls = make(map[routing.APIKind][]string)
	}
	n.calls[kind] = append(n.calls[kind], ids...)
}

func newRegistries(t *testing.T) *registry.Registries {
	t.Helper()
	return registry.NewRegistries(seededStore(t), routing.Kinds()...)
}

func addSession(t *testing.T, rs *registry.Registries, sessionID, controllerID string) {
	t.Helper()
	reg, _ := rs.For(routing.KindSubmission)
	id := newClient(t, "alice").id
	seed := routing.Seed{routing.AttrZone: 1, routing.AttrDomain: 2, routing.AttrAddress: 3}
	if _, err := reg.CreateSession(context.Background(), sessionID, controllerID, id, seed); err != nil {
		t.Fatalf("create %s: %v", sessionID, err)
	}
}

func TestTrackerLinkDownEvictsOnlyThatController(t *testing.T) {
	testlog.Start(t)
	rs := newRegistries(t)
	addSession(t, rs, "s1", "ctl-1")
	addSession(t, rs, "s2", "ctl-2")

	tr := newTracker(rs)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = tr.Run(ctx) }()
	waitFor(t, "tracker running", func() bool { return tr.running.Load() })

	tr.LinkUp("ctl-1")
	tr.SessionCreated("ctl-1", routing.KindSubmission, "s1")
	tr.LinkUp("ctl-2")
	tr.LinkDown("ctl-1")

	waitFor(t, "eviction", func() bool { return rs.Count() == 1 })
	reg, _ := rs.For(routing.KindSubmission)
	if _, ok := reg.Get("s2"); !ok {
		t.Fatalf("session of the live controller was evicted")
	}
	links := tr.Links()
	if len(links) != 2 {
		t.Fatalf("expected two links, got %+v", links)
	}
	if links[0].ControllerID != "ctl-1" || links[0].Connected || links[0].Evicted != 1 || links[0].Created != 1 {
		t.Fatalf("unexpected ctl-1 state: %+v", links[0])
	}
	if !links[1].Connected || links[1].Evicted != 0 {
		t.Fatalf("unexpected ctl-2 state: %+v", links[1])
	}
}

func TestTrackerStoppedDoesNotBlock(t *testing.T) {
	testlog.Start(t)
	tr := newTracker(newRegistries(t))
	if links := tr.Links(); links != nil {
		t.Fatalf("expected nil links before Run, got %+v", links)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = tr.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	finished := make(chan struct{})
	go func() {
		tr.LinkDown("ctl-1")
		_ = tr.Links()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("tracker calls blocked after Run exited")
	}
}

func TestSweeperEvictsIdleSessions(t *testing.T) {
	testlog.Start(t)
	rs := newRegistries(t)
	base := time.Unix(1_700_000_000, 0)
	clock := base
	rs.SetClock(func() time.Time { return clock })
	addSession(t, rs, "old", "ctl-1")
	clock = base.Add(8 * time.Minute)
	addSession(t, rs, "fresh", "ctl-1")

	notifier := &recordingNotifier{}
	sw := NewSweeper(rs, notifier, 10*time.Minute, time.Minute)
	sw.now = func() time.Time { return base.Add(11 * time.Minute) }

	res := sw.Tick(context.Background())
	if got := res.Evicted[routing.KindSubmission]; len(got) != 1 || got[0] != "old" {
		t.Fatalf("unexpected sweep result: %+v", res)
	}
	if rs.Count() != 1 {
		t.Fatalf("expected one remaining session, got %d", rs.Count())
	}
	if got := notifier.calls[routing.KindSubmission]; len(got) != 1 || got[0] != "old" {
		t.Fatalf("unexpected notices: %+v", notifier.calls)
	}

	res = sw.Tick(context.Background())
	if len(res.Evicted) != 0 {
		t.Fatalf("second tick should evict nothing, got %+v", res)
	}
}

func TestSweeperDefaults(t *testing.T) {
	testlog.Start(t)
	sw := NewSweeper(newRegistries(t), nil, 0, 0)
	if sw.idle != DefaultIdleThreshold || sw.interval != DefaultSweepInterval {
		t.Fatalf("unexpected defaults: idle=%v interval=%v", sw.idle, sw.interval)
	}
	if res := sw.Tick(context.Background()); len(res.Evicted) != 0 || res.Expired != 0 {
		t.Fatalf("empty sweep reported work: %+v", res)
	}
}
