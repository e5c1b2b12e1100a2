package controller

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/exchange/internal/apierr"
	"github.com/danmuck/exchange/internal/identity"
	"github.com/danmuck/exchange/internal/protocol/session"
	"github.com/danmuck/exchange/internal/routing"
	"github.com/danmuck/exchange/internal/testutil/testlog"
)

type fakeAdmin struct {
	mu       sync.Mutex
	creates  atomic.Int64
	adds     []string
	removed  []string
	invalid  map[string][]string
	active   map[string]int
	missing  map[string]bool
	createFn func(addr string) error
	keys     []string
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{
		invalid: make(map[string][]string),
		active:  make(map[string]int),
		missing: make(map[string]bool),
	}
}

func (f *fakeAdmin) CreateSession(_ context.Context, addr string, req CreateRequest) (int, error) {
	f.creates.Add(1)
	if f.createFn != nil {
		if err := f.createFn(addr); err != nil {
			return 0, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, req.SessionKey)
	f.active[addr]++
	return f.active[addr], nil
}

func (f *fakeAdmin) AddCredential(_ context.Context, addr string, _ routing.APIKind, sessionID string, id identity.Identity) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[sessionID] {
		return 0, apierr.New(apierr.CodeSessionNotFound, sessionID)
	}
	f.adds = append(f.adds, id.Fingerprint)
	return f.active[addr], nil
}

func (f *fakeAdmin) RemoveCredential(_ context.Context, addr string, _ routing.APIKind, _ string, fingerprint string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, fingerprint)
	return f.active[addr], nil
}

func (f *fakeAdmin) RemoveIdentityEverywhere(_ context.Context, addr, fingerprint string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalid[addr] = append(f.invalid[addr], fingerprint)
	return nil
}

func testIdentity(t *testing.T, subject string) identity.Identity {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := identity.FromPublicKey(subject, pub)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	return id
}

func testRegistration(nodeID string, capacity int, kinds ...string) session.Registration {
	if len(kinds) == 0 {
		kinds = []string{"submission", "relay"}
	}
	return session.Registration{
		NodeID:         nodeID,
		Segment:        "eu-1",
		APIKinds:       kinds,
		BackendURL:     "https://" + nodeID + ".ex.net",
		AdminAddr:      nodeID + ":9501",
		PublicIdentity: "pub-" + nodeID,
		Capacity:       capacity,
	}
}

func submissionHandle(local string) routing.SessionHandle {
	return routing.NewHandleFactory("eu-1").Submission(routing.Target{
		ZoneID:    1,
		Apex:      "ex.net",
		DomainID:  2,
		Domain:    "mail.ex.net",
		AddressID: 4,
		Local:     local,
	})
}

func TestRegistrationRejectsUnknownKind(t *testing.T) {
	testlog.Start(t)
	c := New("ctl-1", newFakeAdmin())
	ack := c.UpsertRegistration("127.0.0.1:1", testRegistration("node-a", 10, "carrier-pigeon"))
	if ack.Status != session.AckStatusRejected || ack.Code != ackCodeInvalidRegistration {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	ack = c.UpsertRegistration("127.0.0.1:1", testRegistration("node-a", 10))
	if ack.Status != session.AckStatusAccepted || ack.ControllerID != "ctl-1" {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestAllocatePlacesOnLeastLoadedNode(t *testing.T) {
	testlog.Start(t)
	admin := newFakeAdmin()
	c := New("ctl-1", admin)
	regA := testRegistration("node-a", 10)
	regA.Active = 8
	c.UpsertRegistration("127.0.0.1:1", regA)
	c.UpsertRegistration("127.0.0.1:2", testRegistration("node-b", 10))
	c.UpsertRegistration("127.0.0.1:3", testRegistration("node-c", 50, "delivery"))

	caller := testIdentity(t, "alice")
	ep, err := c.Allocate(context.Background(), submissionHandle("alice"), caller)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if ep.BackendURL != "https://node-b.ex.net" || ep.BackendPublicIdentity != "pub-node-b" || ep.SessionID == "" {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}

	again, err := c.Allocate(context.Background(), submissionHandle("alice"), caller)
	if err != nil {
		t.Fatalf("allocate again: %v", err)
	}
	if again.SessionID != ep.SessionID {
		t.Fatalf("expected sticky placement, got %q then %q", ep.SessionID, again.SessionID)
	}
	if admin.creates.Load() != 1 || len(admin.adds) != 0 {
		t.Fatalf("unexpected node pushes: creates=%d adds=%v", admin.creates.Load(), admin.adds)
	}
	if len(admin.keys) != 1 || admin.keys[0] != submissionHandle("alice").SessionKey {
		t.Fatalf("create must carry the session key for the node to check, got %v", admin.keys)
	}

	bob := testIdentity(t, "bob")
	if _, err := c.Allocate(context.Background(), submissionHandle("alice"), bob); err != nil {
		t.Fatalf("allocate bob: %v", err)
	}
	if len(admin.adds) != 1 || admin.adds[0] != bob.Fingerprint {
		t.Fatalf("expected credential.add for bob, got %v", admin.adds)
	}
	p, ok := c.Placement(submissionHandle("alice").SessionKey)
	if !ok || len(p.Credentials) != 2 || p.NodeID != "node-b" {
		t.Fatalf("unexpected placement: %+v", p)
	}
}

func TestAllocateNoCapacity(t *testing.T) {
	testlog.Start(t)
	c := New("ctl-1", newFakeAdmin())
	_, err := c.Allocate(context.Background(), submissionHandle("alice"), testIdentity(t, "alice"))
	if !apierr.IsCode(err, apierr.CodeNoCapacity) {
		t.Fatalf("expected no capacity without nodes, got %v", err)
	}

	reg := testRegistration("node-a", 1)
	reg.Active = 1
	c.UpsertRegistration("127.0.0.1:1", reg)
	_, err = c.Allocate(context.Background(), submissionHandle("alice"), testIdentity(t, "alice"))
	if !apierr.IsCode(err, apierr.CodeNoCapacity) {
		t.Fatalf("expected no capacity on full node, got %v", err)
	}
	if apierr.CodeOf(err).Class() != apierr.ClassCapacity {
		t.Fatalf("unexpected class: %s", apierr.CodeOf(err).Class())
	}
}

func TestAllocateConcurrentSameKeyCreatesOnce(t *testing.T) {
	testlog.Start(t)
	admin := newFakeAdmin()
	release := make(chan struct{})
	admin.createFn = func(string) error {
		<-release
		return nil
	}
	c := New("ctl-1", admin)
	c.UpsertRegistration("127.0.0.1:1", testRegistration("node-a", 100))

	const callers = 8
	callerIDs := make([]identity.Identity, callers)
	for i := range callerIDs {
		callerIDs[i] = testIdentity(t, "alice")
	}
	ids := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ep, err := c.Allocate(context.Background(), submissionHandle("alice"), callerIDs[i])
			ids[i], errs[i] = ep.SessionID, err
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("callers got different sessions: %q vs %q", ids[i], ids[0])
		}
	}
	if admin.creates.Load() != 1 {
		t.Fatalf("expected one session.create, got %d", admin.creates.Load())
	}
}

func TestEvictionNoticeDropsPlacement(t *testing.T) {
	testlog.Start(t)
	c := New("ctl-1", newFakeAdmin())
	c.UpsertRegistration("127.0.0.1:1", testRegistration("node-a", 10))
	ep, err := c.Allocate(context.Background(), submissionHandle("alice"), testIdentity(t, "alice"))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	notice := session.Notice{
		NoticeID:   "n-1",
		NodeID:     "node-a",
		Kind:       session.NoticeEvicted,
		APIKind:    "submission",
		SessionIDs: []string{ep.SessionID},
	}
	ack := c.AcceptNotice("node-a", notice)
	if ack.AckStatus != session.AckStatusAccepted {
		t.Fatalf("unexpected ack: %+v", ack)
	}
	if again := c.AcceptNotice("node-a", notice); again != ack {
		t.Fatalf("expected idempotent ack, got %+v then %+v", ack, again)
	}
	if len(c.Placements()) != 0 {
		t.Fatalf("expected placement dropped, got %+v", c.Placements())
	}

	next, err := c.Allocate(context.Background(), submissionHandle("alice"), testIdentity(t, "alice"))
	if err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	if next.SessionID == ep.SessionID {
		t.Fatalf("expected a new session after eviction")
	}
}

func TestNoticeFromUnknownNodeRejected(t *testing.T) {
	testlog.Start(t)
	c := New("ctl-1", newFakeAdmin())
	ack := c.AcceptNotice("node-x", session.Notice{NoticeID: "n-1", NodeID: "node-x", Kind: session.NoticeHeartbeat})
	if ack.AckStatus != session.AckStatusRejected || ack.AckCode != ackCodeUnknownNode {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestNodeDisconnectDropsPlacements(t *testing.T) {
	testlog.Start(t)
	c := New("ctl-1", newFakeAdmin())
	c.UpsertRegistration("127.0.0.1:1", testRegistration("node-a", 10))
	c.UpsertRegistration("127.0.0.1:2", testRegistration("node-b", 5))
	ep, err := c.Allocate(context.Background(), submissionHandle("alice"), testIdentity(t, "alice"))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if ep.BackendURL != "https://node-a.ex.net" {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}

	c.MarkNodeDisconnected("node-a")
	if n, ok := c.Node("node-a"); !ok || n.Connected {
		t.Fatalf("unexpected node state: %+v", n)
	}
	moved, err := c.Allocate(context.Background(), submissionHandle("alice"), testIdentity(t, "alice"))
	if err != nil {
		t.Fatalf("reallocate: %v", err)
	}
	if moved.BackendURL != "https://node-b.ex.net" {
		t.Fatalf("expected placement on node-b, got %+v", moved)
	}
}

func TestAllocateReplacesVanishedSession(t *testing.T) {
	testlog.Start(t)
	admin := newFakeAdmin()
	c := New("ctl-1", admin)
	c.UpsertRegistration("127.0.0.1:1", testRegistration("node-a", 10))
	first, err := c.Allocate(context.Background(), submissionHandle("alice"), testIdentity(t, "alice"))
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	admin.mu.Lock()
	admin.missing[first.SessionID] = true
	admin.mu.Unlock()

	second, err := c.Allocate(context.Background(), submissionHandle("alice"), testIdentity(t, "bob"))
	if err != nil {
		t.Fatalf("allocate bob: %v", err)
	}
	if second.SessionID == first.SessionID {
		t.Fatalf("expected replacement session")
	}
}

func TestInvalidateIdentityPushesToConnectedNodes(t *testing.T) {
	testlog.Start(t)
	admin := newFakeAdmin()
	c := New("ctl-1", admin)
	c.UpsertRegistration("127.0.0.1:1", testRegistration("node-a", 10))
	c.UpsertRegistration("127.0.0.1:2", testRegistration("node-b", 10))
	c.MarkNodeDisconnected("node-b")
	alice := testIdentity(t, "alice")
	if _, err := c.Allocate(context.Background(), submissionHandle("alice"), alice); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	if failed := c.InvalidateIdentity(context.Background(), alice.Fingerprint); failed != 0 {
		t.Fatalf("unexpected failures: %d", failed)
	}
	if got := admin.invalid["node-a:9501"]; len(got) != 1 || got[0] != alice.Fingerprint {
		t.Fatalf("unexpected push to node-a: %v", got)
	}
	if got := admin.invalid["node-b:9501"]; len(got) != 0 {
		t.Fatalf("disconnected node should not be called: %v", got)
	}
	p, _ := c.Placement(submissionHandle("alice").SessionKey)
	if len(p.Credentials) != 0 {
		t.Fatalf("expected credentials cleared, got %v", p.Credentials)
	}
}
