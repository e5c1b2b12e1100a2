package submission

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/exchange/internal/apierr"
	"github.com/danmuck/exchange/internal/entropy"
	"github.com/danmuck/exchange/internal/identity"
	"github.com/danmuck/exchange/internal/registry"
	"github.com/danmuck/exchange/internal/routing"
	"github.com/danmuck/exchange/internal/scheme"
	"github.com/danmuck/exchange/internal/store"
	"github.com/danmuck/exchange/internal/testutil/testlog"
)

type recordingHandoff struct {
	mu   sync.Mutex
	msgs []store.MessageRecord
}

func (r *recordingHandoff) Handoff(_ context.Context, _ *registry.ChannelContext, msg store.MessageRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recordingHandoff) calls() []store.MessageRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.MessageRecord, len(r.msgs))
	copy(out, r.msgs)
	return out
}

type fixture struct {
	st      *store.Memory
	engine  *Engine
	handoff *recordingHandoff
	sess    *registry.Session
	caller  identity.Identity
	key     ed25519.PrivateKey
	mac     scheme.Scheme
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemory()
	st.PutZone(store.Zone{ID: 1, Apex: "ex.net", Partition: "p1"})
	st.PutDomain(store.Domain{ID: 2, ZoneID: 1, Name: "acme.com"})
	st.PutAddress(store.Address{ID: 3, DomainID: 2, LocalName: "alice"})
	mac := scheme.Scheme{Algorithm: scheme.AlgorithmBlake2b, Key: []byte("channel-secret")}
	if err := st.PutChannel(store.Channel{
		ID:          9,
		ZoneID:      1,
		Origin:      store.Endpoint{Domain: "acme.com", Local: "alice"},
		Destination: store.Endpoint{Domain: "globex.com"},
		Service:     "invoices",
		Scheme:      mac,
		Open:        true,
		FlowOpen:    true,
		QuotaBytes:  -1,
	}); err != nil {
		t.Fatalf("put channel: %v", err)
	}

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	caller, err := identity.FromPublicKey("alice", pub)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	reg := registry.New(routing.KindSubmission, st)
	seed := routing.Seed{routing.AttrZone: 1, routing.AttrDomain: 2, routing.AttrAddress: 3}
	if _, err := reg.CreateSession(context.Background(), "s1", "ctrl", caller, seed); err != nil {
		t.Fatalf("create session: %v", err)
	}
	sess, _ := reg.Get("s1")

	f := &fixture{
		st:      st,
		handoff: &recordingHandoff{},
		sess:    sess,
		caller:  caller,
		key:     priv,
		mac:     mac,
		now:     time.Unix(1_700_000_000, 0),
	}
	f.engine = New(st, entropy.NewSeeded(7, entropy.DefaultSize), f.handoff, DefaultConfig())
	f.engine.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) message(t *testing.T, id string, chunkSize int, length int64) Message {
	t.Helper()
	msg := Message{
		Header: &Header{
			MessageID:         id,
			Origin:            "alice@acme.com",
			Destination:       "globex.com",
			Service:           "invoices",
			OriginFingerprint: f.caller.Fingerprint,
		},
		Payload: &Payload{ChunkSize: chunkSize, PlaintextLength: length},
	}
	msg.Sign(f.key)
	return msg
}

func (f *fixture) chunk(t *testing.T, id string, pos int, data []byte) *Chunk {
	t.Helper()
	code, err := f.mac.Sign(id, pos, data)
	if err != nil {
		t.Fatalf("sign chunk: %v", err)
	}
	return &Chunk{MessageID: id, Position: pos, Data: data, AuthCode: code}
}

func (f *fixture) status(t *testing.T, id string) (store.MessageStatus, error) {
	t.Helper()
	ctx, release, err := f.st.AcquirePartition(context.Background(), 1)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer release()
	rec, err := f.st.LoadMessage(ctx, id)
	return rec.Status, err
}

func TestTokensAreUniqueAcrossMessages(t *testing.T) {
	testlog.Start(t)
	src := entropy.NewCrypto(entropy.DefaultSize)
	seen := make(map[string]struct{}, 10_000)
	for i := 0; i < 10_000; i++ {
		tok := Token(src.Entropy(), fmt.Sprintf("m-%d", i), 0)
		if len(tok) != TokenSize*2 {
			t.Fatalf("unexpected token length: %d", len(tok))
		}
		if _, dup := seen[tok]; dup {
			t.Fatalf("duplicate token at trial %d", i)
		}
		seen[tok] = struct{}{}
	}

	secret := src.Entropy()
	if Token(secret, "m", 3) != Token(secret, "m", 3) {
		t.Fatalf("token must be stable for the same inputs")
	}
	if Token(secret, "m", 3) == Token(secret, "m", 4) {
		t.Fatalf("token must depend on position")
	}
}

func TestSingleChunkMessageIsFinalizedImmediately(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	data := []byte("hello")

	tok, err := f.engine.Submit(context.Background(), f.sess, f.caller, f.message(t, "m1", 16, int64(len(data))), f.chunk(t, "m1", 0, data), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tok != "" {
		t.Fatalf("expected no continuation token, got %q", tok)
	}
	if calls := f.handoff.calls(); len(calls) != 1 || calls[0].ID != "m1" {
		t.Fatalf("expected one relay handoff for m1, got %+v", calls)
	}
	if st, err := f.status(t, "m1"); err != nil || st != store.StatusReady {
		t.Fatalf("unexpected status %q: %v", st, err)
	}
	if f.sess.TransactionCount() != 0 || f.sess.HasPending("m1") {
		t.Fatalf("synthetic transaction must be dropped after finalize")
	}
	if f.st.Leases().Outstanding("p1") != 1 {
		t.Fatalf("partition association leaked: %d", f.st.Leases().Outstanding("p1"))
	}
}

func TestThreeChunkMessageEndToEnd(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	ctx := context.Background()
	body := bytes.Repeat([]byte("x"), 10)

	t1, err := f.engine.Submit(ctx, f.sess, f.caller, f.message(t, "m3", 4, 10), f.chunk(t, "m3", 0, body[:4]), nil)
	if err != nil || t1 == "" {
		t.Fatalf("submit: token=%q err=%v", t1, err)
	}
	t2, err := f.engine.Upload(ctx, f.sess, t1, f.chunk(t, "m3", 1, body[4:8]))
	if err != nil || t2 == "" || t2 == t1 {
		t.Fatalf("upload 1: token=%q err=%v", t2, err)
	}
	if len(f.handoff.calls()) != 0 {
		t.Fatalf("relay must wait for the last chunk")
	}

	if _, err := f.engine.Upload(ctx, f.sess, t1, f.chunk(t, "m3", 1, body[4:8])); !apierr.IsCode(err, apierr.CodeInvalidContinuation) {
		t.Fatalf("replayed token must fail, got %v", err)
	}

	t3, err := f.engine.Upload(ctx, f.sess, t2, f.chunk(t, "m3", 2, body[8:]))
	if err != nil {
		t.Fatalf("upload 2: %v", err)
	}
	if t3 != "" {
		t.Fatalf("expected no token after last chunk, got %q", t3)
	}
	if calls := f.handoff.calls(); len(calls) != 1 || calls[0].ID != "m3" || calls[0].ChunkCount != 3 {
		t.Fatalf("expected exactly one handoff of m3, got %+v", calls)
	}

	pctx, release, _ := f.st.AcquirePartition(ctx, 1)
	defer release()
	chunks, err := f.st.LoadChunks(pctx, "m3")
	if err != nil || len(chunks) != 3 {
		t.Fatalf("unexpected chunks %d: %v", len(chunks), err)
	}
	if _, err := f.engine.Upload(ctx, f.sess, t2, f.chunk(t, "m3", 2, body[8:])); !apierr.IsCode(err, apierr.CodeMessageNotFound) {
		t.Fatalf("upload after finalize must fail, got %v", err)
	}
}

func TestUploadRejectsSkippedAndForgedTokens(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	ctx := context.Background()
	body := bytes.Repeat([]byte("y"), 12)

	t1, err := f.engine.Submit(ctx, f.sess, f.caller, f.message(t, "m4", 4, 12), f.chunk(t, "m4", 0, body[:4]), nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.engine.Upload(ctx, f.sess, "", f.chunk(t, "m4", 1, body[4:8])); !apierr.IsCode(err, apierr.CodeMissingContinuation) {
		t.Fatalf("expected missing continuation, got %v", err)
	}
	if _, err := f.engine.Upload(ctx, f.sess, t1, f.chunk(t, "m4", 2, body[8:])); !apierr.IsCode(err, apierr.CodeInvalidContinuation) {
		t.Fatalf("skipping ahead must fail, got %v", err)
	}
	if _, err := f.engine.Upload(ctx, f.sess, "0000000000000000", f.chunk(t, "m4", 1, body[4:8])); !apierr.IsCode(err, apierr.CodeInvalidContinuation) {
		t.Fatalf("forged token must fail, got %v", err)
	}
	bad := f.chunk(t, "m4", 1, body[4:8])
	bad.AuthCode[0] ^= 0xff
	if _, err := f.engine.Upload(ctx, f.sess, t1, bad); !apierr.IsCode(err, apierr.CodeInvalidChunkAuthentication) {
		t.Fatalf("bad auth code must fail, got %v", err)
	}
	if _, err := f.engine.Upload(ctx, f.sess, t1, f.chunk(t, "m4", 1, body[4:7])); !apierr.IsCode(err, apierr.CodeInvalidChunkSize) {
		t.Fatalf("short chunk must fail, got %v", err)
	}
	if _, err := f.engine.Upload(ctx, f.sess, t1, f.chunk(t, "missing", 1, body[4:8])); !apierr.IsCode(err, apierr.CodeMessageNotFound) {
		t.Fatalf("unknown message must fail, got %v", err)
	}
	if _, err := f.engine.Upload(ctx, f.sess, t1, f.chunk(t, "m4", 1, body[4:8])); err != nil {
		t.Fatalf("correct upload after rejections: %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	ctx := context.Background()
	data := []byte("abc")

	noHeader := Message{Payload: &Payload{ChunkSize: 4, PlaintextLength: 3}}
	if _, err := f.engine.Submit(ctx, f.sess, f.caller, noHeader, f.chunk(t, "v", 0, data), nil); !apierr.IsCode(err, apierr.CodeMissingHeader) {
		t.Fatalf("expected missing header, got %v", err)
	}

	msg := f.message(t, "v1", 4, 3)
	msg.Header.Signature[0] ^= 0xff
	if _, err := f.engine.Submit(ctx, f.sess, f.caller, msg, f.chunk(t, "v1", 0, data), nil); !apierr.IsCode(err, apierr.CodeInvalidSignature) {
		t.Fatalf("expected invalid signature, got %v", err)
	}

	msg = f.message(t, "v2", 4, 3)
	msg.Header.Origin = "mallory@acme.com"
	msg.Sign(f.key)
	if _, err := f.engine.Submit(ctx, f.sess, f.caller, msg, f.chunk(t, "v2", 0, data), nil); !apierr.IsCode(err, apierr.CodeOriginMismatch) {
		t.Fatalf("expected origin mismatch, got %v", err)
	}

	msg = f.message(t, "v3", 4, 3)
	msg.Header.Destination = "initech.com"
	msg.Sign(f.key)
	if _, err := f.engine.Submit(ctx, f.sess, f.caller, msg, f.chunk(t, "v3", 0, data), nil); !apierr.IsCode(err, apierr.CodeChannelNotFound) {
		t.Fatalf("expected channel not found, got %v", err)
	}

	if _, err := f.engine.Submit(ctx, f.sess, f.caller, f.message(t, "v4", 4, 3), f.chunk(t, "v4", 0, data), &TransactionSpec{ID: SyntheticPrefix + "x"}); !apierr.IsCode(err, apierr.CodeInvalidTransactionID) {
		t.Fatalf("expected invalid transaction id, got %v", err)
	}
	if _, err := f.engine.Submit(ctx, f.sess, f.caller, f.message(t, "v5", 4, 3), f.chunk(t, "v5", 0, data), &TransactionSpec{ID: "t", TimeoutSeconds: 7200}); !apierr.IsCode(err, apierr.CodeInvalidTransactionTimeout) {
		t.Fatalf("expected invalid timeout, got %v", err)
	}

	if len(f.handoff.calls()) != 0 || f.sess.TransactionCount() != 0 {
		t.Fatalf("rejected submissions must not create state")
	}
}

func TestSubmitRejectsClosedFlow(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	ctx := context.Background()

	pctx, release, _ := f.st.AcquirePartition(ctx, 1)
	ch, _ := f.st.FindChannel(pctx, 9)
	ch.FlowOpen = false
	if err := f.st.UpdateChannel(pctx, ch); err != nil {
		t.Fatalf("update channel: %v", err)
	}
	release()

	data := []byte("abc")
	if _, err := f.engine.Submit(ctx, f.sess, f.caller, f.message(t, "c1", 4, 3), f.chunk(t, "c1", 0, data), nil); !apierr.IsCode(err, apierr.CodeFlowClosed) {
		t.Fatalf("expected flow closed, got %v", err)
	}
	if _, err := f.status(t, "c1"); err == nil {
		t.Fatalf("closed flow must not persist the message")
	}
}

func TestTransactionalMessageWaitsForCommit(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	ctx := context.Background()
	body := []byte("12345678")
	spec := &TransactionSpec{ID: "tx-1", TimeoutSeconds: 60}

	t1, err := f.engine.Submit(ctx, f.sess, f.caller, f.message(t, "a", 4, 8), f.chunk(t, "a", 0, body[:4]), spec)
	if err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if err := f.engine.Commit(ctx, f.sess, "tx-1"); !apierr.IsCode(err, apierr.CodeTransactionIncomplete) {
		t.Fatalf("expected incomplete, got %v", err)
	}
	if tok, err := f.engine.Upload(ctx, f.sess, t1, f.chunk(t, "a", 1, body[4:])); err != nil || tok != "" {
		t.Fatalf("upload a: token=%q err=%v", tok, err)
	}
	if _, err := f.engine.Submit(ctx, f.sess, f.caller, f.message(t, "b", 4, 2), f.chunk(t, "b", 0, []byte("ok")), spec); err != nil {
		t.Fatalf("submit b: %v", err)
	}
	if len(f.handoff.calls()) != 0 {
		t.Fatalf("transactional messages must not relay before commit")
	}

	if err := f.engine.Commit(ctx, f.sess, "tx-1"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if calls := f.handoff.calls(); len(calls) != 2 {
		t.Fatalf("expected two handoffs, got %d", len(calls))
	}
	for _, id := range []string{"a", "b"} {
		if st, err := f.status(t, id); err != nil || st != store.StatusReady {
			t.Fatalf("%s: unexpected status %q: %v", id, st, err)
		}
	}
	if err := f.engine.Commit(ctx, f.sess, "tx-1"); !apierr.IsCode(err, apierr.CodeTransactionNotFound) {
		t.Fatalf("second commit must fail, got %v", err)
	}
}

func TestRollbackDiscardsMembers(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	ctx := context.Background()
	body := []byte("12345678")
	spec := &TransactionSpec{ID: "tx-2"}

	t1, err := f.engine.Submit(ctx, f.sess, f.caller, f.message(t, "r", 4, 8), f.chunk(t, "r", 0, body[:4]), spec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := f.engine.Rollback(ctx, f.sess, "tx-2"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, err := f.engine.Upload(ctx, f.sess, t1, f.chunk(t, "r", 1, body[4:])); !apierr.IsCode(err, apierr.CodeMessageNotFound) {
		t.Fatalf("upload after rollback must be message-not-found, got %v", err)
	}
	if _, err := f.status(t, "r"); err == nil {
		t.Fatalf("rolled back message still stored")
	}
	if err := f.engine.Rollback(ctx, f.sess, "tx-2"); !apierr.IsCode(err, apierr.CodeTransactionNotFound) {
		t.Fatalf("expected transaction not found, got %v", err)
	}
	if err := f.engine.Forget(ctx, f.sess, "tx-2"); err != nil {
		t.Fatalf("forget of unknown transaction: %v", err)
	}
	if len(f.handoff.calls()) != 0 {
		t.Fatalf("rolled back message relayed")
	}
}

func TestExpiredTransactionCanOnlyRollBack(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	ctx := context.Background()
	spec := &TransactionSpec{ID: "tx-3", TimeoutSeconds: 5}

	if _, err := f.engine.Submit(ctx, f.sess, f.caller, f.message(t, "e", 4, 3), f.chunk(t, "e", 0, []byte("abc")), spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	f.now = f.now.Add(6 * time.Second)

	if err := f.engine.Commit(ctx, f.sess, "tx-3"); !apierr.IsCode(err, apierr.CodeTransactionExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	if _, err := f.engine.Submit(ctx, f.sess, f.caller, f.message(t, "e2", 4, 3), f.chunk(t, "e2", 0, []byte("abc")), spec); !apierr.IsCode(err, apierr.CodeTransactionExpired) {
		t.Fatalf("submit into expired transaction must fail, got %v", err)
	}
	if err := f.engine.Rollback(ctx, f.sess, "tx-3"); err != nil {
		t.Fatalf("rollback expired: %v", err)
	}
}

func TestDuplicateMessageIDRejected(t *testing.T) {
	testlog.Start(t)
	f := newFixture(t)
	ctx := context.Background()
	spec := &TransactionSpec{ID: "tx-4"}

	if _, err := f.engine.Submit(ctx, f.sess, f.caller, f.message(t, "d", 4, 3), f.chunk(t, "d", 0, []byte("abc")), spec); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.engine.Submit(ctx, f.sess, f.caller, f.message(t, "d", 4, 3), f.chunk(t, "d", 0, []byte("abc")), spec); !apierr.IsCode(err, apierr.CodeMessageAlreadyExists) {
		t.Fatalf("expected message exists, got %v", err)
	}
}
