package session

import (
	"bufio"
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/exchange/internal/protocol/frame"
	"github.com/danmuck/exchange/internal/testutil/testlog"
)

func TestBackoffDelay(t *testing.T) {
	testlog.Start(t)
	b := Backoff{InitialDelay: 250 * time.Millisecond, Multiplier: 2.0, MaxDelay: 5 * time.Second}
	want := map[int]time.Duration{
		0: 250 * time.Millisecond,
		1: 250 * time.Millisecond,
		2: 500 * time.Millisecond,
		3: time.Second,
		6: 5 * time.Second,
	}
	for attempt, d := range want {
		if got := b.Delay(attempt, nil); got != d {
			t.Fatalf("attempt %d: got %v want %v", attempt, got, d)
		}
	}
	if got := (Backoff{}).Delay(3, nil); got != 0 {
		t.Fatalf("zero backoff should not wait, got %v", got)
	}
}

func TestBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	b := Backoff{InitialDelay: 250 * time.Millisecond, Multiplier: 2.0, MaxDelay: 5 * time.Second, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		got := b.Delay(2, rng)
		if got < 250*time.Millisecond || got >= 750*time.Millisecond {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	bad := DefaultConfig()
	bad.HeartbeatInterval = bad.ReadTimeout
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected heartbeat/read timeout error")
	}
	bad = DefaultConfig()
	bad.Backoff.MaxDelay = time.Millisecond
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected backoff error")
	}
}

func TestNoticeOutboxLifecycle(t *testing.T) {
	testlog.Start(t)
	o := NewNoticeOutbox()
	now := time.Unix(1700000000, 0)
	o.Upsert(PendingNotice{
		Notice:   Notice{NoticeID: "n.2", NodeID: "node-a", Kind: NoticeEvicted, SessionIDs: []string{"s2"}},
		QueuedAt: now.Add(time.Second),
	})
	o.Upsert(PendingNotice{
		Notice:   Notice{NoticeID: "n.1", NodeID: "node-a", Kind: NoticeEvicted, SessionIDs: []string{"s1"}},
		QueuedAt: now,
	})
	item, ok := o.MarkAttempt("n.1", now.Add(time.Second), "timeout")
	if !ok {
		t.Fatalf("missing pending item")
	}
	if item.Attempts != 1 || item.LastError != "timeout" {
		t.Fatalf("unexpected attempt state: %+v", item)
	}
	list := o.List()
	if len(list) != 2 || list[0].Notice.NoticeID != "n.1" {
		t.Fatalf("expected oldest first, got %+v", list)
	}
	o.Remove("n.1")
	if _, ok := o.Get("n.1"); ok {
		t.Fatalf("notice should be removed")
	}
	if o.Len() != 1 {
		t.Fatalf("unexpected outbox size: %d", o.Len())
	}
}

func testRegistration() Registration {
	return Registration{
		NodeID:     "node-a",
		Segment:    "eu-1",
		APIKinds:   []string{"submission", "relay"},
		BackendURL: "https://node-a.ex.net",
		AdminAddr:  "127.0.0.1:9501",
		Capacity:   100,
	}
}

func TestRegistrationRoundTrip(t *testing.T) {
	testlog.Start(t)
	reg := testRegistration()
	var buf bytes.Buffer
	if err := WriteRegistration(&buf, reg); err != nil {
		t.Fatalf("write registration: %v", err)
	}
	got, err := ReadRegistration(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read registration: %v", err)
	}
	if got.NodeID != reg.NodeID || len(got.APIKinds) != 2 || got.Capacity != 100 {
		t.Fatalf("unexpected registration: %+v", got)
	}
}

func TestRegistrationValidation(t *testing.T) {
	testlog.Start(t)
	reg := testRegistration()
	reg.Capacity = 0
	if err := reg.Validate(); !errors.Is(err, ErrInvalidRegistration) {
		t.Fatalf("expected invalid registration, got %v", err)
	}
	reg = testRegistration()
	reg.APIKinds = nil
	var buf bytes.Buffer
	if err := WriteRegistration(&buf, reg); !errors.Is(err, ErrInvalidRegistration) {
		t.Fatalf("expected invalid registration, got %v", err)
	}
}

func TestRegistrationAckRoundTrip(t *testing.T) {
	testlog.Start(t)
	ack := RegistrationAck{
		Status:       AckStatusAccepted,
		Message:      "ok",
		NodeID:       "node-a",
		ControllerID: "ctrl-1",
		TimestampMS:  1700000000000,
	}
	var buf bytes.Buffer
	if err := WriteRegistrationAck(&buf, ack); err != nil {
		t.Fatalf("write ack: %v", err)
	}
	got, err := ReadRegistrationAck(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if got.Status != AckStatusAccepted || got.ControllerID != "ctrl-1" {
		t.Fatalf("unexpected ack: %+v", got)
	}
}

func TestEncodeDecodeNoticeFrame(t *testing.T) {
	testlog.Start(t)
	payload, err := EncodeNoticeFrame(42, Notice{
		NoticeID:    "n.42",
		NodeID:      "node-a",
		Kind:        NoticeEvicted,
		APIKind:     "submission",
		SessionIDs:  []string{"s1", "s2", "s3"},
		Active:      7,
		TimestampMS: 1700000000123,
	})
	if err != nil {
		t.Fatalf("encode notice frame: %v", err)
	}

	fr, err := frame.ReadFrame(bytes.NewReader(payload), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	got, err := DecodeNoticeFrame(fr)
	if err != nil {
		t.Fatalf("decode notice: %v", err)
	}
	if got.NoticeID != "n.42" || got.Active != 7 || len(got.SessionIDs) != 3 || got.SessionIDs[2] != "s3" {
		t.Fatalf("unexpected notice: %+v", got)
	}
	if _, err := DecodeNoticeAckFrame(fr); err == nil {
		t.Fatalf("notice frame must not decode as ack")
	}
}

func TestEvictedNoticeRequiresSessions(t *testing.T) {
	testlog.Start(t)
	if _, err := EncodeNoticeFrame(1, Notice{NoticeID: "n", NodeID: "node-a", Kind: NoticeEvicted}); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := EncodeNoticeFrame(1, Notice{NoticeID: "n", NodeID: "node-a", Kind: NoticeHeartbeat, Active: 2}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
}

func TestEncodeDecodeNoticeAckFrame(t *testing.T) {
	testlog.Start(t)
	payload, err := EncodeNoticeAckFrame(99, NoticeAck{
		NoticeID:    "n.99",
		NodeID:      "node-a",
		AckStatus:   AckStatusAccepted,
		TimestampMS: 1700000000123,
	})
	if err != nil {
		t.Fatalf("encode notice.ack frame: %v", err)
	}

	fr, err := frame.ReadFrame(bytes.NewReader(payload), frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if fr.Header.Flags&frame.FlagIsResponse == 0 {
		t.Fatalf("ack frame must carry the response flag")
	}
	got, err := DecodeNoticeAckFrame(fr)
	if err != nil {
		t.Fatalf("decode notice.ack: %v", err)
	}
	if got.NoticeID != "n.99" || got.AckStatus != AckStatusAccepted || got.TimestampMS == 0 {
		t.Fatalf("unexpected notice.ack: %+v", got)
	}
}
