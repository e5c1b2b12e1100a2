package controller

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/danmuck/exchange/internal/apierr"
	"github.com/danmuck/exchange/internal/protocol/frame"
	"github.com/danmuck/exchange/internal/protocol/session"
	"github.com/danmuck/exchange/internal/testutil/testlog"
)

func startService(t *testing.T, cfg ServiceConfig) (*Service, string, string) {
	t.Helper()
	svc := NewServiceWithController(cfg, New("ctl-1", newFakeAdmin()))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	adminLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen admin: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = svc.Serve(ctx, ln) }()
	go func() { _ = svc.ServeAdmin(ctx, adminLn) }()
	return svc, ln.Addr().String(), adminLn.Addr().String()
}

func testServiceConfig() ServiceConfig {
	cfg := DefaultServiceConfig()
	cfg.AdminToken = "secret"
	cfg.NodeRPCTimeout = time.Second
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServiceNodeLinkLifecycle(t *testing.T) {
	testlog.Start(t)
	svc, addr, _ := startService(t, testServiceConfig())

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	reader := bufio.NewReader(conn)
	if err := session.WriteRegistration(conn, testRegistration("node-a", 10)); err != nil {
		t.Fatalf("write registration: %v", err)
	}
	ack, err := session.ReadRegistrationAck(reader)
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Status != session.AckStatusAccepted || ack.ControllerID != "ctl-1" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	payload, err := session.EncodeNoticeFrame(7, session.Notice{
		NoticeID:    "hb-1",
		NodeID:      "node-a",
		Kind:        session.NoticeHeartbeat,
		Active:      4,
		TimestampMS: uint64(time.Now().UnixMilli()),
	})
	if err != nil {
		t.Fatalf("encode notice: %v", err)
	}
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write notice: %v", err)
	}
	fr, err := frame.ReadFrame(reader, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read notice ack: %v", err)
	}
	if fr.Header.MessageID != 7 {
		t.Fatalf("unexpected ack message id: %d", fr.Header.MessageID)
	}
	noticeAck, err := session.DecodeNoticeAckFrame(fr)
	if err != nil {
		t.Fatalf("decode notice ack: %v", err)
	}
	if noticeAck.NoticeID != "hb-1" || noticeAck.AckStatus != session.AckStatusAccepted {
		t.Fatalf("unexpected notice ack: %+v", noticeAck)
	}
	if n, _ := svc.Controller().Node("node-a"); n.Active != 4 || !n.Connected {
		t.Fatalf("unexpected node state: %+v", n)
	}

	_ = conn.Close()
	waitFor(t, "node disconnect", func() bool {
		n, _ := svc.Controller().Node("node-a")
		return !n.Connected
	})
}

func TestServiceAdminRequiresToken(t *testing.T) {
	testlog.Start(t)
	svc, _, adminAddr := startService(t, testServiceConfig())
	svc.Controller().UpsertRegistration("127.0.0.1:1", testRegistration("node-a", 10))

	ctx := context.Background()
	resp, err := session.CallAdmin(ctx, adminAddr, time.Second, session.AdminRequest{
		Action: session.ActionNodesSnapshot,
		Token:  "wrong",
	})
	if err != nil {
		t.Fatalf("call admin: %v", err)
	}
	if resp.OK || apierr.Code(resp.Code) != apierr.CodeUnauthorizedIdentity {
		t.Fatalf("expected unauthorized, got %+v", resp)
	}

	resp, err = session.CallAdmin(ctx, adminAddr, time.Second, session.AdminRequest{
		Action: session.ActionNodesSnapshot,
		Token:  "secret",
	})
	if err != nil {
		t.Fatalf("call admin: %v", err)
	}
	var nodes []NodeInfo
	if err := resp.Decode(&nodes); err != nil {
		t.Fatalf("decode nodes: %v", err)
	}
	if !resp.OK || len(nodes) != 1 || nodes[0].NodeID != "node-a" {
		t.Fatalf("unexpected snapshot: %+v %+v", resp, nodes)
	}
}

func TestServiceAdminAllocate(t *testing.T) {
	testlog.Start(t)
	svc, _, adminAddr := startService(t, testServiceConfig())
	svc.Controller().UpsertRegistration("127.0.0.1:1", testRegistration("node-a", 10))

	h := submissionHandle("alice")
	caller := testIdentity(t, "alice")
	resp, err := session.CallAdmin(context.Background(), adminAddr, time.Second, session.AdminRequest{
		Action:   session.ActionSessionAllocate,
		Token:    "secret",
		Handle:   &h,
		Identity: &caller,
	})
	if err != nil {
		t.Fatalf("call admin: %v", err)
	}
	if !resp.OK {
		t.Fatalf("unexpected failure: %+v", resp)
	}

	bad := h
	bad.Segment = "us-9"
	resp, err = session.CallAdmin(context.Background(), adminAddr, time.Second, session.AdminRequest{
		Action:   session.ActionSessionAllocate,
		Token:    "secret",
		Handle:   &bad,
		Identity: &caller,
	})
	if err != nil {
		t.Fatalf("call admin: %v", err)
	}
	if resp.OK || apierr.Code(resp.Code) != apierr.CodeNoCapacity {
		t.Fatalf("expected no capacity, got %+v", resp)
	}
}
