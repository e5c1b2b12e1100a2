package session

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/danmuck/exchange/internal/routing"
	"github.com/danmuck/exchange/internal/testutil/testlog"
)

func TestCallAdminRoundTrip(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	got := make(chan AdminRequest, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req AdminRequest
		if err := ReadJSONLine(bufio.NewReader(conn), &req); err != nil {
			return
		}
		got <- req
		_ = WriteJSONLine(conn, OKResponse(CountData{Active: 3}))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := CallAdmin(ctx, ln.Addr().String(), time.Second, AdminRequest{
		Action:    ActionSessionCreate,
		Kind:      routing.KindRelay,
		SessionID: "s-1",
		Seed:      routing.Seed{routing.AttrZone: 1, routing.AttrChannel: 6},
	})
	if err != nil {
		t.Fatalf("call admin: %v", err)
	}
	var count CountData
	if err := resp.Decode(&count); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.OK || count.Active != 3 {
		t.Fatalf("unexpected response: %+v count=%+v", resp, count)
	}

	req := <-got
	if req.Action != ActionSessionCreate || req.Kind != routing.KindRelay {
		t.Fatalf("unexpected request: %+v", req)
	}
	if v, ok := req.Seed.Get(routing.AttrChannel); !ok || v != 6 {
		t.Fatalf("unexpected seed: %+v", req.Seed)
	}
}

func TestCallAdminRequiresAddr(t *testing.T) {
	testlog.Start(t)
	_, err := CallAdmin(context.Background(), " ", time.Second, AdminRequest{Action: ActionStatus})
	if !errors.Is(err, ErrAdminAddrRequired) {
		t.Fatalf("unexpected err: %v", err)
	}
}
