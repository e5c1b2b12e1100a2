package frontend

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/danmuck/exchange/internal/apierr"
	"github.com/danmuck/exchange/internal/routing"
	"github.com/danmuck/exchange/internal/testutil/testlog"
)

func TestAllocatorControllerTimeoutIsInternal(t *testing.T) {
	testlog.Start(t)
	ln := listenLoopback(t)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			// Read the request and never answer.
			go func() {
				_, _ = io.Copy(io.Discard, conn)
				_ = conn.Close()
			}()
		}
	}()

	alloc := NewAllocator(ln.Addr().String(), "ctl-secret", newRPCPool(1, 100*time.Millisecond))
	h := routing.NewHandleFactory("").Submission(routing.Target{ZoneID: 1, Apex: "ex.net", DomainID: 2, Domain: "acme.com", AddressID: 3, Local: "alice"})
	_, err := alloc.Allocate(context.Background(), h, newClient(t, "alice").id)
	if err == nil {
		t.Fatalf("expected allocation to fail against a silent controller")
	}
	if apierr.IsCode(err, apierr.CodeNoCapacity) || !apierr.IsCode(err, apierr.CodeInternal) {
		t.Fatalf("controller timeout must be internal, got %v", err)
	}
}
