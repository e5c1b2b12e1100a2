package apierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/danmuck/exchange/internal/testutil/testlog"
)

func TestCodesHaveStableDescriptions(t *testing.T) {
	testlog.Start(t)
	seen := make(map[string]Code)
	for _, c := range Codes() {
		desc := c.Description()
		if desc == "" {
			t.Fatalf("code %d has empty description", c)
		}
		if prev, ok := seen[desc]; ok {
			t.Fatalf("description %q shared by %d and %d", desc, prev, c)
		}
		seen[desc] = c
		if c.Description() != desc {
			t.Fatalf("description for %d not stable", c)
		}
	}
}

func TestClassesMatchTaxonomy(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		code Code
		want Class
	}{
		{CodeOriginMismatch, ClassValidation},
		{CodeNoCapacity, ClassCapacity},
		{CodeInvalidContinuation, ClassSequencing},
		{CodeTransactionExpired, ClassSequencing},
		{CodeFlowClosed, ClassFlow},
		{CodeRelayFailed, ClassRelay},
		{Code(12345), ClassInternal},
	}
	for _, tc := range tests {
		if got := tc.code.Class(); got != tc.want {
			t.Fatalf("code %d class=%q want=%q", tc.code, got, tc.want)
		}
	}
}

func TestFromWrapsForeignErrors(t *testing.T) {
	testlog.Start(t)
	base := errors.New("disk on fire")
	got := From(fmt.Errorf("persist chunk: %w", base))
	if got.Code != CodeInternal {
		t.Fatalf("unexpected code: %d", got.Code)
	}
	if !errors.Is(got, base) {
		t.Fatalf("expected wrapped base error")
	}

	orig := New(CodeChannelClosed, "channel 7")
	wrapped := fmt.Errorf("submit: %w", orig)
	if From(wrapped) != orig {
		t.Fatalf("expected original *Error to be returned")
	}
	if !IsCode(wrapped, CodeChannelClosed) {
		t.Fatalf("expected IsCode match")
	}
	if CodeOf(nil) != CodeOK {
		t.Fatalf("nil error should be CodeOK")
	}
}
