package entropy

import (
	"bytes"
	"testing"

	"github.com/danmuck/exchange/internal/testutil/testlog"
)

func TestSeededIsDeterministic(t *testing.T) {
	testlog.Start(t)
	a := NewSeeded(7, 16)
	b := NewSeeded(7, 16)
	for i := 0; i < 5; i++ {
		if !bytes.Equal(a.Entropy(), b.Entropy()) {
			t.Fatalf("entropy diverged at step %d", i)
		}
		if a.NewID() != b.NewID() {
			t.Fatalf("ids diverged at step %d", i)
		}
	}
}

func TestCryptoEntropyIsUnique(t *testing.T) {
	testlog.Start(t)
	src := NewCrypto(0)
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		e := src.Entropy()
		if len(e) != DefaultSize {
			t.Fatalf("unexpected entropy size: %d", len(e))
		}
		key := string(e)
		if _, ok := seen[key]; ok {
			t.Fatalf("duplicate entropy at step %d", i)
		}
		seen[key] = struct{}{}
	}
	if src.NewID() == src.NewID() {
		t.Fatalf("expected distinct ids")
	}
}
