package scheme

import (
	"errors"
	"testing"

	"github.com/danmuck/exchange/internal/testutil/testlog"
)

func TestSignVerifyPerAlgorithm(t *testing.T) {
	testlog.Start(t)
	for _, alg := range []Algorithm{AlgorithmBlake2b, AlgorithmHMACSHA256} {
		s := Scheme{Algorithm: alg, Key: []byte("0123456789abcdef0123456789abcdef")}
		code, err := s.Sign("msg-1", 2, []byte("chunk"))
		if err != nil {
			t.Fatalf("%s sign: %v", alg, err)
		}
		if len(code) != 32 {
			t.Fatalf("%s unexpected code length: %d", alg, len(code))
		}
		if err := s.Verify("msg-1", 2, []byte("chunk"), code); err != nil {
			t.Fatalf("%s verify: %v", alg, err)
		}
		if err := s.Verify("msg-1", 3, []byte("chunk"), code); !errors.Is(err, ErrMismatch) {
			t.Fatalf("%s expected position to be bound, got %v", alg, err)
		}
		if err := s.Verify("msg-2", 2, []byte("chunk"), code); !errors.Is(err, ErrMismatch) {
			t.Fatalf("%s expected message id to be bound, got %v", alg, err)
		}
	}
}

func TestValidate(t *testing.T) {
	testlog.Start(t)
	if err := (Scheme{Algorithm: AlgorithmBlake2b}).Validate(); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
	if err := (Scheme{Algorithm: "rot13", Key: []byte("k")}).Validate(); !errors.Is(err, ErrUnknownAlgorithm) {
		t.Fatalf("expected ErrUnknownAlgorithm, got %v", err)
	}
	if err := (Scheme{Algorithm: AlgorithmNone}).Verify("m", 0, nil, nil); err != nil {
		t.Fatalf("none scheme should accept: %v", err)
	}
}
