// Package relay hands finalized messages to the next hop.
package relay

import (
	"context"
	"errors"
	"fmt"
)

// Result tags how a relay attempt sequence ended.
type Result int

const (
	ResultSuccess Result = iota
	ResultRetryable
	ResultTerminal
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultRetryable:
		return "retryable"
	case ResultTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Outcome is the result of relaying one message.
type Outcome struct {
	Result   Result
	Address  string
	Attempts int
	Err      error
}

func (o Outcome) OK() bool {
	return o.Result == ResultSuccess
}

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as not worth retrying.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

func classify(err error) Result {
	switch {
	case err == nil:
		return ResultSuccess
	case IsTerminal(err):
		return ResultTerminal
	default:
		return ResultRetryable
	}
}

// Attempt delivers once and returns the address used. fresh asks for an
// address resolved without any cache.
type Attempt func(ctx context.Context, fresh bool) (string, error)

// TwoStep runs attempt against the cached address and, on a retryable
// failure, exactly once more against a fresh one. A second failure is
// terminal.
func TwoStep(ctx context.Context, attempt Attempt) Outcome {
	addr, err := attempt(ctx, false)
	if err == nil {
		return Outcome{Result: ResultSuccess, Address: addr, Attempts: 1}
	}
	if r := classify(err); r == ResultTerminal || ctx.Err() != nil {
		return Outcome{Result: ResultTerminal, Attempts: 1, Err: err}
	}

	addr, err = attempt(ctx, true)
	if err == nil {
		return Outcome{Result: ResultSuccess, Address: addr, Attempts: 2}
	}
	return Outcome{Result: ResultTerminal, Attempts: 2, Err: err}
}
