// Package apierr is the flat error taxonomy returned across the exchange API
// boundary. A Code always renders with the same description.
package apierr

import (
	"errors"
	"fmt"
)

// Code is a stable numeric error identifier shared with clients.
type Code uint32

const (
	CodeOK               Code = 0
	CodeMalformedRequest Code = 1

	CodeMissingHeader              Code = 10
	CodeMissingPayload             Code = 11
	CodeMissingChunk               Code = 12
	CodeInvalidChunkSize           Code = 13
	CodeInvalidSignature           Code = 14
	CodeOriginMismatch             Code = 15
	CodeDestinationMismatch        Code = 16
	CodeUnauthorizedIdentity       Code = 17
	CodeInvalidTransactionID       Code = 18
	CodeInvalidTransactionTimeout  Code = 19
	CodeInvalidChunkAuthentication Code = 20
	CodeChunkTooLarge              Code = 21
	CodeMessageAlreadyExists       Code = 22

	CodeChannelNotFound Code = 30
	CodeSessionNotFound Code = 31

	CodeNoCapacity Code = 40

	CodeMissingContinuation   Code = 50
	CodeMessageNotFound       Code = 51
	CodeInvalidContinuation   Code = 52
	CodeTransactionNotFound   Code = 53
	CodeTransactionExpired    Code = 54
	CodeTransactionIncomplete Code = 55

	CodeChannelClosed Code = 60
	CodeFlowClosed    Code = 61

	CodeRelayFailed Code = 70

	CodeInternal Code = 99
)

// Class groups codes by how a caller is expected to react.
type Class string

const (
	ClassNone       Class = "none"
	ClassValidation Class = "validation"
	ClassCapacity   Class = "capacity"
	ClassSequencing Class = "sequencing"
	ClassFlow       Class = "flow"
	ClassRelay      Class = "relay"
	ClassInternal   Class = "internal"
)

type entry struct {
	description string
	class       Class
}

var table = map[Code]entry{
	CodeOK:                         {"ok", ClassNone},
	CodeMalformedRequest:           {"malformed request", ClassValidation},
	CodeMissingHeader:              {"message header is missing", ClassValidation},
	CodeMissingPayload:             {"message payload is missing", ClassValidation},
	CodeMissingChunk:               {"message chunk is missing", ClassValidation},
	CodeInvalidChunkSize:           {"invalid chunk size", ClassValidation},
	CodeInvalidSignature:           {"invalid message signature", ClassValidation},
	CodeOriginMismatch:             {"message origin does not match the authenticated sender", ClassValidation},
	CodeDestinationMismatch:        {"message destination does not match the channel", ClassValidation},
	CodeUnauthorizedIdentity:       {"identity is not authorized for this session", ClassValidation},
	CodeInvalidTransactionID:       {"invalid transaction id", ClassValidation},
	CodeInvalidTransactionTimeout:  {"transaction timeout out of range", ClassValidation},
	CodeInvalidChunkAuthentication: {"chunk authentication code mismatch", ClassValidation},
	CodeChunkTooLarge:              {"chunk exceeds the declared chunk size", ClassValidation},
	CodeMessageAlreadyExists:       {"message id already in use", ClassValidation},
	CodeChannelNotFound:            {"no authorized channel for origin and destination", ClassValidation},
	CodeSessionNotFound:            {"session not found", ClassSequencing},
	CodeNoCapacity:                 {"no node can accept new sessions", ClassCapacity},
	CodeMissingContinuation:        {"continuation token is missing", ClassSequencing},
	CodeMessageNotFound:            {"message not found", ClassSequencing},
	CodeInvalidContinuation:        {"invalid continuation token", ClassSequencing},
	CodeTransactionNotFound:        {"transaction not found", ClassSequencing},
	CodeTransactionExpired:         {"transaction expired", ClassSequencing},
	CodeTransactionIncomplete:      {"transaction has incomplete messages", ClassSequencing},
	CodeChannelClosed:              {"channel is closed", ClassFlow},
	CodeFlowClosed:                 {"channel flow is closed", ClassFlow},
	CodeRelayFailed:                {"relay failed", ClassRelay},
	CodeInternal:                   {"internal error", ClassInternal},
}

// Description returns the fixed description for c.
func (c Code) Description() string {
	if e, ok := table[c]; ok {
		return e.description
	}
	return table[CodeInternal].description
}

func (c Code) Class() Class {
	if e, ok := table[c]; ok {
		return e.class
	}
	return ClassInternal
}

func (c Code) String() string {
	return fmt.Sprintf("%d %s", uint32(c), c.Description())
}

// Codes lists every defined code in ascending order.
func Codes() []Code {
	out := make([]Code, 0, len(table))
	for c := CodeOK; c <= CodeInternal; c++ {
		if _, ok := table[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Error is the only error type that crosses the API boundary.
type Error struct {
	Code   Code
	Detail string
	Err    error
}

func New(code Code, detail string) *Error {
	return &Error{Code: code, Detail: detail}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("apierr %d: %s: %s: %v", e.Code, e.Code.Description(), e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("apierr %d: %s: %s", e.Code, e.Code.Description(), e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("apierr %d: %s: %v", e.Code, e.Code.Description(), e.Err)
	default:
		return fmt.Sprintf("apierr %d: %s", e.Code, e.Code.Description())
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// From converts any error into an *Error, defaulting to CodeInternal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return Wrap(CodeInternal, err)
}

// CodeOf returns the code carried by err, CodeOK for nil.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	return From(err).Code
}

func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
