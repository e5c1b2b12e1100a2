package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/exchange/internal/apierr"
	"github.com/danmuck/exchange/internal/identity"
	"github.com/danmuck/exchange/internal/routing"
	"github.com/rs/zerolog/log"
)

// Admin actions served by a node.
const (
	ActionSessionCreate            = "session.create"
	ActionCredentialAdd            = "credential.add"
	ActionCredentialRemove         = "credential.remove"
	ActionIdentityRemoveEverywhere = "identity.remove_everywhere"
	ActionStatus                   = "status"
)

// Admin actions served by the controller.
const (
	ActionSessionAllocate    = "session.allocate"
	ActionIdentityInvalidate = "identity.invalidate"
	ActionCredentialRevoke   = "credential.revoke"
	ActionNodesSnapshot      = "nodes.snapshot"
	ActionPlacementsSnapshot = "placements.snapshot"
)

var ErrAdminAddrRequired = errors.New("session: admin addr required")

// AdminRequest is one JSON-line admin action. Only the fields the action
// needs are set.
type AdminRequest struct {
	Action       string                 `json:"action"`
	Token        string                 `json:"token,omitempty"`
	Kind         routing.APIKind        `json:"kind,omitempty"`
	SessionID    string                 `json:"session_id,omitempty"`
	ControllerID string                 `json:"controller_id,omitempty"`
	Identity     *identity.Identity     `json:"identity,omitempty"`
	Fingerprint  string                 `json:"fingerprint,omitempty"`
	Seed         routing.Seed           `json:"seed,omitempty"`
	Handle       *routing.SessionHandle `json:"handle,omitempty"`
	SessionKey   string                 `json:"session_key,omitempty"`
}

// AdminResponse carries the outcome. Code is an apierr code when OK is false.
type AdminResponse struct {
	OK    bool            `json:"ok"`
	Code  uint32          `json:"code,omitempty"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// CountData is the payload of actions that report an active session count.
type CountData struct {
	Active int `json:"active"`
}

// Decode unmarshals Data into v. Empty data leaves v untouched.
func (r AdminResponse) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// OKResponse builds a successful response carrying data.
func OKResponse(data any) AdminResponse {
	if data == nil {
		return AdminResponse{OK: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return AdminResponse{OK: false, Error: err.Error()}
	}
	return AdminResponse{OK: true, Data: raw}
}

// ErrorResponse renders err with its apierr code.
func ErrorResponse(err error) AdminResponse {
	apiErr := apierr.From(err)
	return AdminResponse{OK: false, Code: uint32(apiErr.Code), Error: apiErr.Error()}
}

// AdminHandler answers one admin request.
type AdminHandler func(ctx context.Context, req AdminRequest) AdminResponse

// AdminServer answers JSON-line admin requests, one response line per request.
type AdminServer struct {
	name    string
	handle  AdminHandler
	clients atomic.Int64
}

func NewAdminServer(name string, handle AdminHandler) *AdminServer {
	return &AdminServer{name: name, handle: handle}
}

// Clients returns the number of attached admin connections.
func (s *AdminServer) Clients() int64 {
	return s.clients.Load()
}

// Serve accepts connections on ln until ctx is done.
func (s *AdminServer) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	log.Info().Str("addr", ln.Addr().String()).Msgf("%s.admin listening", s.name)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *AdminServer) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	active := s.clients.Add(1)
	log.Debug().Str("remote", remote).Int64("active_clients", active).Msgf("%s.admin client connected", s.name)
	defer func() {
		remaining := s.clients.Add(-1)
		log.Debug().Str("remote", remote).Int64("active_clients", remaining).Msgf("%s.admin client disconnected", s.name)
	}()

	reader := bufio.NewReader(conn)
	for {
		var req AdminRequest
		err := ReadJSONLine(reader, &req)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr) {
				log.Warn().Err(err).Str("remote", remote).Msgf("%s.admin read", s.name)
				return
			}
			_ = WriteJSONLine(conn, ErrorResponse(apierr.Wrap(apierr.CodeMalformedRequest, err)))
			continue
		}
		resp := s.handle(ctx, req)
		if err := WriteJSONLine(conn, resp); err != nil {
			log.Warn().Err(err).Str("remote", remote).Msgf("%s.admin write", s.name)
			return
		}
	}
}

// CallAdmin dials addr, writes one request and reads one response.
func CallAdmin(ctx context.Context, addr string, timeout time.Duration, req AdminRequest) (AdminResponse, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return AdminResponse{}, ErrAdminAddrRequired
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return AdminResponse{}, err
	}
	defer conn.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	if err := WriteJSONLine(conn, req); err != nil {
		return AdminResponse{}, err
	}
	var resp AdminResponse
	if err := ReadJSONLine(bufio.NewReader(conn), &resp); err != nil {
		return AdminResponse{}, fmt.Errorf("session: admin %s: %w", req.Action, err)
	}
	return resp, nil
}
