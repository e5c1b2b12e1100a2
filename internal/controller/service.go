package controller

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/exchange/internal/apierr"
	"github.com/danmuck/exchange/internal/auth"
	"github.com/danmuck/exchange/internal/protocol/frame"
	"github.com/danmuck/exchange/internal/protocol/schema"
	"github.com/danmuck/exchange/internal/protocol/session"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ServiceConfig configures the controller process.
type ServiceConfig struct {
	ControllerID    string
	ListenAddr      string
	AdminListenAddr string
	AdminToken      string
	NodeToken       string
	NodeRPCTimeout  time.Duration
	Session         session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ControllerID:    "controller.local",
		ListenAddr:      ":9400",
		AdminListenAddr: ":9401",
		NodeRPCTimeout:  5 * time.Second,
		Session:         session.DefaultConfig(),
	}
}

// Service serves node links and the controller admin endpoint.
type Service struct {
	cfg        ServiceConfig
	controller *Controller
	admin      *session.AdminServer
	validator  auth.Validator

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	linkCount atomic.Int64
}

func NewService(cfg ServiceConfig) *Service {
	def := DefaultServiceConfig()
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.NodeRPCTimeout <= 0 {
		cfg.NodeRPCTimeout = def.NodeRPCTimeout
	}
	if cfg.Session.ReadTimeout <= 0 {
		cfg.Session = def.Session
	}
	return NewServiceWithController(cfg, New(cfg.ControllerID, NewAdminClient(cfg.ControllerID, cfg.NodeToken, cfg.NodeRPCTimeout)))
}

// NewServiceWithController wires an existing controller, used by tests with a
// fake NodeAdmin.
func NewServiceWithController(cfg ServiceConfig, c *Controller) *Service {
	s := &Service{
		cfg:        cfg,
		controller: c,
		validator:  auth.ForAdmin(cfg.AdminToken, false),
		conns:      make(map[net.Conn]struct{}),
	}
	s.admin = session.NewAdminServer("controller", s.handleAdmin)
	return s
}

func (s *Service) Controller() *Controller {
	return s.controller
}

// Run listens on both endpoints and blocks until ctx is done or one fails.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().
		Str("addr", ln.Addr().String()).
		Str("controller_id", s.controller.ID()).
		Msg("controller.Service.Run listening")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Serve(ctx, ln) })
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		adminLn, err := net.Listen("tcp", addr)
		if err != nil {
			_ = ln.Close()
			return err
		}
		g.Go(func() error { return s.admin.Serve(ctx, adminLn) })
	}
	return g.Wait()
}

// Serve accepts node links on ln until ctx is done.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	go func() {
		<-ctx.Done()
		s.closeAllConns()
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
		s.trackConn(conn)
		go s.handleConn(conn)
	}
}

// ServeAdmin serves the admin endpoint on an existing listener.
func (s *Service) ServeAdmin(ctx context.Context, ln net.Listener) error {
	return s.admin.Serve(ctx, ln)
}

func (s *Service) handleConn(conn net.Conn) {
	defer conn.Close()
	defer s.untrackConn(conn)
	remote := conn.RemoteAddr().String()
	active := s.linkCount.Add(1)
	log.Debug().Str("remote", remote).Int64("links", active).Msg("controller.link connected")
	defer func() {
		remaining := s.linkCount.Add(-1)
		log.Debug().Str("remote", remote).Int64("links", remaining).Msg("controller.link disconnected")
	}()

	reader := bufio.NewReader(conn)
	_ = conn.SetDeadline(time.Now().Add(s.cfg.Session.HandshakeTimeout))
	reg, err := session.ReadRegistration(reader)
	if err != nil {
		log.Warn().Err(err).Str("remote", remote).Msg("controller.handleConn registration")
		_ = session.WriteRegistrationAck(conn, session.RegistrationAck{
			Status:      session.AckStatusRejected,
			Code:        ackCodeInvalidRegistration,
			Message:     "invalid registration payload",
			NodeID:      "unknown",
			TimestampMS: uint64(time.Now().UnixMilli()),
		})
		return
	}
	ack := s.controller.UpsertRegistration(remote, reg)
	if err := session.WriteRegistrationAck(conn, ack); err != nil || ack.Status != session.AckStatusAccepted {
		return
	}
	defer s.controller.MarkNodeDisconnected(reg.NodeID)
	_ = conn.SetDeadline(time.Time{})

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Session.ReadTimeout))
		fr, err := frame.ReadFrame(reader, frame.DefaultLimits())
		if err != nil {
			return
		}
		if fr.Header.MessageType != schema.MsgNotice {
			log.Warn().
				Uint32("message_type", fr.Header.MessageType).
				Str("node_id", reg.NodeID).
				Msg("controller.handleConn unexpected message")
			return
		}
		notice, err := session.DecodeNoticeFrame(fr)
		if err != nil {
			log.Warn().Err(err).Str("node_id", reg.NodeID).Msg("controller.handleConn decode notice")
			return
		}
		noticeAck := s.controller.AcceptNotice(reg.NodeID, notice)
		payload, err := session.EncodeNoticeAckFrame(fr.Header.MessageID, noticeAck)
		if err != nil {
			log.Warn().Err(err).Msg("controller.handleConn encode notice.ack")
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.Session.WriteTimeout))
		if _, err := conn.Write(payload); err != nil {
			return
		}
	}
}

func (s *Service) handleAdmin(ctx context.Context, req session.AdminRequest) session.AdminResponse {
	if err := s.validator.Validate(req.Token); err != nil {
		return session.ErrorResponse(apierr.Wrap(apierr.CodeUnauthorizedIdentity, err))
	}
	ctx, cancel := context.WithTimeout(ctx, 2*s.cfg.NodeRPCTimeout)
	defer cancel()

	switch strings.TrimSpace(req.Action) {
	case session.ActionSessionAllocate:
		if req.Handle == nil || req.Identity == nil {
			return session.ErrorResponse(apierr.New(apierr.CodeMalformedRequest, "handle and identity required"))
		}
		endpoint, err := s.controller.Allocate(ctx, *req.Handle, *req.Identity)
		if err != nil {
			return session.ErrorResponse(err)
		}
		return session.OKResponse(endpoint)
	case session.ActionIdentityInvalidate:
		if strings.TrimSpace(req.Fingerprint) == "" {
			return session.ErrorResponse(apierr.New(apierr.CodeMalformedRequest, "fingerprint required"))
		}
		failed := s.controller.InvalidateIdentity(ctx, req.Fingerprint)
		return session.OKResponse(map[string]int{"failed_nodes": failed})
	case session.ActionCredentialRevoke:
		if err := s.controller.RevokeCredential(ctx, req.SessionKey, req.Fingerprint); err != nil {
			return session.ErrorResponse(err)
		}
		return session.OKResponse(nil)
	case session.ActionNodesSnapshot:
		return session.OKResponse(s.controller.Nodes())
	case session.ActionPlacementsSnapshot:
		return session.OKResponse(s.controller.Placements())
	default:
		return session.ErrorResponse(apierr.Newf(apierr.CodeMalformedRequest, "unknown action %q", req.Action))
	}
}

func (s *Service) trackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Service) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, conn)
}

func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	for conn := range s.conns {
		_ = conn.Close()
		delete(s.conns, conn)
	}
}
