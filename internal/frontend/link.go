package frontend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/exchange/internal/protocol/frame"
	"github.com/danmuck/exchange/internal/protocol/session"
	"github.com/danmuck/exchange/internal/routing"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrControllerAddressRequired = errors.New("frontend: controller address required")
	ErrRegistrationRejected      = errors.New("frontend: registration rejected")
	ErrNoticeRejected            = errors.New("frontend: notice rejected")
	ErrLinkClosed                = errors.New("frontend: controller link closed")
)

// LinkConfig configures the node->controller link.
type LinkConfig struct {
	Address      string
	Registration session.Registration
	Session      session.Config
}

// controllerLink keeps one registered connection to the controller alive,
// heartbeats over it and delivers eviction notices through an outbox that
// survives reconnects.
type controllerLink struct {
	cfg     LinkConfig
	tracker *tracker
	active  func() int
	rng     *rand.Rand
	outbox  *session.NoticeOutbox

	mu           sync.RWMutex
	conn         *linkConn
	controllerID string
}

func newControllerLink(cfg LinkConfig, t *tracker, active func() int) *controllerLink {
	return &controllerLink{
		cfg:     cfg,
		tracker: t,
		active:  active,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		outbox:  session.NewNoticeOutbox(),
	}
}

// Connected reports the controller id of the live link, if any.
func (l *controllerLink) Connected() (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.controllerID, l.conn != nil
}

// Run dials, registers and monitors the link until ctx is done, reconnecting
// with backoff after each loss.
func (l *controllerLink) Run(ctx context.Context) error {
	if strings.TrimSpace(l.cfg.Address) == "" {
		return ErrControllerAddressRequired
	}
	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		conn, ack, err := l.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			attempt++
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Str("addr", l.cfg.Address).
				Msg("frontend.controllerLink.Run connect failed")
			if err := l.wait(ctx, attempt); err != nil {
				return nil
			}
			continue
		}
		attempt = 0
		l.set(conn, ack.ControllerID)
		l.tracker.LinkUp(ack.ControllerID)
		log.Info().
			Str("controller_id", ack.ControllerID).
			Str("addr", l.cfg.Address).
			Msg("frontend.controllerLink.Run connected")

		err = l.monitor(ctx, conn)
		l.clear(conn)
		l.tracker.LinkDown(ack.ControllerID)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Str("controller_id", ack.ControllerID).Msg("frontend.controllerLink.Run link lost")
		}
	}
}

func (l *controllerLink) connect(ctx context.Context) (*linkConn, session.RegistrationAck, error) {
	dialer := net.Dialer{Timeout: l.cfg.Session.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", l.cfg.Address)
	if err != nil {
		return nil, session.RegistrationAck{}, err
	}
	_ = raw.SetDeadline(time.Now().Add(l.cfg.Session.HandshakeTimeout))
	reader := bufio.NewReader(raw)
	reg := l.cfg.Registration
	reg.Active = l.active()
	if err := session.WriteRegistration(raw, reg); err != nil {
		_ = raw.Close()
		return nil, session.RegistrationAck{}, err
	}
	ack, err := session.ReadRegistrationAck(reader)
	if err != nil {
		_ = raw.Close()
		return nil, session.RegistrationAck{}, err
	}
	if ack.Status != session.AckStatusAccepted {
		_ = raw.Close()
		return nil, ack, fmt.Errorf("%w: code=%d message=%q", ErrRegistrationRejected, ack.Code, ack.Message)
	}
	_ = raw.SetDeadline(time.Time{})
	c := &linkConn{conn: raw, reader: reader, cfg: l.cfg.Session}
	c.nextMessageID.Store(uint64(time.Now().UnixNano()))
	return c, ack, nil
}

func (l *controllerLink) monitor(ctx context.Context, conn *linkConn) error {
	interval := l.cfg.Session.HeartbeatInterval
	if interval <= 0 {
		interval = session.DefaultConfig().HeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	if err := l.flush(ctx, conn); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.heartbeat(ctx, conn); err != nil {
				return err
			}
			if err := l.flush(ctx, conn); err != nil {
				return err
			}
		}
	}
}

func (l *controllerLink) heartbeat(ctx context.Context, conn *linkConn) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Session.SessionDeadAfter)
	defer cancel()
	_, err := conn.send(ctx, l.notice(session.NoticeHeartbeat, "", nil))
	return err
}

// NotifyEvicted queues an evicted notice and sends it now when the link is
// up. Unsent notices are retried after every heartbeat.
func (l *controllerLink) NotifyEvicted(ctx context.Context, kind routing.APIKind, sessionIDs []string) {
	if len(sessionIDs) == 0 {
		return
	}
	n := l.notice(session.NoticeEvicted, string(kind), sessionIDs)
	l.outbox.Upsert(session.PendingNotice{Notice: n, QueuedAt: time.Now()})

	l.mu.RLock()
	conn := l.conn
	l.mu.RUnlock()
	if conn == nil {
		return
	}
	if err := l.deliver(ctx, conn, n); err != nil {
		log.Warn().Err(err).Str("notice_id", n.NoticeID).Msg("frontend.controllerLink.NotifyEvicted deferred")
	}
}

// flush resends every queued notice, oldest first.
func (l *controllerLink) flush(ctx context.Context, conn *linkConn) error {
	for _, item := range l.outbox.List() {
		if err := l.deliver(ctx, conn, item.Notice); err != nil {
			return err
		}
	}
	return nil
}

func (l *controllerLink) deliver(ctx context.Context, conn *linkConn, n session.Notice) error {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Session.AckTimeout)
	defer cancel()
	ack, err := conn.send(ctx, n)
	if err != nil {
		_, _ = l.outbox.MarkAttempt(n.NoticeID, time.Now(), err.Error())
		return err
	}
	l.outbox.Remove(n.NoticeID)
	if ack.AckStatus != session.AckStatusAccepted {
		return fmt.Errorf("%w: status=%s code=%d", ErrNoticeRejected, ack.AckStatus, ack.AckCode)
	}
	return nil
}

func (l *controllerLink) notice(kind, apiKind string, ids []string) session.Notice {
	return session.Notice{
		NoticeID:    uuid.NewString(),
		NodeID:      l.cfg.Registration.NodeID,
		Kind:        kind,
		APIKind:     apiKind,
		SessionIDs:  append([]string(nil), ids...),
		Active:      uint32(l.active()),
		TimestampMS: uint64(time.Now().UnixMilli()),
	}
}

func (l *controllerLink) wait(ctx context.Context, attempt int) error {
	delay := l.cfg.Session.Backoff.Delay(attempt, l.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *controllerLink) set(conn *linkConn, controllerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = conn
	l.controllerID = controllerID
}

func (l *controllerLink) clear(conn *linkConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == conn {
		l.conn = nil
	}
	_ = conn.Close()
}

// linkConn is one registered connection. Sends are serialized so each
// notice reads back its own ack.
type linkConn struct {
	conn          net.Conn
	reader        *bufio.Reader
	cfg           session.Config
	nextMessageID atomic.Uint64

	mu     sync.Mutex
	closed bool
}

func (c *linkConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.conn.Close()
}

func (c *linkConn) send(ctx context.Context, n session.Notice) (session.NoticeAck, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return session.NoticeAck{}, ErrLinkClosed
	}
	payload, err := session.EncodeNoticeFrame(c.nextMessageID.Add(1), n)
	if err != nil {
		return session.NoticeAck{}, err
	}
	_ = c.conn.SetWriteDeadline(deadline(ctx, c.cfg.WriteTimeout))
	if _, err := c.conn.Write(payload); err != nil {
		return session.NoticeAck{}, err
	}
	_ = c.conn.SetReadDeadline(deadline(ctx, c.cfg.ReadTimeout))
	fr, err := frame.ReadFrame(c.reader, frame.DefaultLimits())
	if err != nil {
		return session.NoticeAck{}, err
	}
	ack, err := session.DecodeNoticeAckFrame(fr)
	if err != nil {
		return session.NoticeAck{}, err
	}
	if ack.NoticeID != n.NoticeID {
		return session.NoticeAck{}, fmt.Errorf("frontend: ack/notice mismatch notice_id=%q ack_notice_id=%q", n.NoticeID, ack.NoticeID)
	}
	return ack, nil
}

func deadline(ctx context.Context, d time.Duration) time.Time {
	out := time.Now().Add(d)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(out) {
		out = ctxDeadline
	}
	return out
}
