// Package submission accepts chunked messages into a session, buffers them in
// transactions and hands finalized messages to relay.
package submission

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/danmuck/exchange/internal/apierr"
	"github.com/danmuck/exchange/internal/entropy"
	"github.com/danmuck/exchange/internal/identity"
	"github.com/danmuck/exchange/internal/observability"
	"github.com/danmuck/exchange/internal/registry"
	"github.com/danmuck/exchange/internal/routing"
	"github.com/danmuck/exchange/internal/store"
	"github.com/rs/zerolog/log"
)

// SyntheticPrefix marks transaction ids minted for non-transactional
// submissions. Clients may not use it.
const SyntheticPrefix = "~auto:"

const (
	DefaultMinTimeout   = time.Second
	DefaultMaxTimeout   = time.Hour
	DefaultTimeout      = 5 * time.Minute
	DefaultMaxChunkSize = 4 << 20
)

// Handoff receives finalized messages for relay. Implementations must not
// block the caller on delivery.
type Handoff interface {
	Handoff(ctx context.Context, cc *registry.ChannelContext, msg store.MessageRecord)
}

type Config struct {
	MinTimeout     time.Duration
	MaxTimeout     time.Duration
	DefaultTimeout time.Duration
	MaxChunkSize   int
}

func DefaultConfig() Config {
	return Config{
		MinTimeout:     DefaultMinTimeout,
		MaxTimeout:     DefaultMaxTimeout,
		DefaultTimeout: DefaultTimeout,
		MaxChunkSize:   DefaultMaxChunkSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MinTimeout <= 0 {
		c.MinTimeout = d.MinTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = d.MaxTimeout
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = d.MaxChunkSize
	}
	return c
}

type Engine struct {
	store   store.Store
	ids     entropy.Source
	handoff Handoff
	cfg     Config
	now     func() time.Time
}

func New(st store.Store, ids entropy.Source, handoff Handoff, cfg Config) *Engine {
	return &Engine{
		store:   st,
		ids:     ids,
		handoff: handoff,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

func (e *Engine) Config() Config {
	return e.cfg
}

// Submit accepts a message header and its first chunk. The returned token
// authorizes the next chunk; an empty token means the message is complete.
func (e *Engine) Submit(
	ctx context.Context,
	sess *registry.Session,
	caller identity.Identity,
	msg Message,
	chunk *Chunk,
	spec *TransactionSpec,
) (token string, err error) {
	defer func() { e.observe("submit", err) }()

	count, err := e.validateMessage(caller, msg, chunk)
	if err != nil {
		return "", err
	}
	h, pl := msg.Header, msg.Payload

	txn, err := e.transactionFor(sess, spec)
	if err != nil {
		return "", err
	}
	if err := checkOrigin(sess, caller, h); err != nil {
		return "", err
	}
	if sess.HasPending(h.MessageID) {
		return "", apierr.New(apierr.CodeMessageAlreadyExists, h.MessageID)
	}

	pctx, release, err := e.store.AcquirePartition(ctx, sess.Zone.ID)
	if err != nil {
		return "", apierr.Wrap(apierr.CodeInternal, err)
	}
	defer release()

	cc, err := e.channelFor(pctx, sess, h)
	if err != nil {
		return "", err
	}
	if err := cc.Channel.Scheme.Verify(h.MessageID, 0, chunk.Data, chunk.AuthCode); err != nil {
		return "", apierr.Wrap(apierr.CodeInvalidChunkAuthentication, err)
	}
	if err := e.store.PrecommitFlow(pctx, cc.Channel.ID, pl.PlaintextLength); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			sess.InvalidateChannel(cc.Key.String())
		}
		return "", flowErr(err)
	}

	rec := store.MessageRecord{
		ID:              h.MessageID,
		ChannelID:       cc.Channel.ID,
		TransactionID:   txn.ID,
		Origin:          h.Origin,
		Destination:     h.Destination,
		Service:         h.Service,
		ChunkSize:       pl.ChunkSize,
		PlaintextLength: pl.PlaintextLength,
		ChunkCount:      count,
		Status:          store.StatusPending,
	}
	if err := e.store.CreateMessage(pctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return "", apierr.Wrap(apierr.CodeMessageAlreadyExists, err)
		}
		return "", apierr.Wrap(apierr.CodeInternal, err)
	}
	if err := e.store.PutChunk(pctx, store.ChunkRecord{MessageID: h.MessageID, Position: 0, Data: chunk.Data}); err != nil {
		e.discard(pctx, h.MessageID)
		return "", apierr.Wrap(apierr.CodeInternal, err)
	}

	p := &registry.PendingMessage{
		ID:              h.MessageID,
		Record:          rec,
		ChunkSize:       pl.ChunkSize,
		PlaintextLength: pl.PlaintextLength,
		ChunkCount:      count,
		Channel:         cc,
		Entropy:         e.ids.Entropy(),
		Next:            1,
		Complete:        count == 1,
	}
	registered, err := sess.RegisterMessage(txn, p)
	if err != nil {
		e.discard(pctx, h.MessageID)
		switch {
		case errors.Is(err, registry.ErrSessionClosed):
			return "", apierr.New(apierr.CodeSessionNotFound, sess.ID)
		case errors.Is(err, registry.ErrTransactionDone):
			return "", apierr.New(apierr.CodeTransactionNotFound, txn.ID)
		default:
			return "", apierr.New(apierr.CodeMessageAlreadyExists, h.MessageID)
		}
	}
	txn = registered

	log.Debug().
		Str("session_id", sess.ID).
		Str("message_id", h.MessageID).
		Str("transaction_id", txn.ID).
		Int("chunks", count).
		Msg("submission.Engine.Submit accepted")

	if count > 1 {
		return Token(p.Entropy, p.ID, 1), nil
	}
	if txn.Synthetic {
		return "", e.finalize(pctx, sess, txn.ID)
	}
	return "", nil
}

// Upload accepts the chunk authorized by token and returns the token for the
// following chunk, or an empty token once the message is complete.
func (e *Engine) Upload(
	ctx context.Context,
	sess *registry.Session,
	token string,
	chunk *Chunk,
) (next string, err error) {
	defer func() { e.observe("upload", err) }()

	if strings.TrimSpace(token) == "" {
		return "", apierr.New(apierr.CodeMissingContinuation, "")
	}
	if chunk == nil {
		return "", apierr.New(apierr.CodeMissingChunk, "")
	}
	p, ok := sess.Pending(chunk.MessageID)
	if !ok {
		return "", apierr.New(apierr.CodeMessageNotFound, chunk.MessageID)
	}
	txn, ok := sess.Transaction(p.TransactionID)
	if !ok {
		return "", apierr.New(apierr.CodeMessageNotFound, chunk.MessageID)
	}
	if txn.Expired(e.now()) {
		return "", apierr.New(apierr.CodeTransactionExpired, txn.ID)
	}

	pctx, release, err := e.store.AcquirePartition(ctx, sess.Zone.ID)
	if err != nil {
		return "", apierr.Wrap(apierr.CodeInternal, err)
	}
	defer release()
	next, complete, err := e.acceptChunk(pctx, p, token, chunk)
	if err != nil || !complete {
		return next, err
	}

	log.Debug().
		Str("session_id", sess.ID).
		Str("message_id", p.ID).
		Str("transaction_id", txn.ID).
		Msg("submission.Engine.Upload complete")
	if txn.Synthetic {
		return "", e.finalize(pctx, sess, txn.ID)
	}
	return "", nil
}

// acceptChunk stores the chunk token authorizes under p's lock and reports
// whether p is now complete. ctx must carry the session's partition.
func (e *Engine) acceptChunk(ctx context.Context, p *registry.PendingMessage, token string, chunk *Chunk) (string, bool, error) {
	p.Lock()
	defer p.Unlock()
	if p.Complete || chunk.Position != p.Next || !verifyToken(p.Entropy, p.ID, p.Next, token) {
		return "", false, apierr.New(apierr.CodeInvalidContinuation, chunk.MessageID)
	}
	want := p.ChunkLength(chunk.Position)
	if len(chunk.Data) > p.ChunkSize {
		return "", false, apierr.Newf(apierr.CodeChunkTooLarge, "%d > %d", len(chunk.Data), p.ChunkSize)
	}
	if len(chunk.Data) != want {
		return "", false, apierr.Newf(apierr.CodeInvalidChunkSize, "chunk %d: got %d want %d", chunk.Position, len(chunk.Data), want)
	}
	if err := p.Channel.Channel.Scheme.Verify(p.ID, chunk.Position, chunk.Data, chunk.AuthCode); err != nil {
		return "", false, apierr.Wrap(apierr.CodeInvalidChunkAuthentication, err)
	}
	if err := e.store.PutChunk(ctx, store.ChunkRecord{MessageID: p.ID, Position: chunk.Position, Data: chunk.Data}); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", false, apierr.Wrap(apierr.CodeMessageNotFound, err)
		}
		return "", false, apierr.Wrap(apierr.CodeInternal, err)
	}
	p.Next++
	if p.Next < p.ChunkCount {
		return Token(p.Entropy, p.ID, p.Next), false, nil
	}
	p.Complete = true
	return "", true, nil
}

// Commit finalizes every member of a client transaction and hands them to relay.
func (e *Engine) Commit(ctx context.Context, sess *registry.Session, txnID string) (err error) {
	defer func() { e.observe("commit", err) }()

	txn, ok := clientTransaction(sess, txnID)
	if !ok {
		return apierr.New(apierr.CodeTransactionNotFound, txnID)
	}
	if txn.Expired(e.now()) {
		return apierr.New(apierr.CodeTransactionExpired, txnID)
	}

	pctx, release, err := e.store.AcquirePartition(ctx, sess.Zone.ID)
	if err != nil {
		return apierr.Wrap(apierr.CodeInternal, err)
	}
	defer release()
	return e.finalize(pctx, sess, txnID)
}

// Rollback discards every member of a client transaction. Expired
// transactions may still be rolled back.
func (e *Engine) Rollback(ctx context.Context, sess *registry.Session, txnID string) (err error) {
	defer func() { e.observe("rollback", err) }()

	if _, ok := clientTransaction(sess, txnID); !ok {
		return apierr.New(apierr.CodeTransactionNotFound, txnID)
	}
	return e.drop(ctx, sess, txnID)
}

// Forget is Rollback that succeeds for unknown transactions.
func (e *Engine) Forget(ctx context.Context, sess *registry.Session, txnID string) (err error) {
	defer func() { e.observe("forget", err) }()

	if _, ok := clientTransaction(sess, txnID); !ok {
		return nil
	}
	return e.drop(ctx, sess, txnID)
}

func (e *Engine) drop(ctx context.Context, sess *registry.Session, txnID string) error {
	txn, ok := sess.TakeTransaction(txnID)
	if !ok {
		return apierr.New(apierr.CodeTransactionNotFound, txnID)
	}
	members := txn.Members()
	if len(members) == 0 {
		return nil
	}
	pctx, release, err := e.store.AcquirePartition(ctx, sess.Zone.ID)
	if err != nil {
		return apierr.Wrap(apierr.CodeInternal, err)
	}
	defer release()
	if err := e.store.DiscardMessages(pctx, members); err != nil {
		return apierr.Wrap(apierr.CodeInternal, err)
	}
	log.Info().
		Str("session_id", sess.ID).
		Str("transaction_id", txnID).
		Int("messages", len(members)).
		Msg("submission.Engine.drop rolled back")
	return nil
}

// finalize takes the transaction out of the session if all of its members
// are complete, marks them ready and hands each to relay. The completeness
// check and the take happen under one session lock, so a concurrent Submit
// can neither slip an incomplete member in nor revive the transaction. ctx
// must carry the session's partition.
func (e *Engine) finalize(ctx context.Context, sess *registry.Session, txnID string) error {
	_, pending, err := sess.TakeCompleteTransaction(txnID)
	switch {
	case errors.Is(err, registry.ErrTransactionIncomplete):
		return apierr.Wrap(apierr.CodeTransactionIncomplete, err)
	case err != nil:
		return apierr.New(apierr.CodeTransactionNotFound, txnID)
	}
	members := make([]string, 0, len(pending))
	for _, p := range pending {
		members = append(members, p.ID)
	}

	if err := e.store.MarkReady(ctx, members); err != nil {
		e.discard(ctx, members...)
		return apierr.Wrap(apierr.CodeInternal, err)
	}
	for _, p := range pending {
		rec := p.Record
		rec.Status = store.StatusReady
		e.handoff.Handoff(context.WithoutCancel(ctx), p.Channel, rec)
	}
	log.Info().
		Str("session_id", sess.ID).
		Str("transaction_id", txnID).
		Int("messages", len(members)).
		Msg("submission.Engine.finalize ready")
	return nil
}

func (e *Engine) discard(ctx context.Context, ids ...string) {
	if err := e.store.DiscardMessages(ctx, ids); err != nil {
		log.Warn().Strs("message_ids", ids).Err(err).Msg("submission.Engine.discard failed")
	}
}

func (e *Engine) validateMessage(caller identity.Identity, msg Message, chunk *Chunk) (int, error) {
	h, pl := msg.Header, msg.Payload
	if h == nil {
		return 0, apierr.New(apierr.CodeMissingHeader, "")
	}
	if pl == nil {
		return 0, apierr.New(apierr.CodeMissingPayload, "")
	}
	if chunk == nil {
		return 0, apierr.New(apierr.CodeMissingChunk, "")
	}
	if strings.TrimSpace(h.MessageID) == "" || h.Origin == "" || h.Destination == "" || h.Service == "" {
		return 0, apierr.New(apierr.CodeMalformedRequest, "header fields required")
	}
	if chunk.MessageID != h.MessageID || chunk.Position != 0 {
		return 0, apierr.New(apierr.CodeMalformedRequest, "first chunk must be position 0 of the message")
	}
	if pl.ChunkSize <= 0 || pl.ChunkSize > e.cfg.MaxChunkSize || pl.PlaintextLength <= 0 {
		return 0, apierr.Newf(apierr.CodeInvalidChunkSize, "chunk size %d, length %d", pl.ChunkSize, pl.PlaintextLength)
	}
	count := pl.ChunkCount()
	want := pl.ChunkSize
	if count == 1 {
		want = int(pl.PlaintextLength)
	}
	if len(chunk.Data) > pl.ChunkSize {
		return 0, apierr.Newf(apierr.CodeChunkTooLarge, "%d > %d", len(chunk.Data), pl.ChunkSize)
	}
	if len(chunk.Data) != want {
		return 0, apierr.Newf(apierr.CodeInvalidChunkSize, "chunk 0: got %d want %d", len(chunk.Data), want)
	}
	if !caller.Verify(msg.SigningBytes(), h.Signature) {
		return 0, apierr.New(apierr.CodeInvalidSignature, h.MessageID)
	}
	return count, nil
}

func (e *Engine) transactionFor(sess *registry.Session, spec *TransactionSpec) (*registry.TransactionContext, error) {
	now := e.now()
	if spec == nil {
		id := SyntheticPrefix + e.ids.NewID()
		return registry.NewTransactionContext(id, true, e.cfg.DefaultTimeout, now, e.ids.Entropy()), nil
	}
	id := strings.TrimSpace(spec.ID)
	if id == "" || strings.HasPrefix(id, SyntheticPrefix) {
		return nil, apierr.New(apierr.CodeInvalidTransactionID, spec.ID)
	}
	if existing, ok := sess.Transaction(id); ok {
		if existing.Expired(now) {
			return nil, apierr.New(apierr.CodeTransactionExpired, id)
		}
		return existing, nil
	}
	if spec.TimeoutSeconds < 0 {
		return nil, apierr.Newf(apierr.CodeInvalidTransactionTimeout, "%ds", spec.TimeoutSeconds)
	}
	timeout := e.cfg.DefaultTimeout
	if spec.TimeoutSeconds > 0 {
		timeout = time.Duration(spec.TimeoutSeconds) * time.Second
	}
	if timeout < e.cfg.MinTimeout || timeout > e.cfg.MaxTimeout {
		return nil, apierr.Newf(apierr.CodeInvalidTransactionTimeout, "%s not in [%s, %s]", timeout, e.cfg.MinTimeout, e.cfg.MaxTimeout)
	}
	return registry.NewTransactionContext(id, false, timeout, now, e.ids.Entropy()), nil
}

// checkOrigin binds the header to the caller and to the session's sender.
func checkOrigin(sess *registry.Session, caller identity.Identity, h *Header) error {
	if h.OriginFingerprint != caller.Fingerprint {
		return apierr.New(apierr.CodeOriginMismatch, "origin fingerprint is not the caller")
	}
	sender := sess.SenderAddress()
	if sender == "" && sess.Channel != nil {
		sender = sess.Channel.Origin.String()
	}
	if sender == "" || !strings.EqualFold(sender, h.Origin) {
		return apierr.Newf(apierr.CodeOriginMismatch, "%s is not %s", h.Origin, sender)
	}
	if sess.Channel != nil && !strings.EqualFold(sess.Channel.Destination.String(), h.Destination) {
		return apierr.Newf(apierr.CodeDestinationMismatch, "%s is not %s", h.Destination, sess.Channel.Destination)
	}
	return nil
}

// channelFor returns the session's cached channel context for the header's
// route, looking it up in the store on a miss.
func (e *Engine) channelFor(ctx context.Context, sess *registry.Session, h *Header) (*registry.ChannelContext, error) {
	key := routing.ChannelKey{
		Apex:        sess.Zone.Apex,
		Origin:      h.Origin,
		Destination: h.Destination,
		Service:     h.Service,
	}
	if cc, ok := sess.ChannelContext(key.String()); ok {
		if err := matchRoute(cc.Channel, h); err != nil {
			sess.InvalidateChannel(key.String())
			return nil, err
		}
		return cc, nil
	}
	ch, err := e.store.FindChannelByKey(ctx, sess.Zone.ID, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apierr.Wrap(apierr.CodeChannelNotFound, err)
		}
		return nil, apierr.Wrap(apierr.CodeInternal, err)
	}
	if sess.Channel != nil && sess.Channel.ID != ch.ID {
		return nil, apierr.Newf(apierr.CodeChannelNotFound, "channel %d is not bound to session", ch.ID)
	}
	if err := matchRoute(ch, h); err != nil {
		return nil, err
	}
	return sess.PutChannelContext(registry.NewChannelContext(sess.Zone.ID, key, ch)), nil
}

func matchRoute(ch store.Channel, h *Header) error {
	if !strings.EqualFold(ch.Origin.String(), h.Origin) {
		return apierr.Newf(apierr.CodeOriginMismatch, "channel %d origin %s", ch.ID, ch.Origin)
	}
	if !strings.EqualFold(ch.Destination.String(), h.Destination) {
		return apierr.Newf(apierr.CodeDestinationMismatch, "channel %d destination %s", ch.ID, ch.Destination)
	}
	return nil
}

func clientTransaction(sess *registry.Session, txnID string) (*registry.TransactionContext, bool) {
	if strings.HasPrefix(txnID, SyntheticPrefix) {
		return nil, false
	}
	return sess.Transaction(txnID)
}

func flowErr(err error) error {
	switch {
	case errors.Is(err, store.ErrChannelClosed):
		return apierr.Wrap(apierr.CodeChannelClosed, err)
	case errors.Is(err, store.ErrFlowClosed):
		return apierr.Wrap(apierr.CodeFlowClosed, err)
	case errors.Is(err, store.ErrNotFound):
		return apierr.Wrap(apierr.CodeChannelNotFound, err)
	default:
		return apierr.Wrap(apierr.CodeInternal, err)
	}
}

func (e *Engine) observe(op string, err error) {
	code := apierr.CodeOf(err)
	observability.RecordSubmission(op, code.String())
	if err != nil && code.Class() != apierr.ClassValidation {
		log.Debug().Str("op", op).Uint32("code", uint32(code)).Err(err).Msg("submission.Engine rejected")
	}
}
