package relay

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/danmuck/exchange/internal/observability"
	"github.com/danmuck/exchange/internal/registry"
	"github.com/danmuck/exchange/internal/store"
	"github.com/rs/zerolog/log"
)

// Dispatcher relays finalized messages and records terminal failures
// against the message.
type Dispatcher struct {
	store     store.Store
	resolver  Resolver
	transport Transport
}

func NewDispatcher(st store.Store, resolver Resolver, transport Transport) *Dispatcher {
	return &Dispatcher{store: st, resolver: resolver, transport: transport}
}

// Relay delivers msg over cc's route. On success the address used is cached
// on cc; any other outcome marks msg as a relay failure.
func (d *Dispatcher) Relay(ctx context.Context, cc *registry.ChannelContext, msg store.MessageRecord) Outcome {
	start := time.Now()
	delivery, err := d.load(ctx, cc, msg)
	var out Outcome
	if err != nil {
		out = Outcome{Result: ResultTerminal, Err: err}
	} else {
		out = TwoStep(ctx, func(ctx context.Context, fresh bool) (string, error) {
			return d.attempt(ctx, cc, delivery, fresh)
		})
	}
	observability.RecordRelay(out.Result.String(), time.Since(start))

	if out.OK() {
		cc.SetRelayAddress(out.Address)
		log.Info().
			Str("message_id", msg.ID).
			Str("channel", cc.Key.String()).
			Str("address", out.Address).
			Int("attempts", out.Attempts).
			Msg("relay.Dispatcher.Relay delivered")
		return out
	}
	d.fail(ctx, cc, msg.ID, out.Err)
	return out
}

func (d *Dispatcher) attempt(ctx context.Context, cc *registry.ChannelContext, delivery Delivery, fresh bool) (string, error) {
	addr := ""
	if !fresh {
		addr = cc.RelayAddress()
	}
	if addr == "" {
		resolved, err := d.resolver.Resolve(ctx, cc, fresh)
		if err != nil {
			return "", err
		}
		addr = resolved
	}
	if err := d.transport.Deliver(ctx, addr, delivery); err != nil {
		log.Warn().
			Str("message_id", delivery.Message.ID).
			Str("address", addr).
			Bool("fresh", fresh).
			Err(err).
			Msg("relay.Dispatcher.attempt failed")
		return addr, err
	}
	return addr, nil
}

func (d *Dispatcher) load(ctx context.Context, cc *registry.ChannelContext, msg store.MessageRecord) (Delivery, error) {
	pctx, release, err := d.store.AcquirePartition(ctx, cc.ZoneID)
	if err != nil {
		return Delivery{}, err
	}
	defer release()
	chunks, err := d.store.LoadChunks(pctx, msg.ID)
	if err != nil {
		return Delivery{}, err
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Position < chunks[j].Position })
	if msg.ChunkCount > 0 && len(chunks) != msg.ChunkCount {
		return Delivery{}, fmt.Errorf("relay: message %s has %d of %d chunks", msg.ID, len(chunks), msg.ChunkCount)
	}
	return Delivery{ZoneApex: cc.Key.Apex, Message: msg, Chunks: chunks}, nil
}

// fail records a terminal relay failure on the message.
func (d *Dispatcher) fail(ctx context.Context, cc *registry.ChannelContext, messageID string, cause error) {
	reason := "relay failed"
	if cause != nil {
		reason = cause.Error()
	}
	log.Error().
		Str("message_id", messageID).
		Str("channel", cc.Key.String()).
		Str("reason", reason).
		Msg("relay.Dispatcher.fail terminal")
	pctx, release, err := d.store.AcquirePartition(ctx, cc.ZoneID)
	if err != nil {
		log.Error().Str("message_id", messageID).Err(err).Msg("relay.Dispatcher.fail partition")
		return
	}
	defer release()
	if err := d.store.MarkRelayFailed(pctx, messageID, reason); err != nil {
		log.Error().Str("message_id", messageID).Err(err).Msg("relay.Dispatcher.fail mark")
	}
}
