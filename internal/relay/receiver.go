package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/danmuck/exchange/internal/store"
	"github.com/rs/zerolog/log"
)

var ErrInvalidDelivery = errors.New("relay: invalid delivery")

// Receiver stores inbound deliveries from the previous hop as ready
// messages in the destination zone.
type Receiver struct {
	store store.Store
}

func NewReceiver(st store.Store) *Receiver {
	return &Receiver{store: st}
}

// Accept persists d. Redelivery of a message already stored is a no-op.
func (r *Receiver) Accept(ctx context.Context, d Delivery) error {
	if d.Message.ID == "" || d.ZoneApex == "" {
		return fmt.Errorf("%w: message id and zone apex required", ErrInvalidDelivery)
	}
	if d.Message.ChunkCount > 0 && len(d.Chunks) != d.Message.ChunkCount {
		return fmt.Errorf("%w: %d of %d chunks", ErrInvalidDelivery, len(d.Chunks), d.Message.ChunkCount)
	}
	zone, err := r.store.FindZoneByApex(ctx, d.ZoneApex)
	if err != nil {
		return err
	}
	pctx, release, err := r.store.AcquirePartition(ctx, zone.ID)
	if err != nil {
		return err
	}
	defer release()

	rec := d.Message
	rec.Status = store.StatusPending
	rec.Reason = ""
	if err := r.store.CreateMessage(pctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			log.Debug().Str("message_id", rec.ID).Msg("relay.Receiver.Accept duplicate")
			return nil
		}
		return err
	}
	chunks := append([]store.ChunkRecord(nil), d.Chunks...)
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].Position < chunks[j].Position })
	for i, c := range chunks {
		if c.MessageID != rec.ID || c.Position != i {
			_ = r.store.DiscardMessages(pctx, []string{rec.ID})
			return fmt.Errorf("%w: chunk %d out of sequence", ErrInvalidDelivery, c.Position)
		}
		if err := r.store.PutChunk(pctx, c); err != nil {
			_ = r.store.DiscardMessages(pctx, []string{rec.ID})
			return err
		}
	}
	if err := r.store.MarkReady(pctx, []string{rec.ID}); err != nil {
		return err
	}
	log.Info().Str("message_id", rec.ID).Str("zone", zone.Apex).Int("chunks", len(chunks)).Msg("relay.Receiver.Accept stored")
	return nil
}
