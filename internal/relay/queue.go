package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/danmuck/exchange/internal/registry"
	"github.com/danmuck/exchange/internal/store"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers   = 4
	DefaultQueueSize = 256
)

var ErrQueueFull = errors.New("relay: queue full")

type job struct {
	cc  *registry.ChannelContext
	msg store.MessageRecord
}

// Queue runs relays on a bounded worker pool so submitters never wait on
// the next hop. It satisfies submission.Handoff.
type Queue struct {
	dispatcher *Dispatcher
	jobs       chan job
	workers    int

	mu      sync.Mutex
	running bool
}

func NewQueue(d *Dispatcher, workers, size int) *Queue {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{dispatcher: d, jobs: make(chan job, size), workers: workers}
}

// Handoff enqueues msg. A full queue records the message as a relay failure.
func (q *Queue) Handoff(ctx context.Context, cc *registry.ChannelContext, msg store.MessageRecord) {
	select {
	case q.jobs <- job{cc: cc, msg: msg}:
	default:
		log.Warn().Str("message_id", msg.ID).Int("depth", len(q.jobs)).Msg("relay.Queue.Handoff full")
		q.dispatcher.fail(ctx, cc, msg.ID, ErrQueueFull)
	}
}

func (q *Queue) Depth() int {
	return len(q.jobs)
}

// Run processes jobs until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errors.New("relay: queue already running")
	}
	q.running = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	log.Info().Int("workers", q.workers).Int("capacity", cap(q.jobs)).Msg("relay.Queue.Run started")
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case j := <-q.jobs:
					q.dispatcher.Relay(gctx, j.cc, j.msg)
				}
			}
		})
	}
	return g.Wait()
}
