package store

import (
	"context"
	"sync"
)

type partitionKey struct{}

// WithPartition returns ctx bound to partition.
func WithPartition(ctx context.Context, partition string) context.Context {
	return context.WithValue(ctx, partitionKey{}, partition)
}

// PartitionFrom returns the partition bound to ctx.
func PartitionFrom(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(partitionKey{}).(string)
	return p, ok && p != ""
}

// Leases counts outstanding partition associations so release can be audited.
type Leases struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewLeases() *Leases {
	return &Leases{counts: make(map[string]int)}
}

// Acquire binds ctx to partition and returns an idempotent release.
func (l *Leases) Acquire(ctx context.Context, partition string) (context.Context, func()) {
	l.mu.Lock()
	l.counts[partition]++
	l.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.counts[partition]--
			if l.counts[partition] <= 0 {
				delete(l.counts, partition)
			}
		})
	}
	return WithPartition(ctx, partition), release
}

func (l *Leases) Outstanding(partition string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[partition]
}

func (l *Leases) Total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0
	for _, n := range l.counts {
		total += n
	}
	return total
}
