package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kekewolf/web-fetcher/internal/metrics"
)

// Leases hands out exclusive use of a debug endpoint. The browser behind it
// exposes one navigable surface, so concurrent fetches take turns.
type Leases struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewLeases returns an empty lease registry.
func NewLeases() *Leases {
	return &Leases{slots: make(map[string]chan struct{})}
}

// Acquire blocks until ep is free or ctx is done. The returned release func is
// idempotent and leaves the browser running.
func (l *Leases) Acquire(ctx context.Context, ep Endpoint) (func(), error) {
	slot := l.slot(ep)
	start := time.Now()
	select {
	case slot <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("browser lease on %s: %w", ep, ctx.Err())
	}
	metrics.ObserveLeaseWait(time.Since(start))

	var once sync.Once
	return func() {
		once.Do(func() {
			<-slot
		})
	}, nil
}

// Busy reports whether ep is currently leased.
func (l *Leases) Busy(ep Endpoint) bool {
	return len(l.slot(ep)) > 0
}

func (l *Leases) slot(ep Endpoint) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := ep.Addr()
	slot, ok := l.slots[key]
	if !ok {
		slot = make(chan struct{}, 1)
		l.slots[key] = slot
	}
	return slot
}
