package harvest

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/hazyhaar/wsharvest/phrase"
)

// item is one store row to dispatch: the query text is also the mask.
type item struct {
	Mask    string
	Variant phrase.Variant
}

// slotOf returns the slot a mask belongs to out of n.
func slotOf(mask string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(mask))
	return int(h.Sum32() % uint32(n))
}

// Shard partitions masks over n slots by hash. The same mask always lands
// in the same slot for a given n, so a retried batch is dispatched the
// same way. Input order is kept within a shard.
func Shard(masks []string, n int) [][]string {
	if n <= 0 {
		return nil
	}
	out := make([][]string, n)
	for _, m := range masks {
		i := slotOf(m, n)
		out[i] = append(out[i], m)
	}
	return out
}

func shardItems(items []item, n int) [][]item {
	out := make([][]item, n)
	for _, it := range items {
		i := slotOf(it.Mask, n)
		out[i] = append(out[i], it)
	}
	return out
}

// orphanPool holds phrases left behind by dropped sessions. Healthy slots
// drain it once their own shard is done. busy counts slots that may still
// add orphans; when it reaches zero with the pool empty, nothing more can
// arrive and idle slots exit.
type orphanPool struct {
	mu    sync.Mutex
	items []item
	busy  int
	wake  chan struct{}
}

func newOrphanPool(busy int) *orphanPool {
	return &orphanPool{busy: busy, wake: make(chan struct{})}
}

// put adds orphans.
func (p *orphanPool) put(items ...item) {
	if len(items) == 0 {
		return
	}
	p.mu.Lock()
	p.items = append(p.items, items...)
	p.broadcast()
	p.mu.Unlock()
}

// done marks the calling slot as no longer producing work, either because
// it finished an item or because its session was dropped.
func (p *orphanPool) done() {
	p.mu.Lock()
	p.busy--
	p.broadcast()
	p.mu.Unlock()
}

// next blocks until an orphan is available, returning false when none can
// ever arrive or ctx ends. A returned item makes the caller busy again;
// it must call done after handling it.
func (p *orphanPool) next(ctx context.Context) (item, bool) {
	for {
		p.mu.Lock()
		if n := len(p.items); n > 0 {
			it := p.items[0]
			p.items = p.items[1:]
			p.busy++
			p.mu.Unlock()
			return it, true
		}
		if p.busy <= 0 {
			p.mu.Unlock()
			return item{}, false
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return item{}, false
		}
	}
}

// len returns the number of orphans not yet taken.
func (p *orphanPool) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

func (p *orphanPool) broadcast() {
	close(p.wake)
	p.wake = make(chan struct{})
}
