package browser

import (
	"fmt"
	"sync"
)

// portAllocator hands out CDP ports from [base, base+span). The preferred
// port of an account is base + id mod span; collisions step linearly, so
// two accounts never share a port while both hold one.
type portAllocator struct {
	base, span int

	mu     sync.Mutex
	byPort map[int]int64
	byAcct map[int64]int
}

func newPortAllocator(base, span int) *portAllocator {
	return &portAllocator{
		base:   base,
		span:   span,
		byPort: make(map[int]int64),
		byAcct: make(map[int64]int),
	}
}

// acquire returns the account's port, assigning one if needed.
func (a *portAllocator) acquire(accountID int64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.byAcct[accountID]; ok {
		return p, nil
	}
	start := int(accountID % int64(a.span))
	if start < 0 {
		start += a.span
	}
	for i := range a.span {
		p := a.base + (start+i)%a.span
		if _, taken := a.byPort[p]; !taken {
			a.byPort[p] = accountID
			a.byAcct[accountID] = p
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w in %d..%d", ErrNoPorts, a.base, a.base+a.span-1)
}

func (a *portAllocator) release(accountID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.byAcct[accountID]; ok {
		delete(a.byPort, p)
		delete(a.byAcct, accountID)
	}
}
