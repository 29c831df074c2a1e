package ports

import (
	"math/rand"
	"sync"

	"github.com/ctfrange/ctfrange/internal/apperr"
)

// Allocator hands out host ports from a half-open range. Reservations are
// process-local and guard the window between picking a port and persisting
// the instance that uses it.
type Allocator struct {
	min      int
	max      int
	attempts int

	mu       sync.Mutex
	reserved map[int]struct{}
	intn     func(n int) int
}

func NewAllocator(min, max, attempts int) *Allocator {
	return &Allocator{
		min:      min,
		max:      max,
		attempts: attempts,
		reserved: make(map[int]struct{}),
		intn:     rand.Intn,
	}
}

// Reserve picks a random free port from the range, skipping ports in use
// and ports already reserved by concurrent callers. It returns a capacity
// error once the attempt budget is spent.
func (a *Allocator) Reserve(used []int) (int, error) {
	inUse := make(map[int]struct{}, len(used))
	for _, p := range used {
		inUse[p] = struct{}{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < a.attempts; i++ {
		port := a.min + a.intn(a.max-a.min)
		if _, ok := inUse[port]; ok {
			continue
		}
		if _, ok := a.reserved[port]; ok {
			continue
		}
		a.reserved[port] = struct{}{}
		return port, nil
	}
	return 0, apperr.New(apperr.Capacity, "no free ports available, try again later")
}

// Release frees a reservation. Releasing a port that is not reserved is a
// no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}
