package ports

import (
	"testing"

	"github.com/ctfrange/ctfrange/internal/apperr"
)

func TestReserveSkipsUsedAndReservedPorts(t *testing.T) {
	a := NewAllocator(3001, 4000, 100)
	seq := []int{0, 1, 2}
	a.intn = func(int) int {
		v := seq[0]
		if len(seq) > 1 {
			seq = seq[1:]
		}
		return v
	}

	port, err := a.Reserve([]int{3001})
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if port != 3002 {
		t.Errorf("expected first free port 3002, got %d", port)
	}

	port, err = a.Reserve(nil)
	if err != nil {
		t.Fatalf("second Reserve failed: %v", err)
	}
	if port != 3003 {
		t.Errorf("expected 3003 after skipping reserved 3002 and used picks, got %d", port)
	}
}

func TestReserveExhaustsAttemptBudget(t *testing.T) {
	a := NewAllocator(3001, 4000, 5)
	calls := 0
	a.intn = func(int) int {
		calls++
		return 0
	}

	if _, err := a.Reserve([]int{3001}); apperr.KindOf(err) != apperr.Capacity {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if calls != 5 {
		t.Errorf("expected exactly 5 attempts, got %d", calls)
	}
}

func TestReleaseMakesPortAvailableAgain(t *testing.T) {
	a := NewAllocator(3001, 4000, 3)
	a.intn = func(int) int { return 7 }

	port, err := a.Reserve(nil)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := a.Reserve(nil); apperr.KindOf(err) != apperr.Capacity {
		t.Fatalf("same port should be reserved, got %v", err)
	}

	a.Release(port)
	again, err := a.Reserve(nil)
	if err != nil {
		t.Fatalf("Reserve after release failed: %v", err)
	}
	if again != port {
		t.Errorf("expected released port %d, got %d", port, again)
	}
}

func TestReleaseUnknownPortIsNoop(t *testing.T) {
	a := NewAllocator(3001, 4000, 3)
	a.Release(3999)
}

func TestReserveStaysInRange(t *testing.T) {
	a := NewAllocator(3001, 4000, 100)
	for i := 0; i < 50; i++ {
		port, err := a.Reserve(nil)
		if err != nil {
			t.Fatalf("Reserve %d failed: %v", i, err)
		}
		if port < 3001 || port >= 4000 {
			t.Fatalf("port %d outside range", port)
		}
	}
}
