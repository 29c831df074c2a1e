package ws

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeSubscriber struct {
	mu     sync.Mutex
	sent   [][]byte
	err    error
	closed bool
}

func (f *fakeSubscriber) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, payload)
	return nil
}

func (f *fakeSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSubscriber) frames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestBroadcastReachesOnlyOwner(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	mine := &fakeSubscriber{}
	other := &fakeSubscriber{}
	h.Register("user-1", mine)
	h.Register("user-2", other)

	h.Broadcast("user-1", map[string]string{"type": "instance.running"})

	waitFor(t, func() bool { return mine.frames() == 1 })
	if other.frames() != 0 {
		t.Errorf("other user must not receive the event")
	}
}

func TestBroadcastDropsFailingSubscriber(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	bad := &fakeSubscriber{err: errors.New("gone")}
	good := &fakeSubscriber{}
	h.Register("user-1", bad)
	h.Register("user-1", good)

	h.Broadcast("user-1", map[string]string{"type": "instance.terminated"})

	waitFor(t, func() bool { return good.frames() == 1 })
	waitFor(t, func() bool {
		bad.mu.Lock()
		defer bad.mu.Unlock()
		return bad.closed
	})

	h.Broadcast("user-1", map[string]string{"type": "instance.terminated"})
	waitFor(t, func() bool { return good.frames() == 2 })
}

func TestUnregisterStopsDelivery(t *testing.T) {
	h := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	sub := &fakeSubscriber{}
	h.Register("user-1", sub)
	h.Broadcast("user-1", "ping")
	waitFor(t, func() bool { return sub.frames() == 1 })

	h.Unregister("user-1", sub)
	h.Broadcast("user-1", "ping")
	time.Sleep(10 * time.Millisecond)
	if sub.frames() != 1 {
		t.Errorf("unregistered subscriber still receives events")
	}
}
