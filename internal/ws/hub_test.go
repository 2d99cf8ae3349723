package ws

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingSubscriber struct {
	mu       sync.Mutex
	payloads [][]byte
	fail     bool
	closed   bool
}

func (r *recordingSubscriber) Send(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *recordingSubscriber) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

func (r *recordingSubscriber) snapshot() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads), r.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestHubRoutesByKey(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	a := &recordingSubscriber{}
	b := &recordingSubscriber{}
	hub.Register("dep-a", a)
	hub.Register("dep-b", b)

	hub.Broadcast("dep-a", []byte("hello"))
	waitFor(t, func() bool { n, _ := a.snapshot(); return n == 1 })
	if n, _ := b.snapshot(); n != 0 {
		t.Fatalf("expected dep-b subscriber to receive nothing, got %d", n)
	}
	if hub.Subscribers("dep-a") != 1 {
		t.Fatal("expected one dep-a subscriber")
	}

	hub.Unregister("dep-a", a)
	if hub.Subscribers("dep-a") != 0 {
		t.Fatal("expected dep-a stream to be empty after unregister")
	}
}

func TestHubDropsFailingSubscriber(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	broken := &recordingSubscriber{fail: true}
	hub.Register("dep", broken)
	hub.Broadcast("dep", []byte("line"))

	waitFor(t, func() bool { _, closed := broken.snapshot(); return closed })
	if hub.Subscribers("dep") != 0 {
		t.Fatal("expected failing subscriber to be removed")
	}
}

func TestHubCloseClosesClients(t *testing.T) {
	hub := NewHub()
	sub := &recordingSubscriber{}
	hub.Register("dep", sub)
	hub.Close()

	waitFor(t, func() bool { _, closed := sub.snapshot(); return closed })
	hub.Broadcast("dep", []byte("ignored"))
	if hub.Subscribers("dep") != 0 {
		t.Fatal("expected closed hub to report no subscribers")
	}
}

type endingSubscriber struct {
	recordingSubscriber
	ended []byte
}

func (e *endingSubscriber) End(payload []byte) error {
	e.mu.Lock()
	e.ended = payload
	e.closed = true
	e.mu.Unlock()
	return nil
}

func TestHubFinishEndsStreamAfterPendingLines(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	plain := &recordingSubscriber{}
	ender := &endingSubscriber{}
	other := &recordingSubscriber{}
	hub.Register("dep", plain)
	hub.Register("dep", ender)
	hub.Register("dep-other", other)

	hub.Broadcast("dep", []byte("line"))
	hub.Finish("dep", []byte("end"))

	waitFor(t, func() bool { _, closed := plain.snapshot(); return closed })
	waitFor(t, func() bool { _, closed := ender.snapshot(); return closed })

	plain.mu.Lock()
	got := plain.payloads
	plain.mu.Unlock()
	if len(got) != 2 || string(got[0]) != "line" || string(got[1]) != "end" {
		t.Fatalf("expected line then end, got %q", got)
	}
	ender.mu.Lock()
	if n := len(ender.payloads); n != 1 || string(ender.ended) != "end" {
		t.Fatalf("expected one line and an end frame, got %d lines and %q", n, ender.ended)
	}
	ender.mu.Unlock()
	if hub.Subscribers("dep") != 0 {
		t.Fatal("expected finished stream to have no subscribers")
	}
	if n, closed := other.snapshot(); n != 0 || closed {
		t.Fatalf("expected other stream untouched, got %d payloads closed=%v", n, closed)
	}
}
