package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeHandle struct {
	id   string
	last time.Time

	mu      sync.Mutex
	reasons []string
	done    chan struct{}
	once    sync.Once
}

func newFakeHandle(id string, last time.Time) *fakeHandle {
	return &fakeHandle{id: id, last: last, done: make(chan struct{})}
}

func (f *fakeHandle) ID() string              { return f.id }
func (f *fakeHandle) LastActivity() time.Time { return f.last }
func (f *fakeHandle) Done() <-chan struct{}   { return f.done }

func (f *fakeHandle) Close(reason string) {
	f.mu.Lock()
	f.reasons = append(f.reasons, reason)
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

func (f *fakeHandle) closedWith() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reasons...)
}

func TestManager_RegisterLookupDestroy(t *testing.T) {
	m := NewManager(30*time.Minute, 5*time.Minute, zerolog.Nop())
	h := newFakeHandle("a", time.Now())

	if err := m.Register(h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(h); err == nil {
		t.Error("Expected duplicate registration to fail")
	}
	if got, ok := m.Lookup("a"); !ok || got != h {
		t.Error("Expected to find registered session")
	}
	if m.Count() != 1 {
		t.Errorf("Expected 1 session, got %d", m.Count())
	}

	if !m.Destroy("a") {
		t.Error("Expected Destroy to report the session")
	}
	if m.Destroy("a") {
		t.Error("Expected second Destroy to be a no-op")
	}
	if reasons := h.closedWith(); len(reasons) != 1 || reasons[0] != ReasonDestroy {
		t.Errorf("Expected one destroy close, got %v", reasons)
	}
	if _, ok := m.Lookup("a"); ok {
		t.Error("Expected session to be gone")
	}
}

func TestManager_Unregister(t *testing.T) {
	m := NewManager(time.Minute, time.Minute, zerolog.Nop())
	h := newFakeHandle("a", time.Now())
	m.Register(h)
	m.Unregister("a")

	if m.Count() != 0 {
		t.Errorf("Expected empty registry, got %d", m.Count())
	}
	if len(h.closedWith()) != 0 {
		t.Error("Unregister must not close the session")
	}
}

func TestManager_Sweep(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(30*time.Minute, 5*time.Minute, zerolog.Nop())
	m.now = func() time.Time { return base }

	stale := newFakeHandle("stale", base.Add(-31*time.Minute))
	edge := newFakeHandle("edge", base.Add(-30*time.Minute))
	fresh := newFakeHandle("fresh", base.Add(-time.Minute))
	for _, h := range []*fakeHandle{stale, edge, fresh} {
		m.Register(h)
	}

	if n := m.Sweep(); n != 1 {
		t.Errorf("Expected 1 reaped session, got %d", n)
	}
	if reasons := stale.closedWith(); len(reasons) != 1 || reasons[0] != ReasonIdle {
		t.Errorf("Expected stale session closed as idle, got %v", reasons)
	}
	if len(edge.closedWith()) != 0 || len(fresh.closedWith()) != 0 {
		t.Error("Expected sessions within the timeout to survive")
	}
	if m.Count() != 2 {
		t.Errorf("Expected 2 sessions left, got %d", m.Count())
	}
}

func TestManager_CloseAll(t *testing.T) {
	m := NewManager(time.Minute, time.Minute, zerolog.Nop())
	a := newFakeHandle("a", time.Now())
	b := newFakeHandle("b", time.Now())
	m.Register(a)
	m.Register(b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.CloseAll(ctx); err != nil {
		t.Fatalf("CloseAll: %v", err)
	}
	if m.Count() != 0 {
		t.Error("Expected registry to be empty")
	}
	for _, h := range []*fakeHandle{a, b} {
		if reasons := h.closedWith(); len(reasons) != 1 || reasons[0] != ReasonShutdown {
			t.Errorf("Expected shutdown close for %s, got %v", h.id, reasons)
		}
	}
}

type stuckHandle struct{ *fakeHandle }

func (s stuckHandle) Close(string)          {}
func (s stuckHandle) Done() <-chan struct{} { return make(chan struct{}) }

func TestManager_CloseAllDeadline(t *testing.T) {
	m := NewManager(time.Minute, time.Minute, zerolog.Nop())
	m.Register(stuckHandle{newFakeHandle("stuck", time.Now())})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.CloseAll(ctx); err == nil {
		t.Error("Expected deadline error for a session that never stops")
	}
}

func TestManager_RunStopsOnCancel(t *testing.T) {
	m := NewManager(time.Minute, time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
