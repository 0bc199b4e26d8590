package pbx

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/pbxsim/internal/tu"
)

type fakeConn struct {
	mu       sync.Mutex
	closed   bool
	readShut bool
}

func (c *fakeConn) Write(p []byte) (int, error) { return len(p), nil }

func (c *fakeConn) CloseRead() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readShut = true
	return nil
}

func (c *fakeConn) isReadShut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readShut
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRegistryTU() (*tu.TU, *fakeConn) {
	c := &fakeConn{}
	return tu.New(c, testLogger()), c
}

func TestRegisterAssignsExtensionAndTakesReference(t *testing.T) {
	r := New(10, testLogger())
	unit, _ := newRegistryTU()

	if err := r.Register(unit, 3); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if unit.Extension() != 3 {
		t.Fatalf("extension = %d, want 3", unit.Extension())
	}
	if unit.RefCount() != 2 {
		t.Fatalf("refcount = %d, want 2 (caller + registry)", unit.RefCount())
	}
	if r.ActiveCount() != 1 {
		t.Fatalf("active = %d, want 1", r.ActiveCount())
	}
	if r.Lookup(3) != unit {
		t.Fatal("Lookup did not return the registered tu")
	}
}

func TestRegisterRejectsOutOfRangeExtension(t *testing.T) {
	r := New(4, testLogger())
	unit, _ := newRegistryTU()

	if err := r.Register(unit, 4); err != ErrExtensionRange {
		t.Fatalf("err = %v, want ErrExtensionRange", err)
	}
	if err := r.Register(unit, -1); err != ErrExtensionRange {
		t.Fatalf("err = %v, want ErrExtensionRange", err)
	}
}

func TestRegisterRejectsOccupiedExtension(t *testing.T) {
	r := New(4, testLogger())
	first, _ := newRegistryTU()
	second, _ := newRegistryTU()

	if err := r.Register(first, 1); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(second, 1); err != ErrExtensionInUse {
		t.Fatalf("err = %v, want ErrExtensionInUse", err)
	}
}

func TestUnregisterClearsSlotAndForcesHangup(t *testing.T) {
	r := New(4, testLogger())
	caller, _ := newRegistryTU()
	callee, _ := newRegistryTU()
	r.Register(caller, 1)
	r.Register(callee, 2)

	r.Dial(caller, 2)
	if caller.State() != tu.StateRingBack {
		t.Fatalf("caller state = %v, want RING_BACK", caller.State())
	}

	if err := r.Unregister(caller); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if r.Lookup(1) != nil {
		t.Fatal("slot 1 still occupied after unregister")
	}
	if callee.State() != tu.StateOnHook {
		t.Fatalf("callee state = %v, want ON_HOOK after ringing peer unregistered", callee.State())
	}
}

func TestUnregisterRejectsMismatchedSlot(t *testing.T) {
	r := New(4, testLogger())
	unit, _ := newRegistryTU()

	if err := r.Unregister(unit); err != ErrNotRegistered {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestDialLooksUpTargetByExtension(t *testing.T) {
	r := New(4, testLogger())
	caller, _ := newRegistryTU()
	callee, _ := newRegistryTU()
	r.Register(caller, 1)
	r.Register(callee, 2)

	r.Dial(caller, 2)

	if caller.State() != tu.StateRingBack {
		t.Fatalf("caller state = %v, want RING_BACK", caller.State())
	}
	if callee.State() != tu.StateRinging {
		t.Fatalf("callee state = %v, want RINGING", callee.State())
	}
}

func TestDialToUnoccupiedExtensionGivesError(t *testing.T) {
	r := New(4, testLogger())
	caller, _ := newRegistryTU()
	r.Register(caller, 1)

	r.Dial(caller, 2)

	if caller.State() != tu.StateError {
		t.Fatalf("caller state = %v, want ERROR", caller.State())
	}
}

func TestShutdownShutsDownReadSideAndWaitsForDrain(t *testing.T) {
	r := New(4, testLogger())
	a, connA := newRegistryTU()
	b, connB := newRegistryTU()
	r.Register(a, 1)
	r.Register(b, 2)

	done := make(chan struct{})
	go func() {
		r.Shutdown()
		close(done)
	}()

	// Give Shutdown a chance to mark read-shutdown before drain completes:
	// unregistering first would empty the slots before Shutdown walks them.
	for i := 0; i < 1000 && !(connA.isReadShut() && connB.isReadShut()); i++ {
		time.Sleep(time.Millisecond)
	}
	r.Unregister(a)
	r.Unregister(b)
	<-done

	if !connA.readShut || !connB.readShut {
		t.Fatal("shutdown did not shut down read side of all registered tus")
	}
	if r.ActiveCount() != 0 {
		t.Fatalf("active = %d, want 0 after drain", r.ActiveCount())
	}
}

func TestRegisterRejectedOnceShuttingDown(t *testing.T) {
	r := New(4, testLogger())
	a, _ := newRegistryTU()
	r.Register(a, 1)

	done := make(chan struct{})
	go func() {
		r.Shutdown()
		close(done)
	}()

	late, _ := newRegistryTU()
	// Loop until the shutdown flag is visibly set, since Shutdown's first
	// lock acquisition races with this goroutine.
	var err error
	for i := 0; i < 1000; i++ {
		err = r.Register(late, 2)
		if err == ErrShuttingDown {
			break
		}
		if err == nil {
			r.Unregister(late)
		}
		time.Sleep(time.Millisecond)
	}
	r.Unregister(a)
	<-done

	if err != ErrShuttingDown {
		t.Fatalf("err = %v, want ErrShuttingDown", err)
	}
}

func TestRegisterNextAssignsLowestFreeSlot(t *testing.T) {
	r := New(4, testLogger())
	a, _ := newRegistryTU()
	b, _ := newRegistryTU()
	c, _ := newRegistryTU()

	ext, err := r.RegisterNext(a)
	if err != nil || ext != 0 {
		t.Fatalf("first RegisterNext = (%d, %v), want (0, nil)", ext, err)
	}
	r.Register(b, 1)

	ext, err = r.RegisterNext(c)
	if err != nil || ext != 2 {
		t.Fatalf("third RegisterNext = (%d, %v), want (2, nil)", ext, err)
	}
}

func TestRegisterNextFailsWhenFull(t *testing.T) {
	r := New(1, testLogger())
	a, _ := newRegistryTU()
	b, _ := newRegistryTU()

	if _, err := r.RegisterNext(a); err != nil {
		t.Fatalf("first RegisterNext: %v", err)
	}
	if _, err := r.RegisterNext(b); err != ErrRegistryFull {
		t.Fatalf("err = %v, want ErrRegistryFull", err)
	}
}

func TestSnapshotReturnsOccupiedExtensions(t *testing.T) {
	r := New(4, testLogger())
	a, _ := newRegistryTU()
	b, _ := newRegistryTU()
	r.Register(a, 0)
	r.Register(b, 3)

	snap := r.Snapshot()
	if len(snap) != 2 || snap[0] != 0 || snap[1] != 3 {
		t.Fatalf("snapshot = %v, want [0 3]", snap)
	}
}
