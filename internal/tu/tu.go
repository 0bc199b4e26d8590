package tu

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Conn is the sink capability a TU needs from its driver: a place to write
// outbound protocol lines, a way to shut down the read side so a blocked
// driver read returns EOF during shutdown (§5 Cancellation/shutdown), and
// a full close performed once the TU's reference count reaches zero (§3
// Lifecycle).
type Conn interface {
	Write(p []byte) (int, error)
	CloseRead() error
	Close() error
}

var idSeq atomic.Int64

// TU is one telephone unit: its state machine, its peer link, its sink,
// and its reference count. The zero value is not usable; construct with
// New.
type TU struct {
	id int64 // monotonic, used only as the pair-lock total order

	mu    sync.Mutex
	state State
	peer  *TU

	extension atomic.Int32 // -1 until registered; immutable thereafter
	refs      atomic.Int64

	conn   Conn
	logger *slog.Logger
}

// New creates a TU in state ON_HOOK with no extension, no peer, and a
// reference count of one (the caller's reference, conventionally owned by
// the driver until it is registered and later torn down).
func New(conn Conn, logger *slog.Logger) *TU {
	t := &TU{
		id:     idSeq.Add(1),
		state:  StateOnHook,
		conn:   conn,
		logger: logger,
	}
	t.extension.Store(-1)
	t.refs.Store(1)
	return t
}

// Extension returns the TU's assigned extension, or -1 if unregistered.
// Safe to call without holding any lock: the extension is set exactly
// once, by SetExtension, and never changes afterward.
func (t *TU) Extension() int32 {
	return t.extension.Load()
}

// State returns the TU's current call state. Intended for tests and
// observability; callers must not assume it is still current the instant
// after the call returns.
func (t *TU) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Peer returns the TU's current peer, or nil if unpaired. Same caveat as
// State.
func (t *TU) Peer() *TU {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peer
}

// RefCount returns the current reference count. Exposed for tests; not
// meaningful to act on outside the package.
func (t *TU) RefCount() int64 {
	return t.refs.Load()
}

// Ref takes one additional reference on t. Safe to call concurrently with
// Unref and with any TU operation: the counter is atomic (§9 Open
// Question — the original C's refs++/refs-- is a bare, non-atomic
// read-modify-write race; this port fixes that).
func (t *TU) Ref() {
	t.refs.Add(1)
}

// Unref releases one reference on t. When the count reaches zero, the
// underlying sink is closed and the TU is considered destroyed: no
// further operation may be called on it.
func (t *TU) Unref() {
	if t.refs.Add(-1) == 0 {
		t.conn.Close()
	}
}

// ShutdownRead closes the read side of the TU's sink, causing a blocked
// driver read to return EOF. Used by the Registry during shutdown (§4.3,
// §5) to unblock every registered driver without waiting on them directly.
func (t *TU) ShutdownRead() error {
	return t.conn.CloseRead()
}

// SetExtension assigns the TU's extension and emits the initial
// "ON HOOK <ext>" notification (§4.2 set_extension). Called exactly once,
// by the Registry, at registration time.
func (t *TU) SetExtension(ext int32) {
	t.extension.Store(ext)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.notifyLocked()
}

// lockPair acquires both a's and b's locks in a fixed total order derived
// from their monotonic ids (lower id first), or a single lock if a and b
// are the same TU. Returns a function that releases whatever was
// acquired, in reverse order. This is the discipline §5 requires for any
// operation that mutates two TUs atomically.
func lockPair(a, b *TU) func() {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	first, second := a, b
	if b.id < a.id {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

// notifyLocked writes the current-state notification line for t. The
// caller must hold t.mu, and if t.state is StateConnected, must also hold
// t.peer.mu (i.e. this is always called from within a lockPair section
// when a peer is involved).
func (t *TU) notifyLocked() {
	peerExt := int32(-1)
	if t.peer != nil {
		peerExt = t.peer.extension.Load()
	}
	line := encodeLine(t.state, t.extension.Load(), peerExt)
	if err := writeAll(t.conn, line); err != nil {
		// IOFailure (§7): logged, transition is not rolled back.
		t.logger.Error("write to tu sink failed",
			"extension", t.extension.Load(),
			"state", t.state.String(),
			"error", err,
		)
	}
}

// Pickup implements §4.2 pickup(T).
func (t *TU) Pickup() {
	t.mu.Lock()
	switch t.state {
	case StateOnHook:
		t.state = StateDialTone
		t.notifyLocked()
		t.mu.Unlock()

	case StateRinging:
		peer := t.peer
		t.mu.Unlock()

		unlock := lockPair(t, peer)
		defer unlock()

		// Re-check after acquiring the pair lock: the peer link may have
		// been torn down concurrently (e.g. the caller hung up) between
		// reading it above and acquiring both locks.
		if t.state != StateRinging || t.peer != peer {
			t.notifyLocked()
			return
		}

		t.state = StateConnected
		peer.state = StateConnected
		t.notifyLocked()
		peer.notifyLocked()

	default:
		t.notifyLocked()
		t.mu.Unlock()
	}
}

// Hangup implements §4.2 hangup(T).
func (t *TU) Hangup() {
	t.mu.Lock()
	switch t.state {
	case StateConnected, StateRinging, StateRingBack:
		peer := t.peer
		t.mu.Unlock()

		unlock := lockPair(t, peer)
		defer unlock()

		// Re-check: the pairing may have already been torn down by a
		// concurrent operation on the peer between release and re-lock.
		if t.peer != peer {
			t.notifyLocked()
			return
		}

		switch t.state {
		case StateRingBack:
			t.state = StateOnHook
			peer.state = StateOnHook
			t.peer = nil
			peer.peer = nil
			peer.Unref()
			t.Unref()
			t.notifyLocked()
			peer.notifyLocked()

		case StateRinging, StateConnected:
			t.state = StateOnHook
			peer.state = StateDialTone
			t.peer = nil
			peer.peer = nil
			peer.Unref()
			t.Unref()
			t.notifyLocked()
			peer.notifyLocked()

		default:
			// Pairing survived but state changed out from under us
			// (shouldn't happen under the pair-lock discipline, but
			// fail safe rather than corrupt invariants).
			t.notifyLocked()
		}

	case StateDialTone, StateBusySignal, StateError:
		t.state = StateOnHook
		t.notifyLocked()
		t.mu.Unlock()

	default:
		// ON_HOOK and any other state: no-op, just notify.
		t.notifyLocked()
		t.mu.Unlock()
	}
}

// DialOutcome classifies how a Dial call resolved, for callers (the
// Registry's dial stats) that want to tally results without re-deriving
// them from T's post-call state.
type DialOutcome int

const (
	DialError DialOutcome = iota
	DialBusy
	DialRinging
)

// Dial implements §4.2 dial(T, target_or_none). target is nil if no TU is
// registered at the dialed extension. Per §9's codified Open Question,
// this applies regardless of T's current state — the source never
// checked for DIAL_TONE and this port intentionally preserves that.
func (t *TU) Dial(target *TU) DialOutcome {
	if target == nil {
		t.mu.Lock()
		t.state = StateError
		t.notifyLocked()
		t.mu.Unlock()
		return DialError
	}

	unlock := lockPair(t, target)
	defer unlock()

	if target == t || target.peer != nil || target.state != StateOnHook {
		t.state = StateBusySignal
		t.notifyLocked()
		return DialBusy
	}

	t.peer = target
	target.peer = t
	t.Ref()
	target.Ref()

	t.state = StateRingBack
	target.state = StateRinging

	t.notifyLocked()
	target.notifyLocked()
	return DialRinging
}

// Chat implements §4.2 chat(T, msg). Unlike the original C tu_chat, which
// dereferences the peer unconditionally, this checks CONNECTED state and
// a non-nil peer before ever touching it (§9 Open Question).
func (t *TU) Chat(msg string) {
	t.mu.Lock()
	if t.state != StateConnected || t.peer == nil {
		t.notifyLocked()
		t.mu.Unlock()
		return
	}
	peer := t.peer
	t.mu.Unlock()

	unlock := lockPair(t, peer)
	defer unlock()

	if t.state != StateConnected || t.peer != peer {
		t.notifyLocked()
		return
	}

	if err := writeAll(peer.conn, "CHAT "+msg+"\r\n"); err != nil {
		peer.logger.Error("write to tu sink failed",
			"extension", peer.extension.Load(),
			"error", err,
		)
	}
	t.notifyLocked()
}
