// Package pbx implements the Registry: the fixed-capacity extension table
// and the shutdown/drain protocol described in spec.md §4.3. It is the
// only component allowed to assign extensions and is the sole coordinator
// of orderly shutdown; it never acquires a TU's lock while holding its
// own lock (§5 Registry/TU ordering).
package pbx

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/flowpbx/pbxsim/internal/tu"
)

// Errors returned by Register/RegisterNext/Unregister. These are the only Registry
// operations that propagate a Go error; Dial never does (an absent or
// busy target is a protocol-level outcome handled entirely inside
// tu.TU.Dial, per §7's ProtocolConflict category).
var (
	ErrShuttingDown    = errors.New("pbx: registry is shutting down")
	ErrExtensionRange  = errors.New("pbx: extension out of range")
	ErrExtensionInUse  = errors.New("pbx: extension already registered")
	ErrNotRegistered   = errors.New("pbx: tu is not registered at its extension")
	ErrRegistryFull    = errors.New("pbx: no free extension slot")
)

// Registry is the process-wide extension table. Construct with New and
// pass it explicitly to driver code; unlike the original C's global
// `pbx` variable, nothing here is ambient (§9 Design Notes).
type Registry struct {
	mu           sync.Mutex
	slots        []*tu.TU
	shuttingDown bool
	active       int
	drain        *sync.Cond
	logger       *slog.Logger
	stats        dialStats
}

// dialStats holds cumulative, atomically-updated dial outcome counters.
type dialStats struct {
	attempts atomic.Int64
	ringBack atomic.Int64
	busy     atomic.Int64
	errs     atomic.Int64
}

func (s *dialStats) record(outcome tu.DialOutcome) {
	s.attempts.Add(1)
	switch outcome {
	case tu.DialRinging:
		s.ringBack.Add(1)
	case tu.DialBusy:
		s.busy.Add(1)
	case tu.DialError:
		s.errs.Add(1)
	}
}

// DialStats is a snapshot of cumulative dial outcomes.
type DialStats struct {
	Attempts int64
	RingBack int64
	Busy     int64
	Error    int64
}

// New creates a Registry with capacity maxExtensions. Valid extensions
// are [0, maxExtensions).
func New(maxExtensions int, logger *slog.Logger) *Registry {
	r := &Registry{
		slots:  make([]*tu.TU, maxExtensions),
		logger: logger.With("component", "registry"),
	}
	r.drain = sync.NewCond(&r.mu)
	return r
}

// MaxExtensions returns the registry's configured capacity.
func (r *Registry) MaxExtensions() int {
	return len(r.slots)
}

// Register assigns t to extension ext (§4.3 register). Fails if the
// registry is shutting down, ext is out of range, or the slot is already
// occupied. On success the Registry takes one reference on t and calls
// t.SetExtension, which emits the initial ON HOOK notification.
func (r *Registry) Register(t *tu.TU, ext int) error {
	if ext < 0 || ext >= len(r.slots) {
		return ErrExtensionRange
	}

	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return ErrShuttingDown
	}
	if r.slots[ext] != nil {
		r.mu.Unlock()
		return ErrExtensionInUse
	}
	r.slots[ext] = t
	r.active++
	r.mu.Unlock()

	// Registry/TU ordering (§5): lock released before the TU call.
	t.Ref()
	t.SetExtension(int32(ext))

	r.logger.Info("tu registered", "extension", ext)
	return nil
}

// RegisterNext assigns t the lowest free extension, emulating the
// original's use of the accepted connection's file descriptor as a
// stable unique per-connection integer (§6 Extensions: "implementations
// may choose any scheme that provides a stable unique integer per
// registered TU"). Returns ErrShuttingDown if shutdown has begun, or
// ErrRegistryFull if every slot is occupied.
func (r *Registry) RegisterNext(t *tu.TU) (int, error) {
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return -1, ErrShuttingDown
	}
	ext := -1
	for i, slot := range r.slots {
		if slot == nil {
			ext = i
			break
		}
	}
	if ext == -1 {
		r.mu.Unlock()
		return -1, ErrRegistryFull
	}
	r.slots[ext] = t
	r.active++
	r.mu.Unlock()

	t.Ref()
	t.SetExtension(int32(ext))

	r.logger.Info("tu registered", "extension", ext)
	return ext, nil
}

// Unregister removes t from its slot (§4.3 unregister). It determines
// t's extension, verifies the slot still holds t, clears the slot,
// forces a hangup to tear down any in-flight call, and releases the
// Registry's reference. If shutdown is in progress and this was the last
// active TU, the drain condition is broadcast.
func (r *Registry) Unregister(t *tu.TU) error {
	ext := int(t.Extension())

	r.mu.Lock()
	if ext < 0 || ext >= len(r.slots) || r.slots[ext] != t {
		r.mu.Unlock()
		return ErrNotRegistered
	}
	r.slots[ext] = nil
	r.active--
	shuttingDown := r.shuttingDown
	active := r.active
	r.mu.Unlock()

	// Registry/TU ordering (§5): lock released before the TU call. A
	// forced hangup tears down any in-flight pairing before the TU's
	// extension becomes reusable by a new registrant.
	t.Hangup()
	t.Unref()

	if shuttingDown && active == 0 {
		r.mu.Lock()
		r.drain.Broadcast()
		r.mu.Unlock()
	}

	r.logger.Info("tu unregistered", "extension", ext)
	return nil
}

// Dial looks up the TU registered at ext (or nil if out of range or
// unoccupied) and delegates to t.Dial. The Registry lock is held only for
// the lookup, never across the call into the TU layer (§4.3 dial, §5
// Registry/TU ordering).
func (r *Registry) Dial(t *tu.TU, ext int) {
	var target *tu.TU

	r.mu.Lock()
	if ext >= 0 && ext < len(r.slots) {
		target = r.slots[ext]
	}
	r.mu.Unlock()

	r.stats.record(t.Dial(target))
}

// Stats returns a point-in-time snapshot of cumulative dial outcomes,
// for the admin HTTP surface's metrics collector.
func (r *Registry) Stats() DialStats {
	return DialStats{
		Attempts: r.stats.attempts.Load(),
		RingBack: r.stats.ringBack.Load(),
		Busy:     r.stats.busy.Load(),
		Error:    r.stats.errs.Load(),
	}
}

// Lookup returns the TU registered at ext, or nil. Intended for
// observability (e.g. the admin HTTP surface), not for call control.
func (r *Registry) Lookup(ext int) *tu.TU {
	if ext < 0 || ext >= len(r.slots) {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[ext]
}

// ActiveCount returns the number of currently registered TUs.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// ConnectedCount returns the number of registered TUs currently in the
// CONNECTED state. Intended for the admin HTTP surface's metrics
// collector; it takes a snapshot of the slot table and then reads each
// TU's state independently, so it is not linearized with concurrent
// transitions and can be odd while a call is being set up or torn down.
func (r *Registry) ConnectedCount() int {
	r.mu.Lock()
	units := make([]*tu.TU, 0, r.active)
	for _, t := range r.slots {
		if t != nil {
			units = append(units, t)
		}
	}
	r.mu.Unlock()

	count := 0
	for _, t := range units {
		if t.State() == tu.StateConnected {
			count++
		}
	}
	return count
}

// Snapshot returns the extension numbers currently occupied, in
// ascending order. Intended for the admin HTTP surface.
func (r *Registry) Snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	exts := make([]int, 0, r.active)
	for ext, t := range r.slots {
		if t != nil {
			exts = append(exts, ext)
		}
	}
	return exts
}

// Shutdown begins orderly shutdown (§4.3 shutdown, §5 Cancellation). It
// marks the registry as shutting down, shuts down the read side of every
// registered TU's sink so each driver's blocked read returns EOF, and
// then blocks until every TU has unregistered (active reaches zero).
// There is no timeout: Shutdown returns only once every registered TU
// has been unregistered.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.shuttingDown = true

	for ext, t := range r.slots {
		if t == nil {
			continue
		}
		if err := t.ShutdownRead(); err != nil {
			r.logger.Warn("failed to shut down read side", "extension", ext, "error", err)
		}
	}

	for r.active > 0 {
		r.drain.Wait()
	}
	r.mu.Unlock()

	r.logger.Info("registry drained, shutdown complete")
}
