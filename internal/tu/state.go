// Package tu implements the per-line telephone unit state machine: the
// pickup/hangup/dial/chat transitions, the pair-lock discipline used to
// mutate two telephone units atomically, and the CRLF line encoding sent
// back to each unit's sink.
package tu

// State is the telephone unit's call state. The zero value, stateUnknown,
// is never assigned by any operation below; it exists only so a defensively
// decoded or zero-initialized State encodes to something rather than
// panicking, matching the original C implementation's "UNKNOWN STATE"
// fallback branch in notify_state().
type State int32

const (
	stateUnknown State = iota
	StateOnHook
	StateRinging
	StateDialTone
	StateRingBack
	StateBusySignal
	StateConnected
	StateError
)

// String returns the debug name of the state (not the wire encoding —
// see encodeLine for that).
func (s State) String() string {
	switch s {
	case StateOnHook:
		return "ON_HOOK"
	case StateRinging:
		return "RINGING"
	case StateDialTone:
		return "DIAL_TONE"
	case StateRingBack:
		return "RING_BACK"
	case StateBusySignal:
		return "BUSY_SIGNAL"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
