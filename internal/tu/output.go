package tu

import (
	"errors"
	"fmt"
	"net"
)

// encodeLine renders the CRLF-terminated wire message for state s. ext is
// the TU's own extension (used only for ON_HOOK); peerExt is the peer's
// extension (used only for CONNECTED, -1 if there is no peer).
func encodeLine(s State, ext, peerExt int32) string {
	switch s {
	case StateOnHook:
		return fmt.Sprintf("ON HOOK %d\r\n", ext)
	case StateRinging:
		return "RINGING\r\n"
	case StateDialTone:
		return "DIAL TONE\r\n"
	case StateRingBack:
		return "RING BACK\r\n"
	case StateBusySignal:
		return "BUSY SIGNAL\r\n"
	case StateConnected:
		return fmt.Sprintf("CONNECTED %d\r\n", peerExt)
	case StateError:
		return "ERROR\r\n"
	default:
		return "UNKNOWN STATE\r\n"
	}
}

// writeAll writes line to w in full, retrying on short writes and on
// network errors that report Timeout(), matching the restart-on-interrupt,
// loop-until-fully-transmitted write discipline §4.1 requires. Any
// other error is treated as an IOFailure (§7): it is returned to
// the caller to log, but the state transition that produced the line is
// never rolled back.
func writeAll(w writer, line string) error {
	data := []byte(line)
	for len(data) > 0 {
		n, err := w.Write(data)
		if n > 0 {
			data = data[n:]
		}
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if len(data) == 0 {
				return nil
			}
			return err
		}
	}
	return nil
}

// writer is the minimal write capability a TU sink must offer.
type writer interface {
	Write(p []byte) (int, error)
}
