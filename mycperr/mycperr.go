// Package mycperr collects the error taxonomy surfaced by the MyCP
// transport. Malformed, IntegrityFailure and WindowExhausted never leave
// the I/O worker: they are counted in metrics and otherwise invisible to
// callers. The remaining kinds are returned to facade callers.
package mycperr

import "fmt"

// Kind identifies which of the taxonomy's surfaced error kinds an Error is.
type Kind int

const (
	// SocketCreate: the raw MyCP socket could not be opened, typically for
	// lack of CAP_NET_RAW or on an unsupported platform.
	SocketCreate Kind = iota
	// Addressing: a remote address or port could not be parsed or resolved.
	Addressing
	// HandshakeFailed: connect() did not complete within its retry budget,
	// or the peer's reply was malformed or mismatched.
	HandshakeFailed
	// PeerClosed: the peer's CLOSE (or hangup) was observed and the
	// receive buffer has been fully drained.
	PeerClosed
	// IoError: the underlying raw socket failed for a reason other than
	// EAGAIN; the connection becomes terminal.
	IoError
	// Misuse: the caller violated the facade's concurrency contract, e.g.
	// calling connect twice.
	Misuse
)

func (k Kind) String() string {
	switch k {
	case SocketCreate:
		return "SocketCreate"
	case Addressing:
		return "Addressing"
	case HandshakeFailed:
		return "HandshakeFailed"
	case PeerClosed:
		return "PeerClosed"
	case IoError:
		return "IoError"
	case Misuse:
		return "Misuse"
	default:
		return "UnknownKind"
	}
}

// Error is a human-readable, kind-tagged failure surfaced across the
// facade boundary.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New constructs an *Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Is reports whether err is a mycperr.Error of the given kind, so callers
// can do `if mycperr.Is(err, mycperr.PeerClosed)` instead of type-asserting.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	return ok && e.Kind == kind
}
