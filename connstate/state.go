// Package connstate provides the MyCP connection lifecycle states and
// string conversions for those constants.
package connstate

import "fmt"

// State is the enumeration of MyCP connection lifecycle states.
type State int32

const (
	// CLOSED is both the initial and the terminal state.
	CLOSED State = iota
	// SYN_SENT names a client that has emitted SYN and awaits SYN-ACK.
	// handshake.Connect creates its Connection only once the SYN-ACK has
	// arrived, so no Connection is ever put in this state.
	SYN_SENT
	// ESTABLISHED is entered on SYN-ACK completion (client) or SYN receipt
	// (server); conn.New creates every Connection in this state.
	ESTABLISHED
	// PEER_CLOSED is entered when the peer's CLOSE (or hangup) is observed;
	// buffered reads still drain, then Recv fails with PeerClosed.
	PEER_CLOSED
)

var stateName = map[State]string{
	CLOSED:      "CLOSED",
	SYN_SENT:    "SYN_SENT",
	ESTABLISHED: "ESTABLISHED",
	PEER_CLOSED: "PEER_CLOSED",
}

func (s State) String() string {
	name, ok := stateName[s]
	if !ok {
		return fmt.Sprintf("UNKNOWN_STATE_%d", s)
	}
	return name
}
