package connstate_test

import (
	"testing"

	"github.com/lyricsdb/mycp/connstate"
)

func TestStateStrings(t *testing.T) {
	cases := map[connstate.State]string{
		connstate.CLOSED:      "CLOSED",
		connstate.SYN_SENT:    "SYN_SENT",
		connstate.ESTABLISHED: "ESTABLISHED",
		connstate.PEER_CLOSED: "PEER_CLOSED",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestUnknownState(t *testing.T) {
	if got := connstate.State(99).String(); got != "UNKNOWN_STATE_99" {
		t.Errorf("got %q, want UNKNOWN_STATE_99", got)
	}
}
