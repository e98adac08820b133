package iomux

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/lyricsdb/mycp/connstate"
)

// ConnectionSnapshot is a point-in-time view of one connection's counters,
// CSV-taggable for cmd/lyrics-stats via gocsv.
type ConnectionSnapshot struct {
	ID          string `csv:"id"`
	LocalPort   uint16 `csv:"local_port"`
	RemoteIP    string `csv:"remote_ip"`
	RemotePort  uint16 `csv:"remote_port"`
	State       string `csv:"state"`
	NextSeq     uint64 `csv:"next_seq"`
	RTOMillis   int64  `csv:"rto_millis"`
	MaxInFlight int    `csv:"max_in_flight"`
	PeerWindow  uint16 `csv:"peer_window"`
	InFlight    int    `csv:"in_flight"`
}

// Snapshots returns a stats snapshot of every currently registered
// connection. The per-connection counters are normally touched only by
// the poll loop goroutine; this reads them from the caller's goroutine
// instead, so a snapshot may occasionally catch a value mid-update. That
// is acceptable for point-in-time statistics and avoids adding a lock to
// the hot path for every field the poll loop updates every tick.
func (m *Manager) Snapshots() []ConnectionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ConnectionSnapshot, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, ConnectionSnapshot{
			ID:          c.ID,
			LocalPort:   c.Addr.LocalPort,
			RemoteIP:    c.Addr.RemoteIP,
			RemotePort:  c.Addr.RemotePort,
			State:       stateString(c.State()),
			NextSeq:     c.NextSeq,
			RTOMillis:   c.RTO.Milliseconds(),
			MaxInFlight: c.MaxInFlight,
			PeerWindow:  c.PeerWindow,
			InFlight:    c.Retransmit.Len(),
		})
	}
	return out
}

func stateString(s connstate.State) string { return s.String() }

// RunSnapshotLoop periodically appends one JSON line per registered
// connection to w, until ctx is canceled, by directly polling the
// Manager's own connection table on each tick.
func (m *Manager) RunSnapshotLoop(ctx context.Context, interval time.Duration, w io.Writer) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	enc := json.NewEncoder(w)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, snap := range m.Snapshots() {
				enc.Encode(snap)
			}
		}
	}
}
