package conn

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

var (
	cachedPrefixString = ""
	nextLocalCounter   uint64
)

// getPrefix returns a prefix string containing the hostname and the time
// of its first call in this process, which uniquely identifies the
// connection-ID namespace for this process instance.
func getPrefix() string {
	if cachedPrefixString == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown-host"
		}
		cachedPrefixString = fmt.Sprintf("%s_%d", hostname, time.Now().UnixNano())
	}
	return cachedPrefixString
}

// NextID returns a globally-unique-per-process identifier for a newly
// registered connection. A MyCP port is never backed by a real kernel
// socket, so there is no socket cookie to read; a process-wide atomic
// counter fills the same role, appended to the same hostname-prefixed
// presentation.
func NextID() string {
	n := atomic.AddUint64(&nextLocalCounter, 1)
	return fmt.Sprintf("%s_%X", getPrefix(), n)
}
