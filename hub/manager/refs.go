package manager

import (
	"strconv"
	"strings"
	"sync"
)

// hubPrefix is reserved for hub-initiated traffic. Subscriber handshakes can
// never be assigned it.
const hubPrefix = "MTU"

// Refs hands out hub-unique reference numbers. Scoped to the hub instance,
// not the process, so tests can run several hubs side by side. The counter
// increments exactly once per hub-initiated message.
type Refs struct {
	mu sync.Mutex
	n  uint64
}

// Next returns the next hub reference, MTU_<n>.
func (r *Refs) Next() string {
	r.mu.Lock()
	r.n++
	n := r.n
	r.mu.Unlock()
	return hubPrefix + "_" + strconv.FormatUint(n, 10)
}

// IsHub reports whether a reference was issued by the hub.
func (r *Refs) IsHub(ref string) bool {
	return ref == hubPrefix || strings.HasPrefix(ref, hubPrefix+"_")
}

// ReservedPrefix reports whether a subscriber type would collide with the
// hub's own reference space.
func ReservedPrefix(subscriberType string) bool {
	return subscriberType == hubPrefix
}
