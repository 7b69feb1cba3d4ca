// Package server hosts the two subscriber-facing TCP endpoints: the
// command/reply channel and the one-way publish channel.
package server

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/gridfabric/telehub/hub/manager"
)

// Identity hands out subscriber reference prefixes. The first subscriber of a
// type gets the bare type string; later ones get a numbered suffix, so two
// "scada_ui" clients become scada_ui and scada_ui_2.
type Identity struct {
	mu       sync.Mutex
	counters map[string]int
}

// NewIdentity returns an empty prefix registry.
func NewIdentity() *Identity {
	return &Identity{counters: make(map[string]int)}
}

// Register assigns the next prefix for a subscriber type. The hub's own
// prefix is reserved.
func (i *Identity) Register(subscriberType string) (string, error) {
	if subscriberType == "" {
		return "", fmt.Errorf("identity: empty subscriber type")
	}
	if manager.ReservedPrefix(subscriberType) {
		return "", fmt.Errorf("identity: subscriber type %q is reserved", subscriberType)
	}
	i.mu.Lock()
	i.counters[subscriberType]++
	n := i.counters[subscriberType]
	i.mu.Unlock()
	if n == 1 {
		return subscriberType, nil
	}
	return subscriberType + "_" + strconv.Itoa(n), nil
}
