package linksync

import (
	"sort"
	"sync"
)

// GuardRegistry tracks which customer ids are owned by an in-flight
// link/unlink operation: an active poll session, or a request that was
// just issued and not yet superseded by one. The batch sync orchestrator
// consults it to avoid clobbering transitional state; no other writer
// does.
type GuardRegistry struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

func NewGuardRegistry() *GuardRegistry {
	return &GuardRegistry{busy: map[string]struct{}{}}
}

func (g *GuardRegistry) Mark(customerID string) {
	if g == nil || customerID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.busy[customerID] = struct{}{}
}

func (g *GuardRegistry) Release(customerID string) {
	if g == nil || customerID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.busy, customerID)
}

func (g *GuardRegistry) Busy(customerID string) bool {
	if g == nil {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.busy[customerID]
	return ok
}

func (g *GuardRegistry) BusyIDs() []string {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.busy))
	for id := range g.busy {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
