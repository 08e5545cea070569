package cluster

import (
	"fmt"
	"sync"
)

const masterKey = "master"

func slaveKey(id uint) string {
	return fmt.Sprintf("slave:%d", id)
}

// inFlight tracks which targets have a sync attempt running. A second
// attempt for a busy target is skipped, never queued.
type inFlight struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newInFlight() *inFlight {
	return &inFlight{running: make(map[string]struct{})}
}

func (g *inFlight) tryAcquire(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.running[key]; busy {
		return false
	}
	g.running[key] = struct{}{}
	return true
}

func (g *inFlight) release(key string) {
	g.mu.Lock()
	delete(g.running, key)
	g.mu.Unlock()
}

func (g *inFlight) busy(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.running[key]
	return ok
}
