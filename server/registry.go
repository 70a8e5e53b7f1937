package server

import (
	"sort"
	"sync"

	"github.com/perspective-dev/psprelay/relay"
)

// registry tracks the live relay of every connection.
type registry struct {
	relays map[string]*relay.Relay
	mu     sync.RWMutex
}

func newRegistry() *registry {
	return &registry{relays: make(map[string]*relay.Relay)}
}

func (reg *registry) add(r *relay.Relay) {
	reg.mu.Lock()
	reg.relays[r.ID()] = r
	reg.mu.Unlock()
}

func (reg *registry) remove(id string) {
	reg.mu.Lock()
	delete(reg.relays, id)
	reg.mu.Unlock()
}

func (reg *registry) get(id string) (*relay.Relay, bool) {
	reg.mu.RLock()
	r, ok := reg.relays[id]
	reg.mu.RUnlock()
	return r, ok
}

func (reg *registry) len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.relays)
}

// close closes the relay for id. Its Run loop removes it from the registry.
func (reg *registry) close(id string) bool {
	r, ok := reg.get(id)
	if ok {
		r.Close()
	}
	return ok
}

func (reg *registry) closeAll() {
	reg.mu.RLock()
	relays := make([]*relay.Relay, 0, len(reg.relays))
	for _, r := range reg.relays {
		relays = append(relays, r)
	}
	reg.mu.RUnlock()

	for _, r := range relays {
		r.Close()
	}
}

// stats returns a snapshot of every relay, oldest first.
func (reg *registry) stats() []relay.Stats {
	reg.mu.RLock()
	out := make([]relay.Stats, 0, len(reg.relays))
	for _, r := range reg.relays {
		out = append(out, r.Stats())
	}
	reg.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}
