// Package registry tracks active pairs and their relays. Like the matching
// containers it has a single owner, the state coordinator, and is not safe
// for concurrent use.
package registry

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/oceanchat/session-server/internal/endpoint"
	"github.com/oceanchat/session-server/internal/relay"
)

// Pair is one active pairing: two endpoints bound to a running relay.
type Pair struct {
	ID        uuid.UUID
	Left      *endpoint.Endpoint
	Right     *endpoint.Endpoint
	Relay     *relay.Relay
	StartedAt time.Time
}

// Peer returns the other endpoint of the pair, or nil if id is not a member.
func (p *Pair) Peer(id string) *endpoint.Endpoint {
	switch id {
	case p.Left.ID():
		return p.Right
	case p.Right.ID():
		return p.Left
	default:
		return nil
	}
}

// Registry indexes active pairs by member id.
type Registry struct {
	byUser map[string]*Pair
	pairs  map[uuid.UUID]*Pair
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		byUser: make(map[string]*Pair),
		pairs:  make(map[uuid.UUID]*Pair),
	}
}

// Len returns the number of active pairs.
func (r *Registry) Len() int {
	return len(r.pairs)
}

// Has reports whether id belongs to an active pair.
func (r *Registry) Has(id string) bool {
	_, ok := r.byUser[id]
	return ok
}

// Lookup returns the pair id belongs to, or nil.
func (r *Registry) Lookup(id string) *Pair {
	return r.byUser[id]
}

// All returns the active pairs in no particular order.
func (r *Registry) All() []*Pair {
	out := make([]*Pair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	return out
}

// Connect starts a relay for the two endpoints and records the pair. The
// caller guarantees both ids are absent from every container; finding one
// here anyway is a bookkeeping breach, handled by tearing the stale pair
// down hard before proceeding.
func (r *Registry) Connect(left, right *endpoint.Endpoint) *Pair {
	for _, ep := range []*endpoint.Endpoint{left, right} {
		if stale := r.byUser[ep.ID()]; stale != nil {
			log.Printf("[registry] ERROR: id=%s already paired (pair=%s), tearing down", ep.ID(), stale.ID)
			r.teardown(stale)
		}
	}

	p := &Pair{
		ID:        uuid.New(),
		Left:      left,
		Right:     right,
		Relay:     relay.Start(left, right),
		StartedAt: time.Now(),
	}
	r.byUser[left.ID()] = p
	r.byUser[right.ID()] = p
	r.pairs[p.ID] = p
	return p
}

// Take removes the pair containing id, stops its relay, and returns the
// relay's result. ok is false when id is not paired.
func (r *Registry) Take(id string) (p *Pair, res relay.Result, ok bool) {
	p = r.byUser[id]
	if p == nil {
		return nil, relay.Result{}, false
	}
	r.remove(p)

	p.Relay.Stop()
	res = <-p.Relay.Done()
	return p, res, true
}

// teardown force-closes a stale pair: stop the relay, drop its result, and
// close both sockets. Used only on invariant breaches.
func (r *Registry) teardown(p *Pair) {
	r.remove(p)
	p.Relay.Stop()
	res := <-p.Relay.Done()
	res.Left.Close()
	res.Right.Close()
}

func (r *Registry) remove(p *Pair) {
	delete(r.byUser, p.Left.ID())
	delete(r.byUser, p.Right.ID())
	delete(r.pairs, p.ID)
}

// Validate checks the two-index bookkeeping: every pair indexed under
// exactly its two member ids, and nothing else.
func (r *Registry) Validate() error {
	if len(r.byUser) != 2*len(r.pairs) {
		return fmt.Errorf("registry: %d user entries for %d pairs", len(r.byUser), len(r.pairs))
	}
	for id, p := range r.byUser {
		if r.pairs[p.ID] != p {
			return fmt.Errorf("registry: id=%s points at unregistered pair %s", id, p.ID)
		}
		if p.Peer(id) == nil {
			return fmt.Errorf("registry: id=%s indexed under a pair it is not in", id)
		}
	}
	return nil
}
