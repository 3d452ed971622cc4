package matching

import "github.com/oceanchat/session-server/internal/endpoint"

// IdleSet holds users who asked to sit out of matchmaking. Membership is
// keyed by user id; like the waiting queue it has a single owner.
type IdleSet struct {
	members map[string]*endpoint.Endpoint
}

// NewIdleSet returns an empty set.
func NewIdleSet() *IdleSet {
	return &IdleSet{members: make(map[string]*endpoint.Endpoint)}
}

// Len returns the number of idle users.
func (s *IdleSet) Len() int {
	return len(s.members)
}

// Has reports whether id is idle.
func (s *IdleSet) Has(id string) bool {
	_, ok := s.members[id]
	return ok
}

// Add inserts the user. The caller evicts any same-id occupant first.
func (s *IdleSet) Add(ep *endpoint.Endpoint) {
	s.members[ep.ID()] = ep
}

// Take removes and returns the user with the given id, or nil.
func (s *IdleSet) Take(id string) *endpoint.Endpoint {
	ep, ok := s.members[id]
	if !ok {
		return nil
	}
	delete(s.members, id)
	return ep
}

// Remove drops the given endpoint instance. It reports false when the set
// holds a different instance (or nothing) under that id.
func (s *IdleSet) Remove(ep *endpoint.Endpoint) bool {
	if s.members[ep.ID()] != ep {
		return false
	}
	delete(s.members, ep.ID())
	return true
}

// All returns the idle endpoints in no particular order.
func (s *IdleSet) All() []*endpoint.Endpoint {
	out := make([]*endpoint.Endpoint, 0, len(s.members))
	for _, ep := range s.members {
		out = append(out, ep)
	}
	return out
}
