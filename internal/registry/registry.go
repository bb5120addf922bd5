// Package registry tracks which live local connections are members of which
// chat room in this process.
package registry

import (
	"sort"
	"sync"
)

// Member is a local connection that can receive room payloads.
type Member interface {
	Send(payload []byte) error
	IsOpen() bool
}

// Registry maps room identifiers to the set of local members subscribed to
// them. A room entry exists only while its member set is non-empty.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[Member]struct{}
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		rooms: make(map[string]map[Member]struct{}),
	}
}

// AddMember inserts m into room's member set, creating the set if absent.
// Adding a member twice has no further effect.
func (r *Registry) AddMember(room string, m Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[Member]struct{})
		r.rooms[room] = members
	}
	members[m] = struct{}{}
}

// RemoveMember removes m from room's member set and drops the room entry once
// it is empty. It reports whether this call emptied the room. Removing a
// connection that is not a member is a no-op and returns false.
func (r *Registry) RemoveMember(room string, m Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, member := members[m]; !member {
		return false
	}

	delete(members, m)
	if len(members) == 0 {
		delete(r.rooms, room)
		return true
	}
	return false
}

// HasRoom reports whether room currently has at least one local member.
func (r *Registry) HasRoom(room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[room]
	return ok
}

// Count returns the number of local members of room.
func (r *Registry) Count(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.rooms[room])
}

// Rooms returns the sorted identifiers of every room with local members.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]string, 0, len(r.rooms))
	for room := range r.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// DeliverLocal sends payload to every open member of room and returns how
// many sends succeeded. Closed members are skipped but stay registered; they
// leave only through RemoveMember.
func (r *Registry) DeliverLocal(room string, payload []byte) int {
	members := r.snapshot(room)

	delivered := 0
	for _, m := range members {
		if !m.IsOpen() {
			continue
		}
		if err := m.Send(payload); err != nil {
			continue
		}
		delivered++
	}
	return delivered
}

// snapshot copies room's members so sends happen outside the lock.
func (r *Registry) snapshot(room string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	if len(members) == 0 {
		return nil
	}
	out := make([]Member, 0, len(members))
	for m := range members {
		out = append(out, m)
	}
	return out
}
