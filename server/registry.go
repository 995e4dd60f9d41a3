package server

import (
	"sort"
	"sync"

	"github.com/CiaranWoodward/roomhub/protocol"
)

type memberSet map[*serverClient]struct{}

// registry holds every connection, its display name and its room memberships.
// All access goes through one mutex; callers only ever see snapshots.
type registry struct {
	mu      sync.Mutex
	clients memberSet
	names   map[*serverClient]string
	rooms   map[string]memberSet
}

func newRegistry() *registry {
	r := &registry{
		clients: make(memberSet),
		names:   make(map[*serverClient]string),
		rooms:   make(map[string]memberSet),
	}
	for _, room := range protocol.ReservedRooms {
		r.rooms[room] = make(memberSet)
	}
	return r
}

func (r *registry) add(sc *serverClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[sc] = struct{}{}
}

// Drop the client from the registry, every room and the name map.
// Returns false if it was already gone.
func (r *registry) remove(sc *serverClient) (name string, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, existed = r.clients[sc]; !existed {
		return
	}
	delete(r.clients, sc)
	for room := range r.rooms {
		r.leaveLocked(sc, room)
	}
	name = r.names[sc]
	delete(r.names, sc)
	return
}

// Bind a display name. Names are not unique.
func (r *registry) register(sc *serverClient, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[sc]; ok {
		r.names[sc] = name
	}
}

func (r *registry) nameOf(sc *serverClient) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.names[sc]
	return name, ok
}

// Add the client to room, creating the room if needed
func (r *registry) join(sc *serverClient, room string) (created, added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[sc]; !ok {
		return
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(memberSet)
		r.rooms[room] = members
		created = true
	}
	if _, ok := members[sc]; !ok {
		members[sc] = struct{}{}
		added = true
	}
	return
}

func (r *registry) leave(sc *serverClient, room string) (removed, deleted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(sc, room)
}

// Empty rooms are deleted, except the reserved ones
func (r *registry) leaveLocked(sc *serverClient, room string) (removed, deleted bool) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	if _, removed = members[sc]; !removed {
		return
	}
	delete(members, sc)
	if len(members) == 0 && !protocol.IsReservedRoom(room) {
		delete(r.rooms, room)
		deleted = true
	}
	return
}

// Snapshot of the members of room, without except
func (r *registry) roomMembers(room string, except *serverClient) []*serverClient {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.rooms[room]
	out := make([]*serverClient, 0, len(members))
	for sc := range members {
		if sc != except {
			out = append(out, sc)
		}
	}
	return out
}

// Snapshot of every client registered under name
func (r *registry) named(name string) []*serverClient {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*serverClient
	for sc, n := range r.names {
		if n == name {
			out = append(out, sc)
		}
	}
	return out
}

func (r *registry) all() []*serverClient {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*serverClient, 0, len(r.clients))
	for sc := range r.clients {
		out = append(out, sc)
	}
	return out
}

// Member count of every room
func (r *registry) roomSizes() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]int, len(r.rooms))
	for room, members := range r.rooms {
		out[room] = len(members)
	}
	return out
}

// Rooms the client is a member of, sorted
func (r *registry) roomsOf(sc *serverClient) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []string
	for room, members := range r.rooms {
		if _, ok := members[sc]; ok {
			out = append(out, room)
		}
	}
	sort.Strings(out)
	return out
}

func (r *registry) stats() (rooms, clients int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms), len(r.clients)
}
