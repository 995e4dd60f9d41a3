package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newRegistryWith(n int) (*registry, []*serverClient) {
	r := newRegistry()
	scs := make([]*serverClient, n)
	for i := range scs {
		scs[i] = &serverClient{id: uint64(i + 1)}
		r.add(scs[i])
	}
	return r, scs
}

func TestRegistryReservedRooms(t *testing.T) {
	r := newRegistry()
	sizes := r.roomSizes()
	assert.Equal(t, map[string]int{"_command": 0, "_logging": 0}, sizes)
}

func TestRegistryJoinLeave(t *testing.T) {
	r, scs := newRegistryWith(2)
	a, b := scs[0], scs[1]

	created, added := r.join(a, "R")
	assert.True(t, created)
	assert.True(t, added)
	created, added = r.join(a, "R")
	assert.False(t, created)
	assert.False(t, added, "join is idempotent")
	r.join(b, "R")
	assert.Equal(t, 2, r.roomSizes()["R"])

	removed, deleted := r.leave(a, "R")
	assert.True(t, removed)
	assert.False(t, deleted)
	removed, deleted = r.leave(a, "R")
	assert.False(t, removed)
	assert.False(t, deleted)

	_, deleted = r.leave(b, "R")
	assert.True(t, deleted)
	_, exists := r.roomSizes()["R"]
	assert.False(t, exists)

	// Leaving a room that never existed is harmless
	removed, deleted = r.leave(a, "nowhere")
	assert.False(t, removed)
	assert.False(t, deleted)

	created, _ = r.join(b, "R")
	assert.True(t, created)
	assert.Equal(t, 1, r.roomSizes()["R"])
}

func TestRegistryReservedRoomsSurviveEmpty(t *testing.T) {
	r, scs := newRegistryWith(1)
	r.join(scs[0], "_logging")
	_, deleted := r.leave(scs[0], "_logging")
	assert.False(t, deleted)
	size, exists := r.roomSizes()["_logging"]
	assert.True(t, exists)
	assert.Equal(t, 0, size)
}

func TestRegistryRoomMembersExcludesSender(t *testing.T) {
	r, scs := newRegistryWith(3)
	for _, sc := range scs {
		r.join(sc, "R")
	}
	assert.ElementsMatch(t, []*serverClient{scs[1], scs[2]}, r.roomMembers("R", scs[0]))
	assert.ElementsMatch(t, scs, r.roomMembers("R", nil))
	assert.Empty(t, r.roomMembers("missing", nil))
}

func TestRegistryNames(t *testing.T) {
	r, scs := newRegistryWith(3)
	r.register(scs[0], "worker1")
	r.register(scs[1], "worker1")
	r.register(scs[2], "worker2")

	assert.ElementsMatch(t, []*serverClient{scs[0], scs[1]}, r.named("worker1"))
	assert.Len(t, r.named("nobody"), 0)

	name, ok := r.nameOf(scs[2])
	assert.True(t, ok)
	assert.Equal(t, "worker2", name)

	// Unknown connections cannot register or join
	stranger := &serverClient{id: 99}
	r.register(stranger, "ghost")
	_, ok = r.nameOf(stranger)
	assert.False(t, ok)
	created, added := r.join(stranger, "R")
	assert.False(t, created)
	assert.False(t, added)
}

func TestRegistryRemove(t *testing.T) {
	r, scs := newRegistryWith(2)
	a, b := scs[0], scs[1]
	r.register(a, "a")
	r.join(a, "R")
	r.join(a, "S")
	r.join(b, "S")
	r.join(a, "_command")
	assert.Equal(t, []string{"R", "S", "_command"}, r.roomsOf(a))

	name, existed := r.remove(a)
	assert.True(t, existed)
	assert.Equal(t, "a", name)
	_, existed = r.remove(a)
	assert.False(t, existed, "cleanup runs once")

	assert.Empty(t, r.roomsOf(a))
	assert.Empty(t, r.named("a"))
	sizes := r.roomSizes()
	assert.Equal(t, map[string]int{"S": 1, "_command": 0, "_logging": 0}, sizes)

	rooms, clients := r.stats()
	assert.Equal(t, 3, rooms)
	assert.Equal(t, 1, clients)
}
