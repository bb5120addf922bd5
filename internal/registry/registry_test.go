package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeMember struct {
	mu       sync.Mutex
	open     bool
	failSend bool
	received [][]byte
}

func newFakeMember() *fakeMember {
	return &fakeMember{open: true}
}

func (m *fakeMember) Send(payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSend {
		return errors.New("queue full")
	}
	m.received = append(m.received, payload)
	return nil
}

func (m *fakeMember) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

func (m *fakeMember) messages() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.received...)
}

func TestRegistry_AddMember_CreatesRoom(t *testing.T) {
	req := require.New(t)
	reg := New()
	m := newFakeMember()

	// Given an empty registry
	req.False(reg.HasRoom("r1"))

	// When a member joins
	reg.AddMember("r1", m)

	// Then the room exists with one member
	req.True(reg.HasRoom("r1"))
	req.Equal(1, reg.Count("r1"))
	req.Equal([]string{"r1"}, reg.Rooms())
}

func TestRegistry_AddMember_Idempotent(t *testing.T) {
	req := require.New(t)
	reg := New()
	m := newFakeMember()

	reg.AddMember("r1", m)
	reg.AddMember("r1", m)

	req.Equal(1, reg.Count("r1"))
}

func TestRegistry_RemoveMember_LastMemberEmptiesRoom(t *testing.T) {
	req := require.New(t)
	reg := New()
	m1 := newFakeMember()
	m2 := newFakeMember()

	// Given two members in the same room
	reg.AddMember("r1", m1)
	reg.AddMember("r1", m2)

	// When the first one leaves the room is still populated
	req.False(reg.RemoveMember("r1", m1))
	req.True(reg.HasRoom("r1"))
	req.Equal(1, reg.Count("r1"))

	// When the last one leaves the room is gone
	req.True(reg.RemoveMember("r1", m2))
	req.False(reg.HasRoom("r1"))
	req.Empty(reg.Rooms())
}

func TestRegistry_RemoveMember_NonMemberIsNoop(t *testing.T) {
	req := require.New(t)
	reg := New()
	member := newFakeMember()
	stranger := newFakeMember()

	req.False(reg.RemoveMember("missing", stranger))

	reg.AddMember("r1", member)
	req.False(reg.RemoveMember("r1", stranger))
	req.Equal(1, reg.Count("r1"))

	// Removing twice only empties once
	req.True(reg.RemoveMember("r1", member))
	req.False(reg.RemoveMember("r1", member))
	req.Equal(0, reg.Count("r1"))
}

func TestRegistry_DeliverLocal_OnlyTargetRoom(t *testing.T) {
	req := require.New(t)
	reg := New()
	inR1 := newFakeMember()
	inR2 := newFakeMember()
	reg.AddMember("r1", inR1)
	reg.AddMember("r2", inR2)

	delivered := reg.DeliverLocal("r1", []byte(`{"name":"Alice","message":"hi"}`))

	req.Equal(1, delivered)
	req.Len(inR1.messages(), 1)
	req.Empty(inR2.messages())
}

func TestRegistry_DeliverLocal_SkipsClosedWithoutRemoving(t *testing.T) {
	req := require.New(t)
	reg := New()
	open := newFakeMember()
	closed := newFakeMember()
	closed.open = false
	reg.AddMember("r1", open)
	reg.AddMember("r1", closed)

	delivered := reg.DeliverLocal("r1", []byte("x"))

	req.Equal(1, delivered)
	req.Empty(closed.messages())
	req.Equal(2, reg.Count("r1"))
}

func TestRegistry_DeliverLocal_FailedSendNotCounted(t *testing.T) {
	req := require.New(t)
	reg := New()
	slow := newFakeMember()
	slow.failSend = true
	reg.AddMember("r1", slow)

	req.Equal(0, reg.DeliverLocal("r1", []byte("x")))
	req.Equal(0, reg.DeliverLocal("unknown", []byte("x")))
}

func TestRegistry_ConcurrentMembership(t *testing.T) {
	req := require.New(t)
	reg := New()

	const n = 50
	members := make([]*fakeMember, n)
	for i := range members {
		members[i] = newFakeMember()
	}

	var wg sync.WaitGroup
	for _, m := range members {
		wg.Add(1)
		go func(m *fakeMember) {
			defer wg.Done()
			reg.AddMember("r1", m)
			reg.DeliverLocal("r1", []byte("x"))
		}(m)
	}
	wg.Wait()
	req.Equal(n, reg.Count("r1"))

	emptied := 0
	var mu sync.Mutex
	for _, m := range members {
		wg.Add(1)
		go func(m *fakeMember) {
			defer wg.Done()
			if reg.RemoveMember("r1", m) {
				mu.Lock()
				emptied++
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()

	req.Equal(1, emptied)
	req.False(reg.HasRoom("r1"))
}
