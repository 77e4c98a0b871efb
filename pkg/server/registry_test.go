package server

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(9001, 8)
}

func TestRegisterClientAssignsUniqueIDs(t *testing.T) {
	reg := newTestRegistry()

	a := reg.RegisterClient(nil)
	b := reg.RegisterClient(nil)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.False(t, a.ConnectedAt.IsZero())

	sessions, links := reg.Counts()
	assert.Equal(t, 2, sessions)
	assert.Equal(t, 0, links)
}

func TestRemoveClient(t *testing.T) {
	reg := newTestRegistry()
	sess := reg.RegisterClient(nil)

	removed := reg.RemoveClient(sess.ID)
	require.NotNil(t, removed)
	assert.Equal(t, sess.ID, removed.ID)

	sessions, _ := reg.Counts()
	assert.Equal(t, 0, sessions)

	// Removing twice is a nil no-op.
	assert.Nil(t, reg.RemoveClient(sess.ID))
}

func TestRegisterLinkDeduplicatesByPort(t *testing.T) {
	reg := newTestRegistry()

	first := newLink(9002, nil, 8)
	require.True(t, reg.RegisterLink(first))

	// Same port: rejected, link count unchanged.
	assert.False(t, reg.RegisterLink(newLink(9002, nil, 8)))
	_, links := reg.Counts()
	assert.Equal(t, 1, links)

	// Own port: never linked.
	assert.False(t, reg.RegisterLink(newLink(9001, nil, 8)))
	_, links = reg.Counts()
	assert.Equal(t, 1, links)
}

func TestLinked(t *testing.T) {
	reg := newTestRegistry()

	assert.True(t, reg.Linked(9001), "own port counts as linked")
	assert.False(t, reg.Linked(9002))

	require.True(t, reg.RegisterLink(newLink(9002, nil, 8)))
	assert.True(t, reg.Linked(9002))
}

func TestRemoveLink(t *testing.T) {
	reg := newTestRegistry()
	link := newLink(9002, nil, 8)
	require.True(t, reg.RegisterLink(link))

	removed := reg.RemoveLink(9002)
	require.NotNil(t, removed)
	assert.Equal(t, 9002, removed.Port)
	assert.Nil(t, reg.RemoveLink(9002))

	// Port is free again after removal.
	assert.True(t, reg.RegisterLink(newLink(9002, nil, 8)))
}

func TestDropLinkRemovesByIdentity(t *testing.T) {
	reg := newTestRegistry()
	old := newLink(9002, nil, 8)
	require.True(t, reg.RegisterLink(old))

	// The port changes hands, as it does when an inbound link displaces an
	// outbound one.
	require.NotNil(t, reg.RemoveLink(9002))
	replacement := newLink(9002, nil, 8)
	require.True(t, reg.RegisterLink(replacement))

	assert.False(t, reg.DropLink(old), "a displaced link must not evict its successor")
	_, links := reg.Counts()
	assert.Equal(t, 1, links)

	assert.True(t, reg.DropLink(replacement))
	_, links = reg.Counts()
	assert.Equal(t, 0, links)
}

func TestFindSession(t *testing.T) {
	reg := newTestRegistry()

	alice := reg.RegisterClient(nil)
	alice.SetDisplayName("alice")
	bob := reg.RegisterClient(nil)

	t.Run("by display name", func(t *testing.T) {
		found := reg.FindSession("alice")
		require.NotNil(t, found)
		assert.Equal(t, alice.ID, found.ID)
	})

	t.Run("by id", func(t *testing.T) {
		found := reg.FindSession(bob.ID)
		require.NotNil(t, found)
		assert.Equal(t, bob.ID, found.ID)
	})

	t.Run("no match", func(t *testing.T) {
		assert.Nil(t, reg.FindSession("nobody"))
	})
}

func TestSnapshotReflectsState(t *testing.T) {
	reg := newTestRegistry()

	sess := reg.RegisterClient(nil)
	sess.SetDisplayName("alice")
	link := newLink(9002, nil, 8)
	link.setPeerName("S2")
	require.True(t, reg.RegisterLink(link))

	snap := reg.Snapshot()
	require.Len(t, snap.Sessions, 1)
	assert.Equal(t, sess.ID, snap.Sessions[0].ID)
	assert.Equal(t, "alice", snap.Sessions[0].Name)
	require.Len(t, snap.Links, 1)
	assert.Equal(t, "S2", snap.Links[0].Name)
	assert.Equal(t, 9002, snap.Links[0].Port)

	// The snapshot is a copy; later mutations don't leak into it.
	reg.RemoveClient(sess.ID)
	assert.Len(t, snap.Sessions, 1)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := newTestRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				sess := reg.RegisterClient(nil)
				reg.Snapshot()
				reg.RemoveClient(sess.ID)
			}
		}()
	}
	wg.Wait()

	sessions, _ := reg.Counts()
	assert.Equal(t, 0, sessions)
}

func TestSessionSenderName(t *testing.T) {
	reg := newTestRegistry()
	sess := reg.RegisterClient(nil)

	assert.Equal(t, sess.ID, sess.SenderName(), "falls back to ID before set_name")

	sess.SetDisplayName("alice")
	assert.Equal(t, "alice", sess.SenderName())
}
