package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benleibowitz/meshchat/pkg/protocol"
)

func newTestAggregator(window time.Duration) (*PresenceAggregator, *Registry, *fakeRelay) {
	reg := newTestRegistry()
	relay := &fakeRelay{}
	agg := NewPresenceAggregator("S1", reg, relay, NewMetrics(), window)
	return agg, reg, relay
}

func TestGatherReturnsLocalUsersWhenNoPeersReply(t *testing.T) {
	agg, reg, relay := newTestAggregator(20 * time.Millisecond)

	alice := reg.RegisterClient(nil)
	alice.SetDisplayName("alice")

	users := agg.Gather()

	require.Len(t, users, 1)
	assert.Equal(t, alice.ID, users[0].ID)
	assert.Equal(t, "alice", users[0].Name)
	assert.Equal(t, "S1", users[0].Server)

	// The query went out to the mesh exactly once, with correlation set.
	calls := relay.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, protocol.TypeListUsersRequest, calls[0].env.Type)
	assert.NotEmpty(t, calls[0].env.RequesterID)
	assert.Equal(t, "S1", calls[0].env.RequesterServer)
}

func TestGatherMergesPeerRepliesWithinWindow(t *testing.T) {
	agg, reg, relay := newTestAggregator(250 * time.Millisecond)
	reg.RegisterClient(nil)

	done := make(chan []protocol.User, 1)
	go func() {
		done <- agg.Gather()
	}()

	// Wait for the query to fan out so we know its correlation ID.
	var queryID string
	require.Eventually(t, func() bool {
		calls := relay.Calls()
		if len(calls) == 0 {
			return false
		}
		queryID = calls[0].env.RequesterID
		return true
	}, time.Second, 5*time.Millisecond)

	agg.Absorb(&protocol.Envelope{
		Type:        protocol.TypeUserList,
		Server:      "S2",
		RequesterID: queryID,
		Users:       []protocol.User{{ID: "client_b", Name: "bob", Server: "S2"}},
	})

	users := <-done
	require.Len(t, users, 2)

	servers := []string{users[0].Server, users[1].Server}
	assert.Contains(t, servers, "S1")
	assert.Contains(t, servers, "S2")
}

func TestRepliesAfterWindowAreDropped(t *testing.T) {
	agg, _, relay := newTestAggregator(20 * time.Millisecond)

	users := agg.Gather()
	assert.Empty(t, users)

	queryID := relay.Calls()[0].env.RequesterID

	// The window has expired; a late reply lands nowhere and must not leak.
	agg.Absorb(&protocol.Envelope{
		Type:        protocol.TypeUserList,
		RequesterID: queryID,
		Users:       []protocol.User{{ID: "late", Server: "S2"}},
	})

	agg.mu.Lock()
	pending := len(agg.pending)
	agg.mu.Unlock()
	assert.Equal(t, 0, pending)
}

func TestAbsorbUnknownQueryIsNoOp(t *testing.T) {
	agg, _, _ := newTestAggregator(20 * time.Millisecond)

	agg.Absorb(&protocol.Envelope{
		Type:        protocol.TypeUserList,
		RequesterID: "never-issued",
		Users:       []protocol.User{{ID: "x", Server: "S2"}},
	})

	agg.mu.Lock()
	pending := len(agg.pending)
	agg.mu.Unlock()
	assert.Equal(t, 0, pending)
}

func TestReplyEchoesRequesterAndListsLocalSessions(t *testing.T) {
	agg, reg, _ := newTestAggregator(20 * time.Millisecond)

	bob := reg.RegisterClient(nil)
	bob.SetDisplayName("bob")

	reply := agg.Reply(&protocol.Envelope{
		Type:            protocol.TypeListUsersRequest,
		RequesterID:     "q-42",
		RequesterServer: "S2",
	})

	assert.Equal(t, protocol.TypeUserList, reply.Type)
	assert.Equal(t, "q-42", reply.RequesterID)
	assert.Equal(t, "S1", reply.Server)
	require.Len(t, reply.Users, 1)
	assert.Equal(t, "bob", reply.Users[0].Name)
}

func TestConcurrentGathersStayIsolated(t *testing.T) {
	agg, reg, relay := newTestAggregator(150 * time.Millisecond)
	reg.RegisterClient(nil)

	results := make(chan []protocol.User, 2)
	go func() { results <- agg.Gather() }()
	go func() { results <- agg.Gather() }()

	require.Eventually(t, func() bool {
		return len(relay.Calls()) == 2
	}, time.Second, 5*time.Millisecond)

	calls := relay.Calls()
	assert.NotEqual(t, calls[0].env.RequesterID, calls[1].env.RequesterID,
		"each query gets its own correlation ID")

	// Reply to only the first query; the second must not see it.
	agg.Absorb(&protocol.Envelope{
		Type:        protocol.TypeUserList,
		RequesterID: calls[0].env.RequesterID,
		Users:       []protocol.User{{ID: "client_b", Name: "bob", Server: "S2"}},
	})

	first := <-results
	second := <-results
	total := len(first) + len(second)
	assert.Equal(t, 3, total, "the peer reply lands in exactly one result")
}
