package client

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benleibowitz/meshchat/pkg/protocol"
	"github.com/benleibowitz/meshchat/pkg/server"
)

func startTestServer(t *testing.T, name string) *server.Server {
	t.Helper()

	cfg := server.DefaultConfig()
	cfg.Name = name
	cfg.Port = 0
	cfg.PresenceWindow = 100 * time.Millisecond

	srv := server.NewServer(cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func connect(t *testing.T, srv *server.Server, username string) *Connection {
	t.Helper()

	conn := NewConnection(fmt.Sprintf("127.0.0.1:%d", srv.Port()), username)
	require.NoError(t, conn.Connect())
	t.Cleanup(conn.Close)
	return conn
}

// nextEnvelope waits for the next envelope of the given type, skipping others.
func nextEnvelope(t *testing.T, conn *Connection, want protocol.MessageType) *protocol.Envelope {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-conn.Incoming():
			if env.Type == want {
				return env
			}
		case <-deadline:
			t.Fatalf("no %s envelope arrived", want)
			return nil
		}
	}
}

func TestConnectReceivesIdentity(t *testing.T) {
	srv := startTestServer(t, "TestServer")
	conn := connect(t, srv, "alice")

	assert.Equal(t, StateConnected, conn.State())
	assert.Equal(t, "TestServer", conn.ServerName())
	assert.NotEmpty(t, conn.ClientID())
	assert.Equal(t, "alice", conn.Username())
}

func TestConnectTwiceFails(t *testing.T) {
	srv := startTestServer(t, "TestServer")
	conn := connect(t, srv, "alice")

	assert.Error(t, conn.Connect())
}

func TestConnectRefusedWhenServerDown(t *testing.T) {
	conn := NewConnection("127.0.0.1:1", "alice")
	assert.Error(t, conn.Connect())
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestSendAndReceiveChat(t *testing.T) {
	srv := startTestServer(t, "TestServer")
	alice := connect(t, srv, "alice")
	bob := connect(t, srv, "bob")

	require.NoError(t, alice.SendChat("hello room", ""))

	got := nextEnvelope(t, bob, protocol.TypeChatMessage)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "hello room", got.Content)
	assert.Equal(t, "all", got.To)

	// The sender sees its own broadcast and keeps it in history.
	nextEnvelope(t, alice, protocol.TypeChatMessage)
	require.Eventually(t, func() bool {
		return len(alice.Messages()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "hello room", alice.Messages()[0].Content)
}

func TestDirectChat(t *testing.T) {
	srv := startTestServer(t, "TestServer")
	alice := connect(t, srv, "alice")
	bob := connect(t, srv, "bob")
	carol := connect(t, srv, "carol")

	// bob's set_name must land before alice addresses him.
	require.NoError(t, bob.RequestUsers())
	nextEnvelope(t, bob, protocol.TypeUserList)

	require.NoError(t, alice.SendChat("just for you", "bob"))

	got := nextEnvelope(t, bob, protocol.TypeChatMessage)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "bob", got.To)

	select {
	case env := <-carol.Incoming():
		t.Fatalf("carol should not receive anything, got %s", env.Type)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRequestUsers(t *testing.T) {
	srv := startTestServer(t, "TestServer")
	alice := connect(t, srv, "alice")
	bob := connect(t, srv, "bob")
	_ = bob

	require.NoError(t, alice.RequestUsers())
	list := nextEnvelope(t, alice, protocol.TypeUserList)
	require.Len(t, list.Users, 2)

	require.Eventually(t, func() bool {
		return len(alice.Users()) == 2
	}, time.Second, 10*time.Millisecond)

	names := make(map[string]bool)
	for _, u := range alice.Users() {
		names[u.Name] = true
	}
	assert.True(t, names["alice"])
	assert.True(t, names["bob"])
}

func TestSetName(t *testing.T) {
	srv := startTestServer(t, "TestServer")
	alice := connect(t, srv, "alice")
	bob := connect(t, srv, "bob")

	require.NoError(t, alice.SetName("alicia"))
	assert.Equal(t, "alicia", alice.Username())

	require.NoError(t, alice.SendChat("renamed", ""))
	got := nextEnvelope(t, bob, protocol.TypeChatMessage)
	assert.Equal(t, "alicia", got.From)
}

func TestHistoryIsBounded(t *testing.T) {
	srv := startTestServer(t, "TestServer")
	alice := connect(t, srv, "alice")

	for i := 0; i < historySize+10; i++ {
		require.NoError(t, alice.SendChat(fmt.Sprintf("msg %d", i), ""))
	}

	require.Eventually(t, func() bool {
		msgs := alice.Messages()
		return len(msgs) == historySize && msgs[len(msgs)-1].Content == fmt.Sprintf("msg %d", historySize+9)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerShutdownEndsConnection(t *testing.T) {
	srv := startTestServer(t, "TestServer")
	alice := connect(t, srv, "alice")

	require.NoError(t, srv.Stop())

	select {
	case <-alice.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not notice the server going away")
	}
	assert.Equal(t, StateClosed, alice.State())
	assert.Error(t, alice.Err())
}

func TestLostConnectionStaysClosed(t *testing.T) {
	srv := startTestServer(t, "TestServer")
	alice := connect(t, srv, "alice")

	require.NoError(t, srv.Stop())
	select {
	case <-alice.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not notice the server going away")
	}

	// A dead connection never comes back; Connect is refused before any
	// dial happens.
	assert.Error(t, alice.Connect())
	assert.Equal(t, StateClosed, alice.State())
	assert.Error(t, alice.Err())
}

func TestCloseIsClean(t *testing.T) {
	srv := startTestServer(t, "TestServer")
	alice := connect(t, srv, "alice")

	alice.Close()
	alice.Close()

	assert.Equal(t, StateClosed, alice.State())
	select {
	case <-alice.Done():
	default:
		t.Fatal("Done must be closed after Close")
	}
}

func TestClientEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"bare host port", "localhost:8000", "ws://localhost:8000/ws", false},
		{"ws scheme", "ws://localhost:8000", "ws://localhost:8000/ws", false},
		{"http scheme", "http://localhost:8000", "ws://localhost:8000/ws", false},
		{"https scheme", "https://chat.example.com", "wss://chat.example.com/ws", false},
		{"explicit path kept", "ws://localhost:8000/ws", "ws://localhost:8000/ws", false},
		{"unsupported scheme", "ftp://localhost:8000", "", true},
		{"missing host", "ws://", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := clientEndpoint(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
