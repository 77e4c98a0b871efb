package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benleibowitz/meshchat/pkg/server"
)

func TestResolveConfigFileValuesOnly(t *testing.T) {
	tomlConfig := server.TOMLConfig{
		Server: server.ServerSection{Name: "FromFile", Port: 8100},
		Mesh: server.MeshSection{
			Peers:            []string{"localhost:8101"},
			PresenceWindowMs: 500,
		},
	}

	config := resolveConfig(tomlConfig, 0, "", "")

	assert.Equal(t, "FromFile", config.Name)
	assert.Equal(t, 8100, config.Port)
	assert.Equal(t, []string{"localhost:8101"}, config.Peers)
	assert.Equal(t, 500*time.Millisecond, config.PresenceWindow)
}

func TestResolveConfigFlagsOverrideFile(t *testing.T) {
	tomlConfig := server.TOMLConfig{
		Server: server.ServerSection{Name: "FromFile", Port: 8100},
		Mesh:   server.MeshSection{Peers: []string{"localhost:8101"}},
	}

	config := resolveConfig(tomlConfig, 9000, "FromFlag", "localhost:9001, localhost:9002")

	assert.Equal(t, "FromFlag", config.Name)
	assert.Equal(t, 9000, config.Port)
	assert.Equal(t, []string{"localhost:9001", "localhost:9002"}, config.Peers)
}

func TestResolveConfigDefaults(t *testing.T) {
	config := resolveConfig(server.TOMLConfig{}, 0, "", "")

	defaults := server.DefaultConfig()
	assert.Equal(t, defaults.Name, config.Name)
	assert.Equal(t, defaults.Port, config.Port)
	assert.Empty(t, config.Peers)
	assert.Equal(t, defaults.SendQueueSize, config.SendQueueSize)
}

func TestResolveConfigIsUsableByServer(t *testing.T) {
	config := resolveConfig(server.TOMLConfig{}, 0, "Smoke", "")
	config.Port = 0

	srv := server.NewServer(config)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	assert.NotZero(t, srv.Port())
}
