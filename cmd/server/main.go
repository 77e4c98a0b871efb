package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/benleibowitz/meshchat/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := flag.String("config", "~/.meshchat/server.toml", "Path to config file")
	port := flag.Int("port", 0, "Port to listen on (overrides config)")
	name := flag.String("name", "", "Server name announced to clients and peers (overrides config)")
	connect := flag.String("connect", "", "Comma-separated peer servers to link to (e.g., localhost:8001,localhost:8002)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("meshchat server %s\n", Version)
		os.Exit(0)
	}

	// Load configuration (creates default if not found)
	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	config := resolveConfig(tomlConfig, *port, *name, *connect)

	srv := server.NewServer(config)
	if *debug {
		srv.EnableDebugLogging()
		log.Printf("Debug logging enabled")
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	log.Printf("meshchat server %s started successfully", Version)
	log.Printf("Name: %s", config.Name)
	log.Printf("Clients: ws://localhost:%d/ws", srv.Port())
	log.Printf("Peers: ws://localhost:%d/mesh", srv.Port())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}

// resolveConfig turns the config file into the runtime configuration, with
// command-line flags taking precedence over file values.
func resolveConfig(tomlConfig server.TOMLConfig, port int, name, connect string) server.Config {
	config := tomlConfig.ToConfig()

	if port != 0 {
		config.Port = port
	}
	if name != "" {
		config.Name = name
	}
	if connect != "" {
		config.Peers = nil
		for _, peer := range strings.Split(connect, ",") {
			peer = strings.TrimSpace(peer)
			if peer != "" {
				config.Peers = append(config.Peers, peer)
			}
		}
	}

	return config
}
