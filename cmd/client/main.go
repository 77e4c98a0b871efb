package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/benleibowitz/meshchat/pkg/client"
	"github.com/benleibowitz/meshchat/pkg/protocol"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	log.SetFlags(0)

	serverURL := flag.String("server", "", "Server to connect to (e.g., localhost:8000)")
	username := flag.String("username", "", "Display name to register")
	statePath := flag.String("state", "~/.meshchat/client.db", "Path to client state database")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("meshchat client %s\n", Version)
		os.Exit(0)
	}

	state, err := client.OpenState(expandHome(*statePath))
	if err != nil {
		log.Fatalf("Failed to open state database: %v", err)
	}
	defer state.Close()

	server := *serverURL
	if server == "" {
		server = state.LastServer()
	}
	if server == "" {
		log.Fatal("No server given. Use -server host:port")
	}

	name := *username
	if name == "" {
		name = state.LastUsername()
	}
	if name == "" {
		name = "guest_" + uuid.NewString()[:8]
	}

	conn := client.NewConnection(server, name)
	if *debug {
		conn.SetLogger(log.New(os.Stderr, "DEBUG: ", log.LstdFlags|log.Lmicroseconds))
	}

	if err := conn.Connect(); err != nil {
		log.Fatalf("Failed to connect to %s: %v", server, err)
	}
	defer conn.Close()

	if err := state.RecordServer(server, conn.ServerName()); err != nil {
		log.Printf("Warning: failed to record server: %v", err)
	}
	if err := state.SetLastUsername(name); err != nil {
		log.Printf("Warning: failed to remember username: %v", err)
	}

	fmt.Printf("Connected to %s as %s (%s)\n", conn.ServerName(), name, conn.ClientID())
	fmt.Println("Commands: /name <name>, /users, /msg <to> <text>, /quit. Anything else is broadcast.")

	go printIncoming(conn)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case <-conn.Done():
			log.Fatalf("Connection lost: %v", conn.Err())
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !handleLine(conn, state, line) {
			return
		}
	}

	select {
	case <-conn.Done():
		if err := conn.Err(); err != nil {
			log.Fatalf("Connection lost: %v", err)
		}
	default:
	}
}

// handleLine executes one input line. It returns false when the session is
// over.
func handleLine(conn *client.Connection, state *client.State, line string) bool {
	switch {
	case line == "/quit":
		return false

	case line == "/users":
		if err := conn.RequestUsers(); err != nil {
			fmt.Printf("! %v\n", err)
		}

	case strings.HasPrefix(line, "/name "):
		name := strings.TrimSpace(strings.TrimPrefix(line, "/name "))
		if name == "" {
			fmt.Println("! usage: /name <name>")
			return true
		}
		if err := conn.SetName(name); err != nil {
			fmt.Printf("! %v\n", err)
			return true
		}
		state.SetLastUsername(name)
		fmt.Printf("* you are now %s\n", name)

	case strings.HasPrefix(line, "/msg "):
		rest := strings.TrimPrefix(line, "/msg ")
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) < 2 {
			fmt.Println("! usage: /msg <to> <text>")
			return true
		}
		if err := conn.SendChat(parts[1], parts[0]); err != nil {
			fmt.Printf("! %v\n", err)
		}

	case strings.HasPrefix(line, "/"):
		fmt.Printf("! unknown command %s\n", strings.Fields(line)[0])

	default:
		if err := conn.SendChat(line, ""); err != nil {
			fmt.Printf("! %v\n", err)
		}
	}
	return true
}

// printIncoming renders server envelopes as they arrive.
func printIncoming(conn *client.Connection) {
	for env := range conn.Incoming() {
		switch env.Type {
		case protocol.TypeChatMessage:
			stamp := env.Timestamp.Local().Format("15:04:05")
			if env.To != protocol.BroadcastTarget {
				fmt.Printf("[%s] %s (direct): %s\n", stamp, env.From, env.Content)
			} else {
				fmt.Printf("[%s] %s: %s\n", stamp, env.From, env.Content)
			}

		case protocol.TypeUserList:
			fmt.Printf("* %d user(s) online:\n", len(env.Users))
			for _, u := range env.Users {
				fmt.Printf("    %s (%s) on %s\n", u.Name, u.ID, u.Server)
			}

		case protocol.TypeError:
			fmt.Printf("! server: %s\n", env.Message)
		}
	}
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
