package client

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// State manages client-side persistent state: the last username and a small
// history of servers this client has spoken to. Chat messages are never
// persisted.
type State struct {
	db *sql.DB
}

// ServerRecord is one remembered server.
type ServerRecord struct {
	URL          string
	ServerName   string
	LastUsedAt   time.Time
	ConnectCount int
}

// OpenState opens or creates the client state database.
func OpenState(path string) (*State, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}

	// One connection is plenty for a client.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	state := &State{db: db}
	if err := state.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return state, nil
}

// Close closes the state database.
func (s *State) Close() error {
	return s.db.Close()
}

func (s *State) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS Config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS ServerHistory (
	server_url TEXT PRIMARY KEY,
	server_name TEXT NOT NULL,
	last_used_at INTEGER NOT NULL,
	connect_count INTEGER NOT NULL DEFAULT 0
);
`
	_, err := s.db.Exec(schema)
	return err
}

// GetConfig retrieves a configuration value. A missing key is not an error.
func (s *State) GetConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM Config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// SetConfig stores a configuration value.
func (s *State) SetConfig(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO Config (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

// LastUsername returns the last used display name, or "".
func (s *State) LastUsername() string {
	username, _ := s.GetConfig("last_username")
	return username
}

// SetLastUsername stores the last used display name.
func (s *State) SetLastUsername(username string) error {
	return s.SetConfig("last_username", username)
}

// RecordServer remembers a successful connection to a server.
func (s *State) RecordServer(serverURL, serverName string) error {
	_, err := s.db.Exec(`
		INSERT INTO ServerHistory (server_url, server_name, last_used_at, connect_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(server_url) DO UPDATE SET
			server_name = excluded.server_name,
			last_used_at = excluded.last_used_at,
			connect_count = connect_count + 1
	`, serverURL, serverName, time.Now().Unix())
	return err
}

// Servers returns the remembered servers, most recently used first.
func (s *State) Servers() ([]ServerRecord, error) {
	rows, err := s.db.Query(`
		SELECT server_url, server_name, last_used_at, connect_count
		FROM ServerHistory
		ORDER BY last_used_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ServerRecord
	for rows.Next() {
		var rec ServerRecord
		var lastUsed int64
		if err := rows.Scan(&rec.URL, &rec.ServerName, &lastUsed, &rec.ConnectCount); err != nil {
			return nil, err
		}
		rec.LastUsedAt = time.Unix(lastUsed, 0)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// LastServer returns the most recently used server URL, or "".
func (s *State) LastServer() string {
	var serverURL string
	err := s.db.QueryRow(`
		SELECT server_url FROM ServerHistory ORDER BY last_used_at DESC LIMIT 1
	`).Scan(&serverURL)
	if err != nil {
		return ""
	}
	return serverURL
}
