package main

import (
	"database/sql"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"pixelverse-relay/protocol"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// SessionRow is one entry of the connection history.
type SessionRow struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	RemoteAddr     string    `json:"remoteAddr"`
	Codec          string    `json:"codec"`
	Resumed        bool      `json:"resumed"`
	ConnectedAt    time.Time `json:"connectedAt"`
	DisconnectedAt time.Time `json:"disconnectedAt,omitempty"`
	LastX          float64   `json:"lastX"`
	LastY          float64   `json:"lastY"`
	LastZ          float64   `json:"lastZ"`
}

// OpenDB opens (or creates) the SQLite database
func OpenDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates tables if they don't exist
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		row_id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		remote_addr TEXT NOT NULL DEFAULT '',
		codec TEXT NOT NULL DEFAULT 'json',
		resumed INTEGER NOT NULL DEFAULT 0,
		connected_at DATETIME NOT NULL,
		disconnected_at DATETIME,
		last_x REAL NOT NULL DEFAULT 0,
		last_y REAL NOT NULL DEFAULT 0,
		last_z REAL NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS analytics_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		session_id TEXT,
		data TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_session ON sessions(session_id);
	CREATE INDEX IF NOT EXISTS idx_analytics_type_time ON analytics_events(event_type, created_at);
	`
	_, err := db.conn.Exec(schema)
	if err != nil {
		log.Printf("relay: DB migration error: %v", err)
	}
	return err
}

// GetSetting returns a stored setting, or "" when absent.
func (db *DB) GetSetting(key string) string {
	var value string
	err := db.conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		return ""
	}
	return value
}

// SetSetting stores a setting, replacing any previous value.
func (db *DB) SetSetting(key, value string) error {
	_, err := db.conn.Exec(
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value,
	)
	return err
}

// RecordSessionStart adds a history row for a newly active session.
func (db *DB) RecordSessionStart(view protocol.PlayerView, remoteAddr, codec string, resumed bool) error {
	_, err := db.conn.Exec(
		`INSERT INTO sessions (session_id, name, remote_addr, codec, resumed, connected_at, last_x, last_y, last_z)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		view.ID, view.Name, remoteAddr, codec, resumed,
		time.UnixMilli(view.ConnectedAt).UTC(),
		view.Position.X, view.Position.Y, view.Position.Z,
	)
	return err
}

// RecordSessionEnd closes the open history row of a session.
func (db *DB) RecordSessionEnd(view protocol.PlayerView, at time.Time) error {
	_, err := db.conn.Exec(
		`UPDATE sessions SET disconnected_at = ?, name = ?, last_x = ?, last_y = ?, last_z = ?
		 WHERE row_id = (
			SELECT row_id FROM sessions
			WHERE session_id = ? AND disconnected_at IS NULL
			ORDER BY row_id DESC LIMIT 1
		 )`,
		at.UTC(), view.Name, view.Position.X, view.Position.Y, view.Position.Z, view.ID,
	)
	return err
}

// RecentSessions returns the newest history rows first.
func (db *DB) RecentSessions(limit int) ([]SessionRow, error) {
	rows, err := db.conn.Query(`
		SELECT session_id, name, remote_addr, codec, resumed, connected_at, disconnected_at, last_x, last_y, last_z
		FROM sessions ORDER BY row_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SessionRow
	for rows.Next() {
		var r SessionRow
		var ended sql.NullTime
		if err := rows.Scan(&r.ID, &r.Name, &r.RemoteAddr, &r.Codec, &r.Resumed, &r.ConnectedAt, &ended, &r.LastX, &r.LastY, &r.LastZ); err != nil {
			return nil, err
		}
		if ended.Valid {
			r.DisconnectedAt = ended.Time
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
