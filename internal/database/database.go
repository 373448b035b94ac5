package database

import (
	"database/sql"
	"fmt"
	"log"
	"sync/atomic"

	_ "modernc.org/sqlite"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
}

var memoryDBCounter int64

// New creates a new SQLite database connection. Pass ":memory:" for an
// ephemeral database (used by tests).
func New(path string) (*DB, error) {
	dsn := path
	if path == ":memory:" {
		// Each open gets its own named in-memory database. Shared cache
		// keeps it alive across pooled connections.
		dsn = fmt.Sprintf("file:mem%d?mode=memory&cache=shared", atomic.AddInt64(&memoryDBCounter, 1))
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent turn processing. The idle connection is kept open
	// so in-memory databases survive between queries.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	log.Println("✅ SQLite database connected")

	return &DB{db}, nil
}

// Initialize creates all required tables
func (db *DB) Initialize() error {
	log.Println("🔍 Checking database schema...")

	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'user',
			allow_memory_storage INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS rooms (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			owner_user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			conversation_handle TEXT NOT NULL DEFAULT '',
			knowledge_base_handle TEXT NOT NULL DEFAULT '',
			specialization_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rooms_owner ON rooms(owner_user_id)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			room_id INTEGER NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
			author_user_id TEXT,
			text TEXT NOT NULL,
			response_handle TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_room ON turns(room_id, id)`,
		`CREATE TABLE IF NOT EXISTS resources (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner_user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			storage_path TEXT NOT NULL,
			file_name TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			mime_type TEXT NOT NULL,
			remote_file_handle TEXT,
			generated INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS turn_resources (
			turn_id INTEGER NOT NULL REFERENCES turns(id) ON DELETE CASCADE,
			resource_id INTEGER NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
			position INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (turn_id, resource_id)
		)`,
		`CREATE TABLE IF NOT EXISTS user_contexts (
			user_id TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
			facts TEXT NOT NULL DEFAULT '{}',
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}

	log.Println("✅ Database initialized successfully")
	return nil
}
