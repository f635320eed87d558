package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/omnihub/internal/store"
)

// OpenDB opens (and if needed creates) a SQLite database file.
func OpenDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is single-writer; serialize through one connection.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// NewSQLiteStores creates all stores backed by a standalone SQLite file.
func NewSQLiteStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Traces: NewSQLiteTraceStore(db),
		Users:  NewSQLiteUserStore(db),
		Close:  db.Close,
	}, nil
}

// ensureSchema creates the tables on first open. Postgres deployments use
// golang-migrate instead; standalone SQLite bootstraps itself.
func ensureSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS message_traces (
	trace_id TEXT PRIMARY KEY,
	instance_name TEXT NOT NULL,
	channel_type TEXT NOT NULL,
	sender_id TEXT,
	sender_name TEXT,
	message_id TEXT,
	message_type TEXT,
	has_media INTEGER NOT NULL DEFAULT 0,
	session_name TEXT,
	agent_session_id TEXT,
	status TEXT NOT NULL,
	received_at TIMESTAMP NOT NULL,
	agent_request_at TIMESTAMP,
	agent_response_at TIMESTAMP,
	evolution_send_at TIMESTAMP,
	completed_at TIMESTAMP,
	total_processing_time_ms INTEGER,
	agent_response_success INTEGER,
	evolution_success INTEGER,
	error_message TEXT,
	error_stage TEXT
);
CREATE INDEX IF NOT EXISTS idx_traces_received ON message_traces(received_at);
CREATE INDEX IF NOT EXISTS idx_traces_instance ON message_traces(instance_name, received_at);

CREATE TABLE IF NOT EXISTS trace_payloads (
	id TEXT PRIMARY KEY,
	trace_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	payload_type TEXT NOT NULL,
	status_code INTEGER,
	error_details TEXT,
	payload_compressed BLOB,
	payload_size_bytes INTEGER NOT NULL DEFAULT 0,
	contains_media INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_payloads_trace ON trace_payloads(trace_id, created_at);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	phone_number TEXT,
	whatsapp_jid TEXT,
	instance_name TEXT NOT NULL,
	display_name TEXT,
	last_agent_user_id TEXT,
	last_session_name_interaction TEXT,
	last_seen_at TIMESTAMP,
	message_count INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS user_external_ids (
	user_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	external_id TEXT NOT NULL,
	instance_name TEXT NOT NULL,
	PRIMARY KEY (provider, external_id, instance_name)
);
`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create sqlite schema: %w", err)
	}
	return nil
}
