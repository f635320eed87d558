package store

// Stores is the top-level container for all storage backends. Backed by
// Postgres when a DSN is configured, SQLite otherwise.
type Stores struct {
	Traces TraceStore
	Users  UserStore

	// Close releases the underlying database handle.
	Close func() error
}

// StoreConfig carries the connection settings the factories need.
type StoreConfig struct {
	PostgresDSN string
	SQLitePath  string
}
