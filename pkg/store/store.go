// Package store is the relational persistence layer: one schema per
// deployment, tables keyed by (tenant, primary id), every artifact row
// carrying both its canonical JSON bytes and the derived unique hash column.
// It backs the event log, the idempotency map, the wallet ledger, the gate
// store, and the session store over a single database/sql handle.
//
// The same statements run against Postgres (lib/pq) and SQLite
// (modernc.org/sqlite); both accept $1-style placeholders.
package store

import (
	"context"
	"database/sql"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps the database handle shared by all sub-stores.
type Store struct {
	db *sql.DB

	// walletMu serializes wallet transitions process-wide. Wallets are
	// single-writer during a transition; cross-instance deployments rely on
	// the transition-id unique constraint for at-most-once.
	walletMu sync.Mutex
}

// Open connects using a DATABASE_URL. postgres:// URLs use lib/pq; anything
// else is treated as a SQLite path (":memory:" included).
func Open(databaseURL string) (*Store, error) {
	driver := "sqlite"
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, databaseURL)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle (used by tests with sqlmock).
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the handle.
func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	scope_key TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	body BLOB,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	tenant_id TEXT NOT NULL,
	stream_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	event_id TEXT NOT NULL,
	chain_hash TEXT NOT NULL,
	body BLOB NOT NULL,
	PRIMARY KEY (tenant_id, stream_id, seq)
);

CREATE TABLE IF NOT EXISTS wallets (
	tenant_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	currency TEXT NOT NULL,
	available_cents BIGINT NOT NULL DEFAULT 0,
	escrow_locked_cents BIGINT NOT NULL DEFAULT 0,
	total_debited_cents BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, agent_id, currency)
);

CREATE TABLE IF NOT EXISTS ledger_transitions (
	id TEXT PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS gates (
	tenant_id TEXT NOT NULL,
	gate_id TEXT NOT NULL,
	state TEXT NOT NULL,
	body BLOB NOT NULL,
	PRIMARY KEY (tenant_id, gate_id)
);

CREATE TABLE IF NOT EXISTS escalations (
	tenant_id TEXT NOT NULL,
	escalation_id TEXT NOT NULL,
	body BLOB NOT NULL,
	PRIMARY KEY (tenant_id, escalation_id)
);

CREATE TABLE IF NOT EXISTS reversal_events (
	tenant_id TEXT NOT NULL,
	gate_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	event_hash TEXT NOT NULL UNIQUE,
	body BLOB NOT NULL,
	PRIMARY KEY (tenant_id, gate_id, seq)
);

CREATE TABLE IF NOT EXISTS receipts (
	tenant_id TEXT NOT NULL,
	agreement_hash TEXT NOT NULL,
	receipt_hash TEXT NOT NULL UNIQUE,
	decision_body BLOB NOT NULL,
	receipt_body BLOB NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (tenant_id, agreement_hash)
);

CREATE TABLE IF NOT EXISTS daily_spend (
	tenant_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	day TEXT NOT NULL,
	cents BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, agent_id, day)
);

CREATE TABLE IF NOT EXISTS override_burns (
	jti TEXT PRIMARY KEY,
	burned_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	tenant_id TEXT NOT NULL,
	session_id TEXT NOT NULL,
	body BLOB NOT NULL,
	PRIMARY KEY (tenant_id, session_id)
);
`

// Init creates the schema. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
