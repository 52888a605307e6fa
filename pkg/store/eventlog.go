package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/settld-labs/settld/pkg/canonical"
	"github.com/settld-labs/settld/pkg/eventlog"
)

// EventStore implements eventlog.Store over SQL. Appends run inside a
// transaction so the head check and the insert commit together; the
// (tenant, stream, seq) primary key rejects concurrent winners.
type EventStore struct {
	s *Store
}

// Events returns the event sub-store.
func (s *Store) Events() *EventStore { return &EventStore{s: s} }

// Head implements eventlog.Store.
func (e *EventStore) Head(ctx context.Context, tenantID, streamID string) (string, error) {
	var head string
	err := e.s.db.QueryRowContext(ctx,
		`SELECT chain_hash FROM events WHERE tenant_id = $1 AND stream_id = $2 ORDER BY seq DESC LIMIT 1`,
		tenantID, streamID).Scan(&head)
	if errors.Is(err, sql.ErrNoRows) {
		return eventlog.GenesisHash, nil
	}
	if err != nil {
		return "", err
	}
	return head, nil
}

// AppendIfHead implements eventlog.Store.
func (e *EventStore) AppendIfHead(ctx context.Context, tenantID string, ev *eventlog.Event, expectedPrev string) (string, error) {
	body, err := canonical.Marshal(ev)
	if err != nil {
		return "", err
	}

	tx, err := e.s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	head := eventlog.GenesisHash
	seq := 0
	var lastSeq int
	var lastHash string
	err = tx.QueryRowContext(ctx,
		`SELECT seq, chain_hash FROM events WHERE tenant_id = $1 AND stream_id = $2 ORDER BY seq DESC LIMIT 1`,
		tenantID, ev.StreamID).Scan(&lastSeq, &lastHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return "", err
	default:
		head = lastHash
		seq = lastSeq + 1
	}

	if head != expectedPrev {
		return head, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (tenant_id, stream_id, seq, event_id, chain_hash, body) VALUES ($1, $2, $3, $4, $5, $6)`,
		tenantID, ev.StreamID, seq, ev.ID, ev.ChainHash, body); err != nil {
		return "", err
	}
	return "", tx.Commit()
}

// Events implements eventlog.Store.
func (e *EventStore) Events(ctx context.Context, tenantID, streamID string) ([]*eventlog.Event, error) {
	rows, err := e.s.db.QueryContext(ctx,
		`SELECT body FROM events WHERE tenant_id = $1 AND stream_id = $2 ORDER BY seq ASC`,
		tenantID, streamID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*eventlog.Event
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var ev eventlog.Event
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, err
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
