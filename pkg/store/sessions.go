package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/settld-labs/settld/pkg/canonical"
	"github.com/settld-labs/settld/pkg/sessions"
)

// SessionStore implements sessions.Store.
type SessionStore struct {
	s *Store
}

// Sessions returns the session sub-store.
func (s *Store) Sessions() *SessionStore { return &SessionStore{s: s} }

// Put implements sessions.Store.
func (st *SessionStore) Put(ctx context.Context, sess *sessions.Session) error {
	body, err := canonical.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = st.s.db.ExecContext(ctx,
		`INSERT INTO sessions (tenant_id, session_id, body) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, session_id) DO UPDATE SET body = EXCLUDED.body`,
		sess.TenantID, sess.ID, body)
	return err
}

// Get implements sessions.Store.
func (st *SessionStore) Get(ctx context.Context, tenantID, sessionID string) (*sessions.Session, error) {
	var body []byte
	err := st.s.db.QueryRowContext(ctx,
		`SELECT body FROM sessions WHERE tenant_id = $1 AND session_id = $2`,
		tenantID, sessionID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sessions.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var out sessions.Session
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
