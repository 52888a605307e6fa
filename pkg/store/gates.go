package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/settld-labs/settld/pkg/canonical"
	"github.com/settld-labs/settld/pkg/gate"
	"github.com/settld-labs/settld/pkg/settlement"
)

// GateStore implements gate.Store. Gates, escalations, reversal events, and
// receipts are stored as canonical JSON bodies beside their key and hash
// columns.
type GateStore struct {
	s *Store
}

// Gates returns the gate sub-store.
func (s *Store) Gates() *GateStore { return &GateStore{s: s} }

// Get implements gate.Store.
func (g *GateStore) Get(tenantID, gateID string) (*gate.Gate, error) {
	var body []byte
	err := g.s.db.QueryRowContext(context.Background(),
		`SELECT body FROM gates WHERE tenant_id = $1 AND gate_id = $2`,
		tenantID, gateID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &gate.TransitionError{Code: gate.CodeGateNotFound, GateID: gateID}
	}
	if err != nil {
		return nil, err
	}
	var out gate.Gate
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Put implements gate.Store.
func (g *GateStore) Put(gt *gate.Gate) error {
	body, err := canonical.Marshal(gt)
	if err != nil {
		return err
	}
	_, err = g.s.db.ExecContext(context.Background(),
		`INSERT INTO gates (tenant_id, gate_id, state, body) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, gate_id) DO UPDATE SET state = EXCLUDED.state, body = EXCLUDED.body`,
		gt.TenantID, gt.ID, string(gt.State), body)
	return err
}

// PutEscalation implements gate.Store.
func (g *GateStore) PutEscalation(e *gate.Escalation) error {
	body, err := canonical.Marshal(e)
	if err != nil {
		return err
	}
	_, err = g.s.db.ExecContext(context.Background(),
		`INSERT INTO escalations (tenant_id, escalation_id, body) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, escalation_id) DO UPDATE SET body = EXCLUDED.body`,
		e.TenantID, e.ID, body)
	return err
}

// GetEscalation implements gate.Store.
func (g *GateStore) GetEscalation(tenantID, id string) (*gate.Escalation, error) {
	var body []byte
	err := g.s.db.QueryRowContext(context.Background(),
		`SELECT body FROM escalations WHERE tenant_id = $1 AND escalation_id = $2`,
		tenantID, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &gate.TransitionError{Code: gate.CodeGateNotFound, Detail: "escalation " + id}
	}
	if err != nil {
		return nil, err
	}
	var out gate.Escalation
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AppendReversal implements gate.Store.
func (g *GateStore) AppendReversal(tenantID, gateID string, e *gate.ReversalEvent) error {
	body, err := canonical.Marshal(e)
	if err != nil {
		return err
	}
	ctx := context.Background()
	tx, err := g.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	seq := 0
	var last int
	err = tx.QueryRowContext(ctx,
		`SELECT seq FROM reversal_events WHERE tenant_id = $1 AND gate_id = $2 ORDER BY seq DESC LIMIT 1`,
		tenantID, gateID).Scan(&last)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return err
	default:
		seq = last + 1
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reversal_events (tenant_id, gate_id, seq, event_hash, body) VALUES ($1, $2, $3, $4, $5)`,
		tenantID, gateID, seq, e.EventHash, body); err != nil {
		return err
	}
	return tx.Commit()
}

// Reversals implements gate.Store.
func (g *GateStore) Reversals(tenantID, gateID string) ([]*gate.ReversalEvent, error) {
	rows, err := g.s.db.QueryContext(context.Background(),
		`SELECT body FROM reversal_events WHERE tenant_id = $1 AND gate_id = $2 ORDER BY seq ASC`,
		tenantID, gateID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*gate.ReversalEvent
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var e gate.ReversalEvent
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// PutReceipt implements gate.Store. The first write for an agreement wins.
func (g *GateStore) PutReceipt(tenantID, agreementHash string, d *settlement.DecisionRecord, r *settlement.SettlementReceipt) error {
	decisionBody, err := canonical.Marshal(d)
	if err != nil {
		return err
	}
	receiptBody, err := canonical.Marshal(r)
	if err != nil {
		return err
	}
	_, err = g.s.db.ExecContext(context.Background(),
		`INSERT INTO receipts (tenant_id, agreement_hash, receipt_hash, decision_body, receipt_body, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (tenant_id, agreement_hash) DO NOTHING`,
		tenantID, agreementHash, r.ReceiptHash, decisionBody, receiptBody, time.Now().UTC())
	return err
}

// GetReceipt implements gate.Store.
func (g *GateStore) GetReceipt(tenantID, agreementHash string) (*settlement.DecisionRecord, *settlement.SettlementReceipt, error) {
	var decisionBody, receiptBody []byte
	err := g.s.db.QueryRowContext(context.Background(),
		`SELECT decision_body, receipt_body FROM receipts WHERE tenant_id = $1 AND agreement_hash = $2`,
		tenantID, agreementHash).Scan(&decisionBody, &receiptBody)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, gate.ErrReceiptNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	var d settlement.DecisionRecord
	var r settlement.SettlementReceipt
	if err := json.Unmarshal(decisionBody, &d); err != nil {
		return nil, nil, err
	}
	if err := json.Unmarshal(receiptBody, &r); err != nil {
		return nil, nil, err
	}
	return &d, &r, nil
}

// Receipts lists one tenant's receipts in insertion order, capped at limit
// when > 0. An empty tenant id lists every tenant's receipts, the archive
// exporter's view.
func (g *GateStore) Receipts(tenantID string, limit int) ([]*settlement.SettlementReceipt, error) {
	q := `SELECT receipt_body FROM receipts`
	args := []any{}
	if tenantID != "" {
		q += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	q += ` ORDER BY created_at ASC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, limit)
	}
	rows, err := g.s.db.QueryContext(context.Background(), q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*settlement.SettlementReceipt
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r settlement.SettlementReceipt
		if err := json.Unmarshal(body, &r); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
