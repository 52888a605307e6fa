package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// DailySpendStore implements gate.DailySpendTracker on the relational
// store, so daily-cap accounting survives restarts.
type DailySpendStore struct {
	s *Store
}

// DailySpend returns the daily spend sub-store.
func (s *Store) DailySpend() *DailySpendStore { return &DailySpendStore{s: s} }

func dayKey(day time.Time) string { return day.UTC().Format("2006-01-02") }

// SpentToday implements gate.DailySpendTracker.
func (d *DailySpendStore) SpentToday(tenantID, agentID string, day time.Time) (int64, error) {
	var cents int64
	err := d.s.db.QueryRowContext(context.Background(),
		`SELECT cents FROM daily_spend WHERE tenant_id = $1 AND agent_id = $2 AND day = $3`,
		tenantID, agentID, dayKey(day)).Scan(&cents)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cents, nil
}

// Record implements gate.DailySpendTracker.
func (d *DailySpendStore) Record(tenantID, agentID string, day time.Time, cents int64) error {
	_, err := d.s.db.ExecContext(context.Background(),
		`INSERT INTO daily_spend (tenant_id, agent_id, day, cents) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, agent_id, day) DO UPDATE SET cents = daily_spend.cents + EXCLUDED.cents`,
		tenantID, agentID, dayKey(day), cents)
	return err
}

// OverrideBurnStore implements gate.OverrideBurns on the relational store.
// A burned override token stays burned across restarts.
type OverrideBurnStore struct {
	s *Store
}

// OverrideBurns returns the override burn sub-store.
func (s *Store) OverrideBurns() *OverrideBurnStore { return &OverrideBurnStore{s: s} }

// burnRetention keeps burned jtis long past the override token lifetime.
const burnRetention = 24 * time.Hour

// Burn implements gate.OverrideBurns. The insert's conflict target is the
// jti primary key, so exactly one caller ever sees a row count of one.
func (b *OverrideBurnStore) Burn(jti string, now time.Time) (bool, error) {
	res, err := b.s.db.ExecContext(context.Background(),
		`INSERT INTO override_burns (jti, burned_at) VALUES ($1, $2) ON CONFLICT (jti) DO NOTHING`,
		jti, now.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	_, _ = b.s.db.ExecContext(context.Background(),
		`DELETE FROM override_burns WHERE burned_at < $1`, now.UTC().Add(-burnRetention))
	return n > 0, nil
}
