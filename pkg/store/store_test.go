package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld/pkg/eventlog"
	"github.com/settld-labs/settld/pkg/gate"
	"github.com/settld-labs/settld/pkg/idempotency"
	"github.com/settld-labs/settld/pkg/ledger"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestIdempotency_LookupMiss(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT fingerprint, status_code, body, created_at FROM idempotency_keys`)).
		WithArgs("t-acme|POST|/x402/gate/create|k1").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "status_code", "body", "created_at"}))

	rec, err := s.Idempotency().Lookup(context.Background(), idempotency.Key{
		TenantID: "t-acme", Method: "POST", Path: "/x402/gate/create", ClientKey: "k1", Fingerprint: "fp1",
	})
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIdempotency_PutIfAbsentLosesRace(t *testing.T) {
	s, mock := newMock(t)
	key := idempotency.Key{TenantID: "t-acme", Method: "POST", Path: "/p", ClientKey: "k1", Fingerprint: "fp1"}

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO idempotency_keys`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT fingerprint, status_code, body, created_at FROM idempotency_keys`)).
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "status_code", "body", "created_at"}).
			AddRow("fp1", 201, []byte(`{"ok":true}`), time.Now()))

	winner, err := s.Idempotency().PutIfAbsent(context.Background(), key, &idempotency.Record{
		StatusCode: 201, Body: []byte(`{"ok":true}`), Fingerprint: "fp1",
	})
	require.NoError(t, err)
	require.NotNil(t, winner)
	assert.Equal(t, "fp1", winner.Fingerprint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWallets_TransactReplayIsNoOp(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ledger_transitions`)).
		WithArgs("settle/abc", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	applied, err := s.Wallets().Transact(context.Background(), "settle/abc",
		[]ledger.WalletKey{{TenantID: "t-acme", AgentID: "payer", Currency: "USD"}},
		func(map[ledger.WalletKey]*ledger.Wallet) error {
			t.Fatal("fn must not run on replay")
			return nil
		})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWallets_TransactCommitsWalletRows(t *testing.T) {
	s, mock := newMock(t)
	key := ledger.WalletKey{TenantID: "t-acme", AgentID: "payer", Currency: "USD"}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO ledger_transitions`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT available_cents, escrow_locked_cents, total_debited_cents FROM wallets`)).
		WithArgs("t-acme", "payer", "USD").
		WillReturnRows(sqlmock.NewRows([]string{"available_cents", "escrow_locked_cents", "total_debited_cents"}).
			AddRow(10000, 0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO wallets`)).
		WithArgs("t-acme", "payer", "USD", int64(7500), int64(2500), int64(0)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	applied, err := s.Wallets().Transact(context.Background(), "gate/g1/lock",
		[]ledger.WalletKey{key},
		func(wallets map[ledger.WalletKey]*ledger.Wallet) error {
			return ledger.Apply(wallets, ledger.Transition{
				ID:    "gate/g1/lock",
				Moves: []ledger.Move{{Kind: ledger.MoveLock, Wallet: key, AmountCents: 2500}},
			})
		})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWallets_GetMissingIsZeroed(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT available_cents, escrow_locked_cents, total_debited_cents FROM wallets`)).
		WillReturnRows(sqlmock.NewRows([]string{"available_cents", "escrow_locked_cents", "total_debited_cents"}))

	w, err := s.Wallets().Get(context.Background(), ledger.WalletKey{TenantID: "t", AgentID: "a", Currency: "USD"})
	require.NoError(t, err)
	assert.Zero(t, w.AvailableCents)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEvents_HeadOfEmptyStreamIsGenesis(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT chain_hash FROM events`)).
		WithArgs("t-acme", "sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"chain_hash"}))

	head, err := s.Events().Head(context.Background(), "t-acme", "sess-1")
	require.NoError(t, err)
	assert.Equal(t, eventlog.GenesisHash, head)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEvents_AppendIfHeadReportsStaleHead(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT seq, chain_hash FROM events`)).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "chain_hash"}).AddRow(3, "head-3"))
	mock.ExpectRollback()

	observed, err := s.Events().AppendIfHead(context.Background(), "t-acme",
		&eventlog.Event{V: 1, StreamID: "sess-1", ChainHash: "x"}, eventlog.GenesisHash)
	require.NoError(t, err)
	assert.Equal(t, "head-3", observed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGates_GetReceiptNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT decision_body, receipt_body FROM receipts`)).
		WithArgs("t-acme", "abc").
		WillReturnRows(sqlmock.NewRows([]string{"decision_body", "receipt_body"}))

	_, _, err := s.Gates().GetReceipt("t-acme", "abc")
	assert.ErrorIs(t, err, gate.ErrReceiptNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGates_ReceiptsQueryIsTenantScoped(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT receipt_body FROM receipts WHERE tenant_id = $1 ORDER BY created_at ASC LIMIT $2`)).
		WithArgs("t-acme", 5).
		WillReturnRows(sqlmock.NewRows([]string{"receipt_body"}).
			AddRow([]byte(`{"receiptId":"r1"}`)))

	out, err := s.Gates().Receipts("t-acme", 5)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "r1", out[0].ReceiptID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDailySpend_MissingRowIsZero(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT cents FROM daily_spend`)).
		WithArgs("t-acme", "agent-payer", "2026-03-01").
		WillReturnRows(sqlmock.NewRows([]string{"cents"}))

	cents, err := s.DailySpend().SpentToday("t-acme", "agent-payer",
		time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, cents)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOverrideBurns_ReplayLosesTheRow(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO override_burns`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM override_burns`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	first, err := s.OverrideBurns().Burn("jti-1", now)
	require.NoError(t, err)
	assert.True(t, first)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO override_burns`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM override_burns`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	again, err := s.OverrideBurns().Burn("jti-1", now)
	require.NoError(t, err)
	assert.False(t, again)
	assert.NoError(t, mock.ExpectationsWereMet())
}
