package rail

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reserveReq = ReserveRequest{
	TenantID:       "t-acme",
	GateID:         "gate-1",
	AmountCents:    2500,
	Currency:       "USD",
	IdempotencyKey: "gate-1",
}

func TestStub_ReserveIsIdempotent(t *testing.T) {
	s := NewStubAdapter()
	ctx := context.Background()

	r1, err := s.Reserve(ctx, reserveReq)
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, r1.Status)
	require.NotEmpty(t, r1.ReserveID)

	r2, err := s.Reserve(ctx, reserveReq)
	require.NoError(t, err)
	assert.Equal(t, r1.ReserveID, r2.ReserveID)
}

func TestStub_Decline(t *testing.T) {
	s := NewStubAdapter()
	s.DeclineNext(1)

	r, err := s.Reserve(context.Background(), reserveReq)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, r.Status)
	assert.Empty(t, r.ReserveID)

	// A declined key is not burned; the retry reserves.
	r, err = s.Reserve(context.Background(), reserveReq)
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, r.Status)
}

func TestStub_VoidMethods(t *testing.T) {
	s := NewStubAdapter()
	ctx := context.Background()

	r, err := s.Reserve(ctx, reserveReq)
	require.NoError(t, err)

	v, err := s.Void(ctx, VoidRequest{ReserveID: r.ReserveID, IdempotencyKey: "void-1"})
	require.NoError(t, err)
	assert.Equal(t, VoidMethodCancel, v.Method)

	v, err = s.Void(ctx, VoidRequest{ReserveID: r.ReserveID, IdempotencyKey: "void-1"})
	require.NoError(t, err)
	assert.Equal(t, VoidMethodAlreadyTerminal, v.Method)
}

func TestStub_VoidAfterReleaseCompensates(t *testing.T) {
	s := NewStubAdapter()
	ctx := context.Background()

	r, err := s.Reserve(ctx, reserveReq)
	require.NoError(t, err)
	_, err = s.Release(ctx, ReleaseRequest{ReserveID: r.ReserveID, IdempotencyKey: "rel-1"})
	require.NoError(t, err)

	v, err := s.Void(ctx, VoidRequest{ReserveID: r.ReserveID, IdempotencyKey: "void-1"})
	require.NoError(t, err)
	assert.Equal(t, VoidMethodCompensate, v.Method)
}

func TestStub_DroppedOutcomeReconciles(t *testing.T) {
	s := NewStubAdapter()
	ctx := context.Background()
	s.DropNext(1)

	_, err := s.Reserve(ctx, reserveReq)
	require.ErrorIs(t, err, ErrNeedsReconciliation)

	// The rail committed the hold; a status read resolves it.
	id, ok := s.FindByKey(reserveReq.IdempotencyKey)
	require.True(t, ok)
	st, err := s.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, st.State)

	// The idempotent retry converges on the same reserve.
	r, err := s.Reserve(ctx, reserveReq)
	require.NoError(t, err)
	assert.Equal(t, id, r.ReserveID)
}

func TestStub_UnknownReserve(t *testing.T) {
	s := NewStubAdapter()
	_, err := s.GetStatus(context.Background(), "rsv_missing")
	assert.ErrorIs(t, err, ErrReserveNotFound)
}

func TestHTTPAdapter_ReserveCarriesIdempotencyKey(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Idempotency-Key")
		require.Equal(t, "/v1/reserves", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(ReserveResult{Status: StatusReserved, ReserveID: "rsv_http"})
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, "test-key")
	r, err := a.Reserve(context.Background(), reserveReq)
	require.NoError(t, err)
	assert.Equal(t, "rsv_http", r.ReserveID)
	assert.Equal(t, reserveReq.IdempotencyKey, gotKey)
}

func TestHTTPAdapter_ServerErrorNeedsReconciliation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewHTTPAdapter(srv.URL, "test-key")
	_, err := a.Reserve(context.Background(), reserveReq)
	assert.ErrorIs(t, err, ErrNeedsReconciliation)
}

func TestNew_ModeSelection(t *testing.T) {
	a, err := New(Config{Mode: ModeStub})
	require.NoError(t, err)
	assert.IsType(t, &StubAdapter{}, a)

	_, err = New(Config{Mode: ModeProduction})
	require.Error(t, err)

	a, err = New(Config{Mode: ModeSandbox, BaseURL: "https://rail.example", APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPAdapter{}, a)

	_, err = New(Config{Mode: "weird"})
	assert.Error(t, err)
}
