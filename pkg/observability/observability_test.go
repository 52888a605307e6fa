package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoOp(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	ctx, done := p.TrackOperation(context.Background(), "gate.settle")
	assert.NotNil(t, ctx)
	done(nil)

	_, fail := p.TrackOperation(context.Background(), "gate.settle")
	fail(assert.AnError)

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestMiddlewarePassesThrough(t *testing.T) {
	p, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)

	h := p.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/x402/gate/g1", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, "settld", c.ServiceName)
	assert.Equal(t, 1.0, c.SampleRate)
	assert.True(t, c.Enabled)
}
