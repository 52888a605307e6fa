package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lenientLatency() *Profile {
	return &Profile{
		Name:                       "lenient-latency",
		Version:                    1,
		MaxDailyAuthorizationCents: 300,
		EscalationRules: []Rule{
			{Code: "X402_DAILY_CAP_EXCEEDED", Expr: "spentTodayCents + amountCents > maxDailyAuthorizationCents"},
			{Code: "X402_SELF_DEALING", Expr: "agentId == counterpartyAgentId"},
		},
		PartialBands: []Band{{Check: "latency", ReleaseRatePct: 40}},
	}
}

func TestRegistry_LookupAndDefault(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(lenientLatency()))

	p, err := r.Lookup("")
	require.NoError(t, err)
	assert.Equal(t, DefaultProfileName, p.Name)

	p, err = r.Lookup("lenient-latency")
	require.NoError(t, err)
	assert.Equal(t, int64(300), p.MaxDailyAuthorizationCents)

	_, err = r.Lookup("nope")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestProfile_PartialPct(t *testing.T) {
	p := lenientLatency()

	pct, soft := p.PartialPct([]string{"latency"})
	assert.True(t, soft)
	assert.Equal(t, 40, pct)

	// A failed check without a band makes the failure hard.
	_, soft = p.PartialPct([]string{"latency", "output"})
	assert.False(t, soft)

	pct, soft = p.PartialPct(nil)
	assert.True(t, soft)
	assert.Equal(t, 100, pct)
}

func TestProfile_FingerprintPinsContent(t *testing.T) {
	a := lenientLatency()
	b := lenientLatency()

	fa, err := a.Fingerprint()
	require.NoError(t, err)
	fb, err := b.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fa, fb)

	b.PartialBands[0].ReleaseRatePct = 60
	fb2, err := b.Fingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, fa, fb2)
}

func TestEngine_FirstTripWins(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)
	p := lenientLatency()

	trip, err := e.Evaluate(p, AuthorizationInput{
		AmountCents:                300,
		SpentTodayCents:            0,
		MaxDailyAuthorizationCents: p.MaxDailyAuthorizationCents,
		AgentID:                    "a",
		CounterpartyAgentID:        "a",
	})
	require.NoError(t, err)
	require.NotNil(t, trip)
	// amount == cap does not trip the cap rule; self-dealing fires.
	assert.Equal(t, "X402_SELF_DEALING", trip.Code)

	trip, err = e.Evaluate(p, AuthorizationInput{
		AmountCents:                301,
		MaxDailyAuthorizationCents: p.MaxDailyAuthorizationCents,
		AgentID:                    "a",
		CounterpartyAgentID:        "a",
	})
	require.NoError(t, err)
	require.NotNil(t, trip)
	assert.Equal(t, "X402_DAILY_CAP_EXCEEDED", trip.Code)
}

func TestEngine_CleanPass(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)

	trip, err := e.Evaluate(lenientLatency(), AuthorizationInput{
		AmountCents:                100,
		MaxDailyAuthorizationCents: 300,
		AgentID:                    "a",
		CounterpartyAgentID:        "b",
	})
	require.NoError(t, err)
	assert.Nil(t, trip)
}

func TestEngine_BrokenRuleFailsClosed(t *testing.T) {
	e, err := NewEngine()
	require.NoError(t, err)
	p := &Profile{Name: "broken", EscalationRules: []Rule{{Code: "BROKEN", Expr: "no_such_var > 1"}}}

	trip, err := e.Evaluate(p, AuthorizationInput{})
	require.Error(t, err)
	require.NotNil(t, trip)
	assert.Equal(t, "BROKEN", trip.Code)
}

func TestRegistry_LoadDir(t *testing.T) {
	dir := t.TempDir()
	doc := []byte(`
name: strict
version: 2
maxDailyAuthorizationCents: 1000
requireExternalReserve: true
escalationRules:
  - code: X402_DAILY_CAP_EXCEEDED
    expr: spentTodayCents + amountCents > maxDailyAuthorizationCents
partialBands: []
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policy_strict.yaml"), doc, 0o600))

	r := NewRegistry()
	require.NoError(t, r.LoadDir(dir))

	p, err := r.Lookup("strict")
	require.NoError(t, err)
	assert.True(t, p.RequireExternalReserve)
	assert.Equal(t, 2, p.Version)
	assert.Equal(t, []string{"default", "strict"}, r.Names())
}
