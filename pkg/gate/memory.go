package gate

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/settld-labs/settld/pkg/settlement"
)

// MemoryStore is the in-memory gate store. Every map is keyed with the
// tenant id so no lookup can cross a tenant boundary.
type MemoryStore struct {
	mu          sync.RWMutex
	gates       map[string]*Gate // tenantId + "/" + gateId
	escalations map[string]*Escalation
	reversals   map[string][]*ReversalEvent // tenantId + "/" + gateId
	decisions   map[string]*settlement.DecisionRecord
	receipts    map[string]*settlement.SettlementReceipt // tenantId + "/" + agreementHash
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		gates:       make(map[string]*Gate),
		escalations: make(map[string]*Escalation),
		reversals:   make(map[string][]*ReversalEvent),
		decisions:   make(map[string]*settlement.DecisionRecord),
		receipts:    make(map[string]*settlement.SettlementReceipt),
	}
}

func gateKey(tenantID, gateID string) string { return tenantID + "/" + gateID }

// Get implements Store.
func (s *MemoryStore) Get(tenantID, gateID string) (*Gate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.gates[gateKey(tenantID, gateID)]
	if !ok {
		return nil, &TransitionError{Code: CodeGateNotFound, GateID: gateID}
	}
	cp := *g
	return &cp, nil
}

// Put implements Store.
func (s *MemoryStore) Put(g *Gate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.gates[gateKey(g.TenantID, g.ID)] = &cp
	return nil
}

// PutEscalation implements Store.
func (s *MemoryStore) PutEscalation(e *Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.escalations[gateKey(e.TenantID, e.ID)] = &cp
	return nil
}

// GetEscalation implements Store.
func (s *MemoryStore) GetEscalation(tenantID, id string) (*Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escalations[gateKey(tenantID, id)]
	if !ok {
		return nil, &TransitionError{Code: CodeGateNotFound, Detail: "escalation " + id}
	}
	cp := *e
	return &cp, nil
}

// AppendReversal implements Store.
func (s *MemoryStore) AppendReversal(tenantID, gateID string, e *ReversalEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	key := gateKey(tenantID, gateID)
	s.reversals[key] = append(s.reversals[key], &cp)
	return nil
}

// Reversals implements Store.
func (s *MemoryStore) Reversals(tenantID, gateID string) ([]*ReversalEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.reversals[gateKey(tenantID, gateID)]
	out := make([]*ReversalEvent, len(chain))
	for i, e := range chain {
		cp := *e
		out[i] = &cp
	}
	return out, nil
}

// PutReceipt implements Store. The first write for an agreement wins.
func (s *MemoryStore) PutReceipt(tenantID, agreementHash string, d *settlement.DecisionRecord, r *settlement.SettlementReceipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := gateKey(tenantID, agreementHash)
	if _, exists := s.receipts[key]; exists {
		return nil
	}
	dc, rc := *d, *r
	s.decisions[key] = &dc
	s.receipts[key] = &rc
	return nil
}

// GetReceipt implements Store.
func (s *MemoryStore) GetReceipt(tenantID, agreementHash string) (*settlement.DecisionRecord, *settlement.SettlementReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := gateKey(tenantID, agreementHash)
	r, ok := s.receipts[key]
	if !ok {
		return nil, nil, ErrReceiptNotFound
	}
	d := s.decisions[key]
	dc, rc := *d, *r
	return &dc, &rc, nil
}

// Receipts lists one tenant's receipts ordered by receipt id, capped at
// limit when > 0. An empty tenant id lists every tenant's receipts, the
// archive exporter's view.
func (s *MemoryStore) Receipts(tenantID string, limit int) ([]*settlement.SettlementReceipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*settlement.SettlementReceipt, 0, len(s.receipts))
	for key, r := range s.receipts {
		if tenantID != "" && !strings.HasPrefix(key, tenantID+"/") {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceiptID < out[j].ReceiptID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MemoryDailySpend tracks per-agent authorized cents by UTC day.
type MemoryDailySpend struct {
	mu    sync.Mutex
	spent map[string]int64
}

// NewMemoryDailySpend creates an empty tracker.
func NewMemoryDailySpend() *MemoryDailySpend {
	return &MemoryDailySpend{spent: make(map[string]int64)}
}

func spendKey(tenantID, agentID string, day time.Time) string {
	return tenantID + "/" + agentID + "/" + day.UTC().Format("2006-01-02")
}

// SpentToday implements DailySpendTracker.
func (t *MemoryDailySpend) SpentToday(tenantID, agentID string, day time.Time) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spent[spendKey(tenantID, agentID, day)], nil
}

// Record implements DailySpendTracker.
func (t *MemoryDailySpend) Record(tenantID, agentID string, day time.Time, cents int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.spent[spendKey(tenantID, agentID, day)] += cents
	return nil
}

// burnRetention keeps burned jtis long past the one-hour override token
// lifetime, after which a replayed token fails validation anyway.
const burnRetention = 24 * time.Hour

// MemoryOverrideBurns is the in-memory single-use burn set.
type MemoryOverrideBurns struct {
	mu     sync.Mutex
	burned map[string]time.Time
}

// NewMemoryOverrideBurns creates an empty burn set.
func NewMemoryOverrideBurns() *MemoryOverrideBurns {
	return &MemoryOverrideBurns{burned: make(map[string]time.Time)}
}

// Burn implements OverrideBurns. Expired entries are pruned on each call.
func (b *MemoryOverrideBurns) Burn(jti string, now time.Time) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, at := range b.burned {
		if now.Sub(at) > burnRetention {
			delete(b.burned, id)
		}
	}
	if _, used := b.burned[jti]; used {
		return false, nil
	}
	b.burned[jti] = now
	return true, nil
}
