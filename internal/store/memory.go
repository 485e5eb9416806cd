package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oiltrading/recon-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Version checks behave exactly like the PostgreSQL implementation:
// every mutation validates the caller's version token even though the
// mutex already serializes writers, so services exercise the same retry
// path against both backends.
type MemoryStore struct {
	mu          sync.RWMutex
	contracts   map[string]*model.PhysicalContract
	matches     []model.ContractMatch
	positions   map[string]*model.PaperPosition
	prices      map[string]model.MarketPrice
	settlements []model.SettlementEntry
	audit       []model.AuditEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts: make(map[string]*model.PhysicalContract),
		positions: make(map[string]*model.PaperPosition),
		prices:    make(map[string]model.MarketPrice),
	}
}

// --- Physical contracts ---

func (s *MemoryStore) CreateContract(_ context.Context, c *model.PhysicalContract) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contracts[c.ID]; ok {
		return ErrDuplicateID
	}
	cp := *c
	s.contracts[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetContract(_ context.Context, id string) (*model.PhysicalContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListContracts(_ context.Context, f ContractFilter) ([]model.PhysicalContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PhysicalContract
	for _, c := range s.contracts {
		if f.Kind != "" && c.Kind != f.Kind {
			continue
		}
		if f.ProductCode != "" && c.ProductCode != f.ProductCode {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Counterparty != "" && c.Counterparty != f.Counterparty {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (s *MemoryStore) ListAvailablePurchases(_ context.Context) ([]model.PhysicalContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PhysicalContract
	for _, c := range s.contracts {
		if c.Kind == model.KindPurchase && c.MatchedQty.LessThan(c.ContractQty) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListUnmatchedSales(_ context.Context) ([]model.PhysicalContract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make(map[string]bool, len(s.matches))
	for _, m := range s.matches {
		matched[m.SaleContractID] = true
	}

	var out []model.PhysicalContract
	for _, c := range s.contracts {
		if c.Kind == model.KindSale && !matched[c.ID] {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *MemoryStore) ApplyMatch(_ context.Context, m *model.ContractMatch, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contracts[m.PurchaseContractID]
	if !ok {
		return ErrNotFound
	}
	if c.Version != expectedVersion {
		return ErrVersionConflict
	}

	s.matches = append(s.matches, *m)
	c.MatchedQty = c.MatchedQty.Add(m.Quantity)
	c.Version++
	return nil
}

// --- Match log ---

func (s *MemoryStore) ListMatches(_ context.Context) ([]model.ContractMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.ContractMatch, len(s.matches))
	copy(out, s.matches)
	return out, nil
}

func (s *MemoryStore) ListMatchesByPurchase(_ context.Context, purchaseID string) ([]model.ContractMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.ContractMatch
	for _, m := range s.matches {
		if m.PurchaseContractID == purchaseID {
			out = append(out, m)
		}
	}
	return out, nil
}

// --- Paper positions ---

func (s *MemoryStore) CreatePaperPosition(_ context.Context, p *model.PaperPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.positions[p.ID]; ok {
		return ErrDuplicateID
	}
	cp := *p
	s.positions[p.ID] = &cp
	return nil
}

func (s *MemoryStore) GetPaperPosition(_ context.Context, id string) (*model.PaperPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpdatePaperPosition(_ context.Context, p *model.PaperPosition, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.positions[p.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrVersionConflict
	}

	cp := *p
	cp.Version = expectedVersion + 1
	s.positions[p.ID] = &cp
	p.Version = cp.Version
	return nil
}

func (s *MemoryStore) ListOpenPositions(_ context.Context) ([]model.PaperPosition, error) {
	return s.listPositions(func(p *model.PaperPosition) bool {
		return p.Status == model.PositionOpen
	})
}

func (s *MemoryStore) ListDesignatedHedges(_ context.Context) ([]model.PaperPosition, error) {
	return s.listPositions(func(p *model.PaperPosition) bool {
		return p.Status == model.PositionOpen && p.IsDesignated()
	})
}

func (s *MemoryStore) ListHedgesForContract(_ context.Context, contractID string) ([]model.PaperPosition, error) {
	return s.listPositions(func(p *model.PaperPosition) bool {
		return p.HedgedContractID == contractID
	})
}

func (s *MemoryStore) ListHedgesBelowEffectiveness(_ context.Context, threshold decimal.Decimal) ([]model.PaperPosition, error) {
	return s.listPositions(func(p *model.PaperPosition) bool {
		return p.IsDesignated() && p.HedgeEffectiveness.LessThan(threshold)
	})
}

func (s *MemoryStore) ListEligiblePositions(_ context.Context) ([]model.PaperPosition, error) {
	return s.listPositions(func(p *model.PaperPosition) bool {
		return p.Status == model.PositionOpen && !p.IsDesignated()
	})
}

func (s *MemoryStore) listPositions(keep func(*model.PaperPosition) bool) ([]model.PaperPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PaperPosition
	for _, p := range s.positions {
		if keep(p) {
			out = append(out, *p)
		}
	}
	return out, nil
}

// --- Market prices ---

func (s *MemoryStore) UpsertPrice(_ context.Context, p model.MarketPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prices[p.ProductCode] = p
	return nil
}

func (s *MemoryStore) GetPrice(_ context.Context, productCode string) (*model.MarketPrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[productCode]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// --- Settlements ---

func (s *MemoryStore) RecordSettlement(_ context.Context, e model.SettlementEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settlements = append(s.settlements, e)
	return nil
}

// --- Audit trail ---

func (s *MemoryStore) AppendAudit(_ context.Context, e model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, e)
	return nil
}

func (s *MemoryStore) ListAuditForEntity(_ context.Context, entityID string) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AuditEntry
	for _, e := range s.audit {
		if e.EntityID == entityID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Aggregation ---

// Snapshot copies every source under a single RLock hold, so the
// aggregator never observes a half-applied mutation.
func (s *MemoryStore) Snapshot(_ context.Context) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &model.Snapshot{
		Contracts:   make([]model.PhysicalContract, 0, len(s.contracts)),
		Matches:     make([]model.ContractMatch, len(s.matches)),
		Positions:   make([]model.PaperPosition, 0, len(s.positions)),
		Prices:      make(map[string]model.MarketPrice, len(s.prices)),
		Settlements: make([]model.SettlementEntry, len(s.settlements)),
		TakenAt:     time.Now().UTC(),
	}

	for _, c := range s.contracts {
		snap.Contracts = append(snap.Contracts, *c)
	}
	copy(snap.Matches, s.matches)
	for _, p := range s.positions {
		snap.Positions = append(snap.Positions, *p)
	}
	for k, v := range s.prices {
		snap.Prices[k] = v
	}
	copy(snap.Settlements, s.settlements)

	return snap, nil
}
