package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/oiltrading/recon-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for single-record lookups. Writes go to the primary store and
// invalidate the cache; reads check Redis first then fall back to the
// primary. Snapshot and list queries always go to the primary — a cached
// snapshot could mix pre- and post-mutation state.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Physical contracts ---

func (s *CachedStore) CreateContract(ctx context.Context, c *model.PhysicalContract) error {
	if err := s.primary.CreateContract(ctx, c); err != nil {
		return err
	}
	s.cacheJSON(ctx, contractKey(c.ID), c)
	return nil
}

func (s *CachedStore) GetContract(ctx context.Context, id string) (*model.PhysicalContract, error) {
	data, err := s.rdb.Get(ctx, contractKey(id)).Bytes()
	if err == nil {
		var c model.PhysicalContract
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	c, err := s.primary.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, contractKey(id), c)
	return c, nil
}

func (s *CachedStore) ApplyMatch(ctx context.Context, m *model.ContractMatch, expectedVersion int64) error {
	if err := s.primary.ApplyMatch(ctx, m, expectedVersion); err != nil {
		return err
	}
	// Invalidate; next read re-populates with the fresh matched quantity.
	s.rdb.Del(ctx, contractKey(m.PurchaseContractID))
	return nil
}

// --- Paper positions ---

func (s *CachedStore) CreatePaperPosition(ctx context.Context, p *model.PaperPosition) error {
	if err := s.primary.CreatePaperPosition(ctx, p); err != nil {
		return err
	}
	s.cacheJSON(ctx, positionKey(p.ID), p)
	return nil
}

func (s *CachedStore) GetPaperPosition(ctx context.Context, id string) (*model.PaperPosition, error) {
	data, err := s.rdb.Get(ctx, positionKey(id)).Bytes()
	if err == nil {
		var p model.PaperPosition
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPaperPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, positionKey(id), p)
	return p, nil
}

func (s *CachedStore) UpdatePaperPosition(ctx context.Context, p *model.PaperPosition, expectedVersion int64) error {
	if err := s.primary.UpdatePaperPosition(ctx, p, expectedVersion); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionKey(p.ID))
	return nil
}

// --- Market prices ---

func (s *CachedStore) UpsertPrice(ctx context.Context, p model.MarketPrice) error {
	if err := s.primary.UpsertPrice(ctx, p); err != nil {
		return err
	}
	s.cacheJSON(ctx, priceKey(p.ProductCode), &p)
	return nil
}

func (s *CachedStore) GetPrice(ctx context.Context, productCode string) (*model.MarketPrice, error) {
	data, err := s.rdb.Get(ctx, priceKey(productCode)).Bytes()
	if err == nil {
		var p model.MarketPrice
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	p, err := s.primary.GetPrice(ctx, productCode)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, priceKey(productCode), p)
	return p, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListContracts(ctx context.Context, f ContractFilter) ([]model.PhysicalContract, error) {
	return s.primary.ListContracts(ctx, f)
}

func (s *CachedStore) ListAvailablePurchases(ctx context.Context) ([]model.PhysicalContract, error) {
	return s.primary.ListAvailablePurchases(ctx)
}

func (s *CachedStore) ListUnmatchedSales(ctx context.Context) ([]model.PhysicalContract, error) {
	return s.primary.ListUnmatchedSales(ctx)
}

func (s *CachedStore) ListMatches(ctx context.Context) ([]model.ContractMatch, error) {
	return s.primary.ListMatches(ctx)
}

func (s *CachedStore) ListMatchesByPurchase(ctx context.Context, purchaseID string) ([]model.ContractMatch, error) {
	return s.primary.ListMatchesByPurchase(ctx, purchaseID)
}

func (s *CachedStore) ListOpenPositions(ctx context.Context) ([]model.PaperPosition, error) {
	return s.primary.ListOpenPositions(ctx)
}

func (s *CachedStore) ListDesignatedHedges(ctx context.Context) ([]model.PaperPosition, error) {
	return s.primary.ListDesignatedHedges(ctx)
}

func (s *CachedStore) ListHedgesForContract(ctx context.Context, contractID string) ([]model.PaperPosition, error) {
	return s.primary.ListHedgesForContract(ctx, contractID)
}

func (s *CachedStore) ListHedgesBelowEffectiveness(ctx context.Context, threshold decimal.Decimal) ([]model.PaperPosition, error) {
	return s.primary.ListHedgesBelowEffectiveness(ctx, threshold)
}

func (s *CachedStore) ListEligiblePositions(ctx context.Context) ([]model.PaperPosition, error) {
	return s.primary.ListEligiblePositions(ctx)
}

func (s *CachedStore) RecordSettlement(ctx context.Context, e model.SettlementEntry) error {
	return s.primary.RecordSettlement(ctx, e)
}

func (s *CachedStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	return s.primary.AppendAudit(ctx, e)
}

func (s *CachedStore) ListAuditForEntity(ctx context.Context, entityID string) ([]model.AuditEntry, error) {
	return s.primary.ListAuditForEntity(ctx, entityID)
}

func (s *CachedStore) Snapshot(ctx context.Context) (*model.Snapshot, error) {
	return s.primary.Snapshot(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func contractKey(id string) string { return fmt.Sprintf("contract:%s", id) }
func positionKey(id string) string { return fmt.Sprintf("paper:%s", id) }
func priceKey(code string) string  { return fmt.Sprintf("price:%s", code) }
