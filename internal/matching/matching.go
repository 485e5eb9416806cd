// Package matching implements the contract matching engine: pairing
// purchase and sale contracts of the same product and allocating
// quantity between them.
//
// All quantities use shopspring/decimal — never float64 for money.
package matching

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oiltrading/recon-engine/internal/fault"
	"github.com/oiltrading/recon-engine/internal/metrics"
	"github.com/oiltrading/recon-engine/internal/model"
	"github.com/oiltrading/recon-engine/internal/store"
)

// Service executes match creation against the store. Over-allocation is
// prevented by the store's version token: a writer that loses the race
// re-reads fresh state and revalidates before retrying, up to maxRetries
// attempts.
type Service struct {
	store      store.Store
	maxRetries int
}

// NewService creates a matching service. maxRetries bounds the
// optimistic-concurrency retry loop.
func NewService(st store.Store, maxRetries int) *Service {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Service{store: st, maxRetries: maxRetries}
}

// MatchResult is returned from a successful CreateMatch.
type MatchResult struct {
	MatchID            string          `json:"match_id"`
	PurchaseContractID string          `json:"purchase_contract_id"`
	SaleContractID     string          `json:"sale_contract_id"`
	MatchedQty         decimal.Decimal `json:"matched_qty"`
	RemainingAvailable decimal.Decimal `json:"remaining_available"`
}

// AvailablePurchase is a purchase contract open for further matching.
type AvailablePurchase struct {
	Contract  model.PhysicalContract `json:"contract"`
	Available decimal.Decimal        `json:"available"`
}

// CreateMatch allocates quantity between a purchase and a sale contract.
// The new match record and the purchase contract's matchedQty increment
// are committed as one atomic unit; on a lost concurrency race the
// allocation is revalidated against fresh state before retrying.
func (s *Service) CreateMatch(ctx context.Context, purchaseID, saleID string, qty decimal.Decimal, actor, notes string) (*MatchResult, error) {
	sale, err := s.store.GetContract(ctx, saleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.MatchRejections.WithLabelValues("not_found").Inc()
			return nil, fault.New(fault.NotFound, "sale contract %s not found", saleID)
		}
		return nil, err
	}
	if sale.Kind != model.KindSale {
		metrics.MatchRejections.WithLabelValues("wrong_kind").Inc()
		return nil, fault.New(fault.BusinessRule, "contract %s is not a sale contract", saleID)
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		purchase, err := s.store.GetContract(ctx, purchaseID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				metrics.MatchRejections.WithLabelValues("not_found").Inc()
				return nil, fault.New(fault.NotFound, "purchase contract %s not found", purchaseID)
			}
			return nil, err
		}
		if purchase.Kind != model.KindPurchase {
			metrics.MatchRejections.WithLabelValues("wrong_kind").Inc()
			return nil, fault.New(fault.BusinessRule, "contract %s is not a purchase contract", purchaseID)
		}
		if purchase.ProductCode != sale.ProductCode {
			metrics.MatchRejections.WithLabelValues("cross_product").Inc()
			return nil, fault.New(fault.BusinessRule,
				"cannot match %s purchase against %s sale", purchase.ProductCode, sale.ProductCode)
		}

		available := purchase.AvailableQty()

		if qty.LessThanOrEqual(decimal.Zero) {
			metrics.MatchRejections.WithLabelValues("non_positive_qty").Inc()
			return nil, fault.Bounded(fault.Validation, qty, decimal.Zero,
				"match quantity must be positive, got %s", qty)
		}
		if qty.GreaterThan(available) {
			metrics.MatchRejections.WithLabelValues("insufficient_qty").Inc()
			return nil, fault.Bounded(fault.BusinessRule, qty, available,
				"insufficient quantity: requested %s, available %s", qty, available)
		}

		m := &model.ContractMatch{
			ID:                 uuid.New().String(),
			PurchaseContractID: purchaseID,
			SaleContractID:     saleID,
			Quantity:           qty,
			MatchDate:          time.Now().UTC(),
			Actor:              actor,
			Notes:              notes,
		}

		err = s.store.ApplyMatch(ctx, m, purchase.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.ConcurrencyRetries.WithLabelValues("create_match").Inc()
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.MatchesTotal.Inc()
		remaining := available.Sub(qty)
		slog.Info("match created",
			"match_id", m.ID,
			"purchase", purchaseID,
			"sale", saleID,
			"qty", qty.String(),
			"remaining", remaining.String(),
			"actor", actor,
		)

		return &MatchResult{
			MatchID:            m.ID,
			PurchaseContractID: purchaseID,
			SaleContractID:     saleID,
			MatchedQty:         qty,
			RemainingAvailable: remaining,
		}, nil
	}

	metrics.MatchRejections.WithLabelValues("conflict").Inc()
	return nil, fault.New(fault.Conflict,
		"match against %s lost %d concurrent update races", purchaseID, s.maxRetries)
}

// AvailablePurchases returns purchase contracts with unmatched quantity
// remaining.
func (s *Service) AvailablePurchases(ctx context.Context) ([]AvailablePurchase, error) {
	contracts, err := s.store.ListAvailablePurchases(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]AvailablePurchase, 0, len(contracts))
	for _, c := range contracts {
		out = append(out, AvailablePurchase{Contract: c, Available: c.AvailableQty()})
	}
	return out, nil
}

// UnmatchedSales returns sale contracts with no associated match.
func (s *Service) UnmatchedSales(ctx context.Context) ([]model.PhysicalContract, error) {
	return s.store.ListUnmatchedSales(ctx)
}

// MatchesForPurchase returns the append-only match log for one purchase
// contract.
func (s *Service) MatchesForPurchase(ctx context.Context, purchaseID string) ([]model.ContractMatch, error) {
	return s.store.ListMatchesByPurchase(ctx, purchaseID)
}
