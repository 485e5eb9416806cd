package hedge_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oiltrading/recon-engine/internal/fault"
	"github.com/oiltrading/recon-engine/internal/hedge"
	"github.com/oiltrading/recon-engine/internal/model"
	"github.com/oiltrading/recon-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestService(t *testing.T) (*hedge.Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return hedge.NewService(ms, 5, d(80)), ms
}

func seedContract(t *testing.T, ms *store.MemoryStore, kind model.ContractKind) *model.PhysicalContract {
	t.Helper()
	c := &model.PhysicalContract{
		ID:           uuid.New().String(),
		Kind:         kind,
		ProductCode:  "380CST",
		Counterparty: "Vitol",
		ContractQty:  d(20000),
		MatchedQty:   decimal.Zero,
		Unit:         "MT",
		Period:       "2026-06",
		Status:       model.ContractActive,
		CreatedAt:    time.Now().UTC(),
	}
	if err := ms.CreateContract(context.Background(), c); err != nil {
		t.Fatalf("failed to seed contract: %v", err)
	}
	return c
}

func seedPaper(t *testing.T, ms *store.MemoryStore, status string) *model.PaperPosition {
	t.Helper()
	p := &model.PaperPosition{
		ID:             uuid.New().String(),
		ProductCode:    "380CST",
		ContractPeriod: "2026-06",
		Direction:      model.DirShort,
		Quantity:       d(1000),
		LotSize:        d(1),
		EntryPrice:     d(420),
		CurrentPrice:   d(420),
		Status:         status,
		CreatedAt:      time.Now().UTC(),
	}
	if err := ms.CreatePaperPosition(context.Background(), p); err != nil {
		t.Fatalf("failed to seed paper position: %v", err)
	}
	return p
}

func TestDesignate(t *testing.T) {
	svc, ms := newTestService(t)
	ctx := context.Background()

	contract := seedContract(t, ms, model.KindPurchase)
	paper := seedPaper(t, ms, model.PositionOpen)

	updated, err := svc.Designate(ctx, paper.ID, contract.ID, model.KindPurchase, d(0.8), "risk-desk")
	if err != nil {
		t.Fatalf("Designate failed: %v", err)
	}

	if updated.HedgedContractID != contract.ID {
		t.Errorf("expected hedged_contract_id=%s, got %s", contract.ID, updated.HedgedContractID)
	}
	if !updated.HedgeRatio.Equal(d(0.8)) {
		t.Errorf("expected ratio=0.8, got %s", updated.HedgeRatio)
	}
	if updated.DesignationDate == nil {
		t.Error("expected designation_date to be set")
	}
	// 1000 lots × 0.8 ratio.
	if !updated.HedgedQuantity().Equal(d(800)) {
		t.Errorf("expected hedged quantity=800, got %s", updated.HedgedQuantity())
	}

	trail, _ := svc.AuditTrail(ctx, paper.ID)
	if len(trail) != 1 || trail[0].Action != hedge.ActionDesignate {
		t.Errorf("expected one designation audit entry, got %+v", trail)
	}
}

func TestDesignate_AlreadyDesignated(t *testing.T) {
	svc, ms := newTestService(t)
	ctx := context.Background()

	c1 := seedContract(t, ms, model.KindPurchase)
	c2 := seedContract(t, ms, model.KindPurchase)
	paper := seedPaper(t, ms, model.PositionOpen)

	if _, err := svc.Designate(ctx, paper.ID, c1.ID, model.KindPurchase, d(1), "risk-desk"); err != nil {
		t.Fatalf("first designation failed: %v", err)
	}

	_, err := svc.Designate(ctx, paper.ID, c2.ID, model.KindPurchase, d(1), "risk-desk")
	if !fault.IsCode(err, fault.BusinessRule) {
		t.Errorf("re-designation should violate a business rule, got %v", err)
	}

	// Original link untouched.
	got, _ := ms.GetPaperPosition(ctx, paper.ID)
	if got.HedgedContractID != c1.ID {
		t.Errorf("designation should still point at %s, got %s", c1.ID, got.HedgedContractID)
	}
}

func TestDesignate_Preconditions(t *testing.T) {
	svc, ms := newTestService(t)
	ctx := context.Background()

	contract := seedContract(t, ms, model.KindPurchase)
	sale := seedContract(t, ms, model.KindSale)
	open := seedPaper(t, ms, model.PositionOpen)
	closed := seedPaper(t, ms, model.PositionClosed)

	// Non-positive ratio.
	if _, err := svc.Designate(ctx, open.ID, contract.ID, model.KindPurchase, decimal.Zero, "x"); !fault.IsCode(err, fault.Validation) {
		t.Errorf("zero ratio: expected validation error, got %v", err)
	}
	// Kind mismatch against the actual contract.
	if _, err := svc.Designate(ctx, open.ID, sale.ID, model.KindPurchase, d(1), "x"); !fault.IsCode(err, fault.BusinessRule) {
		t.Errorf("kind mismatch: expected business rule violation, got %v", err)
	}
	// Unknown contract.
	if _, err := svc.Designate(ctx, open.ID, "no-such-id", model.KindPurchase, d(1), "x"); !fault.IsCode(err, fault.NotFound) {
		t.Errorf("missing contract: expected not found, got %v", err)
	}
	// Closed position.
	if _, err := svc.Designate(ctx, closed.ID, contract.ID, model.KindPurchase, d(1), "x"); !fault.IsCode(err, fault.BusinessRule) {
		t.Errorf("closed position: expected business rule violation, got %v", err)
	}
	// Unknown position.
	if _, err := svc.Designate(ctx, "no-such-id", contract.ID, model.KindPurchase, d(1), "x"); !fault.IsCode(err, fault.NotFound) {
		t.Errorf("missing position: expected not found, got %v", err)
	}
}

func TestRemoveDesignation(t *testing.T) {
	svc, ms := newTestService(t)
	ctx := context.Background()

	contract := seedContract(t, ms, model.KindPurchase)
	paper := seedPaper(t, ms, model.PositionOpen)

	if _, err := svc.Designate(ctx, paper.ID, contract.ID, model.KindPurchase, d(0.8), "risk-desk"); err != nil {
		t.Fatalf("designation failed: %v", err)
	}
	if _, err := svc.UpdateEffectiveness(ctx, paper.ID, d(90), "risk-desk"); err != nil {
		t.Fatalf("UpdateEffectiveness failed: %v", err)
	}

	updated, err := svc.RemoveDesignation(ctx, paper.ID, "basis blew out", "risk-desk")
	if err != nil {
		t.Fatalf("RemoveDesignation failed: %v", err)
	}

	if updated.IsDesignated() {
		t.Error("position should no longer be designated")
	}
	if !updated.HedgedQuantity().IsZero() {
		t.Errorf("hedged quantity should be zero after removal, got %s", updated.HedgedQuantity())
	}
	if !updated.HedgeEffectiveness.IsZero() {
		t.Errorf("effectiveness should be cleared with the other hedge fields, got %s", updated.HedgeEffectiveness)
	}
	if updated.DesignationDate != nil {
		t.Error("designation_date should be cleared")
	}

	trail, _ := svc.AuditTrail(ctx, paper.ID)
	if len(trail) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(trail))
	}
	if trail[2].Action != hedge.ActionRemoveDesignation || trail[2].Detail != "basis blew out" {
		t.Errorf("removal entry should retain the reason, got %+v", trail[2])
	}
}

func TestRemoveDesignation_NotDesignated(t *testing.T) {
	svc, ms := newTestService(t)
	paper := seedPaper(t, ms, model.PositionOpen)

	_, err := svc.RemoveDesignation(context.Background(), paper.ID, "oops", "risk-desk")
	if !fault.IsCode(err, fault.BusinessRule) {
		t.Errorf("removing an absent designation should fail, got %v", err)
	}
}

func TestUpdateEffectiveness(t *testing.T) {
	svc, ms := newTestService(t)
	ctx := context.Background()
	paper := seedPaper(t, ms, model.PositionOpen)

	updated, err := svc.UpdateEffectiveness(ctx, paper.ID, d(92.5), "risk-desk")
	if err != nil {
		t.Fatalf("UpdateEffectiveness failed: %v", err)
	}
	if !updated.HedgeEffectiveness.Equal(d(92.5)) {
		t.Errorf("expected effectiveness=92.5, got %s", updated.HedgeEffectiveness)
	}

	// Bounds.
	if _, err := svc.UpdateEffectiveness(ctx, paper.ID, d(-1), "x"); !fault.IsCode(err, fault.Validation) {
		t.Errorf("negative effectiveness: expected validation error, got %v", err)
	}
	if _, err := svc.UpdateEffectiveness(ctx, paper.ID, d(100.01), "x"); !fault.IsCode(err, fault.Validation) {
		t.Errorf("effectiveness > 100: expected validation error, got %v", err)
	}
}

func TestUpdateRatio(t *testing.T) {
	svc, ms := newTestService(t)
	ctx := context.Background()

	contract := seedContract(t, ms, model.KindPurchase)
	paper := seedPaper(t, ms, model.PositionOpen)

	if _, err := svc.Designate(ctx, paper.ID, contract.ID, model.KindPurchase, d(0.8), "x"); err != nil {
		t.Fatalf("designation failed: %v", err)
	}

	updated, err := svc.UpdateRatio(ctx, paper.ID, d(0.95), "x")
	if err != nil {
		t.Fatalf("UpdateRatio failed: %v", err)
	}
	if !updated.HedgedQuantity().Equal(d(950)) {
		t.Errorf("expected hedged quantity=950 after ratio change, got %s", updated.HedgedQuantity())
	}

	if _, err := svc.UpdateRatio(ctx, paper.ID, decimal.Zero, "x"); !fault.IsCode(err, fault.Validation) {
		t.Errorf("zero ratio: expected validation error, got %v", err)
	}
}

func TestBelowThreshold(t *testing.T) {
	svc, ms := newTestService(t)
	ctx := context.Background()

	contract := seedContract(t, ms, model.KindPurchase)
	weak := seedPaper(t, ms, model.PositionOpen)
	strong := seedPaper(t, ms, model.PositionOpen)

	for _, p := range []*model.PaperPosition{weak, strong} {
		if _, err := svc.Designate(ctx, p.ID, contract.ID, model.KindPurchase, d(1), "x"); err != nil {
			t.Fatalf("designation failed: %v", err)
		}
	}
	if _, err := svc.UpdateEffectiveness(ctx, weak.ID, d(60), "x"); err != nil {
		t.Fatalf("UpdateEffectiveness failed: %v", err)
	}
	if _, err := svc.UpdateEffectiveness(ctx, strong.ID, d(95), "x"); err != nil {
		t.Fatalf("UpdateEffectiveness failed: %v", err)
	}

	// Default threshold (80).
	out, err := svc.BelowThreshold(ctx, nil)
	if err != nil {
		t.Fatalf("BelowThreshold failed: %v", err)
	}
	if len(out) != 1 || out[0].ID != weak.ID {
		t.Errorf("expected only the weak hedge below the default threshold, got %d", len(out))
	}

	// Explicit threshold catches both.
	cutoff := d(99)
	out, err = svc.BelowThreshold(ctx, &cutoff)
	if err != nil {
		t.Fatalf("BelowThreshold failed: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("expected both hedges below 99, got %d", len(out))
	}
}

func TestEligibleAndQueries(t *testing.T) {
	svc, ms := newTestService(t)
	ctx := context.Background()

	contract := seedContract(t, ms, model.KindPurchase)
	designated := seedPaper(t, ms, model.PositionOpen)
	eligible := seedPaper(t, ms, model.PositionOpen)
	seedPaper(t, ms, model.PositionClosed)

	if _, err := svc.Designate(ctx, designated.ID, contract.ID, model.KindPurchase, d(1), "x"); err != nil {
		t.Fatalf("designation failed: %v", err)
	}

	el, err := svc.Eligible(ctx)
	if err != nil {
		t.Fatalf("Eligible failed: %v", err)
	}
	if len(el) != 1 || el[0].ID != eligible.ID {
		t.Errorf("expected only the open undesignated position, got %d", len(el))
	}

	hedges, err := svc.HedgesForContract(ctx, contract.ID)
	if err != nil {
		t.Fatalf("HedgesForContract failed: %v", err)
	}
	if len(hedges) != 1 || hedges[0].ID != designated.ID {
		t.Errorf("expected one hedge against the contract, got %d", len(hedges))
	}

	all, err := svc.DesignatedHedges(ctx)
	if err != nil {
		t.Fatalf("DesignatedHedges failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected one designated hedge, got %d", len(all))
	}
}
