package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oiltrading/recon-engine/internal/model"
	"github.com/oiltrading/recon-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newContract(kind model.ContractKind, qty decimal.Decimal) *model.PhysicalContract {
	return &model.PhysicalContract{
		ID:          uuid.New().String(),
		Kind:        kind,
		ProductCode: "BRENT",
		ContractQty: qty,
		MatchedQty:  decimal.Zero,
		Unit:        "MT",
		Period:      "2026-03",
		Status:      model.ContractActive,
		CreatedAt:   time.Now().UTC(),
	}
}

func newPosition() *model.PaperPosition {
	return &model.PaperPosition{
		ID:             uuid.New().String(),
		ProductCode:    "BRENT",
		ContractPeriod: "2026-03",
		Direction:      model.DirLong,
		Quantity:       d(100),
		LotSize:        d(1),
		EntryPrice:     d(80),
		CurrentPrice:   d(80),
		Status:         model.PositionOpen,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestCreateContract_DuplicateID(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	c := newContract(model.KindPurchase, d(1000))
	if err := ms.CreateContract(ctx, c); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := ms.CreateContract(ctx, c); !errors.Is(err, store.ErrDuplicateID) {
		t.Errorf("expected ErrDuplicateID, got %v", err)
	}
}

func TestGetContract_ReturnsCopy(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	c := newContract(model.KindPurchase, d(1000))
	if err := ms.CreateContract(ctx, c); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	got, err := ms.GetContract(ctx, c.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	got.MatchedQty = d(999)

	again, _ := ms.GetContract(ctx, c.ID)
	if !again.MatchedQty.IsZero() {
		t.Errorf("mutating a returned contract leaked into the store: %s", again.MatchedQty)
	}
}

func TestApplyMatch_VersionConflict(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	c := newContract(model.KindPurchase, d(1000))
	if err := ms.CreateContract(ctx, c); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	m1 := &model.ContractMatch{ID: uuid.New().String(), PurchaseContractID: c.ID, SaleContractID: "s1", Quantity: d(400), MatchDate: time.Now().UTC()}
	if err := ms.ApplyMatch(ctx, m1, c.Version); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}

	// Stale token: the first apply bumped the version.
	m2 := &model.ContractMatch{ID: uuid.New().String(), PurchaseContractID: c.ID, SaleContractID: "s2", Quantity: d(400), MatchDate: time.Now().UTC()}
	if err := ms.ApplyMatch(ctx, m2, c.Version); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	// Losing writer left no trace.
	got, _ := ms.GetContract(ctx, c.ID)
	if !got.MatchedQty.Equal(d(400)) {
		t.Errorf("matched_qty should be 400, got %s", got.MatchedQty)
	}
	matches, _ := ms.ListMatches(ctx)
	if len(matches) != 1 {
		t.Errorf("expected 1 match record, got %d", len(matches))
	}

	// Fresh token succeeds.
	if err := ms.ApplyMatch(ctx, m2, got.Version); err != nil {
		t.Errorf("apply with fresh version failed: %v", err)
	}
}

func TestApplyMatch_NotFound(t *testing.T) {
	ms := store.NewMemoryStore()
	m := &model.ContractMatch{ID: uuid.New().String(), PurchaseContractID: "ghost", SaleContractID: "s", Quantity: d(1), MatchDate: time.Now().UTC()}
	if err := ms.ApplyMatch(context.Background(), m, 0); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdatePaperPosition_VersionConflict(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	p := newPosition()
	if err := ms.CreatePaperPosition(ctx, p); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	first, _ := ms.GetPaperPosition(ctx, p.ID)
	second, _ := ms.GetPaperPosition(ctx, p.ID)

	first.CurrentPrice = d(85)
	if err := ms.UpdatePaperPosition(ctx, first, first.Version); err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	if first.Version != p.Version+1 {
		t.Errorf("winner's struct should carry the new version, got %d", first.Version)
	}

	second.CurrentPrice = d(90)
	if err := ms.UpdatePaperPosition(ctx, second, second.Version); !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	got, _ := ms.GetPaperPosition(ctx, p.ID)
	if !got.CurrentPrice.Equal(d(85)) {
		t.Errorf("loser overwrote the winner: %s", got.CurrentPrice)
	}
}

func TestListContracts_Filter(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	purchase := newContract(model.KindPurchase, d(1000))
	purchase.Counterparty = "Shell"
	sale := newContract(model.KindSale, d(500))
	sale.Counterparty = "Vitol"
	other := newContract(model.KindPurchase, d(700))
	other.ProductCode = "WTI"
	other.Counterparty = "Shell"

	for _, c := range []*model.PhysicalContract{purchase, sale, other} {
		if err := ms.CreateContract(ctx, c); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	out, err := ms.ListContracts(ctx, store.ContractFilter{Kind: model.KindPurchase, ProductCode: "BRENT"})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(out) != 1 || out[0].ID != purchase.ID {
		t.Errorf("expected only the BRENT purchase, got %d", len(out))
	}

	out, _ = ms.ListContracts(ctx, store.ContractFilter{Counterparty: "Shell"})
	if len(out) != 2 {
		t.Errorf("expected 2 Shell contracts, got %d", len(out))
	}
}

func TestSnapshot_IsolatedCopy(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	c := newContract(model.KindPurchase, d(1000))
	if err := ms.CreateContract(ctx, c); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	p := newPosition()
	if err := ms.CreatePaperPosition(ctx, p); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := ms.UpsertPrice(ctx, model.MarketPrice{ProductCode: "BRENT", Price: d(80), AsOf: time.Now().UTC()}); err != nil {
		t.Fatalf("price failed: %v", err)
	}

	snap, err := ms.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(snap.Contracts) != 1 || len(snap.Positions) != 1 || len(snap.Prices) != 1 {
		t.Fatalf("snapshot incomplete: %d contracts, %d positions, %d prices",
			len(snap.Contracts), len(snap.Positions), len(snap.Prices))
	}
	if snap.TakenAt.IsZero() {
		t.Error("expected taken_at to be set")
	}

	// Mutating the snapshot never reaches the store.
	snap.Contracts[0].MatchedQty = d(999)
	got, _ := ms.GetContract(ctx, c.ID)
	if !got.MatchedQty.IsZero() {
		t.Errorf("snapshot mutation leaked into the store: %s", got.MatchedQty)
	}

	// Later writes never reach an existing snapshot.
	m := &model.ContractMatch{ID: uuid.New().String(), PurchaseContractID: c.ID, SaleContractID: "s", Quantity: d(100), MatchDate: time.Now().UTC()}
	if err := ms.ApplyMatch(ctx, m, 0); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if len(snap.Matches) != 0 {
		t.Errorf("snapshot grew after a later write: %d matches", len(snap.Matches))
	}
}

func TestAuditTrail_AppendOnly(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := model.AuditEntry{
			ID:        uuid.New().String(),
			EntityID:  "paper-1",
			Action:    "hedge_designated",
			Actor:     "risk-desk",
			Timestamp: time.Now().UTC(),
		}
		if err := ms.AppendAudit(ctx, e); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	if err := ms.AppendAudit(ctx, model.AuditEntry{ID: uuid.New().String(), EntityID: "paper-2", Action: "position_closed", Timestamp: time.Now().UTC()}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	out, err := ms.ListAuditForEntity(ctx, "paper-1")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(out) != 3 {
		t.Errorf("expected 3 entries for paper-1, got %d", len(out))
	}
}

func TestGetPrice_NotFound(t *testing.T) {
	ms := store.NewMemoryStore()
	if _, err := ms.GetPrice(context.Background(), "BRENT"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertPrice_Replaces(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	if err := ms.UpsertPrice(ctx, model.MarketPrice{ProductCode: "BRENT", Price: d(80), AsOf: time.Now().UTC()}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := ms.UpsertPrice(ctx, model.MarketPrice{ProductCode: "BRENT", Price: d(82), AsOf: time.Now().UTC()}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	got, err := ms.GetPrice(ctx, "BRENT")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if !got.Price.Equal(d(82)) {
		t.Errorf("expected latest price 82, got %s", got.Price)
	}
}
