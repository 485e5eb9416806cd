package pnl_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oiltrading/recon-engine/internal/fault"
	"github.com/oiltrading/recon-engine/internal/model"
	"github.com/oiltrading/recon-engine/internal/pnl"
	"github.com/oiltrading/recon-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func seedPosition(t *testing.T, ms *store.MemoryStore, product string, dir model.Direction, qty, lot, entry decimal.Decimal) *model.PaperPosition {
	t.Helper()
	p := &model.PaperPosition{
		ID:             uuid.New().String(),
		ProductCode:    product,
		ContractPeriod: "2026-03",
		Direction:      dir,
		Quantity:       qty,
		LotSize:        lot,
		EntryPrice:     entry,
		CurrentPrice:   entry,
		Status:         model.PositionOpen,
		CreatedAt:      time.Now().UTC(),
	}
	if err := ms.CreatePaperPosition(context.Background(), p); err != nil {
		t.Fatalf("failed to seed position: %v", err)
	}
	return p
}

func TestClose_LongRealizedPnL(t *testing.T) {
	ms := store.NewMemoryStore()
	calc := pnl.NewCalculator(ms, 5)
	ctx := context.Background()

	p := seedPosition(t, ms, "BRENT", model.DirLong, d(1000), d(1), d(80))

	closeDate := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	closed, err := calc.Close(ctx, p.ID, d(85), closeDate, "trader-1")
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// (85 - 80) × 1000 × 1 × +1.
	if !closed.RealizedPnL.Equal(d(5000)) {
		t.Errorf("expected realized pnl=5000, got %s", closed.RealizedPnL)
	}
	if closed.Status != model.PositionClosed {
		t.Errorf("expected status=Closed, got %s", closed.Status)
	}
	if !closed.ClosingPrice.Equal(d(85)) {
		t.Errorf("expected closing price=85, got %s", closed.ClosingPrice)
	}
	if closed.CloseDate == nil || !closed.CloseDate.Equal(closeDate) {
		t.Errorf("expected close date %s, got %v", closeDate, closed.CloseDate)
	}
	if !closed.UnrealizedPnL.IsZero() {
		t.Errorf("unrealized pnl should be zeroed on close, got %s", closed.UnrealizedPnL)
	}

	trail, _ := ms.ListAuditForEntity(ctx, p.ID)
	if len(trail) != 1 || trail[0].Action != pnl.ActionClose {
		t.Errorf("expected one close audit entry, got %+v", trail)
	}
}

func TestClose_ShortRealizedPnL(t *testing.T) {
	ms := store.NewMemoryStore()
	calc := pnl.NewCalculator(ms, 5)

	p := seedPosition(t, ms, "380CST", model.DirShort, d(500), d(10), d(420))

	closed, err := calc.Close(context.Background(), p.ID, d(400), time.Now().UTC(), "trader-1")
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// (400 - 420) × 500 × 10 × -1 = +100000: shorts profit from a fall.
	if !closed.RealizedPnL.Equal(d(100000)) {
		t.Errorf("expected realized pnl=100000, got %s", closed.RealizedPnL)
	}
}

func TestClose_AlreadyClosed(t *testing.T) {
	ms := store.NewMemoryStore()
	calc := pnl.NewCalculator(ms, 5)
	ctx := context.Background()

	p := seedPosition(t, ms, "BRENT", model.DirLong, d(100), d(1), d(80))

	first, err := calc.Close(ctx, p.ID, d(85), time.Now().UTC(), "trader-1")
	if err != nil {
		t.Fatalf("first close failed: %v", err)
	}

	_, err = calc.Close(ctx, p.ID, d(90), time.Now().UTC(), "trader-1")
	if !fault.IsCode(err, fault.BusinessRule) {
		t.Fatalf("second close should violate a business rule, got %v", err)
	}

	// Realized P&L is frozen at the first close.
	got, _ := ms.GetPaperPosition(ctx, p.ID)
	if !got.RealizedPnL.Equal(first.RealizedPnL) {
		t.Errorf("realized pnl changed after rejected close: %s vs %s", got.RealizedPnL, first.RealizedPnL)
	}
}

func TestClose_NotFound(t *testing.T) {
	ms := store.NewMemoryStore()
	calc := pnl.NewCalculator(ms, 5)

	_, err := calc.Close(context.Background(), "no-such-id", d(85), time.Now().UTC(), "trader-1")
	if !fault.IsCode(err, fault.NotFound) {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestMarkToMarket_UpdatesOpenPositions(t *testing.T) {
	ms := store.NewMemoryStore()
	calc := pnl.NewCalculator(ms, 5)
	ctx := context.Background()

	long := seedPosition(t, ms, "BRENT", model.DirLong, d(1000), d(1), d(80))
	short := seedPosition(t, ms, "BRENT", model.DirShort, d(200), d(1), d(80))

	outcomes, err := calc.MarkToMarket(ctx, map[string]decimal.Decimal{"BRENT": d(83)}, time.Now().UTC(), "eod-batch")
	if err != nil {
		t.Fatalf("MarkToMarket failed: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Status != pnl.MTMUpdated {
			t.Errorf("position %s: expected updated, got %s (%s)", o.PaperID, o.Status, o.Error)
		}
	}

	gotLong, _ := ms.GetPaperPosition(ctx, long.ID)
	if !gotLong.UnrealizedPnL.Equal(d(3000)) {
		t.Errorf("long unrealized: expected 3000, got %s", gotLong.UnrealizedPnL)
	}
	if !gotLong.CurrentPrice.Equal(d(83)) {
		t.Errorf("current price should be 83, got %s", gotLong.CurrentPrice)
	}

	gotShort, _ := ms.GetPaperPosition(ctx, short.ID)
	if !gotShort.UnrealizedPnL.Equal(d(-600)) {
		t.Errorf("short unrealized: expected -600, got %s", gotShort.UnrealizedPnL)
	}
}

func TestMarkToMarket_SkipsWithoutPrice(t *testing.T) {
	ms := store.NewMemoryStore()
	calc := pnl.NewCalculator(ms, 5)
	ctx := context.Background()

	priced := seedPosition(t, ms, "BRENT", model.DirLong, d(100), d(1), d(80))
	unpriced := seedPosition(t, ms, "JET", model.DirLong, d(100), d(1), d(700))

	outcomes, err := calc.MarkToMarket(ctx, map[string]decimal.Decimal{"BRENT": d(82)}, time.Now().UTC(), "eod-batch")
	if err != nil {
		t.Fatalf("MarkToMarket failed: %v", err)
	}

	byID := make(map[string]pnl.MTMOutcome, len(outcomes))
	for _, o := range outcomes {
		byID[o.PaperID] = o
	}
	if byID[priced.ID].Status != pnl.MTMUpdated {
		t.Errorf("priced position should be updated, got %s", byID[priced.ID].Status)
	}
	if byID[unpriced.ID].Status != pnl.MTMSkipped {
		t.Errorf("unpriced position should be skipped, got %s", byID[unpriced.ID].Status)
	}

	// A skipped position keeps its previous valuation.
	got, _ := ms.GetPaperPosition(ctx, unpriced.ID)
	if !got.CurrentPrice.Equal(d(700)) {
		t.Errorf("skipped position price changed: %s", got.CurrentPrice)
	}
}

func TestMarkToMarket_ExcludesClosed(t *testing.T) {
	ms := store.NewMemoryStore()
	calc := pnl.NewCalculator(ms, 5)
	ctx := context.Background()

	open := seedPosition(t, ms, "BRENT", model.DirLong, d(100), d(1), d(80))
	toClose := seedPosition(t, ms, "BRENT", model.DirLong, d(100), d(1), d(80))

	if _, err := calc.Close(ctx, toClose.ID, d(84), time.Now().UTC(), "trader-1"); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	outcomes, err := calc.MarkToMarket(ctx, map[string]decimal.Decimal{"BRENT": d(90)}, time.Now().UTC(), "eod-batch")
	if err != nil {
		t.Fatalf("MarkToMarket failed: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].PaperID != open.ID {
		t.Fatalf("only the open position should be revalued, got %+v", outcomes)
	}

	// Frozen realized P&L on the closed position.
	got, _ := ms.GetPaperPosition(ctx, toClose.ID)
	if !got.RealizedPnL.Equal(d(400)) {
		t.Errorf("closed position realized pnl changed: %s", got.RealizedPnL)
	}
	if !got.ClosingPrice.Equal(d(84)) {
		t.Errorf("closed position price changed: %s", got.ClosingPrice)
	}
}

func TestMarkToMarket_CancelledContext(t *testing.T) {
	ms := store.NewMemoryStore()
	calc := pnl.NewCalculator(ms, 5)

	for i := 0; i < 5; i++ {
		seedPosition(t, ms, "BRENT", model.DirLong, d(100), d(1), d(80))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := calc.MarkToMarket(ctx, map[string]decimal.Decimal{"BRENT": d(82)}, time.Now().UTC(), "x"); err == nil {
		t.Error("expected an error from a cancelled context")
	}
}
