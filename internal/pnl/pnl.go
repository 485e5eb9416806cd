// Package pnl implements the P&L calculator: realized P&L on closing a
// paper position and unrealized P&L on mark-to-market revaluation.
package pnl

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

// ActionClose is the audit trail action recorded on position close.
const ActionClose = "position_closed"

// Calculator closes positions and runs mark-to-market batches.
type Calculator struct {
	store      store.Store
	maxRetries int
}

// NewCalculator creates a P&L calculator.
func NewCalculator(st store.Store, maxRetries int) *Calculator {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Calculator{store: st, maxRetries: maxRetries}
}

// MTM batch outcome statuses.
const (
	MTMUpdated = "updated"
	MTMSkipped = "skipped" // no price supplied for the product
	MTMFailed  = "failed"
)

// MTMOutcome is the per-position result of a mark-to-market batch.
// A failure on one position never blocks the others.
type MTMOutcome struct {
	PaperID       string          `json:"paper_id"`
	ProductCode   string          `json:"product_code"`
	Status        string          `json:"status"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	Error         string          `json:"error,omitempty"`
}

// realized computes (price - entry) × quantity × lotSize × directionSign.
func realized(p *model.PaperPosition, price decimal.Decimal) decimal.Decimal {
	return price.Sub(p.EntryPrice).
		Mul(p.Quantity).
		Mul(p.LotSize).
		Mul(p.Direction.Sign())
}

// Close closes an open paper position at the given price, freezing its
// realized P&L. Closing is terminal: the position is thereafter excluded
// from open-position aggregation and mark-to-market.
func (c *Calculator) Close(ctx context.Context, paperID string, closingPrice decimal.Decimal, closeDate time.Time, actor string) (*model.PaperPosition, error) {
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		p, err := c.store.GetPaperPosition(ctx, paperID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fault.New(fault.NotFound, "paper position %s not found", paperID)
			}
			return nil, err
		}
		if p.Status != model.PositionOpen {
			return nil, fault.New(fault.BusinessRule, "position %s is already %s", paperID, p.Status)
		}

		d := closeDate
		p.Status = model.PositionClosed
		p.ClosingPrice = closingPrice
		p.CloseDate = &d
		p.RealizedPnL = realized(p, closingPrice)
		p.CurrentPrice = closingPrice
		p.UnrealizedPnL = decimal.Zero

		err = c.store.UpdatePaperPosition(ctx, p, p.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.ConcurrencyRetries.WithLabelValues("close_position").Inc()
			continue
		}
		if err != nil {
			return nil, err
		}

		c.audit(ctx, paperID, actor, "closed at "+closingPrice.String()+", realized "+p.RealizedPnL.String())
		slog.Info("position closed",
			"paper", paperID,
			"closing_price", closingPrice.String(),
			"realized_pnl", p.RealizedPnL.String(),
			"actor", actor,
		)
		return p, nil
	}

	return nil, fault.New(fault.Conflict,
		"close of %s lost %d concurrent update races", paperID, c.maxRetries)
}

// MarkToMarket revalues every open position whose product has a supplied
// price, setting currentPrice and unrealized P&L. Each position's update
// is independently atomic; the batch returns a per-position outcome list
// rather than an all-or-nothing result. The run stops early when ctx is
// cancelled.
func (c *Calculator) MarkToMarket(ctx context.Context, pricesByProduct map[string]decimal.Decimal, mtmDate time.Time, actor string) ([]MTMOutcome, error) {
	open, err := c.store.ListOpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	outcomes := make([]MTMOutcome, 0, len(open))
	for i := range open {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		p := open[i]
		price, ok := pricesByProduct[p.ProductCode]
		if !ok {
			metrics.MTMOutcomes.WithLabelValues(MTMSkipped).Inc()
			outcomes = append(outcomes, MTMOutcome{
				PaperID:     p.ID,
				ProductCode: p.ProductCode,
				Status:      MTMSkipped,
			})
			continue
		}

		outcomes = append(outcomes, c.markOne(ctx, p.ID, price))
	}

	slog.Info("mark-to-market batch complete",
		"positions", len(open),
		"as_of", mtmDate.Format("2006-01-02"),
		"actor", actor,
	)
	return outcomes, nil
}

// markOne revalues one position as its own atomic read-modify-write
// unit, retried on lost races.
func (c *Calculator) markOne(ctx context.Context, paperID string, price decimal.Decimal) MTMOutcome {
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		p, err := c.store.GetPaperPosition(ctx, paperID)
		if err != nil {
			metrics.MTMOutcomes.WithLabelValues(MTMFailed).Inc()
			return MTMOutcome{PaperID: paperID, Status: MTMFailed, Error: err.Error()}
		}
		if p.Status != model.PositionOpen {
			// Closed between listing and revaluation; nothing to do.
			metrics.MTMOutcomes.WithLabelValues(MTMSkipped).Inc()
			return MTMOutcome{PaperID: paperID, ProductCode: p.ProductCode, Status: MTMSkipped}
		}

		p.CurrentPrice = price
		p.UnrealizedPnL = realized(p, price)

		err = c.store.UpdatePaperPosition(ctx, p, p.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.ConcurrencyRetries.WithLabelValues("mark_to_market").Inc()
			continue
		}
		if err != nil {
			metrics.MTMOutcomes.WithLabelValues(MTMFailed).Inc()
			return MTMOutcome{PaperID: paperID, ProductCode: p.ProductCode, Status: MTMFailed, Error: err.Error()}
		}

		metrics.MTMOutcomes.WithLabelValues(MTMUpdated).Inc()
		return MTMOutcome{
			PaperID:       paperID,
			ProductCode:   p.ProductCode,
			Status:        MTMUpdated,
			UnrealizedPnL: p.UnrealizedPnL,
		}
	}

	metrics.MTMOutcomes.WithLabelValues(MTMFailed).Inc()
	return MTMOutcome{PaperID: paperID, Status: MTMFailed, Error: "concurrent update races exhausted"}
}

func (c *Calculator) audit(ctx context.Context, entityID, actor, detail string) {
	entry := model.AuditEntry{
		ID:        uuid.New().String(),
		EntityID:  entityID,
		Action:    ActionClose,
		Actor:     actor,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := c.store.AppendAudit(ctx, entry); err != nil {
		slog.Error("audit append failed", "entity", entityID, "err", err)
	}
}
