// Package risk provides portfolio valuation, stress-test scenarios, and
// historical value-at-risk over open paper positions.
package risk

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/oiltrading/recon-engine/internal/model"
	"github.com/oiltrading/recon-engine/internal/store"
)

// Engine runs risk calculations against the open paper book.
type Engine struct {
	store store.Store
}

// NewEngine creates a risk engine.
func NewEngine(st store.Store) *Engine {
	return &Engine{store: st}
}

// StressResult is the P&L impact of one predefined price-shock scenario.
type StressResult struct {
	Scenario    string          `json:"scenario"`
	PnLImpact   decimal.Decimal `json:"pnl_impact"`
	Description string          `json:"description"`
}

// VaRResult holds value-at-risk figures at the two standard confidence
// levels.
type VaRResult struct {
	VaR95 decimal.Decimal `json:"var95"`
	VaR99 decimal.Decimal `json:"var99"`
}

// PortfolioValue is the gross value of the open book:
// Σ |quantity × lotSize × currentPrice|.
func (e *Engine) PortfolioValue(ctx context.Context) (decimal.Decimal, error) {
	open, err := e.store.ListOpenPositions(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return portfolioValue(open), nil
}

func portfolioValue(positions []model.PaperPosition) decimal.Decimal {
	total := decimal.Zero
	for i := range positions {
		p := &positions[i]
		total = total.Add(p.Quantity.Mul(p.LotSize).Mul(p.CurrentPrice).Abs())
	}
	return total
}

// StressTest applies the predefined shock scenarios to every open
// position with a supplied current price:
// impact = Δprice × quantity × lotSize × directionSign.
func (e *Engine) StressTest(ctx context.Context, currentPrices map[string]decimal.Decimal) ([]StressResult, error) {
	open, err := e.store.ListOpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	scenarios := []struct {
		name        string
		shock       decimal.Decimal
		description string
	}{
		{"-10% Shock", decimal.NewFromFloat(-0.10), "10% decline in all oil and fuel prices"},
		{"+10% Shock", decimal.NewFromFloat(0.10), "10% increase in all oil and fuel prices"},
		{"Historical Worst", decimal.NewFromFloat(-0.15), "repeat of historical worst daily oil price decline"},
	}

	out := make([]StressResult, 0, len(scenarios))
	for _, sc := range scenarios {
		out = append(out, StressResult{
			Scenario:    sc.name,
			PnLImpact:   shockImpact(open, currentPrices, sc.shock),
			Description: sc.description,
		})
	}
	return out, nil
}

func shockImpact(positions []model.PaperPosition, prices map[string]decimal.Decimal, shock decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for i := range positions {
		p := &positions[i]
		price, ok := prices[p.ProductCode]
		if !ok {
			continue
		}
		priceChange := price.Mul(shock)
		impact := priceChange.Mul(p.Quantity).Mul(p.LotSize).Mul(p.Direction.Sign())
		total = total.Add(impact)
	}
	return total
}

// HistoricalVaR computes 95% and 99% value-at-risk from historical
// portfolio returns by sorting and indexing into the loss tail:
// VaR = |sorted_returns[q] × portfolioValue|.
func (e *Engine) HistoricalVaR(ctx context.Context, returns []decimal.Decimal) (*VaRResult, error) {
	open, err := e.store.ListOpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	value := portfolioValue(open)

	if len(returns) == 0 {
		return &VaRResult{VaR95: decimal.Zero, VaR99: decimal.Zero}, nil
	}

	sorted := make([]decimal.Decimal, len(returns))
	copy(sorted, returns)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	idx95 := len(sorted) * 5 / 100
	idx99 := len(sorted) / 100

	return &VaRResult{
		VaR95: sorted[idx95].Mul(value).Abs(),
		VaR99: sorted[idx99].Mul(value).Abs(),
	}, nil
}
