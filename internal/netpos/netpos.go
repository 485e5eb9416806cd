// Package netpos implements the net position aggregator: combining
// physical quantities, matches, hedge designations, settlements, and
// market prices into per-(product, period) exposure buckets.
//
// Buckets are pure functions of one store snapshot — recomputing with
// identical inputs always yields identical outputs. There are no hidden
// running totals.
package netpos

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/oiltrading/recon-engine/internal/metrics"
	"github.com/oiltrading/recon-engine/internal/model"
	"github.com/oiltrading/recon-engine/internal/store"
)

var hundred = decimal.NewFromInt(100)

// Aggregator computes net position buckets on demand.
type Aggregator struct {
	store    store.Store
	workers  int
	floorCap bool
}

// NewAggregator creates an aggregator. workers sets how many buckets are
// computed in parallel; floorCap, when true, floors adjustedNetExposure
// at zero when hedge coverage exceeds the physical net position.
func NewAggregator(st store.Store, workers int, floorCap bool) *Aggregator {
	if workers < 1 {
		workers = 1
	}
	return &Aggregator{store: st, workers: workers, floorCap: floorCap}
}

// Options narrow an aggregation pass. Zero values mean no filtering.
type Options struct {
	// ProductFilter restricts the result to one product code.
	ProductFilter string

	// AsOf excludes contracts, matches, and positions created after the
	// given instant. Zero means current state.
	AsOf time.Time
}

type bucketKey struct {
	product string
	period  string
}

// accum holds the component sums for one bucket before the derived
// figures are computed.
type accum struct {
	purchaseQty decimal.Decimal
	saleQty     decimal.Decimal
	matchedQty  decimal.Decimal
	hedgeQty    decimal.Decimal
	settledBuy  decimal.Decimal
	settledSell decimal.Decimal
}

// Compute returns one bucket per (product, period) pair present in the
// physical contract population, derived from a single consistent store
// snapshot. A missing market price never fails a bucket: its
// exposureValue is zeroed and the bucket flagged instead. Long runs stop
// early when ctx is cancelled.
func (a *Aggregator) Compute(ctx context.Context, opts Options) ([]model.NetPositionBucket, error) {
	start := time.Now()
	defer func() {
		metrics.AggregationDuration.Observe(time.Since(start).Seconds())
	}()

	snap, err := a.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	accums := accumulate(snap, opts)

	keys := make([]bucketKey, 0, len(accums))
	for k := range accums {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].product != keys[j].product {
			return keys[i].product < keys[j].product
		}
		return keys[i].period < keys[j].period
	})

	// Buckets are independent: fan the derived-figure computation out
	// across workers, preserving the sorted order in the result slice.
	buckets := make([]model.NetPositionBucket, len(keys))
	var wg sync.WaitGroup
	sem := make(chan struct{}, a.workers)

	for i, k := range keys {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, k bucketKey) {
			defer wg.Done()
			defer func() { <-sem }()
			buckets[i] = a.finish(k, accums[k], snap.Prices)
		}(i, k)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return buckets, nil
}

// accumulate runs the single pass over the snapshot that attributes every
// source record to its bucket. Match quantities are attributed wholly to
// the purchase contract's own period (purchase-period policy); designated
// hedge quantities attach to the hedged contract's bucket.
func accumulate(snap *model.Snapshot, opts Options) map[bucketKey]*accum {
	cutoff := func(t time.Time) bool {
		return !opts.AsOf.IsZero() && t.After(opts.AsOf)
	}

	contractsByID := make(map[string]*model.PhysicalContract, len(snap.Contracts))
	accums := make(map[bucketKey]*accum)

	get := func(k bucketKey) *accum {
		ac, ok := accums[k]
		if !ok {
			ac = &accum{}
			accums[k] = ac
		}
		return ac
	}

	for i := range snap.Contracts {
		c := &snap.Contracts[i]
		if opts.ProductFilter != "" && c.ProductCode != opts.ProductFilter {
			continue
		}
		if cutoff(c.CreatedAt) {
			continue
		}
		contractsByID[c.ID] = c

		ac := get(bucketKey{c.ProductCode, c.Period})
		switch c.Kind {
		case model.KindPurchase:
			ac.purchaseQty = ac.purchaseQty.Add(c.ContractQty)
		case model.KindSale:
			ac.saleQty = ac.saleQty.Add(c.ContractQty)
		}
	}

	for _, m := range snap.Matches {
		if cutoff(m.MatchDate) {
			continue
		}
		purchase, ok := contractsByID[m.PurchaseContractID]
		if !ok {
			continue
		}
		ac := get(bucketKey{purchase.ProductCode, purchase.Period})
		ac.matchedQty = ac.matchedQty.Add(m.Quantity)
	}

	for i := range snap.Positions {
		p := &snap.Positions[i]
		if p.Status != model.PositionOpen || !p.IsDesignated() {
			continue
		}
		if cutoff(p.CreatedAt) {
			continue
		}
		hedged, ok := contractsByID[p.HedgedContractID]
		if !ok {
			continue
		}
		ac := get(bucketKey{hedged.ProductCode, hedged.Period})
		ac.hedgeQty = ac.hedgeQty.Add(p.HedgedQuantity())
	}

	for _, e := range snap.Settlements {
		c, ok := contractsByID[e.ContractID]
		if !ok {
			continue
		}
		ac := get(bucketKey{c.ProductCode, c.Period})
		switch c.Kind {
		case model.KindPurchase:
			ac.settledBuy = ac.settledBuy.Add(e.SettledQty)
		case model.KindSale:
			ac.settledSell = ac.settledSell.Add(e.SettledQty)
		}
	}

	return accums
}

// finish derives the net figures for one bucket from its component sums.
func (a *Aggregator) finish(k bucketKey, ac *accum, prices map[string]model.MarketPrice) model.NetPositionBucket {
	b := model.NetPositionBucket{
		ProductCode:         k.product,
		Period:              k.period,
		PhysicalPurchaseQty: ac.purchaseQty,
		PhysicalSaleQty:     ac.saleQty,
		MatchedQty:          ac.matchedQty,
		DesignatedHedgeQty:  ac.hedgeQty,
		SettledPurchaseQty:  ac.settledBuy,
		SettledSaleQty:      ac.settledSell,
	}

	b.ContractNetPosition = ac.purchaseQty.Sub(ac.saleQty)
	b.AdjustedNetExposure = b.ContractNetPosition.Sub(ac.matchedQty).Sub(ac.hedgeQty)
	if a.floorCap && b.AdjustedNetExposure.IsNegative() {
		b.AdjustedNetExposure = decimal.Zero
	}

	if price, ok := prices[k.product]; ok {
		b.ExposureValue = b.AdjustedNetExposure.Abs().Mul(price.Price)
	} else {
		// Data-quality downgrade: flag the bucket instead of failing
		// the whole aggregation run.
		b.ExposureValue = decimal.Zero
		b.PriceMissing = true
		metrics.BucketsMissingPrice.Inc()
	}

	if ac.purchaseQty.IsPositive() {
		b.HedgeRatioAchieved = ac.matchedQty.Div(ac.purchaseQty).Mul(hundred)
	} else {
		b.HedgeRatioAchieved = decimal.Zero
	}

	return b
}
