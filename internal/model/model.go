// Package model defines the core domain types shared across the
// reconciliation engine. All quantities, prices, and P&L figures use
// shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContractKind distinguishes the two sides of a physical deal.
type ContractKind string

const (
	KindPurchase ContractKind = "Purchase"
	KindSale     ContractKind = "Sale"
)

// Contract lifecycle statuses.
const (
	ContractActive  = "Active"
	ContractSettled = "Settled"
	ContractClosed  = "Closed"
)

// PhysicalContract is a purchase or sale of a physical commodity.
// MatchedQty is maintained on the purchase side only and must never
// exceed ContractQty. Version is the optimistic concurrency token
// checked by the store on every mutation.
type PhysicalContract struct {
	ID           string          `json:"id" db:"id"`
	Kind         ContractKind    `json:"kind" db:"kind"`
	ProductCode  string          `json:"product_code" db:"product_code"`
	Counterparty string          `json:"counterparty" db:"counterparty"`
	ContractQty  decimal.Decimal `json:"contract_qty" db:"contract_qty"`
	MatchedQty   decimal.Decimal `json:"matched_qty" db:"matched_qty"`
	Unit         string          `json:"unit" db:"unit"`     // "MT"
	Period       string          `json:"period" db:"period"` // delivery period, "2006-01"
	Status       string          `json:"status" db:"status"`
	Version      int64           `json:"version" db:"version"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// AvailableQty is the unmatched remainder on a purchase contract.
func (c *PhysicalContract) AvailableQty() decimal.Decimal {
	return c.ContractQty.Sub(c.MatchedQty)
}

// ContractMatch pairs a purchase and a sale contract of the same product.
// Records are append-only: once created they are never modified or
// deleted — a reversal is a new compensating record.
type ContractMatch struct {
	ID                 string          `json:"id" db:"id"`
	PurchaseContractID string          `json:"purchase_contract_id" db:"purchase_contract_id"`
	SaleContractID     string          `json:"sale_contract_id" db:"sale_contract_id"`
	Quantity           decimal.Decimal `json:"quantity" db:"quantity"`
	MatchDate          time.Time       `json:"match_date" db:"match_date"`
	Actor              string          `json:"actor" db:"actor"`
	Notes              string          `json:"notes,omitempty" db:"notes"`
}

// Direction of a paper position.
type Direction string

const (
	DirLong  Direction = "Long"
	DirShort Direction = "Short"
)

// Sign returns +1 for long, -1 for short.
func (d Direction) Sign() decimal.Decimal {
	if d == DirShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Paper position statuses.
const (
	PositionOpen   = "Open"
	PositionClosed = "Closed"
)

// PaperPosition is a hedge-capable derivative contract. The hedge fields
// form a one-directional back-reference to a physical contract: the
// physical side stores no forward pointer.
type PaperPosition struct {
	ID             string          `json:"id" db:"id"`
	ProductCode    string          `json:"product_code" db:"product_code"`
	ContractPeriod string          `json:"contract_period" db:"contract_period"`
	Direction      Direction       `json:"direction" db:"direction"`
	Quantity       decimal.Decimal `json:"quantity" db:"quantity"` // lots
	LotSize        decimal.Decimal `json:"lot_size" db:"lot_size"`
	EntryPrice     decimal.Decimal `json:"entry_price" db:"entry_price"`
	CurrentPrice   decimal.Decimal `json:"current_price" db:"current_price"`
	UnrealizedPnL  decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	Status         string          `json:"status" db:"status"`

	// Set on close; RealizedPnL is frozen thereafter.
	ClosingPrice decimal.Decimal `json:"closing_price" db:"closing_price"`
	CloseDate    *time.Time      `json:"close_date,omitempty" db:"close_date"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`

	// Hedge designation. Empty HedgedContractID means undesignated.
	HedgedContractID   string          `json:"hedged_contract_id,omitempty" db:"hedged_contract_id"`
	HedgedContractKind ContractKind    `json:"hedged_contract_kind,omitempty" db:"hedged_contract_kind"`
	HedgeRatio         decimal.Decimal `json:"hedge_ratio" db:"hedge_ratio"`
	HedgeEffectiveness decimal.Decimal `json:"hedge_effectiveness" db:"hedge_effectiveness"` // 0..100
	DesignationDate    *time.Time      `json:"designation_date,omitempty" db:"designation_date"`

	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IsDesignated reports whether the position currently hedges a physical
// contract.
func (p *PaperPosition) IsDesignated() bool {
	return p.HedgedContractID != ""
}

// HedgedQuantity is quantity × hedge ratio while designated, zero
// otherwise.
func (p *PaperPosition) HedgedQuantity() decimal.Decimal {
	if !p.IsDesignated() {
		return decimal.Zero
	}
	return p.Quantity.Mul(p.HedgeRatio)
}

// MarketPrice is an externally supplied reference price for one product.
type MarketPrice struct {
	ProductCode string          `json:"product_code" db:"product_code"`
	Price       decimal.Decimal `json:"price" db:"price"`
	AsOf        time.Time       `json:"as_of" db:"as_of"`
}

// SettlementEntry is a settlement-adjusted quantity posted against one
// physical contract by the settlement collaborator.
type SettlementEntry struct {
	ContractID string          `json:"contract_id" db:"contract_id"`
	SettledQty decimal.Decimal `json:"settled_qty" db:"settled_qty"`
	PostedAt   time.Time       `json:"posted_at" db:"posted_at"`
}

// AuditEntry records a state-changing action. Entries are append-only.
type AuditEntry struct {
	ID        string    `json:"id" db:"id"`
	EntityID  string    `json:"entity_id" db:"entity_id"`
	Action    string    `json:"action" db:"action"`
	Actor     string    `json:"actor" db:"actor"`
	Detail    string    `json:"detail,omitempty" db:"detail"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// NetPositionBucket is the derived exposure picture for one
// (product, period) pair. Buckets are recomputed on demand from a single
// store snapshot, never maintained incrementally.
type NetPositionBucket struct {
	ProductCode string `json:"product_code"`
	Period      string `json:"period"`

	PhysicalPurchaseQty decimal.Decimal `json:"physical_purchase_qty"`
	PhysicalSaleQty     decimal.Decimal `json:"physical_sale_qty"`
	MatchedQty          decimal.Decimal `json:"matched_qty"` // natural hedge
	DesignatedHedgeQty  decimal.Decimal `json:"designated_hedge_qty"`
	SettledPurchaseQty  decimal.Decimal `json:"settled_purchase_qty"`
	SettledSaleQty      decimal.Decimal `json:"settled_sale_qty"`

	ContractNetPosition decimal.Decimal `json:"contract_net_position"` // purchase - sale, signed
	AdjustedNetExposure decimal.Decimal `json:"adjusted_net_exposure"`
	ExposureValue       decimal.Decimal `json:"exposure_value"`
	HedgeRatioAchieved  decimal.Decimal `json:"hedge_ratio_achieved"` // percent

	// PriceMissing flags a data-quality downgrade: no market price was
	// available for the product, so ExposureValue is zero.
	PriceMissing bool `json:"price_missing"`
}

// Snapshot is one consistent read of every source the aggregator
// combines. All slices are copies; mutating them does not affect the
// store.
type Snapshot struct {
	Contracts   []PhysicalContract
	Matches     []ContractMatch
	Positions   []PaperPosition
	Prices      map[string]MarketPrice
	Settlements []SettlementEntry
	TakenAt     time.Time
}
