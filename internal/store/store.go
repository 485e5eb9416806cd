// Package store defines the persistence interface for the reconciliation
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/oiltrading/recon-engine/internal/model"
)

var (
	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrVersionConflict is returned when an optimistic update observed a
	// stale version token. Callers must re-read and retry.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrDuplicateID is returned when creating a record whose ID exists.
	ErrDuplicateID = errors.New("store: duplicate id")
)

// ContractFilter narrows contract listings. Zero fields match everything.
type ContractFilter struct {
	Kind         model.ContractKind
	ProductCode  string
	Status       string
	Counterparty string
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Physical contracts ---

	// CreateContract persists a new physical contract.
	CreateContract(ctx context.Context, c *model.PhysicalContract) error

	// GetContract retrieves a contract by ID.
	GetContract(ctx context.Context, id string) (*model.PhysicalContract, error)

	// ListContracts returns contracts matching the filter.
	ListContracts(ctx context.Context, f ContractFilter) ([]model.PhysicalContract, error)

	// ListAvailablePurchases returns purchase contracts with
	// matchedQty < contractQty.
	ListAvailablePurchases(ctx context.Context) ([]model.PhysicalContract, error)

	// ListUnmatchedSales returns sale contracts with no associated match.
	ListUnmatchedSales(ctx context.Context) ([]model.PhysicalContract, error)

	// ApplyMatch commits a new match record together with the purchase
	// contract's matchedQty increment as one atomic unit. Fails with
	// ErrVersionConflict if the purchase contract's version no longer
	// equals expectedVersion; neither the record nor the increment is
	// persisted in that case.
	ApplyMatch(ctx context.Context, m *model.ContractMatch, expectedVersion int64) error

	// --- Match log (append-only) ---

	// ListMatches returns every match record.
	ListMatches(ctx context.Context) ([]model.ContractMatch, error)

	// ListMatchesByPurchase returns matches against one purchase contract.
	ListMatchesByPurchase(ctx context.Context, purchaseID string) ([]model.ContractMatch, error)

	// --- Paper positions ---

	// CreatePaperPosition persists a new paper position.
	CreatePaperPosition(ctx context.Context, p *model.PaperPosition) error

	// GetPaperPosition retrieves a position by ID.
	GetPaperPosition(ctx context.Context, id string) (*model.PaperPosition, error)

	// UpdatePaperPosition replaces a position's mutable state iff its
	// stored version equals expectedVersion; bumps the version on success.
	UpdatePaperPosition(ctx context.Context, p *model.PaperPosition, expectedVersion int64) error

	// ListOpenPositions returns positions with status Open.
	ListOpenPositions(ctx context.Context) ([]model.PaperPosition, error)

	// ListDesignatedHedges returns open positions currently designated.
	ListDesignatedHedges(ctx context.Context) ([]model.PaperPosition, error)

	// ListHedgesForContract returns positions designated against one
	// physical contract.
	ListHedgesForContract(ctx context.Context, contractID string) ([]model.PaperPosition, error)

	// ListHedgesBelowEffectiveness returns designated positions with
	// effectiveness strictly below the threshold.
	ListHedgesBelowEffectiveness(ctx context.Context, threshold decimal.Decimal) ([]model.PaperPosition, error)

	// ListEligiblePositions returns open, undesignated positions.
	ListEligiblePositions(ctx context.Context) ([]model.PaperPosition, error)

	// --- Market prices ---

	// UpsertPrice stores the current price for a product.
	UpsertPrice(ctx context.Context, p model.MarketPrice) error

	// GetPrice returns the current price for a product, or ErrNotFound.
	GetPrice(ctx context.Context, productCode string) (*model.MarketPrice, error)

	// --- Settlements ---

	// RecordSettlement appends a settlement posting.
	RecordSettlement(ctx context.Context, e model.SettlementEntry) error

	// --- Audit trail (append-only) ---

	// AppendAudit appends an audit entry.
	AppendAudit(ctx context.Context, e model.AuditEntry) error

	// ListAuditForEntity returns the audit trail for one entity.
	ListAuditForEntity(ctx context.Context, entityID string) ([]model.AuditEntry, error)

	// --- Aggregation ---

	// Snapshot returns one consistent read of contracts, matches,
	// positions, prices, and settlements. Aggregation passes read a
	// single snapshot so pre- and post-mutation state are never mixed.
	Snapshot(ctx context.Context) (*model.Snapshot, error)
}
