package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/oiltrading/recon-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All quantities and prices are stored as NUMERIC for exact decimal
// precision. Optimistic concurrency uses a version column: updates carry
// `WHERE version = $n` and report ErrVersionConflict when no row matched.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const contractCols = `id, kind, product_code, counterparty,
	contract_qty::TEXT, matched_qty::TEXT, unit, period, status, version, created_at`

const positionCols = `id, product_code, contract_period, direction,
	quantity::TEXT, lot_size::TEXT, entry_price::TEXT, current_price::TEXT,
	unrealized_pnl::TEXT, status, closing_price::TEXT, close_date, realized_pnl::TEXT,
	COALESCE(hedged_contract_id, ''), COALESCE(hedged_contract_kind, ''),
	hedge_ratio::TEXT, hedge_effectiveness::TEXT, designation_date, version, created_at`

// --- Physical contracts ---

func (s *PostgresStore) CreateContract(ctx context.Context, c *model.PhysicalContract) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO physical_contracts
		   (id, kind, product_code, counterparty, contract_qty, matched_qty, unit, period, status, version, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11)`,
		c.ID, c.Kind, c.ProductCode, c.Counterparty,
		c.ContractQty.String(), c.MatchedQty.String(),
		c.Unit, c.Period, c.Status, c.Version, c.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetContract(ctx context.Context, id string) (*model.PhysicalContract, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+contractCols+` FROM physical_contracts WHERE id = $1`, id)

	c, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contract %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) ListContracts(ctx context.Context, f ContractFilter) ([]model.PhysicalContract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contractCols+`
		 FROM physical_contracts
		 WHERE ($1 = '' OR kind = $1)
		   AND ($2 = '' OR product_code = $2)
		   AND ($3 = '' OR status = $3)
		   AND ($4 = '' OR counterparty = $4)
		 ORDER BY created_at`,
		string(f.Kind), f.ProductCode, f.Status, f.Counterparty)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanContracts(rows)
}

func (s *PostgresStore) ListAvailablePurchases(ctx context.Context) ([]model.PhysicalContract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contractCols+`
		 FROM physical_contracts
		 WHERE kind = 'Purchase' AND matched_qty < contract_qty
		 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanContracts(rows)
}

func (s *PostgresStore) ListUnmatchedSales(ctx context.Context) ([]model.PhysicalContract, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+contractCols+`
		 FROM physical_contracts c
		 WHERE kind = 'Sale'
		   AND NOT EXISTS (SELECT 1 FROM contract_matches m WHERE m.sale_contract_id = c.id)
		 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanContracts(rows)
}

// ApplyMatch commits the match record and the counter increment in one
// transaction. The conditional UPDATE carries the version token; zero
// rows affected means another writer got there first and the whole unit
// rolls back.
func (s *PostgresStore) ApplyMatch(ctx context.Context, m *model.ContractMatch, expectedVersion int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE physical_contracts
		 SET matched_qty = matched_qty + $2::NUMERIC, version = version + 1
		 WHERE id = $1 AND version = $3`,
		m.PurchaseContractID, m.Quantity.String(), expectedVersion)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM physical_contracts WHERE id = $1)`,
			m.PurchaseContractID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO contract_matches
		   (id, purchase_contract_id, sale_contract_id, quantity, match_date, actor, notes)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7)`,
		m.ID, m.PurchaseContractID, m.SaleContractID,
		m.Quantity.String(), m.MatchDate, m.Actor, m.Notes,
	)
	if err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// --- Match log ---

func (s *PostgresStore) ListMatches(ctx context.Context) ([]model.ContractMatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, purchase_contract_id, sale_contract_id, quantity::TEXT, match_date, actor, notes
		 FROM contract_matches ORDER BY match_date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMatches(rows)
}

func (s *PostgresStore) ListMatchesByPurchase(ctx context.Context, purchaseID string) ([]model.ContractMatch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, purchase_contract_id, sale_contract_id, quantity::TEXT, match_date, actor, notes
		 FROM contract_matches WHERE purchase_contract_id = $1 ORDER BY match_date`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMatches(rows)
}

// --- Paper positions ---

func (s *PostgresStore) CreatePaperPosition(ctx context.Context, p *model.PaperPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO paper_positions
		   (id, product_code, contract_period, direction, quantity, lot_size,
		    entry_price, current_price, unrealized_pnl, status, closing_price,
		    close_date, realized_pnl, hedged_contract_id, hedged_contract_kind,
		    hedge_ratio, hedge_effectiveness, designation_date, version, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10, $11::NUMERIC, $12, $13::NUMERIC,
		         NULLIF($14, ''), NULLIF($15, ''), $16::NUMERIC, $17::NUMERIC, $18, $19, $20)`,
		p.ID, p.ProductCode, p.ContractPeriod, p.Direction,
		p.Quantity.String(), p.LotSize.String(),
		p.EntryPrice.String(), p.CurrentPrice.String(),
		p.UnrealizedPnL.String(), p.Status, p.ClosingPrice.String(),
		p.CloseDate, p.RealizedPnL.String(),
		p.HedgedContractID, string(p.HedgedContractKind),
		p.HedgeRatio.String(), p.HedgeEffectiveness.String(),
		p.DesignationDate, p.Version, p.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetPaperPosition(ctx context.Context, id string) (*model.PaperPosition, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionCols+` FROM paper_positions WHERE id = $1`, id)

	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get paper position %s: %w", id, err)
	}
	return p, nil
}

func (s *PostgresStore) UpdatePaperPosition(ctx context.Context, p *model.PaperPosition, expectedVersion int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE paper_positions
		 SET current_price = $2::NUMERIC, unrealized_pnl = $3::NUMERIC, status = $4,
		     closing_price = $5::NUMERIC, close_date = $6, realized_pnl = $7::NUMERIC,
		     hedged_contract_id = NULLIF($8, ''), hedged_contract_kind = NULLIF($9, ''),
		     hedge_ratio = $10::NUMERIC, hedge_effectiveness = $11::NUMERIC,
		     designation_date = $12, version = version + 1
		 WHERE id = $1 AND version = $13`,
		p.ID, p.CurrentPrice.String(), p.UnrealizedPnL.String(), p.Status,
		p.ClosingPrice.String(), p.CloseDate, p.RealizedPnL.String(),
		p.HedgedContractID, string(p.HedgedContractKind),
		p.HedgeRatio.String(), p.HedgeEffectiveness.String(),
		p.DesignationDate, expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM paper_positions WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	p.Version = expectedVersion + 1
	return nil
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context) ([]model.PaperPosition, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionCols+` FROM paper_positions WHERE status = 'Open' ORDER BY created_at`)
}

func (s *PostgresStore) ListDesignatedHedges(ctx context.Context) ([]model.PaperPosition, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionCols+`
		 FROM paper_positions
		 WHERE status = 'Open' AND hedged_contract_id IS NOT NULL
		 ORDER BY created_at`)
}

func (s *PostgresStore) ListHedgesForContract(ctx context.Context, contractID string) ([]model.PaperPosition, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionCols+`
		 FROM paper_positions WHERE hedged_contract_id = $1 ORDER BY created_at`, contractID)
}

func (s *PostgresStore) ListHedgesBelowEffectiveness(ctx context.Context, threshold decimal.Decimal) ([]model.PaperPosition, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionCols+`
		 FROM paper_positions
		 WHERE hedged_contract_id IS NOT NULL AND hedge_effectiveness < $1::NUMERIC
		 ORDER BY hedge_effectiveness`, threshold.String())
}

func (s *PostgresStore) ListEligiblePositions(ctx context.Context) ([]model.PaperPosition, error) {
	return s.queryPositions(ctx,
		`SELECT `+positionCols+`
		 FROM paper_positions
		 WHERE status = 'Open' AND hedged_contract_id IS NULL
		 ORDER BY created_at`)
}

func (s *PostgresStore) queryPositions(ctx context.Context, sql string, args ...any) ([]model.PaperPosition, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

// --- Market prices ---

func (s *PostgresStore) UpsertPrice(ctx context.Context, p model.MarketPrice) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_prices (product_code, price, as_of)
		 VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (product_code) DO UPDATE SET price = EXCLUDED.price, as_of = EXCLUDED.as_of`,
		p.ProductCode, p.Price.String(), p.AsOf,
	)
	return err
}

func (s *PostgresStore) GetPrice(ctx context.Context, productCode string) (*model.MarketPrice, error) {
	var p model.MarketPrice
	var priceS string

	err := s.pool.QueryRow(ctx,
		`SELECT product_code, price::TEXT, as_of FROM market_prices WHERE product_code = $1`,
		productCode).Scan(&p.ProductCode, &priceS, &p.AsOf)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Price, _ = decimal.NewFromString(priceS)
	return &p, nil
}

// --- Settlements ---

func (s *PostgresStore) RecordSettlement(ctx context.Context, e model.SettlementEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlements (contract_id, settled_qty, posted_at)
		 VALUES ($1, $2::NUMERIC, $3)`,
		e.ContractID, e.SettledQty.String(), e.PostedAt,
	)
	return err
}

// --- Audit trail ---

func (s *PostgresStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_entries (id, entity_id, action, actor, detail, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.EntityID, e.Action, e.Actor, e.Detail, e.Timestamp,
	)
	return err
}

func (s *PostgresStore) ListAuditForEntity(ctx context.Context, entityID string) ([]model.AuditEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_id, action, actor, detail, timestamp
		 FROM audit_entries WHERE entity_id = $1 ORDER BY timestamp`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.EntityID, &e.Action, &e.Actor, &e.Detail, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Aggregation ---

// Snapshot reads all five sources inside one REPEATABLE READ transaction
// so the aggregator sees a single consistent instant.
func (s *PostgresStore) Snapshot(ctx context.Context) (*model.Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	snap := &model.Snapshot{
		Prices:  make(map[string]model.MarketPrice),
		TakenAt: time.Now().UTC(),
	}

	rows, err := tx.Query(ctx, `SELECT `+contractCols+` FROM physical_contracts`)
	if err != nil {
		return nil, err
	}
	snap.Contracts, err = scanContracts(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	rows, err = tx.Query(ctx,
		`SELECT id, purchase_contract_id, sale_contract_id, quantity::TEXT, match_date, actor, notes
		 FROM contract_matches`)
	if err != nil {
		return nil, err
	}
	snap.Matches, err = scanMatches(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	rows, err = tx.Query(ctx, `SELECT `+positionCols+` FROM paper_positions`)
	if err != nil {
		return nil, err
	}
	snap.Positions, err = scanPositions(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	rows, err = tx.Query(ctx, `SELECT product_code, price::TEXT, as_of FROM market_prices`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var p model.MarketPrice
		var priceS string
		if err := rows.Scan(&p.ProductCode, &priceS, &p.AsOf); err != nil {
			rows.Close()
			return nil, err
		}
		p.Price, _ = decimal.NewFromString(priceS)
		snap.Prices[p.ProductCode] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.Query(ctx, `SELECT contract_id, settled_qty::TEXT, posted_at FROM settlements`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var e model.SettlementEntry
		var qtyS string
		if err := rows.Scan(&e.ContractID, &qtyS, &e.PostedAt); err != nil {
			rows.Close()
			return nil, err
		}
		e.SettledQty, _ = decimal.NewFromString(qtyS)
		snap.Settlements = append(snap.Settlements, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return snap, tx.Commit(ctx)
}

// --- Scan helpers ---

type pgxRow interface {
	Scan(dest ...any) error
}

func scanContract(row pgxRow) (*model.PhysicalContract, error) {
	var c model.PhysicalContract
	var contractQtyS, matchedQtyS string

	err := row.Scan(&c.ID, &c.Kind, &c.ProductCode, &c.Counterparty,
		&contractQtyS, &matchedQtyS, &c.Unit, &c.Period, &c.Status,
		&c.Version, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.ContractQty, _ = decimal.NewFromString(contractQtyS)
	c.MatchedQty, _ = decimal.NewFromString(matchedQtyS)
	return &c, nil
}

func scanContracts(rows pgx.Rows) ([]model.PhysicalContract, error) {
	var out []model.PhysicalContract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanMatches(rows pgx.Rows) ([]model.ContractMatch, error) {
	var out []model.ContractMatch
	for rows.Next() {
		var m model.ContractMatch
		var qtyS string
		if err := rows.Scan(&m.ID, &m.PurchaseContractID, &m.SaleContractID,
			&qtyS, &m.MatchDate, &m.Actor, &m.Notes); err != nil {
			return nil, err
		}
		m.Quantity, _ = decimal.NewFromString(qtyS)
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanPosition(row pgxRow) (*model.PaperPosition, error) {
	var p model.PaperPosition
	var qtyS, lotS, entryS, currentS, unrealS, closingS, realS, ratioS, effS string
	var hedgedID, hedgedKind string

	err := row.Scan(&p.ID, &p.ProductCode, &p.ContractPeriod, &p.Direction,
		&qtyS, &lotS, &entryS, &currentS, &unrealS, &p.Status,
		&closingS, &p.CloseDate, &realS,
		&hedgedID, &hedgedKind, &ratioS, &effS, &p.DesignationDate,
		&p.Version, &p.CreatedAt)
	if err != nil {
		return nil, err
	}

	p.Quantity, _ = decimal.NewFromString(qtyS)
	p.LotSize, _ = decimal.NewFromString(lotS)
	p.EntryPrice, _ = decimal.NewFromString(entryS)
	p.CurrentPrice, _ = decimal.NewFromString(currentS)
	p.UnrealizedPnL, _ = decimal.NewFromString(unrealS)
	p.ClosingPrice, _ = decimal.NewFromString(closingS)
	p.RealizedPnL, _ = decimal.NewFromString(realS)
	p.HedgedContractID = hedgedID
	p.HedgedContractKind = model.ContractKind(hedgedKind)
	p.HedgeRatio, _ = decimal.NewFromString(ratioS)
	p.HedgeEffectiveness, _ = decimal.NewFromString(effS)
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.PaperPosition, error) {
	var out []model.PaperPosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
