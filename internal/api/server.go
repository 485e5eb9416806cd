// Package api exposes the reconciliation engine over HTTP. The engine
// itself is a set of in-process services; these handlers only decode
// requests, call through, and translate fault codes to status codes.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oiltrading/recon-engine/internal/fault"
	"github.com/oiltrading/recon-engine/internal/hedge"
	"github.com/oiltrading/recon-engine/internal/matching"
	"github.com/oiltrading/recon-engine/internal/model"
	"github.com/oiltrading/recon-engine/internal/netpos"
	"github.com/oiltrading/recon-engine/internal/pnl"
	"github.com/oiltrading/recon-engine/internal/product"
	"github.com/oiltrading/recon-engine/internal/risk"
	"github.com/oiltrading/recon-engine/internal/store"
)

// Server bundles the engine services behind HTTP handlers.
// Pass nil for hub if WebSocket broadcasting is not needed.
type Server struct {
	store    store.Store
	matching *matching.Service
	hedge    *hedge.Service
	netpos   *netpos.Aggregator
	pnl      *pnl.Calculator
	risk     *risk.Engine
	hub      *WSHub
}

// NewServer creates an API server over the given services.
func NewServer(st store.Store, m *matching.Service, h *hedge.Service, n *netpos.Aggregator, p *pnl.Calculator, r *risk.Engine, hub *WSHub) *Server {
	return &Server{store: st, matching: m, hedge: h, netpos: n, pnl: p, risk: r, hub: hub}
}

// Mount registers all routes on the router.
func (s *Server) Mount(r chi.Router) {
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}

	r.Post("/contracts", s.createContract)
	r.Get("/contracts", s.listContracts)
	r.Get("/contracts/available", s.availablePurchases)
	r.Get("/contracts/unmatched-sales", s.unmatchedSales)
	r.Get("/contracts/{contractID}/matches", s.matchesForPurchase)
	r.Get("/contracts/{contractID}/hedges", s.hedgesForContract)

	r.Post("/matches", s.createMatch)

	r.Post("/paper", s.createPaper)
	r.Get("/paper/{paperID}", s.getPaper)
	r.Post("/paper/{paperID}/designate", s.designate)
	r.Delete("/paper/{paperID}/designation", s.removeDesignation)
	r.Put("/paper/{paperID}/effectiveness", s.updateEffectiveness)
	r.Put("/paper/{paperID}/ratio", s.updateRatio)
	r.Post("/paper/{paperID}/close", s.closePosition)
	r.Get("/paper/{paperID}/audit", s.auditTrail)
	r.Post("/paper/mark-to-market", s.markToMarket)

	r.Get("/hedges", s.designatedHedges)
	r.Get("/hedges/below-threshold", s.hedgesBelowThreshold)
	r.Get("/hedges/eligible", s.eligiblePositions)

	r.Get("/positions/net", s.netPositions)

	r.Post("/prices", s.upsertPrice)
	r.Post("/settlements", s.recordSettlement)

	r.Get("/risk/stress", s.stressTest)
	r.Get("/risk/portfolio-value", s.portfolioValue)
	r.Post("/risk/var", s.historicalVaR)
}

// --- Request/Response types ---

// CreateContractRequest is the JSON body for physical contract creation.
type CreateContractRequest struct {
	Kind         model.ContractKind `json:"kind"`
	ProductCode  string             `json:"product_code"`
	Counterparty string             `json:"counterparty"`
	ContractQty  decimal.Decimal    `json:"contract_qty"`
	Unit         string             `json:"unit"`
	Period       string             `json:"period"`
}

// CreateMatchRequest is the JSON body for POST /matches.
type CreateMatchRequest struct {
	PurchaseContractID string          `json:"purchase_contract_id"`
	SaleContractID     string          `json:"sale_contract_id"`
	Quantity           decimal.Decimal `json:"quantity"`
	Actor              string          `json:"actor"`
	Notes              string          `json:"notes"`
}

// CreatePaperRequest is the JSON body for paper position creation.
type CreatePaperRequest struct {
	ProductCode    string          `json:"product_code"`
	ContractPeriod string          `json:"contract_period"`
	Direction      model.Direction `json:"direction"`
	Quantity       decimal.Decimal `json:"quantity"`
	LotSize        decimal.Decimal `json:"lot_size"`
	EntryPrice     decimal.Decimal `json:"entry_price"`
}

// DesignateRequest is the JSON body for hedge designation.
type DesignateRequest struct {
	HedgedContractID   string             `json:"hedged_contract_id"`
	HedgedContractKind model.ContractKind `json:"hedged_contract_kind"`
	Ratio              decimal.Decimal    `json:"ratio"`
	Actor              string             `json:"actor"`
}

// RemoveDesignationRequest carries the removal reason for the audit trail.
type RemoveDesignationRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// UpdateEffectivenessRequest sets a hedge effectiveness score.
type UpdateEffectivenessRequest struct {
	Percent decimal.Decimal `json:"percent"`
	Actor   string          `json:"actor"`
}

// UpdateRatioRequest sets a new hedge ratio.
type UpdateRatioRequest struct {
	Ratio decimal.Decimal `json:"ratio"`
	Actor string          `json:"actor"`
}

// ClosePositionRequest is the JSON body for POST /paper/{id}/close.
type ClosePositionRequest struct {
	ClosingPrice decimal.Decimal `json:"closing_price"`
	CloseDate    time.Time       `json:"close_date"`
	Actor        string          `json:"actor"`
}

// MarkToMarketRequest supplies as-of prices for an MTM batch.
type MarkToMarketRequest struct {
	Prices  map[string]decimal.Decimal `json:"prices"`
	MTMDate time.Time                  `json:"mtm_date"`
	Actor   string                     `json:"actor"`
}

// UpsertPriceRequest stores a market price.
type UpsertPriceRequest struct {
	ProductCode string          `json:"product_code"`
	Price       decimal.Decimal `json:"price"`
	AsOf        time.Time       `json:"as_of"`
}

// VaRRequest supplies the historical daily-return series for a
// value-at-risk calculation.
type VaRRequest struct {
	Returns []decimal.Decimal `json:"returns"`
}

// RecordSettlementRequest posts a settled quantity against a contract.
type RecordSettlementRequest struct {
	ContractID string          `json:"contract_id"`
	SettledQty decimal.Decimal `json:"settled_qty"`
}

// --- Contract handlers ---

func (s *Server) createContract(w http.ResponseWriter, r *http.Request) {
	var req CreateContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Kind != model.KindPurchase && req.Kind != model.KindSale {
		writeError(w, "kind must be Purchase or Sale", http.StatusBadRequest)
		return
	}
	if req.ContractQty.LessThanOrEqual(decimal.Zero) {
		writeError(w, "contract_qty must be positive", http.StatusBadRequest)
		return
	}
	if !product.Known(req.ProductCode) {
		writeError(w, "unknown product code: "+req.ProductCode, http.StatusBadRequest)
		return
	}
	if err := product.ValidatePeriod(req.Period); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	unit := req.Unit
	if unit == "" {
		unit = "MT"
	}

	c := &model.PhysicalContract{
		ID:           uuid.New().String(),
		Kind:         req.Kind,
		ProductCode:  req.ProductCode,
		Counterparty: req.Counterparty,
		ContractQty:  req.ContractQty,
		MatchedQty:   decimal.Zero,
		Unit:         unit,
		Period:       req.Period,
		Status:       model.ContractActive,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateContract(r.Context(), c); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) listContracts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	contracts, err := s.store.ListContracts(r.Context(), store.ContractFilter{
		Kind:         model.ContractKind(q.Get("kind")),
		ProductCode:  q.Get("product"),
		Status:       q.Get("status"),
		Counterparty: q.Get("counterparty"),
	})
	if err != nil {
		writeError(w, "failed to list contracts", http.StatusInternalServerError)
		return
	}
	if contracts == nil {
		contracts = []model.PhysicalContract{}
	}
	writeJSON(w, http.StatusOK, contracts)
}

func (s *Server) availablePurchases(w http.ResponseWriter, r *http.Request) {
	out, err := s.matching.AvailablePurchases(r.Context())
	if err != nil {
		writeError(w, "failed to list available purchases", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) unmatchedSales(w http.ResponseWriter, r *http.Request) {
	out, err := s.matching.UnmatchedSales(r.Context())
	if err != nil {
		writeError(w, "failed to list unmatched sales", http.StatusInternalServerError)
		return
	}
	if out == nil {
		out = []model.PhysicalContract{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) matchesForPurchase(w http.ResponseWriter, r *http.Request) {
	out, err := s.matching.MatchesForPurchase(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		writeError(w, "failed to list matches", http.StatusInternalServerError)
		return
	}
	if out == nil {
		out = []model.ContractMatch{}
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Matching ---

func (s *Server) createMatch(w http.ResponseWriter, r *http.Request) {
	var req CreateMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	result, err := s.matching.CreateMatch(r.Context(),
		req.PurchaseContractID, req.SaleContractID, req.Quantity, req.Actor, req.Notes)
	if err != nil {
		writeFault(w, err)
		return
	}

	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:     "match_created",
			EntityID: result.MatchID,
			Quantity: result.MatchedQty.String(),
		})
	}
	writeJSON(w, http.StatusCreated, result)
}

// --- Paper positions / hedges ---

func (s *Server) createPaper(w http.ResponseWriter, r *http.Request) {
	var req CreatePaperRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Direction != model.DirLong && req.Direction != model.DirShort {
		writeError(w, "direction must be Long or Short", http.StatusBadRequest)
		return
	}
	if req.Quantity.LessThanOrEqual(decimal.Zero) || req.LotSize.LessThanOrEqual(decimal.Zero) {
		writeError(w, "quantity and lot_size must be positive", http.StatusBadRequest)
		return
	}
	if !product.Known(req.ProductCode) {
		writeError(w, "unknown product code: "+req.ProductCode, http.StatusBadRequest)
		return
	}
	if err := product.ValidatePeriod(req.ContractPeriod); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	p := &model.PaperPosition{
		ID:             uuid.New().String(),
		ProductCode:    req.ProductCode,
		ContractPeriod: req.ContractPeriod,
		Direction:      req.Direction,
		Quantity:       req.Quantity,
		LotSize:        req.LotSize,
		EntryPrice:     req.EntryPrice,
		CurrentPrice:   req.EntryPrice,
		Status:         model.PositionOpen,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.store.CreatePaperPosition(r.Context(), p); err != nil {
		writeError(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) getPaper(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetPaperPosition(r.Context(), chi.URLParam(r, "paperID"))
	if err != nil {
		writeError(w, "paper position not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) designate(w http.ResponseWriter, r *http.Request) {
	var req DesignateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.hedge.Designate(r.Context(), chi.URLParam(r, "paperID"),
		req.HedgedContractID, req.HedgedContractKind, req.Ratio, req.Actor)
	if err != nil {
		writeFault(w, err)
		return
	}

	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:        "hedge_designated",
			EntityID:    p.ID,
			ProductCode: p.ProductCode,
			Quantity:    p.HedgedQuantity().String(),
		})
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) removeDesignation(w http.ResponseWriter, r *http.Request) {
	var req RemoveDesignationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.hedge.RemoveDesignation(r.Context(), chi.URLParam(r, "paperID"), req.Reason, req.Actor)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) updateEffectiveness(w http.ResponseWriter, r *http.Request) {
	var req UpdateEffectivenessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.hedge.UpdateEffectiveness(r.Context(), chi.URLParam(r, "paperID"), req.Percent, req.Actor)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) updateRatio(w http.ResponseWriter, r *http.Request) {
	var req UpdateRatioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	p, err := s.hedge.UpdateRatio(r.Context(), chi.URLParam(r, "paperID"), req.Ratio, req.Actor)
	if err != nil {
		writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) auditTrail(w http.ResponseWriter, r *http.Request) {
	entries, err := s.hedge.AuditTrail(r.Context(), chi.URLParam(r, "paperID"))
	if err != nil {
		writeError(w, "failed to load audit trail", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) designatedHedges(w http.ResponseWriter, r *http.Request) {
	s.writePositions(w, r, func() ([]model.PaperPosition, error) {
		return s.hedge.DesignatedHedges(r.Context())
	})
}

func (s *Server) hedgesForContract(w http.ResponseWriter, r *http.Request) {
	s.writePositions(w, r, func() ([]model.PaperPosition, error) {
		return s.hedge.HedgesForContract(r.Context(), chi.URLParam(r, "contractID"))
	})
}

func (s *Server) hedgesBelowThreshold(w http.ResponseWriter, r *http.Request) {
	var threshold *decimal.Decimal
	if v := r.URL.Query().Get("threshold"); v != "" {
		t, err := decimal.NewFromString(v)
		if err != nil {
			writeError(w, "invalid threshold", http.StatusBadRequest)
			return
		}
		threshold = &t
	}
	s.writePositions(w, r, func() ([]model.PaperPosition, error) {
		return s.hedge.BelowThreshold(r.Context(), threshold)
	})
}

func (s *Server) eligiblePositions(w http.ResponseWriter, r *http.Request) {
	s.writePositions(w, r, func() ([]model.PaperPosition, error) {
		return s.hedge.Eligible(r.Context())
	})
}

func (s *Server) writePositions(w http.ResponseWriter, _ *http.Request, list func() ([]model.PaperPosition, error)) {
	positions, err := list()
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.PaperPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// --- Aggregation ---

func (s *Server) netPositions(w http.ResponseWriter, r *http.Request) {
	opts := netpos.Options{ProductFilter: r.URL.Query().Get("product")}
	if v := r.URL.Query().Get("as_of"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, "as_of must be RFC3339", http.StatusBadRequest)
			return
		}
		opts.AsOf = t
	}

	buckets, err := s.netpos.Compute(r.Context(), opts)
	if err != nil {
		writeError(w, "aggregation failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if buckets == nil {
		buckets = []model.NetPositionBucket{}
	}
	writeJSON(w, http.StatusOK, buckets)
}

// --- P&L ---

func (s *Server) closePosition(w http.ResponseWriter, r *http.Request) {
	var req ClosePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	closeDate := req.CloseDate
	if closeDate.IsZero() {
		closeDate = time.Now().UTC()
	}

	p, err := s.pnl.Close(r.Context(), chi.URLParam(r, "paperID"), req.ClosingPrice, closeDate, req.Actor)
	if err != nil {
		writeFault(w, err)
		return
	}

	if s.hub != nil {
		s.hub.Broadcast(Event{
			Type:        "position_closed",
			EntityID:    p.ID,
			ProductCode: p.ProductCode,
			Detail:      "realized " + p.RealizedPnL.String(),
		})
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) markToMarket(w http.ResponseWriter, r *http.Request) {
	var req MarkToMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	mtmDate := req.MTMDate
	if mtmDate.IsZero() {
		mtmDate = time.Now().UTC()
	}

	outcomes, err := s.pnl.MarkToMarket(r.Context(), req.Prices, mtmDate, req.Actor)
	if err != nil {
		writeError(w, "mark-to-market failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	if s.hub != nil {
		s.hub.Broadcast(Event{Type: "mtm_completed", Detail: mtmDate.Format("2006-01-02")})
	}
	writeJSON(w, http.StatusOK, outcomes)
}

// --- Market data / settlements ---

func (s *Server) upsertPrice(w http.ResponseWriter, r *http.Request) {
	var req UpsertPriceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ProductCode == "" {
		writeError(w, "product_code is required", http.StatusBadRequest)
		return
	}
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	price := model.MarketPrice{ProductCode: req.ProductCode, Price: req.Price, AsOf: asOf}
	if err := s.store.UpsertPrice(r.Context(), price); err != nil {
		writeError(w, "failed to store price", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, price)
}

func (s *Server) recordSettlement(w http.ResponseWriter, r *http.Request) {
	var req RecordSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	e := model.SettlementEntry{
		ContractID: req.ContractID,
		SettledQty: req.SettledQty,
		PostedAt:   time.Now().UTC(),
	}
	if err := s.store.RecordSettlement(r.Context(), e); err != nil {
		writeError(w, "failed to record settlement", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// --- Risk ---

func (s *Server) stressTest(w http.ResponseWriter, r *http.Request) {
	open, err := s.store.ListOpenPositions(r.Context())
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}

	// Stress uses the stored market prices for every open product.
	prices := make(map[string]decimal.Decimal)
	for i := range open {
		code := open[i].ProductCode
		if _, ok := prices[code]; ok {
			continue
		}
		if p, err := s.store.GetPrice(r.Context(), code); err == nil {
			prices[code] = p.Price
		}
	}

	results, err := s.risk.StressTest(r.Context(), prices)
	if err != nil {
		writeError(w, "stress test failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) historicalVaR(w http.ResponseWriter, r *http.Request) {
	var req VaRRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.risk.HistoricalVaR(r.Context(), req.Returns)
	if err != nil {
		writeError(w, "var calculation failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) portfolioValue(w http.ResponseWriter, r *http.Request) {
	value, err := s.risk.PortfolioValue(r.Context())
	if err != nil {
		writeError(w, "failed to value portfolio", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"portfolio_value": value})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeFault maps the engine's error taxonomy to HTTP status codes.
func writeFault(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch fault.CodeOf(err) {
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.Validation:
		status = http.StatusBadRequest
	case fault.BusinessRule, fault.Conflict:
		status = http.StatusConflict
	}
	writeError(w, err.Error(), status)
}
