// Package hedge implements the hedge designation manager: linking paper
// positions to physical contracts with a ratio and an effectiveness
// score, and maintaining the designation audit trail.
package hedge

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

// Audit trail actions recorded by this package.
const (
	ActionDesignate           = "hedge_designated"
	ActionRemoveDesignation   = "hedge_designation_removed"
	ActionUpdateEffectiveness = "hedge_effectiveness_updated"
	ActionUpdateRatio         = "hedge_ratio_updated"
)

var hundred = decimal.NewFromInt(100)

// Service mutates hedge state on paper positions. Mutations are
// read-modify-write units guarded by the position's version token and
// retried with fresh state on a lost race.
type Service struct {
	store      store.Store
	maxRetries int
	threshold  decimal.Decimal // default effectiveness report cutoff
}

// NewService creates a hedge designation service.
func NewService(st store.Store, maxRetries int, threshold decimal.Decimal) *Service {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Service{store: st, maxRetries: maxRetries, threshold: threshold}
}

// Designate links a paper position to a physical contract as a hedge.
// The position must exist, be open, and not already be designated;
// ratio must be positive.
func (s *Service) Designate(ctx context.Context, paperID, hedgedContractID string, hedgedKind model.ContractKind, ratio decimal.Decimal, actor string) (*model.PaperPosition, error) {
	if ratio.LessThanOrEqual(decimal.Zero) {
		return nil, fault.Bounded(fault.Validation, ratio, decimal.Zero,
			"hedge ratio must be positive, got %s", ratio)
	}
	if hedgedKind != model.KindPurchase && hedgedKind != model.KindSale {
		return nil, fault.New(fault.Validation, "unknown hedged contract kind %q", hedgedKind)
	}

	contract, err := s.store.GetContract(ctx, hedgedContractID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fault.New(fault.NotFound, "physical contract %s not found", hedgedContractID)
		}
		return nil, err
	}
	if contract.Kind != hedgedKind {
		return nil, fault.New(fault.BusinessRule,
			"contract %s is a %s, designation says %s", hedgedContractID, contract.Kind, hedgedKind)
	}

	updated, err := s.mutate(ctx, paperID, "designate", func(p *model.PaperPosition) error {
		if p.Status != model.PositionOpen {
			return fault.New(fault.BusinessRule, "position %s is %s, designation requires Open", paperID, p.Status)
		}
		if p.IsDesignated() {
			return fault.New(fault.BusinessRule,
				"position %s is already designated against %s", paperID, p.HedgedContractID)
		}
		now := time.Now().UTC()
		p.HedgedContractID = hedgedContractID
		p.HedgedContractKind = hedgedKind
		p.HedgeRatio = ratio
		p.DesignationDate = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.HedgeDesignations.WithLabelValues("designate").Inc()
	s.audit(ctx, paperID, ActionDesignate, actor, "hedged contract "+hedgedContractID)
	slog.Info("hedge designated",
		"paper", paperID, "contract", hedgedContractID, "ratio", ratio.String(), "actor", actor)
	return updated, nil
}

// RemoveDesignation clears the hedge fields. The position must currently
// be designated; the reason is retained in the audit trail.
func (s *Service) RemoveDesignation(ctx context.Context, paperID, reason, actor string) (*model.PaperPosition, error) {
	updated, err := s.mutate(ctx, paperID, "remove_designation", func(p *model.PaperPosition) error {
		if !p.IsDesignated() {
			return fault.New(fault.BusinessRule, "position %s has no hedge designation to remove", paperID)
		}
		if p.Status != model.PositionOpen {
			return fault.New(fault.BusinessRule, "position %s is %s, designation is frozen", paperID, p.Status)
		}
		p.HedgedContractID = ""
		p.HedgedContractKind = ""
		p.HedgeRatio = decimal.Zero
		p.HedgeEffectiveness = decimal.Zero
		p.DesignationDate = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.HedgeDesignations.WithLabelValues("remove").Inc()
	s.audit(ctx, paperID, ActionRemoveDesignation, actor, reason)
	slog.Info("hedge designation removed", "paper", paperID, "reason", reason, "actor", actor)
	return updated, nil
}

// UpdateEffectiveness sets the 0–100 effectiveness score. There is no
// designation precondition: the score feeds the below-threshold report
// regardless of current designation state.
func (s *Service) UpdateEffectiveness(ctx context.Context, paperID string, percent decimal.Decimal, actor string) (*model.PaperPosition, error) {
	if percent.IsNegative() || percent.GreaterThan(hundred) {
		return nil, fault.Bounded(fault.Validation, percent, hundred,
			"effectiveness must be in [0,100], got %s", percent)
	}

	updated, err := s.mutate(ctx, paperID, "update_effectiveness", func(p *model.PaperPosition) error {
		p.HedgeEffectiveness = percent
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, paperID, ActionUpdateEffectiveness, actor, "effectiveness "+percent.String())
	return updated, nil
}

// UpdateRatio sets a new hedge ratio. newRatio must be positive.
func (s *Service) UpdateRatio(ctx context.Context, paperID string, newRatio decimal.Decimal, actor string) (*model.PaperPosition, error) {
	if newRatio.LessThanOrEqual(decimal.Zero) {
		return nil, fault.Bounded(fault.Validation, newRatio, decimal.Zero,
			"hedge ratio must be positive, got %s", newRatio)
	}

	updated, err := s.mutate(ctx, paperID, "update_ratio", func(p *model.PaperPosition) error {
		p.HedgeRatio = newRatio
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, paperID, ActionUpdateRatio, actor, "ratio "+newRatio.String())
	return updated, nil
}

// --- Queries ---

// DesignatedHedges returns all open positions currently designated.
func (s *Service) DesignatedHedges(ctx context.Context) ([]model.PaperPosition, error) {
	return s.store.ListDesignatedHedges(ctx)
}

// HedgesForContract returns positions designated against one physical
// contract.
func (s *Service) HedgesForContract(ctx context.Context, contractID string) ([]model.PaperPosition, error) {
	return s.store.ListHedgesForContract(ctx, contractID)
}

// BelowThreshold returns designated hedges with effectiveness below the
// given threshold; a nil threshold uses the configured default.
func (s *Service) BelowThreshold(ctx context.Context, threshold *decimal.Decimal) ([]model.PaperPosition, error) {
	t := s.threshold
	if threshold != nil {
		t = *threshold
	}
	return s.store.ListHedgesBelowEffectiveness(ctx, t)
}

// Eligible returns open, undesignated positions.
func (s *Service) Eligible(ctx context.Context) ([]model.PaperPosition, error) {
	return s.store.ListEligiblePositions(ctx)
}

// AuditTrail returns the audit entries recorded for one position.
func (s *Service) AuditTrail(ctx context.Context, paperID string) ([]model.AuditEntry, error) {
	return s.store.ListAuditForEntity(ctx, paperID)
}

// --- Internals ---

// mutate runs a read-modify-write cycle under optimistic concurrency:
// read fresh state, apply the change, write back with the version token,
// retry on a lost race.
func (s *Service) mutate(ctx context.Context, paperID, op string, apply func(*model.PaperPosition) error) (*model.PaperPosition, error) {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		p, err := s.store.GetPaperPosition(ctx, paperID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fault.New(fault.NotFound, "paper position %s not found", paperID)
			}
			return nil, err
		}

		if err := apply(p); err != nil {
			return nil, err
		}

		err = s.store.UpdatePaperPosition(ctx, p, p.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.ConcurrencyRetries.WithLabelValues(op).Inc()
			continue
		}
		if err != nil {
			return nil, err
		}
		return p, nil
	}

	return nil, fault.New(fault.Conflict,
		"%s on %s lost %d concurrent update races", op, paperID, s.maxRetries)
}

func (s *Service) audit(ctx context.Context, entityID, action, actor, detail string) {
	entry := model.AuditEntry{
		ID:        uuid.New().String(),
		EntityID:  entityID,
		Action:    action,
		Actor:     actor,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		slog.Error("audit append failed", "entity", entityID, "action", action, "err", err)
	}
}
