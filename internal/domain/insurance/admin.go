package insurance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinic/coverage/internal/domain/pricing"
	"github.com/clinic/coverage/internal/platform/cache"
	"github.com/clinic/coverage/pkg/money"
)

// Invalidator is the part of the calculation cache the write path drives.
type Invalidator interface {
	InvalidateAll()
	InvalidateTariff(id uuid.UUID)
	InvalidateByPlan(id uuid.UUID)
	InvalidateByService(id uuid.UUID)
	InvalidateStatistics()
}

// TariffUpdate carries the editable fields of a tariff. Nil fields are left
// unchanged; the Clear flags remove an override.
type TariffUpdate struct {
	TariffPrice          *decimal.Decimal `json:"tariff_price,omitempty"`
	ClearTariffPrice     bool             `json:"clear_tariff_price,omitempty"`
	CoveragePercent      *decimal.Decimal `json:"coverage_percent,omitempty"`
	ClearCoveragePercent bool             `json:"clear_coverage_percent,omitempty"`
	PaymentCap           *decimal.Decimal `json:"payment_cap,omitempty"`
	ClearPaymentCap      bool             `json:"clear_payment_cap,omitempty"`
	ValidFrom            *time.Time       `json:"valid_from,omitempty"`
	ValidTo              *time.Time       `json:"valid_to,omitempty"`
}

// PlanUpdate carries the editable fields of a plan.
type PlanUpdate struct {
	Name                   *string          `json:"name,omitempty"`
	DefaultCoveragePercent *decimal.Decimal `json:"default_coverage_percent,omitempty"`
	MaxPaymentCap          *decimal.Decimal `json:"max_payment_cap,omitempty"`
	ClearMaxPaymentCap     bool             `json:"clear_max_payment_cap,omitempty"`
	Active                 *bool            `json:"active,omitempty"`
}

// AdminService is the write path for tariffs, plans and rules. Each
// mutation invalidates the affected cache entries inside the transaction
// and again after commit, and reports success only after both.
type AdminService struct {
	tariffs TariffRepository
	plans   PlanRepository
	rules   RuleRepository
	tx      pricing.TxRunner
	cache   Invalidator
	stats   *cache.Cache
	logger  zerolog.Logger
	now     func() time.Time
}

// NewAdminService builds the write path. stats caches plan summaries and
// may be nil.
func NewAdminService(tariffs TariffRepository, plans PlanRepository, rules RuleRepository, tx pricing.TxRunner, inv Invalidator, stats *cache.Cache, logger zerolog.Logger) *AdminService {
	return &AdminService{
		tariffs: tariffs,
		plans:   plans,
		rules:   rules,
		tx:      tx,
		cache:   inv,
		stats:   stats,
		logger:  logger.With().Str("component", "coverage_admin").Logger(),
		now:     time.Now,
	}
}

// -- Tariffs --

func (s *AdminService) GetTariff(ctx context.Context, id uuid.UUID) (*Tariff, error) {
	return s.tariffs.GetByID(ctx, id)
}

// ListTariffs returns a plan's tariffs ordered by validity start. Soft
// deleted tariffs are included only when asked for.
func (s *AdminService) ListTariffs(ctx context.Context, planID uuid.UUID, includeDeleted bool) ([]*Tariff, error) {
	all, err := s.tariffs.ListByPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	out := make([]*Tariff, 0, len(all))
	for _, t := range all {
		if t.Deleted && !includeDeleted {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ValidFrom.Equal(out[j].ValidFrom) {
			return out[i].ValidFrom.Before(out[j].ValidFrom)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

// CreateTariff stores a new tariff. A tariff whose window overlaps another
// live tariff of the same plan and service is rejected.
func (s *AdminService) CreateTariff(ctx context.Context, t *Tariff) error {
	if err := validateTariff(t); err != nil {
		return err
	}
	err := s.mutate(ctx, func(ctx context.Context) error {
		if _, err := s.plans.GetByID(ctx, t.PlanID); err != nil {
			return fmt.Errorf("plan %s: %w", t.PlanID, err)
		}
		if err := s.checkOverlap(ctx, t); err != nil {
			return err
		}
		return s.tariffs.Create(ctx, t)
	}, func() {
		s.cache.InvalidateByPlan(t.PlanID)
		s.cache.InvalidateStatistics()
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("tariff_id", t.ID.String()).Str("plan_id", t.PlanID.String()).Msg("tariff created")
	return nil
}

// UpdateTariff edits a tariff and invalidates every cached value derived
// from it or from its plan.
func (s *AdminService) UpdateTariff(ctx context.Context, id uuid.UUID, upd TariffUpdate) (*Tariff, error) {
	var updated *Tariff
	var planID uuid.UUID
	err := s.mutate(ctx, func(ctx context.Context) error {
		t, err := s.tariffs.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if t.Deleted {
			return fmt.Errorf("tariff %s is deleted: %w", id, ErrNotFound)
		}
		planID = t.PlanID
		applyTariffUpdate(t, upd)
		if err := validateTariff(t); err != nil {
			return err
		}
		if err := s.checkOverlap(ctx, t); err != nil {
			return err
		}
		if err := s.tariffs.Update(ctx, t); err != nil {
			return err
		}
		updated = t
		return nil
	}, func() {
		s.cache.InvalidateTariff(id)
		if planID != uuid.Nil {
			s.cache.InvalidateByPlan(planID)
		}
		s.cache.InvalidateStatistics()
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("tariff_id", id.String()).Msg("tariff updated")
	return updated, nil
}

// DeleteTariff marks the tariff deleted.
func (s *AdminService) DeleteTariff(ctx context.Context, id uuid.UUID) error {
	var planID uuid.UUID
	err := s.mutate(ctx, func(ctx context.Context) error {
		t, err := s.tariffs.GetByID(ctx, id)
		if err != nil {
			return err
		}
		planID = t.PlanID
		return s.tariffs.Delete(ctx, id)
	}, func() {
		s.cache.InvalidateTariff(id)
		if planID != uuid.Nil {
			s.cache.InvalidateByPlan(planID)
		}
		s.cache.InvalidateStatistics()
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("tariff_id", id.String()).Msg("tariff deleted")
	return nil
}

func validateTariff(t *Tariff) error {
	if t.PlanID == uuid.Nil {
		return fmt.Errorf("plan_id is required")
	}
	if t.CoversAllServices == (t.ServiceID != nil) {
		return fmt.Errorf("a tariff needs either service_id or covers_all_services, not both")
	}
	if t.ValidFrom.IsZero() {
		return fmt.Errorf("valid_from is required")
	}
	if t.ValidTo != nil && t.ValidTo.Before(t.ValidFrom) {
		return fmt.Errorf("valid_to is before valid_from")
	}
	if t.CoveragePercent != nil && !money.ValidPercent(*t.CoveragePercent) {
		return &InvalidCoverageRangeError{Source: "tariff", Percent: *t.CoveragePercent}
	}
	if t.TariffPrice != nil && t.TariffPrice.IsNegative() {
		return fmt.Errorf("tariff_price must not be negative")
	}
	if t.PaymentCap != nil && t.PaymentCap.IsNegative() {
		return fmt.Errorf("payment_cap must not be negative")
	}
	return nil
}

func applyTariffUpdate(t *Tariff, upd TariffUpdate) {
	switch {
	case upd.ClearTariffPrice:
		t.TariffPrice = nil
	case upd.TariffPrice != nil:
		t.TariffPrice = upd.TariffPrice
	}
	switch {
	case upd.ClearCoveragePercent:
		t.CoveragePercent = nil
	case upd.CoveragePercent != nil:
		t.CoveragePercent = upd.CoveragePercent
	}
	switch {
	case upd.ClearPaymentCap:
		t.PaymentCap = nil
	case upd.PaymentCap != nil:
		t.PaymentCap = upd.PaymentCap
	}
	if upd.ValidFrom != nil {
		t.ValidFrom = *upd.ValidFrom
	}
	if upd.ValidTo != nil {
		t.ValidTo = upd.ValidTo
	}
}

func (s *AdminService) checkOverlap(ctx context.Context, t *Tariff) error {
	existing, err := s.tariffs.ListByPlan(ctx, t.PlanID)
	if err != nil {
		return err
	}
	for _, o := range existing {
		if o.ID == t.ID || o.Deleted {
			continue
		}
		if t.sameTarget(o) && t.overlaps(o) {
			return fmt.Errorf("tariff %s: %w", o.ID, ErrTariffOverlap)
		}
	}
	return nil
}

// -- Plans --

func (s *AdminService) GetPlan(ctx context.Context, id uuid.UUID) (*Plan, error) {
	return s.plans.GetByID(ctx, id)
}

// UpdatePlan edits a plan's defaults and invalidates everything computed
// for it.
func (s *AdminService) UpdatePlan(ctx context.Context, id uuid.UUID, upd PlanUpdate) (*Plan, error) {
	if upd.DefaultCoveragePercent != nil && !money.ValidPercent(*upd.DefaultCoveragePercent) {
		return nil, &InvalidCoverageRangeError{Source: "plan " + id.String(), Percent: *upd.DefaultCoveragePercent}
	}
	if upd.MaxPaymentCap != nil && upd.MaxPaymentCap.IsNegative() {
		return nil, fmt.Errorf("max_payment_cap must not be negative")
	}
	var updated *Plan
	err := s.mutate(ctx, func(ctx context.Context) error {
		p, err := s.plans.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if upd.Name != nil {
			p.Name = *upd.Name
		}
		if upd.DefaultCoveragePercent != nil {
			p.DefaultCoveragePercent = *upd.DefaultCoveragePercent
		}
		switch {
		case upd.ClearMaxPaymentCap:
			p.MaxPaymentCap = nil
		case upd.MaxPaymentCap != nil:
			p.MaxPaymentCap = upd.MaxPaymentCap
		}
		if upd.Active != nil {
			p.Active = *upd.Active
		}
		if err := s.plans.Update(ctx, p); err != nil {
			return err
		}
		updated = p
		return nil
	}, func() {
		s.cache.InvalidateByPlan(id)
		s.cache.InvalidateStatistics()
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("plan_id", id.String()).Msg("plan updated")
	return updated, nil
}

// -- Rules --

// UpsertRule validates and stores a rule together with the rules it will be
// evaluated with. A plan rule invalidates its plan; any other rule can
// affect every plan and invalidates everything.
func (s *AdminService) UpsertRule(ctx context.Context, r *BusinessRule) error {
	if res := ValidateRules([]*BusinessRule{r}); !res.IsValid {
		return &RuleValidationError{Result: res}
	}
	err := s.mutate(ctx, func(ctx context.Context) error {
		peers, err := s.rules.Find(ctx, RuleFilter{PlanID: r.PlanID, ServiceCategoryID: r.ServiceCategoryID, ActiveOnly: true})
		if err != nil {
			return err
		}
		set := []*BusinessRule{r}
		for _, p := range peers {
			if p.ID != r.ID {
				set = append(set, p)
			}
		}
		if res := ValidateRules(set); !res.IsValid {
			return &RuleValidationError{Result: res}
		}
		return s.rules.Upsert(ctx, r)
	}, func() {
		if r.PlanID != nil && r.ServiceCategoryID == nil {
			s.cache.InvalidateByPlan(*r.PlanID)
		} else {
			s.cache.InvalidateAll()
		}
		s.cache.InvalidateStatistics()
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("rule_id", r.ID.String()).Str("effect", string(r.Effect.Kind)).Msg("business rule saved")
	return nil
}

// -- Summary --

// PlanSummary counts the tariffs and rules in force for a plan on asOf. It
// is cached in the statistics bucket.
func (s *AdminService) PlanSummary(ctx context.Context, planID uuid.UUID, asOf time.Time) (*PlanSummary, error) {
	if asOf.IsZero() {
		asOf = s.now().UTC().Truncate(24 * time.Hour)
	}
	key := cache.NewKey(cache.BucketStatistics, "plan_summary", planID.String(), dateKey(asOf))
	return cache.GetOrCompute(ctx, s.stats, key, []cache.Tag{cache.PlanTag(planID)}, func(ctx context.Context) (*PlanSummary, error) {
		p, err := s.plans.GetByID(ctx, planID)
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", planID, err)
		}
		tariffs, err := s.tariffs.ListByPlan(ctx, planID)
		if err != nil {
			return nil, err
		}
		rules, err := s.rules.Find(ctx, RuleFilter{PlanID: &planID, ActiveOnly: true})
		if err != nil {
			return nil, err
		}

		sum := &PlanSummary{
			PlanID:                 p.ID,
			Name:                   p.Name,
			Type:                   p.Type,
			Active:                 p.Active,
			DefaultCoveragePercent: p.DefaultCoveragePercent,
			MaxPaymentCap:          p.MaxPaymentCap,
			AsOf:                   asOf,
		}
		for _, t := range tariffs {
			if !t.EffectiveAt(asOf) {
				continue
			}
			sum.EffectiveTariffs++
			if t.CoversAllServices {
				sum.AllServicesTariffs++
			}
			if t.TariffPrice != nil {
				sum.PriceOverrides++
			}
		}
		for _, r := range rules {
			if r.PlanID != nil && *r.PlanID == planID && r.Active && r.effectiveAt(asOf) {
				sum.PlanRules++
			}
		}
		return sum, nil
	})
}

// mutate runs fn in a transaction, runs invalidate before the commit and
// again after it.
func (s *AdminService) mutate(ctx context.Context, fn func(ctx context.Context) error, invalidate func()) error {
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return err
		}
		invalidate()
		return nil
	})
	if err != nil {
		return err
	}
	invalidate()
	return nil
}
