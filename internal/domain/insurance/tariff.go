package insurance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinic/coverage/internal/domain/pricing"
	"github.com/clinic/coverage/internal/platform/cache"
	"github.com/clinic/coverage/pkg/money"
)

// EffectiveTariff is the price and coverage terms a plan applies to a
// service on a date. CoveragePercent and PaymentCap are nil when no tariff
// overrides the plan's rules.
type EffectiveTariff struct {
	PlanID          uuid.UUID            `json:"plan_id"`
	ServiceID       uuid.UUID            `json:"service_id"`
	Price           decimal.Decimal      `json:"price"`
	PriceSource     string               `json:"price_source,omitempty"`
	CoveragePercent *decimal.Decimal     `json:"coverage_percent,omitempty"`
	PaymentCap      *decimal.Decimal     `json:"payment_cap,omitempty"`
	TariffID        *uuid.UUID           `json:"tariff_id,omitempty"`
	Diagnostics     []pricing.Diagnostic `json:"diagnostics,omitempty"`
}

// CacheTags ties a cached lookup to the tariff it resolved to and, for
// computed prices, to the factor settings.
func (t *EffectiveTariff) CacheTags() []cache.Tag {
	var tags []cache.Tag
	if t.TariffID != nil {
		tags = append(tags, cache.TariffTag(*t.TariffID))
	}
	if t.PriceSource == SourceBasePrice {
		tags = append(tags, cache.BucketFactor.Tag())
	}
	return tags
}

// TariffResolver finds the tariff in force for a plan and service.
type TariffResolver struct {
	tariffs TariffRepository
	prices  *pricing.PriceCalculator
	cache   *cache.Cache
}

// NewTariffResolver builds a resolver. c may be nil to disable caching.
func NewTariffResolver(tariffs TariffRepository, prices *pricing.PriceCalculator, c *cache.Cache) *TariffResolver {
	return &TariffResolver{tariffs: tariffs, prices: prices, cache: c}
}

// Resolve returns the effective terms and price. An explicit tariff price
// wins over the computed base price; a per-service tariff wins over an
// all-services one.
func (r *TariffResolver) Resolve(ctx context.Context, planID, serviceID uuid.UUID, asOf time.Time, opts pricing.PriceOptions) (*EffectiveTariff, error) {
	dept := "-"
	if opts.DepartmentOverrideID != nil {
		dept = opts.DepartmentOverrideID.String()
	}
	key := cache.NewKey(cache.BucketTariff, "priced", planID.String(), serviceID.String(), dateKey(asOf), dept)
	return cache.GetOrCompute(ctx, r.cache, key, r.tags(planID, serviceID), func(ctx context.Context) (*EffectiveTariff, error) {
		return r.resolve(ctx, planID, serviceID, asOf, &opts)
	})
}

// ResolveTerms returns the coverage terms only. Price is left zero unless
// the tariff fixes it, so no factor lookup happens.
func (r *TariffResolver) ResolveTerms(ctx context.Context, planID, serviceID uuid.UUID, asOf time.Time) (*EffectiveTariff, error) {
	key := cache.NewKey(cache.BucketTariff, "terms", planID.String(), serviceID.String(), dateKey(asOf))
	return cache.GetOrCompute(ctx, r.cache, key, r.tags(planID, serviceID), func(ctx context.Context) (*EffectiveTariff, error) {
		return r.resolve(ctx, planID, serviceID, asOf, nil)
	})
}

func (r *TariffResolver) tags(planID, serviceID uuid.UUID) []cache.Tag {
	return []cache.Tag{cache.PlanTag(planID), cache.ServiceTag(serviceID)}
}

// resolve prices the service when priceOpts is non-nil.
func (r *TariffResolver) resolve(ctx context.Context, planID, serviceID uuid.UUID, asOf time.Time, priceOpts *pricing.PriceOptions) (*EffectiveTariff, error) {
	t, err := r.pick(ctx, planID, serviceID, asOf)
	if err != nil {
		return nil, err
	}

	out := &EffectiveTariff{PlanID: planID, ServiceID: serviceID, Price: decimal.Zero}
	if t != nil {
		id := t.ID
		out.TariffID = &id
		if t.CoveragePercent != nil {
			if !money.ValidPercent(*t.CoveragePercent) {
				return nil, &InvalidCoverageRangeError{Source: "tariff " + t.ID.String(), Percent: *t.CoveragePercent}
			}
			pct := *t.CoveragePercent
			out.CoveragePercent = &pct
		}
		if t.PaymentCap != nil {
			limit := money.Round(*t.PaymentCap)
			out.PaymentCap = &limit
		}
		if t.TariffPrice != nil {
			if t.TariffPrice.IsNegative() {
				return nil, fmt.Errorf("tariff %s has negative price %s", t.ID, t.TariffPrice)
			}
			out.Price = money.Round(*t.TariffPrice)
			out.PriceSource = SourceTariff
			return out, nil
		}
	}

	if priceOpts == nil {
		return out, nil
	}
	bd, err := r.prices.CalculateBasePriceByID(ctx, serviceID, asOf, *priceOpts)
	if err != nil {
		return nil, err
	}
	out.Price = bd.Total
	out.PriceSource = SourceBasePrice
	out.Diagnostics = bd.Diagnostics
	return out, nil
}

// pick returns the single tariff in force, or nil when there is none.
func (r *TariffResolver) pick(ctx context.Context, planID, serviceID uuid.UUID, asOf time.Time) (*Tariff, error) {
	exact, err := r.tariffs.FindForService(ctx, planID, serviceID)
	if err != nil {
		return nil, fmt.Errorf("load tariffs for plan %s service %s: %w", planID, serviceID, err)
	}
	if t, err := single(effectiveTariffs(exact, asOf), planID, serviceID, false); t != nil || err != nil {
		return t, err
	}

	all, err := r.tariffs.FindAllServices(ctx, planID)
	if err != nil {
		return nil, fmt.Errorf("load all-services tariffs for plan %s: %w", planID, err)
	}
	return single(effectiveTariffs(all, asOf), planID, serviceID, true)
}

func effectiveTariffs(ts []*Tariff, asOf time.Time) []*Tariff {
	var out []*Tariff
	for _, t := range ts {
		if t.EffectiveAt(asOf) {
			out = append(out, t)
		}
	}
	return out
}

func single(ts []*Tariff, planID, serviceID uuid.UUID, allServices bool) (*Tariff, error) {
	switch len(ts) {
	case 0:
		return nil, nil
	case 1:
		return ts[0], nil
	}
	ids := make([]uuid.UUID, len(ts))
	for i, t := range ts {
		ids[i] = t.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return nil, &AmbiguousTariffError{PlanID: planID, ServiceID: serviceID, AllServices: allServices, TariffIDs: ids}
}

func dateKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
