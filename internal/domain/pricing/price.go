package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinic/coverage/pkg/money"
)

// PriceCalculator computes a service's base price from its components and
// the resolved factors.
type PriceCalculator struct {
	services ServiceRepository
	years    FinancialYearRepository
	factors  *FactorResolver
}

func NewPriceCalculator(services ServiceRepository, years FinancialYearRepository, factors *FactorResolver) *PriceCalculator {
	return &PriceCalculator{services: services, years: years, factors: factors}
}

// CalculateBasePriceByID loads the service and prices it.
func (p *PriceCalculator) CalculateBasePriceByID(ctx context.Context, serviceID uuid.UUID, asOf time.Time, opts PriceOptions) (*PriceBreakdown, error) {
	svc, err := p.services.GetByID(ctx, serviceID)
	if err != nil {
		return nil, fmt.Errorf("load service %s: %w", serviceID, err)
	}
	return p.CalculateBasePrice(ctx, svc, asOf, opts)
}

// CalculateBasePrice sums round(amount × factor) over the service's
// components. Each contribution is rounded before summing so repeated calls
// with different overrides cannot drift apart.
func (p *PriceCalculator) CalculateBasePrice(ctx context.Context, svc *MedicalService, asOf time.Time, opts PriceOptions) (*PriceBreakdown, error) {
	out := &PriceBreakdown{ServiceID: svc.ID, Total: decimal.Zero}

	if len(svc.Components) == 0 {
		out.Diagnostics = append(out.Diagnostics, Warning(CodeServiceComponentsIncomplete,
			fmt.Sprintf("service %s has no technical or professional component; priced as zero", svc.Code)))
		return out, nil
	}

	seen := make(map[ComponentKind]bool, 2)
	for _, c := range svc.Components {
		if !c.Kind.Valid() {
			return nil, fmt.Errorf("service %s: unknown component kind %q", svc.Code, c.Kind)
		}
		if seen[c.Kind] {
			return nil, fmt.Errorf("service %s, %s component: %w", svc.Code, c.Kind, ErrDuplicateComponent)
		}
		seen[c.Kind] = true
	}

	year, err := p.years.ForDate(ctx, asOf)
	if err != nil {
		return nil, fmt.Errorf("financial year for %s: %w", asOf.Format("2006-01-02"), err)
	}
	out.FinancialYear = year.Year

	for _, c := range svc.Components {
		fv, err := p.factors.Resolve(ctx, FactorQuery{
			Kind:          c.Kind,
			ScopeHint:     svc.ScopeHint(),
			FinancialYear: year.Year,
			IsHashtagged:  svc.IsHashtagged,
			AsOf:          asOf,
			DepartmentID:  opts.DepartmentOverrideID,
		})
		if err != nil {
			return nil, err
		}
		contribution := money.Round(c.Amount.Mul(fv.Value))
		out.Components = append(out.Components, ComponentPrice{
			Kind:         c.Kind,
			Amount:       c.Amount,
			Factor:       fv,
			Contribution: contribution,
		})
		out.Total = out.Total.Add(contribution)
	}
	return out, nil
}
