package insurance

import (
	"context"
	"errors"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/clinic/coverage/pkg/money"
)

// SupplementaryCalculator covers what the primary stage left to the patient.
type SupplementaryCalculator struct {
	tariffs *TariffResolver
	rules   *RuleEngine
}

func NewSupplementaryCalculator(tariffs *TariffResolver, rules *RuleEngine) *SupplementaryCalculator {
	return &SupplementaryCalculator{tariffs: tariffs, rules: rules}
}

// CalculateSupplementary computes
//
//	share = min(round(remainder × pct / 100), cap, remainder)
//
// over the primary remainder only; the original amount never enters the
// formula. Rules are evaluated with the remainder as the amount.
// Supplementary deductibles are not applied and caps hold per call.
func (c *SupplementaryCalculator) CalculateSupplementary(ctx context.Context, cc CalculationContext, primary *PrimaryResult) (*SupplementaryResult, error) {
	if cc.Plan == nil {
		return nil, errors.New("supplementary calculation needs a plan")
	}
	remainder := primary.PatientRemainder
	res := &SupplementaryResult{
		PlanID:          cc.Plan.ID,
		PlanName:        cc.Plan.Name,
		Remainder:       remainder,
		CoveragePercent: decimal.Zero,
		CandidateShare:  decimal.Zero,
		InsurerShare:    decimal.Zero,
		PatientShare:    remainder,
	}
	if cc.Policy != nil {
		policyID := cc.Policy.ID
		res.PolicyID = &policyID
	}
	if !policyLive(cc) {
		res.Diagnostics = append(res.Diagnostics, expiredWarning(cc))
		return res, nil
	}

	sub := cc.WithAmount(remainder)
	terms, err := c.tariffs.ResolveTerms(ctx, cc.Plan.ID, cc.Service.ID, cc.Date)
	if err != nil {
		return nil, err
	}
	outcome, err := c.rules.Evaluate(ctx, sub)
	if err != nil {
		return nil, err
	}
	pt, err := termsFor(cc.Plan, terms, outcome)
	if err != nil {
		return nil, err
	}

	candidate := money.Round(money.Percent(remainder, pt.percent))
	share, capDiag := ValidatePaymentLimits(candidate, pt.limit)
	share = money.Min(share, remainder)

	res.TariffID = terms.TariffID
	res.CoveragePercent = pt.percent
	res.CoverageSource = pt.source
	res.PaymentCap = pt.limit
	res.CandidateShare = candidate
	res.InsurerShare = share
	res.PatientShare = remainder.Sub(share)
	res.AppliedRuleIDs = pt.applied
	if capDiag != nil {
		res.Diagnostics = append(res.Diagnostics, *capDiag)
	}
	return res, nil
}

// CompareSupplementaryOptions evaluates each candidate plan against the same
// primary result and ranks them by insurer share, highest first, ties by
// plan id. Nothing is stored or cached beyond the tariff lookups.
func (c *SupplementaryCalculator) CompareSupplementaryOptions(ctx context.Context, base CalculationContext, primary *PrimaryResult, plans []*Plan) ([]*SupplementaryResult, error) {
	out := make([]*SupplementaryResult, 0, len(plans))
	for _, p := range plans {
		r, err := c.CalculateSupplementary(ctx, base.WithPlan(p, nil), primary)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].InsurerShare.Equal(out[j].InsurerShare) {
			return out[i].InsurerShare.GreaterThan(out[j].InsurerShare)
		}
		return out[i].PlanID.String() < out[j].PlanID.String()
	})
	return out, nil
}
