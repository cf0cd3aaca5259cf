package insurance

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinic/coverage/internal/domain/pricing"
	"github.com/clinic/coverage/pkg/money"
)

// PrimaryCalculator splits an amount between the primary insurer and the
// patient.
type PrimaryCalculator struct {
	tariffs *TariffResolver
	rules   *RuleEngine
}

func NewPrimaryCalculator(tariffs *TariffResolver, rules *RuleEngine) *PrimaryCalculator {
	return &PrimaryCalculator{tariffs: tariffs, rules: rules}
}

// CalculatePrimary computes
//
//	insurerShare = round(min(amount × pct / 100, cap)) − deductible
//
// floored at zero and never above the amount. Without a live policy the
// insurer pays nothing and the result carries a diagnostic.
func (c *PrimaryCalculator) CalculatePrimary(ctx context.Context, cc CalculationContext) (*PrimaryResult, error) {
	amount := cc.Amount
	res := &PrimaryResult{
		ServiceAmount:    amount,
		CoveragePercent:  decimal.Zero,
		Deductible:       decimal.Zero,
		InsurerShare:     decimal.Zero,
		PatientRemainder: amount,
	}
	if cc.Plan == nil {
		res.Diagnostics = append(res.Diagnostics, pricing.Info(pricing.CodeNoPrimaryPolicy,
			"patient has no primary policy; the patient pays in full"))
		return res, nil
	}
	planID := cc.Plan.ID
	res.PlanID = &planID
	if cc.Policy != nil {
		policyID := cc.Policy.ID
		res.PolicyID = &policyID
	}
	if !policyLive(cc) {
		res.Diagnostics = append(res.Diagnostics, expiredWarning(cc))
		return res, nil
	}

	terms, err := c.tariffs.ResolveTerms(ctx, cc.Plan.ID, cc.Service.ID, cc.Date)
	if err != nil {
		return nil, err
	}
	outcome, err := c.rules.Evaluate(ctx, cc)
	if err != nil {
		return nil, err
	}
	pt, err := termsFor(cc.Plan, terms, outcome)
	if err != nil {
		return nil, err
	}

	raw := money.Round(money.Percent(amount, pt.percent))
	clamped, capDiag := ValidatePaymentLimits(raw, pt.limit)
	share := money.Min(money.FloorZero(clamped.Sub(outcome.Deductible)), amount)

	res.TariffID = terms.TariffID
	res.CoveragePercent = pt.percent
	res.CoverageSource = pt.source
	res.Deductible = outcome.Deductible
	res.PaymentCap = pt.limit
	res.InsurerShare = share
	res.PatientRemainder = amount.Sub(share)
	res.AppliedRuleIDs = pt.applied
	if capDiag != nil {
		res.Diagnostics = append(res.Diagnostics, *capDiag)
	}
	return res, nil
}

// policyLive reports whether the context's plan may pay. A context without
// a policy is a plan under consideration and only needs the plan active.
func policyLive(cc CalculationContext) bool {
	if !cc.Plan.Active {
		return false
	}
	return cc.Policy == nil || cc.Policy.CoversDate(cc.Date)
}

func expiredWarning(cc CalculationContext) pricing.Diagnostic {
	msg := fmt.Sprintf("plan %q is inactive on %s; its share is zero", cc.Plan.Name, cc.Date.Format("2006-01-02"))
	if cc.Policy != nil {
		msg = fmt.Sprintf("policy %s (plan %q) is not in force on %s; its share is zero",
			cc.Policy.PolicyNumber, cc.Plan.Name, cc.Date.Format("2006-01-02"))
	}
	return pricing.Warning(pricing.CodeInsuranceExpired, msg)
}

// planTerms is the coverage and cap a plan pays under, with the rules that
// actually contributed.
type planTerms struct {
	percent decimal.Decimal
	source  string
	limit   *decimal.Decimal
	applied []uuid.UUID
}

// termsFor applies the precedence tariff override, then a plan or category
// rule, then the plan's own default, then a global rule. A global rule that
// loses to the plan is dropped from the applied ids.
func termsFor(plan *Plan, terms *EffectiveTariff, outcome *RuleOutcome) (planTerms, error) {
	pt := planTerms{applied: outcome.AppliedRuleIDs}

	switch {
	case terms != nil && terms.CoveragePercent != nil:
		pt.percent, pt.source = *terms.CoveragePercent, SourceTariff
	case outcome.coverageRule != nil && outcome.coverageRule.Specificity() > specificityGlobal:
		pt.percent, pt.source = *outcome.CoveragePercent, SourceRule
	default:
		pt.percent, pt.source = plan.DefaultCoveragePercent, SourcePlanDefault
	}
	if r := outcome.coverageRule; r != nil && pt.source != SourceRule {
		pt.applied = without(pt.applied, r.ID)
	}
	if !money.ValidPercent(pt.percent) {
		return planTerms{}, &InvalidCoverageRangeError{Source: fmt.Sprintf("plan %s (%s)", plan.ID, pt.source), Percent: pt.percent}
	}

	capRuleUsed := false
	switch {
	case terms != nil && terms.PaymentCap != nil:
		pt.limit = terms.PaymentCap
	case outcome.capRule != nil && outcome.capRule.Specificity() > specificityGlobal:
		pt.limit, capRuleUsed = outcome.PaymentCap, true
	case plan.MaxPaymentCap != nil:
		pt.limit = plan.MaxPaymentCap
	case outcome.capRule != nil:
		pt.limit, capRuleUsed = outcome.PaymentCap, true
	}
	if r := outcome.capRule; r != nil && !capRuleUsed {
		pt.applied = without(pt.applied, r.ID)
	}
	if pt.limit != nil {
		v := money.Round(*pt.limit)
		pt.limit = &v
	}
	return pt, nil
}
