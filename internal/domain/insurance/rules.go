package insurance

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinic/coverage/internal/domain/pricing"
	"github.com/clinic/coverage/pkg/money"
)

// ConditionKind names a rule predicate.
type ConditionKind string

const (
	CondAmountAtLeast     ConditionKind = "amount_at_least"
	CondAmountBelow       ConditionKind = "amount_below"
	CondPatientAgeAtLeast ConditionKind = "patient_age_at_least"
	CondPatientAgeBelow   ConditionKind = "patient_age_below"
	CondPatientGender     ConditionKind = "patient_gender"
)

// Condition is one predicate of a rule. Which parameter is read depends on
// Kind: Amount for the amount predicates, Years for the age predicates and
// Gender for the gender predicate.
type Condition struct {
	Kind   ConditionKind    `json:"kind"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Years  *int             `json:"years,omitempty"`
	Gender string           `json:"gender,omitempty"`
}

// EffectKind names what a rule produces.
type EffectKind string

const (
	EffectCoveragePercent   EffectKind = "coverage_percent"
	EffectDeductibleFixed   EffectKind = "deductible_fixed"
	EffectDeductiblePercent EffectKind = "deductible_percent"
	EffectPaymentCap        EffectKind = "payment_cap"
)

// Effect is the output of a rule. Percent is read by the percent kinds and
// Amount by the fixed deductible and the payment cap.
type Effect struct {
	Kind    EffectKind       `json:"kind"`
	Percent *decimal.Decimal `json:"percent,omitempty"`
	Amount  *decimal.Decimal `json:"amount,omitempty"`
}

type outputField string

const (
	fieldCoverage   outputField = "coverage"
	fieldDeductible outputField = "deductible"
	fieldCap        outputField = "payment_cap"
)

func (e Effect) field() outputField {
	switch e.Kind {
	case EffectCoveragePercent:
		return fieldCoverage
	case EffectDeductibleFixed, EffectDeductiblePercent:
		return fieldDeductible
	case EffectPaymentCap:
		return fieldCap
	}
	return ""
}

func (e Effect) sameAs(o Effect) bool {
	return e.Kind == o.Kind && decEqual(e.Percent, o.Percent) && decEqual(e.Amount, o.Amount)
}

// BusinessRule is a closed, typed coverage rule. A rule with neither PlanID
// nor ServiceCategoryID is global.
type BusinessRule struct {
	ID                uuid.UUID   `db:"id" json:"id"`
	Name              string      `db:"name" json:"name"`
	PlanID            *uuid.UUID  `db:"plan_id" json:"plan_id,omitempty"`
	ServiceCategoryID *uuid.UUID  `db:"service_category_id" json:"service_category_id,omitempty"`
	Priority          int         `db:"priority" json:"priority"`
	Conditions        []Condition `db:"conditions" json:"conditions"`
	Effect            Effect      `db:"effect" json:"effect"`
	ValidFrom         *time.Time  `db:"valid_from" json:"valid_from,omitempty"`
	ValidTo           *time.Time  `db:"valid_to" json:"valid_to,omitempty"`
	Active            bool        `db:"active" json:"active"`
	CreatedAt         time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time   `db:"updated_at" json:"updated_at"`
}

// Specificity ranks rule scopes: plan and category 4, category 3, plan 2,
// global 1.
func (r *BusinessRule) Specificity() int {
	switch {
	case r.PlanID != nil && r.ServiceCategoryID != nil:
		return 4
	case r.ServiceCategoryID != nil:
		return 3
	case r.PlanID != nil:
		return 2
	default:
		return specificityGlobal
	}
}

func (r *BusinessRule) label() string {
	if r.Name != "" {
		return fmt.Sprintf("rule %q", r.Name)
	}
	return "rule " + r.ID.String()
}

func (r *BusinessRule) effectiveAt(t time.Time) bool {
	if r.ValidFrom != nil && r.ValidFrom.After(t) {
		return false
	}
	return r.ValidTo == nil || !r.ValidTo.Before(t)
}

func (r *BusinessRule) inScope(cc CalculationContext) bool {
	if !r.Active || !r.effectiveAt(cc.Date) {
		return false
	}
	if r.PlanID != nil && (cc.Plan == nil || cc.Plan.ID != *r.PlanID) {
		return false
	}
	if r.ServiceCategoryID != nil {
		cat := cc.CategoryID()
		if cat == nil || *cat != *r.ServiceCategoryID {
			return false
		}
	}
	return true
}

// applies reports whether the rule is in scope and every condition holds.
// The rule must already be valid.
func (r *BusinessRule) applies(cc CalculationContext) bool {
	if !r.inScope(cc) {
		return false
	}
	for _, c := range r.Conditions {
		if !c.holds(cc) {
			return false
		}
	}
	return true
}

func (c Condition) holds(cc CalculationContext) bool {
	switch c.Kind {
	case CondAmountAtLeast:
		return cc.Amount.GreaterThanOrEqual(*c.Amount)
	case CondAmountBelow:
		return cc.Amount.LessThan(*c.Amount)
	case CondPatientAgeAtLeast:
		age, ok := cc.Patient.AgeAt(cc.Date)
		return ok && age >= *c.Years
	case CondPatientAgeBelow:
		age, ok := cc.Patient.AgeAt(cc.Date)
		return ok && age < *c.Years
	case CondPatientGender:
		return cc.Patient != nil && strings.EqualFold(cc.Patient.Gender, c.Gender)
	}
	return false
}

func (c Condition) key() string {
	var b strings.Builder
	b.WriteString(string(c.Kind))
	if c.Amount != nil {
		b.WriteString(":" + c.Amount.String())
	}
	if c.Years != nil {
		fmt.Fprintf(&b, ":%d", *c.Years)
	}
	if c.Gender != "" {
		b.WriteString(":" + strings.ToLower(c.Gender))
	}
	return b.String()
}

func conditionsKey(cs []Condition) string {
	keys := make([]string, len(cs))
	for i, c := range cs {
		keys[i] = c.key()
	}
	sort.Strings(keys)
	return strings.Join(keys, "&")
}

// BusinessRuleValidationResult lists every problem found in a rule set.
type BusinessRuleValidationResult struct {
	IsValid bool     `json:"is_valid"`
	Errors  []string `json:"errors,omitempty"`
}

// ValidateRules checks each rule for unknown kinds, missing or out-of-range
// parameters and inverted windows, and the set for pairs of rules that
// would always apply together with equal rank but different effects.
func ValidateRules(rules []*BusinessRule) BusinessRuleValidationResult {
	var errs []string
	add := func(r *BusinessRule, format string, args ...interface{}) {
		errs = append(errs, r.label()+": "+fmt.Sprintf(format, args...))
	}

	for _, r := range rules {
		for i, c := range r.Conditions {
			switch c.Kind {
			case CondAmountAtLeast, CondAmountBelow:
				if c.Amount == nil {
					add(r, "condition %d (%s) needs an amount", i, c.Kind)
				} else if c.Amount.IsNegative() {
					add(r, "condition %d (%s) has negative amount %s", i, c.Kind, c.Amount)
				}
			case CondPatientAgeAtLeast, CondPatientAgeBelow:
				if c.Years == nil {
					add(r, "condition %d (%s) needs years", i, c.Kind)
				} else if *c.Years < 0 {
					add(r, "condition %d (%s) has negative years %d", i, c.Kind, *c.Years)
				}
			case CondPatientGender:
				if strings.TrimSpace(c.Gender) == "" {
					add(r, "condition %d (%s) needs a gender", i, c.Kind)
				}
			default:
				add(r, "condition %d has unknown kind %q", i, c.Kind)
			}
		}

		e := r.Effect
		switch e.Kind {
		case EffectCoveragePercent, EffectDeductiblePercent:
			if e.Percent == nil {
				add(r, "effect %s needs a percent", e.Kind)
			} else if !money.ValidPercent(*e.Percent) {
				add(r, "effect %s percent %s is outside [0, 100]", e.Kind, e.Percent)
			}
		case EffectDeductibleFixed, EffectPaymentCap:
			if e.Amount == nil {
				add(r, "effect %s needs an amount", e.Kind)
			} else if e.Amount.IsNegative() {
				add(r, "effect %s has negative amount %s", e.Kind, e.Amount)
			}
		default:
			add(r, "unknown effect kind %q", e.Kind)
		}

		if r.ValidFrom != nil && r.ValidTo != nil && r.ValidTo.Before(*r.ValidFrom) {
			add(r, "valid_to is before valid_from")
		}
	}

	for i := 0; i < len(rules); i++ {
		for j := i + 1; j < len(rules); j++ {
			a, b := rules[i], rules[j]
			if contradict(a, b) {
				errs = append(errs, fmt.Sprintf("%s and %s set %s differently at the same scope and priority",
					a.label(), b.label(), a.Effect.field()))
			}
		}
	}

	return BusinessRuleValidationResult{IsValid: len(errs) == 0, Errors: errs}
}

func contradict(a, b *BusinessRule) bool {
	if !a.Active || !b.Active || a.Priority != b.Priority {
		return false
	}
	if a.Effect.field() == "" || a.Effect.field() != b.Effect.field() || a.Effect.sameAs(b.Effect) {
		return false
	}
	if !uuidPtrEqual(a.PlanID, b.PlanID) || !uuidPtrEqual(a.ServiceCategoryID, b.ServiceCategoryID) {
		return false
	}
	if conditionsKey(a.Conditions) != conditionsKey(b.Conditions) {
		return false
	}
	return windowsOverlap(a, b)
}

func windowsOverlap(a, b *BusinessRule) bool {
	if a.ValidTo != nil && b.ValidFrom != nil && a.ValidTo.Before(*b.ValidFrom) {
		return false
	}
	if b.ValidTo != nil && a.ValidFrom != nil && b.ValidTo.Before(*a.ValidFrom) {
		return false
	}
	return true
}

// RuleOutcome is what the applicable rules decided. Nil fields were not
// set by any rule.
type RuleOutcome struct {
	CoveragePercent *decimal.Decimal `json:"coverage_percent,omitempty"`
	Deductible      decimal.Decimal  `json:"deductible"`
	PaymentCap      *decimal.Decimal `json:"payment_cap,omitempty"`
	AppliedRuleIDs  []uuid.UUID      `json:"applied_rule_ids,omitempty"`

	coverageRule *BusinessRule
	capRule      *BusinessRule
}

// specificityGlobal is the rank of a rule bound to neither a plan nor a
// category. Such rules only fill in what the plan leaves unset.
const specificityGlobal = 1

// without returns a copy of ids minus id.
func without(ids []uuid.UUID, id uuid.UUID) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ids))
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}

// RuleEngine loads and evaluates the rules relevant to a context.
type RuleEngine struct {
	rules RuleRepository
}

func NewRuleEngine(rules RuleRepository) *RuleEngine {
	return &RuleEngine{rules: rules}
}

// Evaluate loads the rules that can apply to the context's plan and
// service category and evaluates them.
func (e *RuleEngine) Evaluate(ctx context.Context, cc CalculationContext) (*RuleOutcome, error) {
	f := RuleFilter{ServiceCategoryID: cc.CategoryID(), ActiveOnly: true}
	if cc.Plan != nil {
		f.PlanID = &cc.Plan.ID
	}
	rules, err := e.rules.Find(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("load business rules: %w", err)
	}
	return EvaluateRules(rules, cc)
}

// EvaluateRules picks, for each output field independently, the applicable
// rule with the highest specificity, then the lowest priority, then the
// earliest position in rules. An invalid set yields no partial outcome.
func EvaluateRules(rules []*BusinessRule, cc CalculationContext) (*RuleOutcome, error) {
	for _, r := range rules {
		if r.Effect.Kind == EffectCoveragePercent && r.Effect.Percent != nil && !money.ValidPercent(*r.Effect.Percent) {
			return nil, &InvalidCoverageRangeError{Source: r.label(), Percent: *r.Effect.Percent}
		}
	}
	if res := ValidateRules(rules); !res.IsValid {
		return nil, &RuleValidationError{Result: res}
	}

	winners := make(map[outputField]*BusinessRule, 3)
	for _, r := range rules {
		if !r.applies(cc) {
			continue
		}
		f := r.Effect.field()
		cur, ok := winners[f]
		if !ok {
			winners[f] = r
			continue
		}
		switch {
		case r.Specificity() > cur.Specificity(),
			r.Specificity() == cur.Specificity() && r.Priority < cur.Priority:
			winners[f] = r
		case r.Specificity() == cur.Specificity() && r.Priority == cur.Priority && !r.Effect.sameAs(cur.Effect):
			return nil, &RuleValidationError{Result: BusinessRuleValidationResult{Errors: []string{
				fmt.Sprintf("%s and %s both apply and set %s differently", cur.label(), r.label(), f),
			}}}
		}
	}

	out := &RuleOutcome{Deductible: decimal.Zero}
	for _, f := range []outputField{fieldCoverage, fieldDeductible, fieldCap} {
		r, ok := winners[f]
		if !ok {
			continue
		}
		out.AppliedRuleIDs = append(out.AppliedRuleIDs, r.ID)
		switch r.Effect.Kind {
		case EffectCoveragePercent:
			pct := *r.Effect.Percent
			out.CoveragePercent = &pct
			out.coverageRule = r
		case EffectDeductibleFixed:
			out.Deductible = money.Round(*r.Effect.Amount)
		case EffectDeductiblePercent:
			out.Deductible = money.Round(money.Percent(cc.Amount, *r.Effect.Percent))
		case EffectPaymentCap:
			limit := money.Round(*r.Effect.Amount)
			out.PaymentCap = &limit
			out.capRule = r
		}
	}
	return out, nil
}

// ValidatePaymentLimits clamps an insurer share to limit. When clamping
// happens the difference stays with the patient and a PAYMENT_CAP_EXCEEDED
// diagnostic is returned.
func ValidatePaymentLimits(insurerShare decimal.Decimal, limit *decimal.Decimal) (decimal.Decimal, *pricing.Diagnostic) {
	if limit == nil || insurerShare.LessThanOrEqual(*limit) {
		return insurerShare, nil
	}
	d := pricing.Info(pricing.CodePaymentCapExceeded, fmt.Sprintf(
		"insurer share %s exceeds payment cap %s; %s shifted to the patient",
		insurerShare, limit, insurerShare.Sub(*limit)))
	return *limit, &d
}

func decEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func uuidPtrEqual(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
