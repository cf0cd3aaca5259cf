package insurance

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/coverage/internal/domain/pricing"
)

func coverageRule(pct string) *BusinessRule {
	return &BusinessRule{
		ID:     uuid.New(),
		Active: true,
		Effect: Effect{Kind: EffectCoveragePercent, Percent: decp(pct)},
	}
}

func ruleContext(plan *Plan, categoryID *uuid.UUID, amount string) CalculationContext {
	birth := time.Date(1960, 3, 15, 0, 0, 0, 0, time.UTC)
	return CalculationContext{
		Patient: &PatientProfile{ID: uuid.New(), BirthDate: &birth, Gender: "male"},
		Service: &pricing.MedicalService{ID: uuid.New(), CategoryID: categoryID},
		Plan:    plan,
		Amount:  dec(amount),
		Date:    calcDate,
	}
}

func years(n int) *int { return &n }

func TestEvaluateRules_SpecificityWins(t *testing.T) {
	plan := &Plan{ID: uuid.New(), Active: true}
	cat := uuid.New()

	global := coverageRule("50")
	planRule := coverageRule("60")
	planRule.PlanID = &plan.ID
	catRule := coverageRule("70")
	catRule.ServiceCategoryID = &cat
	both := coverageRule("80")
	both.PlanID = &plan.ID
	both.ServiceCategoryID = &cat

	tests := []struct {
		name  string
		rules []*BusinessRule
		want  string
		id    uuid.UUID
	}{
		{"plan and category", []*BusinessRule{global, planRule, catRule, both}, "80", both.ID},
		{"category over plan", []*BusinessRule{global, planRule, catRule}, "70", catRule.ID},
		{"plan over global", []*BusinessRule{planRule, global}, "60", planRule.ID},
		{"global only", []*BusinessRule{global}, "50", global.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := EvaluateRules(tt.rules, ruleContext(plan, &cat, "1000"))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out.CoveragePercent == nil {
				t.Fatal("expected a coverage percent")
			}
			assertDec(t, "coverage", *out.CoveragePercent, tt.want)
			if len(out.AppliedRuleIDs) != 1 || out.AppliedRuleIDs[0] != tt.id {
				t.Errorf("expected applied rule %s, got %v", tt.id, out.AppliedRuleIDs)
			}
		})
	}
}

func TestEvaluateRules_ScopeMismatchIgnored(t *testing.T) {
	plan := &Plan{ID: uuid.New(), Active: true}
	otherPlan := uuid.New()
	otherCat := uuid.New()

	r1 := coverageRule("90")
	r1.PlanID = &otherPlan
	r2 := coverageRule("95")
	r2.ServiceCategoryID = &otherCat

	out, err := EvaluateRules([]*BusinessRule{r1, r2}, ruleContext(plan, nil, "1000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.CoveragePercent != nil || len(out.AppliedRuleIDs) != 0 {
		t.Errorf("expected no rule to apply, got %+v", out)
	}
}

func TestEvaluateRules_LowerPriorityWinsWithinLevel(t *testing.T) {
	plan := &Plan{ID: uuid.New(), Active: true}
	a := coverageRule("60")
	a.PlanID = &plan.ID
	a.Priority = 2
	b := coverageRule("75")
	b.PlanID = &plan.ID
	b.Priority = 1

	out, err := EvaluateRules([]*BusinessRule{a, b}, ruleContext(plan, nil, "1000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertDec(t, "coverage", *out.CoveragePercent, "75")
}

func TestEvaluateRules_FieldsResolvedIndependently(t *testing.T) {
	plan := &Plan{ID: uuid.New(), Active: true}
	coverage := coverageRule("80")
	coverage.PlanID = &plan.ID
	deductible := &BusinessRule{
		ID: uuid.New(), Active: true,
		Effect: Effect{Kind: EffectDeductibleFixed, Amount: decp("25000")},
	}
	limit := &BusinessRule{
		ID: uuid.New(), Active: true,
		Effect: Effect{Kind: EffectPaymentCap, Amount: decp("400000.4")},
	}

	out, err := EvaluateRules([]*BusinessRule{deductible, coverage, limit}, ruleContext(plan, nil, "900000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertDec(t, "coverage", *out.CoveragePercent, "80")
	assertDec(t, "deductible", out.Deductible, "25000")
	assertDec(t, "cap", *out.PaymentCap, "400000")
	if len(out.AppliedRuleIDs) != 3 {
		t.Errorf("expected 3 applied rules, got %d", len(out.AppliedRuleIDs))
	}
}

func TestEvaluateRules_DeductiblePercentIsRounded(t *testing.T) {
	r := &BusinessRule{
		ID: uuid.New(), Active: true,
		Effect: Effect{Kind: EffectDeductiblePercent, Percent: decp("10")},
	}
	out, err := EvaluateRules([]*BusinessRule{r}, ruleContext(nil, nil, "900005"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 90000.5 rounds half away from zero.
	assertDec(t, "deductible", out.Deductible, "90001")
}

func TestEvaluateRules_Conditions(t *testing.T) {
	big := coverageRule("90")
	big.Conditions = []Condition{{Kind: CondAmountAtLeast, Amount: decp("1000000")}}
	senior := coverageRule("85")
	senior.Priority = 1
	senior.Conditions = []Condition{{Kind: CondPatientAgeAtLeast, Years: years(65)}}
	women := coverageRule("95")
	women.Priority = 2
	women.Conditions = []Condition{{Kind: CondPatientGender, Gender: "Female"}}

	rules := []*BusinessRule{big, senior, women}

	out, err := EvaluateRules(rules, ruleContext(nil, nil, "500000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Patient born 1960-03-15 is 65 on 2025-05-10 and male.
	assertDec(t, "coverage", *out.CoveragePercent, "85")

	young := ruleContext(nil, nil, "500000")
	birth := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	young.Patient = &PatientProfile{BirthDate: &birth, Gender: "FEMALE"}
	out, err = EvaluateRules(rules, young)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertDec(t, "coverage", *out.CoveragePercent, "95")

	unknown := ruleContext(nil, nil, "2000000")
	unknown.Patient = &PatientProfile{}
	out, err = EvaluateRules(rules, unknown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertDec(t, "coverage", *out.CoveragePercent, "90")
}

func TestEvaluateRules_InactiveAndOutOfWindowSkipped(t *testing.T) {
	inactive := coverageRule("90")
	inactive.Active = false
	expired := coverageRule("80")
	end := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	expired.ValidTo = &end

	out, err := EvaluateRules([]*BusinessRule{inactive, expired}, ruleContext(nil, nil, "1000"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.CoveragePercent != nil {
		t.Errorf("expected no coverage, got %s", out.CoveragePercent)
	}
}

func TestEvaluateRules_InvalidCoverageRange(t *testing.T) {
	r := coverageRule("120")
	_, err := EvaluateRules([]*BusinessRule{r}, ruleContext(nil, nil, "1000"))
	var rangeErr *InvalidCoverageRangeError
	if !errors.As(err, &rangeErr) {
		t.Fatalf("expected InvalidCoverageRangeError, got %v", err)
	}
	assertDec(t, "percent", rangeErr.Percent, "120")
}

func TestEvaluateRules_RuntimeContradiction(t *testing.T) {
	a := coverageRule("60")
	a.Conditions = []Condition{{Kind: CondAmountAtLeast, Amount: decp("100")}}
	b := coverageRule("70")
	b.Conditions = []Condition{{Kind: CondPatientGender, Gender: "male"}}

	if res := ValidateRules([]*BusinessRule{a, b}); !res.IsValid {
		t.Fatalf("different conditions must validate, got %v", res.Errors)
	}
	_, err := EvaluateRules([]*BusinessRule{a, b}, ruleContext(nil, nil, "1000"))
	var ruleErr *RuleValidationError
	if !errors.As(err, &ruleErr) {
		t.Fatalf("expected RuleValidationError, got %v", err)
	}

	// Agreeing rules at the same rank are not a contradiction.
	b.Effect.Percent = decp("60")
	if _, err := EvaluateRules([]*BusinessRule{a, b}, ruleContext(nil, nil, "1000")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRules(t *testing.T) {
	plan := uuid.New()
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		rules   []*BusinessRule
		wantErr string
	}{
		{
			name:  "valid",
			rules: []*BusinessRule{coverageRule("70")},
		},
		{
			name: "missing amount",
			rules: []*BusinessRule{{Name: "r", Active: true,
				Conditions: []Condition{{Kind: CondAmountBelow}},
				Effect:     Effect{Kind: EffectCoveragePercent, Percent: decp("50")}}},
			wantErr: "needs an amount",
		},
		{
			name: "negative years",
			rules: []*BusinessRule{{Name: "r", Active: true,
				Conditions: []Condition{{Kind: CondPatientAgeBelow, Years: years(-1)}},
				Effect:     Effect{Kind: EffectCoveragePercent, Percent: decp("50")}}},
			wantErr: "negative years",
		},
		{
			name: "unknown condition",
			rules: []*BusinessRule{{Name: "r", Active: true,
				Conditions: []Condition{{Kind: "weekday"}},
				Effect:     Effect{Kind: EffectCoveragePercent, Percent: decp("50")}}},
			wantErr: "unknown kind",
		},
		{
			name:    "unknown effect",
			rules:   []*BusinessRule{{Name: "r", Active: true, Effect: Effect{Kind: "discount"}}},
			wantErr: "unknown effect kind",
		},
		{
			name: "negative cap",
			rules: []*BusinessRule{{Name: "r", Active: true,
				Effect: Effect{Kind: EffectPaymentCap, Amount: decp("-1")}}},
			wantErr: "negative amount",
		},
		{
			name: "deductible percent out of range",
			rules: []*BusinessRule{{Name: "r", Active: true,
				Effect: Effect{Kind: EffectDeductiblePercent, Percent: decp("101")}}},
			wantErr: "outside [0, 100]",
		},
		{
			name: "inverted window",
			rules: []*BusinessRule{{Name: "r", Active: true, ValidFrom: &from, ValidTo: &to,
				Effect: Effect{Kind: EffectCoveragePercent, Percent: decp("50")}}},
			wantErr: "valid_to is before valid_from",
		},
		{
			name: "same scope and priority, different effect",
			rules: []*BusinessRule{
				{Name: "a", Active: true, PlanID: &plan, Effect: Effect{Kind: EffectCoveragePercent, Percent: decp("50")}},
				{Name: "b", Active: true, PlanID: &plan, Effect: Effect{Kind: EffectCoveragePercent, Percent: decp("60")}},
			},
			wantErr: "differently",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ValidateRules(tt.rules)
			if tt.wantErr == "" {
				if !res.IsValid {
					t.Fatalf("expected valid, got %v", res.Errors)
				}
				return
			}
			if res.IsValid {
				t.Fatal("expected invalid result")
			}
			if !strings.Contains(strings.Join(res.Errors, "; "), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, res.Errors)
			}
		})
	}
}

func TestValidateRules_DisjointWindowsDoNotContradict(t *testing.T) {
	janEnd := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	febStart := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	a := coverageRule("50")
	a.ValidTo = &janEnd
	b := coverageRule("60")
	b.ValidFrom = &febStart

	if res := ValidateRules([]*BusinessRule{a, b}); !res.IsValid {
		t.Errorf("expected valid, got %v", res.Errors)
	}
}

func TestValidatePaymentLimits(t *testing.T) {
	share, diag := ValidatePaymentLimits(dec("135000"), decp("100000"))
	assertDec(t, "share", share, "100000")
	if diag == nil || diag.Code != pricing.CodePaymentCapExceeded {
		t.Fatalf("expected PAYMENT_CAP_EXCEEDED, got %v", diag)
	}

	share, diag = ValidatePaymentLimits(dec("90000"), decp("100000"))
	assertDec(t, "share", share, "90000")
	if diag != nil {
		t.Errorf("expected no diagnostic, got %v", diag)
	}

	share, diag = ValidatePaymentLimits(dec("90000"), nil)
	assertDec(t, "share", share, "90000")
	if diag != nil {
		t.Errorf("expected no diagnostic, got %v", diag)
	}
}

func TestPatientProfile_AgeAt(t *testing.T) {
	birth := time.Date(1990, 5, 11, 0, 0, 0, 0, time.UTC)
	p := &PatientProfile{BirthDate: &birth}
	if age, ok := p.AgeAt(calcDate); !ok || age != 34 {
		t.Errorf("expected 34 the day before the birthday, got %d", age)
	}
	if age, _ := p.AgeAt(calcDate.AddDate(0, 0, 1)); age != 35 {
		t.Errorf("expected 35 on the birthday, got %d", age)
	}
	if _, ok := (&PatientProfile{}).AgeAt(calcDate); ok {
		t.Error("expected unknown age without a birth date")
	}
}
