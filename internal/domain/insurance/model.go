package insurance

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinic/coverage/internal/domain/pricing"
	"github.com/clinic/coverage/internal/platform/cache"
)

// PlanType is the payer tier of a plan or policy.
type PlanType string

const (
	PlanPrimary       PlanType = "primary"
	PlanSupplementary PlanType = "supplementary"
)

func (t PlanType) Valid() bool {
	return t == PlanPrimary || t == PlanSupplementary
}

// Plan is an insurance product offered by a provider.
type Plan struct {
	ID                     uuid.UUID        `db:"id" json:"id"`
	ProviderID             uuid.UUID        `db:"provider_id" json:"provider_id"`
	Name                   string           `db:"name" json:"name"`
	Type                   PlanType         `db:"type" json:"type"`
	DefaultCoveragePercent decimal.Decimal  `db:"default_coverage_percent" json:"default_coverage_percent"`
	MaxPaymentCap          *decimal.Decimal `db:"max_payment_cap" json:"max_payment_cap,omitempty"`
	Active                 bool             `db:"active" json:"active"`
	CreatedAt              time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt              time.Time        `db:"updated_at" json:"updated_at"`
}

// Tariff overrides price, coverage or cap for one service of a plan, or
// for every service when CoversAllServices is set.
type Tariff struct {
	ID                uuid.UUID        `db:"id" json:"id"`
	PlanID            uuid.UUID        `db:"plan_id" json:"plan_id"`
	ServiceID         *uuid.UUID       `db:"service_id" json:"service_id,omitempty"`
	CoversAllServices bool             `db:"covers_all_services" json:"covers_all_services"`
	TariffPrice       *decimal.Decimal `db:"tariff_price" json:"tariff_price,omitempty"`
	CoveragePercent   *decimal.Decimal `db:"coverage_percent" json:"coverage_percent,omitempty"`
	PaymentCap        *decimal.Decimal `db:"payment_cap" json:"payment_cap,omitempty"`
	ValidFrom         time.Time        `db:"valid_from" json:"valid_from"`
	ValidTo           *time.Time       `db:"valid_to" json:"valid_to,omitempty"`
	Deleted           bool             `db:"deleted" json:"deleted"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time        `db:"updated_at" json:"updated_at"`
}

// EffectiveAt reports whether the tariff is live on t.
func (t *Tariff) EffectiveAt(at time.Time) bool {
	if t.Deleted || t.ValidFrom.After(at) {
		return false
	}
	return t.ValidTo == nil || !t.ValidTo.Before(at)
}

// sameTarget reports whether both tariffs apply to the same service slot.
func (t *Tariff) sameTarget(o *Tariff) bool {
	if t.PlanID != o.PlanID || t.CoversAllServices != o.CoversAllServices {
		return false
	}
	if t.CoversAllServices {
		return true
	}
	return t.ServiceID != nil && o.ServiceID != nil && *t.ServiceID == *o.ServiceID
}

// overlaps reports whether the validity windows of two tariffs intersect.
func (t *Tariff) overlaps(o *Tariff) bool {
	if t.ValidTo != nil && t.ValidTo.Before(o.ValidFrom) {
		return false
	}
	if o.ValidTo != nil && o.ValidTo.Before(t.ValidFrom) {
		return false
	}
	return true
}

// Policy links a patient to a plan.
type Policy struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	PatientID    uuid.UUID  `db:"patient_id" json:"patient_id"`
	PlanID       uuid.UUID  `db:"plan_id" json:"plan_id"`
	Type         PlanType   `db:"type" json:"type"`
	Priority     int        `db:"priority" json:"priority"`
	PolicyNumber string     `db:"policy_number" json:"policy_number"`
	ValidFrom    time.Time  `db:"valid_from" json:"valid_from"`
	ValidTo      *time.Time `db:"valid_to" json:"valid_to,omitempty"`
	Active       bool       `db:"active" json:"active"`
}

// CoversDate reports whether the policy is active and its window covers t.
func (p *Policy) CoversDate(t time.Time) bool {
	if !p.Active || p.ValidFrom.After(t) {
		return false
	}
	return p.ValidTo == nil || !p.ValidTo.Before(t)
}

// PatientProfile holds the patient attributes rules may test.
type PatientProfile struct {
	ID        uuid.UUID  `db:"id" json:"id"`
	BirthDate *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Gender    string     `db:"gender" json:"gender,omitempty"`
}

// AgeAt returns the age in whole years on t. ok is false when the birth
// date is unknown.
func (p *PatientProfile) AgeAt(t time.Time) (age int, ok bool) {
	if p == nil || p.BirthDate == nil {
		return 0, false
	}
	b := *p.BirthDate
	age = t.Year() - b.Year()
	if t.Month() < b.Month() || (t.Month() == b.Month() && t.Day() < b.Day()) {
		age--
	}
	return age, true
}

// CalculateOptions adjusts a combined calculation. The zero value
// calculates with the patient's own policies and the cache enabled.
type CalculateOptions struct {
	// DepartmentOverrideID prices components with that department's factor
	// settings where they exist. It affects only this call.
	DepartmentOverrideID *uuid.UUID `json:"department_override_id,omitempty"`
	// SupplementaryPlanID selects which of the patient's supplementary
	// policies to apply. Unset picks the active one with the lowest priority.
	SupplementaryPlanID *uuid.UUID `json:"supplementary_plan_id,omitempty"`
	// SkipSupplementary stops after the primary stage; the patient pays the
	// whole remainder.
	SkipSupplementary bool `json:"skip_supplementary,omitempty"`
	// BypassCache computes from the repositories without reading or
	// populating the calculation cache.
	BypassCache bool `json:"bypass_cache,omitempty"`
}

func (o CalculateOptions) priceOptions() pricing.PriceOptions {
	return pricing.PriceOptions{DepartmentOverrideID: o.DepartmentOverrideID}
}

// CalculationContext is the immutable input threaded through the coverage
// stages. Derive variants with WithAmount and WithPlan; never modify the
// referenced records.
type CalculationContext struct {
	PatientID uuid.UUID
	Patient   *PatientProfile
	Service   *pricing.MedicalService
	Plan      *Plan
	Policy    *Policy
	Amount    decimal.Decimal
	Date      time.Time
	Options   CalculateOptions
}

// WithAmount returns a copy of the context for a different amount.
func (c CalculationContext) WithAmount(amount decimal.Decimal) CalculationContext {
	c.Amount = amount
	return c
}

// WithPlan returns a copy of the context evaluated against another plan.
// policy may be nil when the plan is only being considered.
func (c CalculationContext) WithPlan(plan *Plan, policy *Policy) CalculationContext {
	c.Plan = plan
	c.Policy = policy
	return c
}

// CategoryID is the service category the context's service belongs to.
func (c CalculationContext) CategoryID() *uuid.UUID {
	if c.Service == nil {
		return nil
	}
	return c.Service.CategoryID
}

// Where a stage's coverage percentage came from.
const (
	SourceTariff      = "tariff"
	SourceRule        = "rule"
	SourcePlanDefault = "plan_default"
	SourceBasePrice   = "base_price"
	SourceRequest     = "request"
)

// PrimaryResult is the outcome of the primary stage.
type PrimaryResult struct {
	PlanID           *uuid.UUID           `json:"plan_id,omitempty"`
	PolicyID         *uuid.UUID           `json:"policy_id,omitempty"`
	TariffID         *uuid.UUID           `json:"tariff_id,omitempty"`
	ServiceAmount    decimal.Decimal      `json:"service_amount"`
	CoveragePercent  decimal.Decimal      `json:"coverage_percent"`
	CoverageSource   string               `json:"coverage_source,omitempty"`
	Deductible       decimal.Decimal      `json:"deductible"`
	PaymentCap       *decimal.Decimal     `json:"payment_cap,omitempty"`
	InsurerShare     decimal.Decimal      `json:"insurer_share"`
	PatientRemainder decimal.Decimal      `json:"patient_remainder"`
	AppliedRuleIDs   []uuid.UUID          `json:"applied_rule_ids,omitempty"`
	Diagnostics      []pricing.Diagnostic `json:"diagnostics,omitempty"`
}

// SupplementaryResult is the outcome of the supplementary stage over the
// primary remainder.
type SupplementaryResult struct {
	PlanID          uuid.UUID            `json:"plan_id"`
	PlanName        string               `json:"plan_name"`
	PolicyID        *uuid.UUID           `json:"policy_id,omitempty"`
	TariffID        *uuid.UUID           `json:"tariff_id,omitempty"`
	Remainder       decimal.Decimal      `json:"remainder"`
	CoveragePercent decimal.Decimal      `json:"coverage_percent"`
	CoverageSource  string               `json:"coverage_source,omitempty"`
	PaymentCap      *decimal.Decimal     `json:"payment_cap,omitempty"`
	CandidateShare  decimal.Decimal      `json:"candidate_share"`
	InsurerShare    decimal.Decimal      `json:"insurer_share"`
	PatientShare    decimal.Decimal      `json:"patient_share"`
	AppliedRuleIDs  []uuid.UUID          `json:"applied_rule_ids,omitempty"`
	Diagnostics     []pricing.Diagnostic `json:"diagnostics,omitempty"`
}

// CombinedRequest asks for the settlement of one service for one patient.
// A zero Amount prices the service.
type CombinedRequest struct {
	PatientID uuid.UUID        `json:"patient_id"`
	ServiceID uuid.UUID        `json:"service_id"`
	Amount    decimal.Decimal  `json:"amount"`
	Date      time.Time        `json:"date"`
	Options   CalculateOptions `json:"options"`
}

// CombinedResult is the settlement of one service. The three shares always
// add up to ServiceAmount.
type CombinedResult struct {
	PatientID                 uuid.UUID            `json:"patient_id"`
	ServiceID                 uuid.UUID            `json:"service_id"`
	Date                      time.Time            `json:"date"`
	ServiceAmount             decimal.Decimal      `json:"service_amount"`
	PriceSource               string               `json:"price_source"`
	Primary                   *PrimaryResult       `json:"primary"`
	Supplementary             *SupplementaryResult `json:"supplementary,omitempty"`
	PrimaryInsurerShare       decimal.Decimal      `json:"primary_insurer_share"`
	SupplementaryInsurerShare decimal.Decimal      `json:"supplementary_insurer_share"`
	PatientShare              decimal.Decimal      `json:"patient_share"`
	Diagnostics               []pricing.Diagnostic `json:"diagnostics,omitempty"`

	tags []cache.Tag
}

// CacheTags lists every plan, tariff and service the result was derived
// from, so editing any of them drops the cached settlement.
func (r *CombinedResult) CacheTags() []cache.Tag { return r.tags }

// BatchRequest settles several services for one patient. ServiceIDs and
// Amounts are parallel lists.
type BatchRequest struct {
	PatientID  uuid.UUID         `json:"patient_id"`
	ServiceIDs []uuid.UUID       `json:"service_ids"`
	Amounts    []decimal.Decimal `json:"amounts"`
	Date       time.Time         `json:"date"`
	Options    CalculateOptions  `json:"options"`
}

// BatchResult lists the independent per-service results and their sums.
type BatchResult struct {
	Items                          []*CombinedResult `json:"items"`
	TotalAmount                    decimal.Decimal   `json:"total_amount"`
	TotalPrimaryInsurerShare       decimal.Decimal   `json:"total_primary_insurer_share"`
	TotalSupplementaryInsurerShare decimal.Decimal   `json:"total_supplementary_insurer_share"`
	TotalPatientShare              decimal.Decimal   `json:"total_patient_share"`
}

// PlanSummary describes a plan's configured coverage.
type PlanSummary struct {
	PlanID                 uuid.UUID        `json:"plan_id"`
	Name                   string           `json:"name"`
	Type                   PlanType         `json:"type"`
	Active                 bool             `json:"active"`
	DefaultCoveragePercent decimal.Decimal  `json:"default_coverage_percent"`
	MaxPaymentCap          *decimal.Decimal `json:"max_payment_cap,omitempty"`
	EffectiveTariffs       int              `json:"effective_tariffs"`
	AllServicesTariffs     int              `json:"all_services_tariffs"`
	PriceOverrides         int              `json:"price_overrides"`
	PlanRules              int              `json:"plan_rules"`
	AsOf                   time.Time        `json:"as_of"`
}
