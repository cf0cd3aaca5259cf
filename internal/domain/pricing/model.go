package pricing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ComponentKind distinguishes the two priced parts of a medical service.
type ComponentKind string

const (
	KindTechnical    ComponentKind = "technical"
	KindProfessional ComponentKind = "professional"
)

// Valid reports whether k is one of the known component kinds.
func (k ComponentKind) Valid() bool {
	return k == KindTechnical || k == KindProfessional
}

// Factor scopes. A service carries one of these as its scope hint; factor
// settings are recorded against one of them.
const (
	ScopeGeneral    = "general"
	ScopeHashtag    = "hashtag"
	ScopeDepartment = "department"
	ScopeDental     = "dental"
)

// MedicalService is the read snapshot of a billable service and its components.
type MedicalService struct {
	ID           uuid.UUID          `db:"id" json:"id"`
	Code         string             `db:"code" json:"code"`
	Name         string             `db:"name" json:"name"`
	DepartmentID *uuid.UUID         `db:"department_id" json:"department_id,omitempty"`
	CategoryID   *uuid.UUID         `db:"category_id" json:"category_id,omitempty"`
	FactorScope  string             `db:"factor_scope" json:"factor_scope"`
	IsHashtagged bool               `db:"is_hashtagged" json:"is_hashtagged"`
	Active       bool               `db:"active" json:"active"`
	Components   []ServiceComponent `json:"components"`
}

// ScopeHint returns the factor scope the service asks for, defaulting to general.
func (s *MedicalService) ScopeHint() string {
	if s.FactorScope == "" {
		return ScopeGeneral
	}
	return s.FactorScope
}

// ServiceComponent is one raw, unpriced part of a service.
type ServiceComponent struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	ServiceID uuid.UUID       `db:"service_id" json:"service_id"`
	Kind      ComponentKind   `db:"kind" json:"kind"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
}

// FactorSetting is a yearly coefficient for one component kind and scope.
type FactorSetting struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	Kind          ComponentKind   `db:"kind" json:"kind"`
	Scope         string          `db:"scope" json:"scope"`
	DepartmentID  *uuid.UUID      `db:"department_id" json:"department_id,omitempty"`
	IsHashtagged  bool            `db:"is_hashtagged" json:"is_hashtagged"`
	FinancialYear int             `db:"financial_year" json:"financial_year"`
	EffectiveFrom time.Time       `db:"effective_from" json:"effective_from"`
	EffectiveTo   *time.Time      `db:"effective_to" json:"effective_to,omitempty"`
	Value         decimal.Decimal `db:"value" json:"value"`
	Active        bool            `db:"active" json:"active"`
	Frozen        bool            `db:"frozen" json:"frozen"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// EffectiveAt reports whether the setting's window covers t.
func (f *FactorSetting) EffectiveAt(t time.Time) bool {
	if f.EffectiveFrom.After(t) {
		return false
	}
	return f.EffectiveTo == nil || !f.EffectiveTo.Before(t)
}

// FinancialYear is the accounting year factor settings belong to.
type FinancialYear struct {
	Year      int        `db:"year" json:"year"`
	StartDate time.Time  `db:"start_date" json:"start_date"`
	EndDate   time.Time  `db:"end_date" json:"end_date"`
	Frozen    bool       `db:"frozen" json:"frozen"`
	FrozenAt  *time.Time `db:"frozen_at" json:"frozen_at,omitempty"`
}

// Covers reports whether t falls inside the year, both ends inclusive.
func (y *FinancialYear) Covers(t time.Time) bool {
	return !t.Before(y.StartDate) && !t.After(y.EndDate)
}

// FactorQuery is the input of a factor resolution.
type FactorQuery struct {
	Kind          ComponentKind
	ScopeHint     string
	FinancialYear int
	IsHashtagged  bool
	AsOf          time.Time
	// DepartmentID, when set, lets a department-scoped setting for that
	// department take precedence over every other scope.
	DepartmentID *uuid.UUID
}

// FactorValue is a resolved coefficient and the setting it came from.
type FactorValue struct {
	SettingID     uuid.UUID       `json:"setting_id"`
	Kind          ComponentKind   `json:"kind"`
	Scope         string          `json:"scope"`
	FinancialYear int             `json:"financial_year"`
	EffectiveFrom time.Time       `json:"effective_from"`
	Value         decimal.Decimal `json:"value"`
}

// PriceOptions adjusts a single price calculation. The zero value prices
// with the service's own scopes.
type PriceOptions struct {
	// DepartmentOverrideID applies that department's factor settings, where
	// they exist, in place of the general scope for this call only.
	DepartmentOverrideID *uuid.UUID `json:"department_override_id,omitempty"`
}

// ComponentPrice is the priced contribution of one component.
type ComponentPrice struct {
	Kind         ComponentKind   `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	Factor       FactorValue     `json:"factor"`
	Contribution decimal.Decimal `json:"contribution"`
}

// PriceBreakdown is the result of pricing a service.
type PriceBreakdown struct {
	ServiceID     uuid.UUID        `json:"service_id"`
	FinancialYear int              `json:"financial_year"`
	Components    []ComponentPrice `json:"components"`
	Total         decimal.Decimal  `json:"total"`
	Diagnostics   []Diagnostic     `json:"diagnostics,omitempty"`
}
