package insurance

import (
	"context"

	"github.com/google/uuid"
)

type TariffRepository interface {
	// FindForService returns the non-deleted tariffs of the exact
	// plan/service pair, whatever their window.
	FindForService(ctx context.Context, planID, serviceID uuid.UUID) ([]*Tariff, error)
	// FindAllServices returns the plan's non-deleted all-services tariffs.
	FindAllServices(ctx context.Context, planID uuid.UUID) ([]*Tariff, error)
	ListByPlan(ctx context.Context, planID uuid.UUID) ([]*Tariff, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Tariff, error)
	Create(ctx context.Context, t *Tariff) error
	Update(ctx context.Context, t *Tariff) error
	// Delete marks the tariff deleted; tariffs are never removed.
	Delete(ctx context.Context, id uuid.UUID) error
}

type PlanRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Plan, error)
	Update(ctx context.Context, p *Plan) error
}

type PolicyRepository interface {
	// ListByPatient returns every policy of the patient, expired ones included.
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Policy, error)
}

type PatientRepository interface {
	GetProfile(ctx context.Context, id uuid.UUID) (*PatientProfile, error)
}

// RuleFilter selects the rules that can apply to a plan and category:
// those scoped to them and the unscoped ones.
type RuleFilter struct {
	PlanID            *uuid.UUID
	ServiceCategoryID *uuid.UUID
	ActiveOnly        bool
}

type RuleRepository interface {
	Find(ctx context.Context, f RuleFilter) ([]*BusinessRule, error)
	GetByID(ctx context.Context, id uuid.UUID) (*BusinessRule, error)
	// Upsert creates the rule when its ID is nil and replaces it otherwise.
	Upsert(ctx context.Context, r *BusinessRule) error
}
