package pricing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FactorFilter narrows a factor setting lookup.
type FactorFilter struct {
	Kind          ComponentKind
	FinancialYear int
	// Scopes limits the result to these scopes; empty means every scope.
	Scopes     []string
	ActiveOnly bool
}

type ServiceRepository interface {
	// GetByID returns the service with its components loaded.
	GetByID(ctx context.Context, id uuid.UUID) (*MedicalService, error)
}

type FactorSettingRepository interface {
	Find(ctx context.Context, f FactorFilter) ([]*FactorSetting, error)
	GetByID(ctx context.Context, id uuid.UUID) (*FactorSetting, error)
	List(ctx context.Context, financialYear int, limit, offset int) ([]*FactorSetting, int, error)
	Update(ctx context.Context, f *FactorSetting) error
	// FreezeYear marks every setting of the year as frozen.
	FreezeYear(ctx context.Context, year int) error
}

type FinancialYearRepository interface {
	Get(ctx context.Context, year int) (*FinancialYear, error)
	// ForDate returns the year whose window covers t.
	ForDate(ctx context.Context, t time.Time) (*FinancialYear, error)
	MarkFrozen(ctx context.Context, year int, at time.Time) error
}
