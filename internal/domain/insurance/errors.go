package insurance

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clinic/coverage/internal/domain/pricing"
)

var (
	// ErrNotFound is shared with the pricing repositories so callers can
	// test either package's lookups with one errors.Is.
	ErrNotFound = pricing.ErrNotFound
	// ErrMultiplePrimaryPolicies means a patient holds more than one active
	// primary policy on the calculation date.
	ErrMultiplePrimaryPolicies = errors.New("patient has more than one active primary policy")
	// ErrCalculationTimeout wraps the context error of an abandoned calculation.
	ErrCalculationTimeout = errors.New("calculation timed out")
	// ErrTariffOverlap rejects a tariff write that would make two tariffs
	// effective for the same plan and service at once.
	ErrTariffOverlap = errors.New("tariff overlaps an existing tariff for the same plan and service")
	// ErrBatchMismatch rejects a batch whose parallel lists differ in length.
	ErrBatchMismatch = errors.New("service_ids and amounts must have the same length")
)

// AmbiguousTariffError means more than one tariff is effective for a slot.
type AmbiguousTariffError struct {
	PlanID    uuid.UUID
	ServiceID uuid.UUID
	// AllServices is set when the clash is between all-services tariffs.
	AllServices bool
	TariffIDs   []uuid.UUID
}

func (e *AmbiguousTariffError) Error() string {
	ids := make([]string, len(e.TariffIDs))
	for i, id := range e.TariffIDs {
		ids[i] = id.String()
	}
	level := "service " + e.ServiceID.String()
	if e.AllServices {
		level = "all services"
	}
	return fmt.Sprintf("plan %s has %d effective tariffs for %s: %s",
		e.PlanID, len(e.TariffIDs), level, strings.Join(ids, ", "))
}

// InvalidCoverageRangeError rejects a coverage percentage outside [0, 100].
type InvalidCoverageRangeError struct {
	Source  string
	Percent decimal.Decimal
}

func (e *InvalidCoverageRangeError) Error() string {
	return fmt.Sprintf("%s: coverage percent %s is outside [0, 100]", e.Source, e.Percent)
}

// RuleValidationError carries a failed validation of a rule set.
type RuleValidationError struct {
	Result BusinessRuleValidationResult
}

func (e *RuleValidationError) Error() string {
	return "invalid business rules: " + strings.Join(e.Result.Errors, "; ")
}
