package pricing

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned by repositories when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateComponent means a service has two components of one kind.
	ErrDuplicateComponent = errors.New("service has more than one component of the same kind")
	// ErrFinancialYearFrozen rejects writes against a frozen year.
	ErrFinancialYearFrozen = errors.New("financial year is frozen")
)

// MissingFactorSettingError means no factor setting qualifies for a
// component. The service cannot be priced.
type MissingFactorSettingError struct {
	Kind          ComponentKind
	Scope         string
	FinancialYear int
	AsOf          time.Time
}

func (e *MissingFactorSettingError) Error() string {
	return fmt.Sprintf("no active %s factor setting for scope %q in financial year %d as of %s",
		e.Kind, e.Scope, e.FinancialYear, e.AsOf.Format("2006-01-02"))
}
