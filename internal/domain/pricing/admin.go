package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// TxRunner runs fn inside one transaction; the transaction travels in ctx.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// FactorInvalidator is the part of the calculation cache the factor write
// path needs.
type FactorInvalidator interface {
	InvalidateFactors()
}

// FactorUpdate carries the editable fields of a factor setting. Nil fields
// are left unchanged.
type FactorUpdate struct {
	Value         *decimal.Decimal `json:"value,omitempty"`
	EffectiveFrom *time.Time       `json:"effective_from,omitempty"`
	EffectiveTo   *time.Time       `json:"effective_to,omitempty"`
	Active        *bool            `json:"active,omitempty"`
}

// FactorAdmin is the write path for factor settings and financial years.
// Every mutation invalidates cached prices before the change commits and
// again once it is visible, and only then reports success.
type FactorAdmin struct {
	settings FactorSettingRepository
	years    FinancialYearRepository
	tx       TxRunner
	cache    FactorInvalidator
	logger   zerolog.Logger
	now      func() time.Time
}

func NewFactorAdmin(settings FactorSettingRepository, years FinancialYearRepository, tx TxRunner, cache FactorInvalidator, logger zerolog.Logger) *FactorAdmin {
	return &FactorAdmin{
		settings: settings,
		years:    years,
		tx:       tx,
		cache:    cache,
		logger:   logger.With().Str("component", "factor_admin").Logger(),
		now:      time.Now,
	}
}

func (a *FactorAdmin) GetFactor(ctx context.Context, id uuid.UUID) (*FactorSetting, error) {
	return a.settings.GetByID(ctx, id)
}

func (a *FactorAdmin) ListFactors(ctx context.Context, year, limit, offset int) ([]*FactorSetting, int, error) {
	return a.settings.List(ctx, year, limit, offset)
}

// UpdateFactor edits a factor setting. Settings of a frozen year are
// immutable and the edit is rejected with ErrFinancialYearFrozen.
func (a *FactorAdmin) UpdateFactor(ctx context.Context, id uuid.UUID, upd FactorUpdate) (*FactorSetting, error) {
	var updated *FactorSetting
	err := a.mutate(ctx, func(ctx context.Context) error {
		s, err := a.settings.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := a.checkWritable(ctx, s); err != nil {
			return err
		}
		if upd.Value != nil {
			if !upd.Value.IsPositive() {
				return fmt.Errorf("factor value must be positive, got %s", upd.Value)
			}
			s.Value = *upd.Value
		}
		if upd.EffectiveFrom != nil {
			s.EffectiveFrom = *upd.EffectiveFrom
		}
		if upd.EffectiveTo != nil {
			s.EffectiveTo = upd.EffectiveTo
		}
		if upd.Active != nil {
			s.Active = *upd.Active
		}
		if s.EffectiveTo != nil && s.EffectiveTo.Before(s.EffectiveFrom) {
			return fmt.Errorf("effective_to %s is before effective_from %s",
				s.EffectiveTo.Format("2006-01-02"), s.EffectiveFrom.Format("2006-01-02"))
		}
		if err := a.settings.Update(ctx, s); err != nil {
			return err
		}
		updated = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.Info().Str("factor_id", id.String()).Int("financial_year", updated.FinancialYear).Msg("factor setting updated")
	return updated, nil
}

// FreezeYear makes a financial year's factor settings permanently
// immutable. Freezing a frozen year is a no-op that returns the year as is.
func (a *FactorAdmin) FreezeYear(ctx context.Context, year int) (*FinancialYear, error) {
	fy, err := a.years.Get(ctx, year)
	if err != nil {
		return nil, fmt.Errorf("financial year %d: %w", year, err)
	}
	if fy.Frozen {
		return fy, nil
	}

	at := a.now().UTC()
	err = a.mutate(ctx, func(ctx context.Context) error {
		if err := a.years.MarkFrozen(ctx, year, at); err != nil {
			return err
		}
		return a.settings.FreezeYear(ctx, year)
	})
	if err != nil {
		return nil, err
	}
	fy.Frozen = true
	fy.FrozenAt = &at
	a.logger.Info().Int("financial_year", year).Msg("financial year frozen")
	return fy, nil
}

func (a *FactorAdmin) checkWritable(ctx context.Context, s *FactorSetting) error {
	if s.Frozen {
		return fmt.Errorf("factor %s: %w", s.ID, ErrFinancialYearFrozen)
	}
	fy, err := a.years.Get(ctx, s.FinancialYear)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if fy != nil && fy.Frozen {
		return fmt.Errorf("factor %s: %w", s.ID, ErrFinancialYearFrozen)
	}
	return nil
}

// mutate runs fn in a transaction and invalidates cached factors before the
// commit and after it. The second invalidation drops anything a concurrent
// reader computed from the pre-commit snapshot.
func (a *FactorAdmin) mutate(ctx context.Context, fn func(ctx context.Context) error) error {
	err := a.tx.InTx(ctx, func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			return err
		}
		a.cache.InvalidateFactors()
		return nil
	})
	if err != nil {
		return err
	}
	a.cache.InvalidateFactors()
	return nil
}
