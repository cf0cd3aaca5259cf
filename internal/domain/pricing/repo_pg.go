package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/coverage/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Service Repository ===========

type serviceRepoPG struct{ pool *pgxpool.Pool }

func NewServiceRepoPG(pool *pgxpool.Pool) ServiceRepository { return &serviceRepoPG{pool: pool} }

func (r *serviceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*MedicalService, error) {
	var s MedicalService
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, code, name, department_id, category_id, factor_scope, is_hashtagged, active
		FROM medical_service WHERE id = $1`, id).
		Scan(&s.ID, &s.Code, &s.Name, &s.DepartmentID, &s.CategoryID, &s.FactorScope, &s.IsHashtagged, &s.Active)
	if err != nil {
		return nil, notFound(err)
	}

	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, service_id, kind, amount FROM service_component
		WHERE service_id = $1 ORDER BY kind`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c ServiceComponent
		if err := rows.Scan(&c.ID, &c.ServiceID, &c.Kind, &c.Amount); err != nil {
			return nil, err
		}
		s.Components = append(s.Components, c)
	}
	return &s, rows.Err()
}

// =========== Factor Setting Repository ===========

type factorRepoPG struct{ pool *pgxpool.Pool }

func NewFactorSettingRepoPG(pool *pgxpool.Pool) FactorSettingRepository {
	return &factorRepoPG{pool: pool}
}

const factorCols = `id, kind, scope, department_id, is_hashtagged, financial_year,
	effective_from, effective_to, value, active, frozen, created_at, updated_at`

func (r *factorRepoPG) scanFactor(row pgx.Row) (*FactorSetting, error) {
	var f FactorSetting
	err := row.Scan(&f.ID, &f.Kind, &f.Scope, &f.DepartmentID, &f.IsHashtagged, &f.FinancialYear,
		&f.EffectiveFrom, &f.EffectiveTo, &f.Value, &f.Active, &f.Frozen, &f.CreatedAt, &f.UpdatedAt)
	return &f, err
}

func (r *factorRepoPG) Find(ctx context.Context, f FactorFilter) ([]*FactorSetting, error) {
	query := `SELECT ` + factorCols + ` FROM factor_setting WHERE kind = $1 AND financial_year = $2`
	args := []interface{}{f.Kind, f.FinancialYear}
	if len(f.Scopes) > 0 {
		args = append(args, f.Scopes)
		query += fmt.Sprintf(" AND scope = ANY($%d)", len(args))
	}
	if f.ActiveOnly {
		query += " AND active"
	}
	query += " ORDER BY effective_from DESC, id"

	rows, err := conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*FactorSetting
	for rows.Next() {
		s, err := r.scanFactor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *factorRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*FactorSetting, error) {
	s, err := r.scanFactor(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+factorCols+` FROM factor_setting WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

func (r *factorRepoPG) List(ctx context.Context, financialYear int, limit, offset int) ([]*FactorSetting, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM factor_setting WHERE financial_year = $1`, financialYear).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+factorCols+` FROM factor_setting
		WHERE financial_year = $1 ORDER BY kind, scope, effective_from DESC LIMIT $2 OFFSET $3`,
		financialYear, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []*FactorSetting
	for rows.Next() {
		s, err := r.scanFactor(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// Update refuses frozen rows at the SQL level as well.
func (r *factorRepoPG) Update(ctx context.Context, f *FactorSetting) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE factor_setting SET value=$2, effective_from=$3, effective_to=$4, active=$5, updated_at=NOW()
		WHERE id = $1 AND NOT frozen`,
		f.ID, f.Value, f.EffectiveFrom, f.EffectiveTo, f.Active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("factor %s: %w", f.ID, ErrFinancialYearFrozen)
	}
	return nil
}

func (r *factorRepoPG) FreezeYear(ctx context.Context, year int) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `UPDATE factor_setting SET frozen = TRUE, updated_at = NOW()
		WHERE financial_year = $1 AND NOT frozen`, year)
	return err
}

// =========== Financial Year Repository ===========

type yearRepoPG struct{ pool *pgxpool.Pool }

func NewFinancialYearRepoPG(pool *pgxpool.Pool) FinancialYearRepository {
	return &yearRepoPG{pool: pool}
}

const yearCols = `year, start_date, end_date, frozen, frozen_at`

func scanYear(row pgx.Row) (*FinancialYear, error) {
	var y FinancialYear
	if err := row.Scan(&y.Year, &y.StartDate, &y.EndDate, &y.Frozen, &y.FrozenAt); err != nil {
		return nil, notFound(err)
	}
	return &y, nil
}

func (r *yearRepoPG) Get(ctx context.Context, year int) (*FinancialYear, error) {
	return scanYear(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+yearCols+` FROM financial_year WHERE year = $1`, year))
}

func (r *yearRepoPG) ForDate(ctx context.Context, t time.Time) (*FinancialYear, error) {
	return scanYear(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+yearCols+` FROM financial_year
		WHERE $1::date BETWEEN start_date AND end_date`, t))
}

func (r *yearRepoPG) MarkFrozen(ctx context.Context, year int, at time.Time) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `UPDATE financial_year SET frozen = TRUE, frozen_at = COALESCE(frozen_at, $2)
		WHERE year = $1`, year, at)
	return err
}
