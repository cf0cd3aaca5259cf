package insurance

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
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

// =========== Tariff Repository ===========

type tariffRepoPG struct{ pool *pgxpool.Pool }

func NewTariffRepoPG(pool *pgxpool.Pool) TariffRepository { return &tariffRepoPG{pool: pool} }

const tariffCols = `id, plan_id, service_id, covers_all_services, tariff_price, coverage_percent,
	payment_cap, valid_from, valid_to, deleted, created_at, updated_at`

func scanTariff(row pgx.Row) (*Tariff, error) {
	var t Tariff
	err := row.Scan(&t.ID, &t.PlanID, &t.ServiceID, &t.CoversAllServices, &t.TariffPrice, &t.CoveragePercent,
		&t.PaymentCap, &t.ValidFrom, &t.ValidTo, &t.Deleted, &t.CreatedAt, &t.UpdatedAt)
	return &t, err
}

func (r *tariffRepoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Tariff, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Tariff
	for rows.Next() {
		t, err := scanTariff(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *tariffRepoPG) FindForService(ctx context.Context, planID, serviceID uuid.UUID) ([]*Tariff, error) {
	return r.list(ctx, `SELECT `+tariffCols+` FROM insurance_tariff
		WHERE plan_id = $1 AND service_id = $2 AND NOT deleted ORDER BY valid_from`, planID, serviceID)
}

func (r *tariffRepoPG) FindAllServices(ctx context.Context, planID uuid.UUID) ([]*Tariff, error) {
	return r.list(ctx, `SELECT `+tariffCols+` FROM insurance_tariff
		WHERE plan_id = $1 AND covers_all_services AND NOT deleted ORDER BY valid_from`, planID)
}

func (r *tariffRepoPG) ListByPlan(ctx context.Context, planID uuid.UUID) ([]*Tariff, error) {
	return r.list(ctx, `SELECT `+tariffCols+` FROM insurance_tariff
		WHERE plan_id = $1 ORDER BY valid_from, id`, planID)
}

func (r *tariffRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Tariff, error) {
	t, err := scanTariff(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+tariffCols+` FROM insurance_tariff WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return t, nil
}

func (r *tariffRepoPG) Create(ctx context.Context, t *Tariff) error {
	t.ID = uuid.New()
	return conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO insurance_tariff (id, plan_id, service_id, covers_all_services, tariff_price,
			coverage_percent, payment_cap, valid_from, valid_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		t.ID, t.PlanID, t.ServiceID, t.CoversAllServices, t.TariffPrice,
		t.CoveragePercent, t.PaymentCap, t.ValidFrom, t.ValidTo).
		Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *tariffRepoPG) Update(ctx context.Context, t *Tariff) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE insurance_tariff SET tariff_price=$2, coverage_percent=$3, payment_cap=$4,
			valid_from=$5, valid_to=$6, updated_at=NOW()
		WHERE id = $1 AND NOT deleted`,
		t.ID, t.TariffPrice, t.CoveragePercent, t.PaymentCap, t.ValidFrom, t.ValidTo)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tariff %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

func (r *tariffRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `UPDATE insurance_tariff SET deleted = TRUE, updated_at = NOW() WHERE id = $1`, id)
	return err
}

// =========== Plan Repository ===========

type planRepoPG struct{ pool *pgxpool.Pool }

func NewPlanRepoPG(pool *pgxpool.Pool) PlanRepository { return &planRepoPG{pool: pool} }

func (r *planRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Plan, error) {
	var p Plan
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT id, provider_id, name, type, default_coverage_percent, max_payment_cap, active, created_at, updated_at
		FROM insurance_plan WHERE id = $1`, id).
		Scan(&p.ID, &p.ProviderID, &p.Name, &p.Type, &p.DefaultCoveragePercent, &p.MaxPaymentCap,
			&p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *planRepoPG) Update(ctx context.Context, p *Plan) error {
	_, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE insurance_plan SET name=$2, default_coverage_percent=$3, max_payment_cap=$4, active=$5, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.Name, p.DefaultCoveragePercent, p.MaxPaymentCap, p.Active)
	return err
}

// =========== Policy Repository ===========

type policyRepoPG struct{ pool *pgxpool.Pool }

func NewPolicyRepoPG(pool *pgxpool.Pool) PolicyRepository { return &policyRepoPG{pool: pool} }

func (r *policyRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Policy, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT id, patient_id, plan_id, type, priority, policy_number, valid_from, valid_to, active
		FROM patient_insurance WHERE patient_id = $1 ORDER BY type, priority, valid_from`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Policy
	for rows.Next() {
		var p Policy
		if err := rows.Scan(&p.ID, &p.PatientID, &p.PlanID, &p.Type, &p.Priority, &p.PolicyNumber,
			&p.ValidFrom, &p.ValidTo, &p.Active); err != nil {
			return nil, err
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// =========== Patient Repository ===========

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository { return &patientRepoPG{pool: pool} }

func (r *patientRepoPG) GetProfile(ctx context.Context, id uuid.UUID) (*PatientProfile, error) {
	var p PatientProfile
	err := conn(ctx, r.pool).QueryRow(ctx, `SELECT id, birth_date, COALESCE(gender, '') FROM patient WHERE id = $1`, id).
		Scan(&p.ID, &p.BirthDate, &p.Gender)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

// =========== Business Rule Repository ===========

type ruleRepoPG struct{ pool *pgxpool.Pool }

func NewRuleRepoPG(pool *pgxpool.Pool) RuleRepository { return &ruleRepoPG{pool: pool} }

const ruleCols = `id, name, plan_id, service_category_id, priority, conditions, effect,
	valid_from, valid_to, active, created_at, updated_at`

func scanRule(row pgx.Row) (*BusinessRule, error) {
	var r BusinessRule
	var conditions, effect []byte
	if err := row.Scan(&r.ID, &r.Name, &r.PlanID, &r.ServiceCategoryID, &r.Priority, &conditions, &effect,
		&r.ValidFrom, &r.ValidTo, &r.Active, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
			return nil, fmt.Errorf("rule %s conditions: %w", r.ID, err)
		}
	}
	if err := json.Unmarshal(effect, &r.Effect); err != nil {
		return nil, fmt.Errorf("rule %s effect: %w", r.ID, err)
	}
	return &r, nil
}

// Find returns the rules scoped to the filter's plan or category, and the
// unscoped ones, in evaluation order.
func (r *ruleRepoPG) Find(ctx context.Context, f RuleFilter) ([]*BusinessRule, error) {
	query := `SELECT ` + ruleCols + ` FROM business_rule
		WHERE (plan_id IS NULL OR plan_id = $1)
		AND (service_category_id IS NULL OR service_category_id = $2)`
	if f.ActiveOnly {
		query += " AND active"
	}
	query += " ORDER BY priority, created_at, id"

	rows, err := conn(ctx, r.pool).Query(ctx, query, f.PlanID, f.ServiceCategoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*BusinessRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (r *ruleRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*BusinessRule, error) {
	rule, err := scanRule(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+ruleCols+` FROM business_rule WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return rule, nil
}

func (r *ruleRepoPG) Upsert(ctx context.Context, rule *BusinessRule) error {
	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return err
	}
	effect, err := json.Marshal(rule.Effect)
	if err != nil {
		return err
	}
	return conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO business_rule (id, name, plan_id, service_category_id, priority, conditions, effect,
			valid_from, valid_to, active)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7::jsonb, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, plan_id = EXCLUDED.plan_id,
			service_category_id = EXCLUDED.service_category_id, priority = EXCLUDED.priority,
			conditions = EXCLUDED.conditions, effect = EXCLUDED.effect, valid_from = EXCLUDED.valid_from,
			valid_to = EXCLUDED.valid_to, active = EXCLUDED.active, updated_at = NOW()
		RETURNING created_at, updated_at`,
		rule.ID, rule.Name, rule.PlanID, rule.ServiceCategoryID, rule.Priority, string(conditions), string(effect),
		rule.ValidFrom, rule.ValidTo, rule.Active).
		Scan(&rule.CreatedAt, &rule.UpdatedAt)
}
