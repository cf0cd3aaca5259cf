package insurance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/clinic/coverage/internal/domain/pricing"
	"github.com/clinic/coverage/internal/platform/cache"
)

// -- Mock Repositories --

type mockServiceRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*pricing.MedicalService
}

func (m *mockServiceRepo) GetByID(_ context.Context, id uuid.UUID) (*pricing.MedicalService, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

type mockFactorRepo struct {
	mu    sync.Mutex
	items []*pricing.FactorSetting
}

func (m *mockFactorRepo) Find(_ context.Context, f pricing.FactorFilter) ([]*pricing.FactorSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	allowed := make(map[string]bool, len(f.Scopes))
	for _, s := range f.Scopes {
		allowed[s] = true
	}
	var out []*pricing.FactorSetting
	for _, s := range m.items {
		if s.Kind != f.Kind || s.FinancialYear != f.FinancialYear {
			continue
		}
		if len(allowed) > 0 && !allowed[s.Scope] {
			continue
		}
		if f.ActiveOnly && !s.Active {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *mockFactorRepo) GetByID(_ context.Context, id uuid.UUID) (*pricing.FactorSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.items {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockFactorRepo) List(_ context.Context, _ int, _, _ int) ([]*pricing.FactorSetting, int, error) {
	return m.items, len(m.items), nil
}

func (m *mockFactorRepo) Update(_ context.Context, _ *pricing.FactorSetting) error { return nil }
func (m *mockFactorRepo) FreezeYear(_ context.Context, _ int) error               { return nil }

type mockYearRepo struct{}

func (mockYearRepo) year(y int) *pricing.FinancialYear {
	return &pricing.FinancialYear{
		Year:      y,
		StartDate: time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(y, 12, 31, 23, 59, 59, 0, time.UTC),
	}
}

func (m mockYearRepo) Get(_ context.Context, y int) (*pricing.FinancialYear, error) {
	return m.year(y), nil
}

func (m mockYearRepo) ForDate(_ context.Context, t time.Time) (*pricing.FinancialYear, error) {
	return m.year(t.Year()), nil
}

func (mockYearRepo) MarkFrozen(_ context.Context, _ int, _ time.Time) error { return nil }

type mockTariffRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Tariff
	finds int
}

func (m *mockTariffRepo) matching(keep func(*Tariff) bool) []*Tariff {
	var out []*Tariff
	for _, t := range m.items {
		if keep(t) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

func (m *mockTariffRepo) FindForService(_ context.Context, planID, serviceID uuid.UUID) ([]*Tariff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finds++
	return m.matching(func(t *Tariff) bool {
		return t.PlanID == planID && t.ServiceID != nil && *t.ServiceID == serviceID && !t.Deleted
	}), nil
}

func (m *mockTariffRepo) FindAllServices(_ context.Context, planID uuid.UUID) ([]*Tariff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matching(func(t *Tariff) bool {
		return t.PlanID == planID && t.CoversAllServices && !t.Deleted
	}), nil
}

func (m *mockTariffRepo) ListByPlan(_ context.Context, planID uuid.UUID) ([]*Tariff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.matching(func(t *Tariff) bool { return t.PlanID == planID }), nil
}

func (m *mockTariffRepo) GetByID(_ context.Context, id uuid.UUID) (*Tariff, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockTariffRepo) Create(_ context.Context, t *Tariff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = uuid.New()
	cp := *t
	m.items[t.ID] = &cp
	return nil
}

func (m *mockTariffRepo) Update(_ context.Context, t *Tariff) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[t.ID]; !ok {
		return ErrNotFound
	}
	cp := *t
	m.items[t.ID] = &cp
	return nil
}

func (m *mockTariffRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.items[id]; ok {
		t.Deleted = true
	}
	return nil
}

type mockPlanRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*Plan
}

func (m *mockPlanRepo) GetByID(_ context.Context, id uuid.UUID) (*Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockPlanRepo) Update(_ context.Context, p *Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.items[p.ID] = &cp
	return nil
}

type mockPolicyRepo struct {
	mu    sync.Mutex
	items []*Policy
}

func (m *mockPolicyRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*Policy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Policy
	for _, p := range m.items {
		if p.PatientID == patientID {
			out = append(out, p)
		}
	}
	return out, nil
}

// blockingPolicyRepo never answers before the context ends.
type blockingPolicyRepo struct{}

func (blockingPolicyRepo) ListByPatient(ctx context.Context, _ uuid.UUID) ([]*Policy, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type mockPatientRepo struct {
	mu    sync.Mutex
	items map[uuid.UUID]*PatientProfile
}

func (m *mockPatientRepo) GetProfile(_ context.Context, id uuid.UUID) (*PatientProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

type mockRuleRepo struct {
	mu    sync.Mutex
	items []*BusinessRule
}

func (m *mockRuleRepo) Find(_ context.Context, f RuleFilter) ([]*BusinessRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*BusinessRule
	for _, r := range m.items {
		if r.PlanID != nil && (f.PlanID == nil || *r.PlanID != *f.PlanID) {
			continue
		}
		if r.ServiceCategoryID != nil && (f.ServiceCategoryID == nil || *r.ServiceCategoryID != *f.ServiceCategoryID) {
			continue
		}
		if f.ActiveOnly && !r.Active {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *mockRuleRepo) GetByID(_ context.Context, id uuid.UUID) (*BusinessRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.items {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRuleRepo) Upsert(_ context.Context, r *BusinessRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	for i, cur := range m.items {
		if cur.ID == r.ID {
			m.items[i] = r
			return nil
		}
	}
	m.items = append(m.items, r)
	return nil
}

// recorder logs invalidations and commits in the order they happen.
type recorder struct {
	mu  sync.Mutex
	log []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.log = append(r.log, s)
	r.mu.Unlock()
}

func (r *recorder) InvalidateAll()                   { r.add("all") }
func (r *recorder) InvalidateTariff(id uuid.UUID)    { r.add("tariff:" + id.String()) }
func (r *recorder) InvalidateByPlan(id uuid.UUID)    { r.add("plan:" + id.String()) }
func (r *recorder) InvalidateByService(id uuid.UUID) { r.add("service:" + id.String()) }
func (r *recorder) InvalidateStatistics()            { r.add("statistics") }

type recordingTx struct{ rec *recorder }

func (t recordingTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := fn(ctx); err != nil {
		t.rec.add("rollback")
		return err
	}
	t.rec.add("commit")
	return nil
}

// -- Fixtures --

var calcDate = time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decp(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func assertDec(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(dec(want)) {
		t.Errorf("%s: expected %s, got %s", name, want, got)
	}
}

func hasDiagnostic(ds []pricing.Diagnostic, code string) bool {
	for _, d := range ds {
		if d.Code == code {
			return true
		}
	}
	return false
}

// world is an in-memory clinic: one patient, services priced with general
// factors of 1.2 (technical) and 1.0 (professional).
type world struct {
	services *mockServiceRepo
	factors  *mockFactorRepo
	tariffs  *mockTariffRepo
	plans    *mockPlanRepo
	policies *mockPolicyRepo
	patients *mockPatientRepo
	rules    *mockRuleRepo
	cache    *cache.Cache
	engine   *Engine
	patient  *PatientProfile
}

func newWorld() *world {
	w := &world{
		services: &mockServiceRepo{items: make(map[uuid.UUID]*pricing.MedicalService)},
		factors:  &mockFactorRepo{},
		tariffs:  &mockTariffRepo{items: make(map[uuid.UUID]*Tariff)},
		plans:    &mockPlanRepo{items: make(map[uuid.UUID]*Plan)},
		policies: &mockPolicyRepo{},
		patients: &mockPatientRepo{items: make(map[uuid.UUID]*PatientProfile)},
		rules:    &mockRuleRepo{},
		cache:    cache.New(cache.Config{ComputeTimeout: 5 * time.Second}, zerolog.Nop()),
	}
	birth := time.Date(1980, 6, 1, 0, 0, 0, 0, time.UTC)
	w.patient = &PatientProfile{ID: uuid.New(), BirthDate: &birth, Gender: "female"}
	w.patients.items[w.patient.ID] = w.patient

	for _, f := range []struct {
		kind  pricing.ComponentKind
		value string
	}{{pricing.KindTechnical, "1.2"}, {pricing.KindProfessional, "1.0"}} {
		w.factors.items = append(w.factors.items, &pricing.FactorSetting{
			ID:            uuid.New(),
			Kind:          f.kind,
			Scope:         pricing.ScopeGeneral,
			FinancialYear: 2025,
			EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			Value:         dec(f.value),
			Active:        true,
		})
	}

	w.engine = NewEngine(w.repos(), w.cache, EngineConfig{Timeout: 5 * time.Second}, zerolog.Nop())
	return w
}

func (w *world) repos() Repositories {
	return Repositories{
		Services: w.services,
		Factors:  w.factors,
		Years:    mockYearRepo{},
		Tariffs:  w.tariffs,
		Plans:    w.plans,
		Policies: w.policies,
		Patients: w.patients,
		Rules:    w.rules,
	}
}

func (w *world) admin(inv Invalidator, tx pricing.TxRunner) *AdminService {
	return NewAdminService(w.tariffs, w.plans, w.rules, tx, inv, w.cache, zerolog.Nop())
}

// service adds a service whose base price is technical×1.2 + professional.
func (w *world) service(technical, professional string) *pricing.MedicalService {
	id := uuid.New()
	s := &pricing.MedicalService{
		ID:     id,
		Code:   fmt.Sprintf("SVC-%d", len(w.services.items)+1),
		Name:   "Service",
		Active: true,
		Components: []pricing.ServiceComponent{
			{ID: uuid.New(), ServiceID: id, Kind: pricing.KindTechnical, Amount: dec(technical)},
			{ID: uuid.New(), ServiceID: id, Kind: pricing.KindProfessional, Amount: dec(professional)},
		},
	}
	w.services.items[id] = s
	return s
}

func (w *world) plan(name string, typ PlanType, pct string, limit *decimal.Decimal) *Plan {
	p := &Plan{
		ID:                     uuid.New(),
		ProviderID:             uuid.New(),
		Name:                   name,
		Type:                   typ,
		DefaultCoveragePercent: dec(pct),
		MaxPaymentCap:          limit,
		Active:                 true,
	}
	w.plans.items[p.ID] = p
	return p
}

func (w *world) enroll(p *Plan, priority int) *Policy {
	pol := &Policy{
		ID:           uuid.New(),
		PatientID:    w.patient.ID,
		PlanID:       p.ID,
		Type:         p.Type,
		Priority:     priority,
		PolicyNumber: fmt.Sprintf("POL-%d", len(w.policies.items)+1),
		ValidFrom:    time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Active:       true,
	}
	w.policies.items = append(w.policies.items, pol)
	return pol
}

func (w *world) tariff(t *Tariff) *Tariff {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.ValidFrom.IsZero() {
		t.ValidFrom = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	w.tariffs.items[t.ID] = t
	return t
}

func (w *world) request(svc *pricing.MedicalService, amount string) CombinedRequest {
	return CombinedRequest{PatientID: w.patient.ID, ServiceID: svc.ID, Amount: dec(amount), Date: calcDate}
}

func (w *world) calculate(t *testing.T, req CombinedRequest) *CombinedResult {
	t.Helper()
	res, err := w.engine.Combined.CalculateCombined(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertConserved(t, res)
	return res
}

func assertConserved(t *testing.T, r *CombinedResult) {
	t.Helper()
	sum := r.PatientShare.Add(r.PrimaryInsurerShare).Add(r.SupplementaryInsurerShare)
	if !sum.Equal(r.ServiceAmount) {
		t.Errorf("shares %s + %s + %s = %s, want %s",
			r.PatientShare, r.PrimaryInsurerShare, r.SupplementaryInsurerShare, sum, r.ServiceAmount)
	}
	for name, v := range map[string]decimal.Decimal{
		"patient": r.PatientShare, "primary": r.PrimaryInsurerShare, "supplementary": r.SupplementaryInsurerShare,
	} {
		if v.IsNegative() {
			t.Errorf("%s share is negative: %s", name, v)
		}
	}
}
