package pricing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// -- Mock Repositories --

type mockServiceRepo struct {
	items map[uuid.UUID]*MedicalService
}

func newMockServiceRepo() *mockServiceRepo {
	return &mockServiceRepo{items: make(map[uuid.UUID]*MedicalService)}
}

func (m *mockServiceRepo) add(s *MedicalService) *MedicalService {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	m.items[s.ID] = s
	return s
}

func (m *mockServiceRepo) GetByID(_ context.Context, id uuid.UUID) (*MedicalService, error) {
	s, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

type mockFactorRepo struct {
	items map[uuid.UUID]*FactorSetting
	finds int
}

func newMockFactorRepo() *mockFactorRepo {
	return &mockFactorRepo{items: make(map[uuid.UUID]*FactorSetting)}
}

func (m *mockFactorRepo) add(f *FactorSetting) *FactorSetting {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	m.items[f.ID] = f
	return f
}

func (m *mockFactorRepo) Find(_ context.Context, f FactorFilter) ([]*FactorSetting, error) {
	m.finds++
	allowed := make(map[string]bool, len(f.Scopes))
	for _, s := range f.Scopes {
		allowed[s] = true
	}
	var out []*FactorSetting
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
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *mockFactorRepo) GetByID(_ context.Context, id uuid.UUID) (*FactorSetting, error) {
	s, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockFactorRepo) List(_ context.Context, year int, limit, offset int) ([]*FactorSetting, int, error) {
	var out []*FactorSetting
	for _, s := range m.items {
		if s.FinancialYear == year {
			out = append(out, s)
		}
	}
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *mockFactorRepo) Update(_ context.Context, f *FactorSetting) error {
	cur, ok := m.items[f.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Frozen {
		return fmt.Errorf("factor %s: %w", f.ID, ErrFinancialYearFrozen)
	}
	cp := *f
	m.items[f.ID] = &cp
	return nil
}

func (m *mockFactorRepo) FreezeYear(_ context.Context, year int) error {
	for _, s := range m.items {
		if s.FinancialYear == year {
			s.Frozen = true
		}
	}
	return nil
}

type mockYearRepo struct {
	items map[int]*FinancialYear
}

func newMockYearRepo(years ...int) *mockYearRepo {
	m := &mockYearRepo{items: make(map[int]*FinancialYear)}
	for _, y := range years {
		m.items[y] = &FinancialYear{
			Year:      y,
			StartDate: time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC),
			EndDate:   time.Date(y, 12, 31, 23, 59, 59, 0, time.UTC),
		}
	}
	return m
}

func (m *mockYearRepo) Get(_ context.Context, year int) (*FinancialYear, error) {
	y, ok := m.items[year]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *y
	return &cp, nil
}

func (m *mockYearRepo) ForDate(_ context.Context, t time.Time) (*FinancialYear, error) {
	for _, y := range m.items {
		if y.Covers(t) {
			cp := *y
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockYearRepo) MarkFrozen(_ context.Context, year int, at time.Time) error {
	y, ok := m.items[year]
	if !ok {
		return ErrNotFound
	}
	y.Frozen = true
	if y.FrozenAt == nil {
		y.FrozenAt = &at
	}
	return nil
}

type mockTx struct {
	calls int
}

func (m *mockTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	return fn(ctx)
}

type mockInvalidator struct {
	factors int
}

func (m *mockInvalidator) InvalidateFactors() { m.factors++ }

// -- Fixtures --

var asOf2025 = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func factor(kind ComponentKind, scope string, value string) *FactorSetting {
	return &FactorSetting{
		Kind:          kind,
		Scope:         scope,
		FinancialYear: 2025,
		EffectiveFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Value:         dec(value),
		Active:        true,
	}
}

func twoComponentService(technical, professional string) *MedicalService {
	id := uuid.New()
	return &MedicalService{
		ID:          id,
		Code:        "SVC-1",
		Name:        "Consultation",
		FactorScope: ScopeGeneral,
		Active:      true,
		Components: []ServiceComponent{
			{ID: uuid.New(), ServiceID: id, Kind: KindTechnical, Amount: dec(technical)},
			{ID: uuid.New(), ServiceID: id, Kind: KindProfessional, Amount: dec(professional)},
		},
	}
}
