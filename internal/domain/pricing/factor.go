package pricing

import (
	"context"
	"fmt"
	"sort"
)

// FactorResolver picks the coefficient that applies to a component. It only
// reads; frozen years are served exactly as stored.
type FactorResolver struct {
	settings FactorSettingRepository
}

func NewFactorResolver(settings FactorSettingRepository) *FactorResolver {
	return &FactorResolver{settings: settings}
}

// Resolve selects one factor setting for q. Among the active settings of the
// kind and year whose window covers q.AsOf, it prefers, in order: a
// department setting for q.DepartmentID, an exact scope match over the
// general scope, a matching hashtag flag, and the latest EffectiveFrom.
func (r *FactorResolver) Resolve(ctx context.Context, q FactorQuery) (FactorValue, error) {
	hint := q.ScopeHint
	if hint == "" {
		hint = ScopeGeneral
	}
	scopes := []string{hint}
	if hint != ScopeGeneral {
		scopes = append(scopes, ScopeGeneral)
	}
	if q.DepartmentID != nil {
		scopes = append(scopes, ScopeDepartment)
	}

	settings, err := r.settings.Find(ctx, FactorFilter{
		Kind:          q.Kind,
		FinancialYear: q.FinancialYear,
		Scopes:        scopes,
		ActiveOnly:    true,
	})
	if err != nil {
		return FactorValue{}, fmt.Errorf("find factor settings: %w", err)
	}

	var candidates []*FactorSetting
	for _, s := range settings {
		if !s.Active || s.Kind != q.Kind || s.FinancialYear != q.FinancialYear {
			continue
		}
		if !s.EffectiveAt(q.AsOf) {
			continue
		}
		if s.Scope == ScopeDepartment && !departmentMatches(s, q) {
			continue
		}
		if s.Scope != ScopeDepartment && s.Scope != hint && s.Scope != ScopeGeneral {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return FactorValue{}, &MissingFactorSettingError{
			Kind:          q.Kind,
			Scope:         hint,
			FinancialYear: q.FinancialYear,
			AsOf:          q.AsOf,
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return r.better(candidates[i], candidates[j], q, hint)
	})
	best := candidates[0]
	return FactorValue{
		SettingID:     best.ID,
		Kind:          best.Kind,
		Scope:         best.Scope,
		FinancialYear: best.FinancialYear,
		EffectiveFrom: best.EffectiveFrom,
		Value:         best.Value,
	}, nil
}

// better reports whether a ranks ahead of b.
func (r *FactorResolver) better(a, b *FactorSetting, q FactorQuery, hint string) bool {
	if da, db := a.Scope == ScopeDepartment, b.Scope == ScopeDepartment; da != db {
		return da
	}
	if ea, eb := a.Scope == hint, b.Scope == hint; ea != eb {
		return ea
	}
	if ha, hb := a.IsHashtagged == q.IsHashtagged, b.IsHashtagged == q.IsHashtagged; ha != hb {
		return ha
	}
	if !a.EffectiveFrom.Equal(b.EffectiveFrom) {
		return a.EffectiveFrom.After(b.EffectiveFrom)
	}
	return a.ID.String() < b.ID.String()
}

func departmentMatches(s *FactorSetting, q FactorQuery) bool {
	return q.DepartmentID != nil && s.DepartmentID != nil && *s.DepartmentID == *q.DepartmentID
}
