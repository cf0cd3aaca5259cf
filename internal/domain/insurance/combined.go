package insurance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/clinic/coverage/internal/domain/pricing"
	"github.com/clinic/coverage/internal/platform/cache"
	"github.com/clinic/coverage/pkg/money"
)

// CombinedCalculator settles services across the patient's primary and
// supplementary policies.
type CombinedCalculator struct {
	services      pricing.ServiceRepository
	patients      PatientRepository
	policies      PolicyRepository
	plans         PlanRepository
	prices        *pricing.PriceCalculator
	tariffs       *TariffResolver
	primary       *PrimaryCalculator
	supplementary *SupplementaryCalculator
	cache         *cache.Cache
	timeout       time.Duration
	concurrency   int
	observer      CalculationObserver
	logger        zerolog.Logger
	now           func() time.Time
}

// CalculateCombined settles one service. Fatal errors return no result;
// a deadline on ctx or the configured timeout yields ErrCalculationTimeout.
func (c *CombinedCalculator) CalculateCombined(ctx context.Context, req CombinedRequest) (res *CombinedResult, err error) {
	defer c.observe("single", time.Now(), &err)
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if req.Date.IsZero() {
		req.Date = c.today()
	}
	res, err = c.calculate(ctx, req)
	if err != nil {
		err = timeoutError(ctx, err)
		c.logger.Warn().Err(err).
			Str("patient_id", req.PatientID.String()).
			Str("service_id", req.ServiceID.String()).
			Msg("coverage calculation failed")
		return nil, err
	}
	c.logDiagnostics(res)
	return res, nil
}

// CalculateBatch settles every service independently and concurrently.
// Totals are plain sums of the items.
func (c *CombinedCalculator) CalculateBatch(ctx context.Context, req BatchRequest) (out *BatchResult, err error) {
	defer c.observe("batch", time.Now(), &err)
	if len(req.ServiceIDs) == 0 {
		return nil, errors.New("batch needs at least one service")
	}
	if len(req.Amounts) != len(req.ServiceIDs) {
		return nil, fmt.Errorf("%d services, %d amounts: %w", len(req.ServiceIDs), len(req.Amounts), ErrBatchMismatch)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	date := req.Date
	if date.IsZero() {
		date = c.today()
	}

	items := make([]*CombinedResult, len(req.ServiceIDs))
	g, gctx := errgroup.WithContext(ctx)
	if c.concurrency > 0 {
		g.SetLimit(c.concurrency)
	}
	for i := range req.ServiceIDs {
		i := i
		g.Go(func() error {
			r, err := c.calculate(gctx, CombinedRequest{
				PatientID: req.PatientID,
				ServiceID: req.ServiceIDs[i],
				Amount:    req.Amounts[i],
				Date:      date,
				Options:   req.Options,
			})
			if err != nil {
				return fmt.Errorf("item %d (service %s): %w", i, req.ServiceIDs[i], err)
			}
			items[i] = r
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		err = timeoutError(ctx, err)
		c.logger.Warn().Err(err).
			Str("patient_id", req.PatientID.String()).
			Int("items", len(req.ServiceIDs)).
			Msg("batch coverage calculation failed")
		return nil, err
	}

	out = &BatchResult{
		Items:                          items,
		TotalAmount:                    decimal.Zero,
		TotalPrimaryInsurerShare:       decimal.Zero,
		TotalSupplementaryInsurerShare: decimal.Zero,
		TotalPatientShare:              decimal.Zero,
	}
	for _, it := range items {
		c.logDiagnostics(it)
		out.TotalAmount = out.TotalAmount.Add(it.ServiceAmount)
		out.TotalPrimaryInsurerShare = out.TotalPrimaryInsurerShare.Add(it.PrimaryInsurerShare)
		out.TotalSupplementaryInsurerShare = out.TotalSupplementaryInsurerShare.Add(it.SupplementaryInsurerShare)
		out.TotalPatientShare = out.TotalPatientShare.Add(it.PatientShare)
	}
	return out, nil
}

// Context assembles the calculation context of a request without running
// any stage. The amount is the request amount, unpriced.
func (c *CombinedCalculator) Context(ctx context.Context, req CombinedRequest) (CalculationContext, []*Policy, error) {
	if req.Date.IsZero() {
		req.Date = c.today()
	}
	svc, err := c.services.GetByID(ctx, req.ServiceID)
	if err != nil {
		return CalculationContext{}, nil, fmt.Errorf("load service %s: %w", req.ServiceID, err)
	}
	profile, err := c.patients.GetProfile(ctx, req.PatientID)
	if err != nil {
		return CalculationContext{}, nil, fmt.Errorf("load patient %s: %w", req.PatientID, err)
	}
	policies, err := c.policies.ListByPatient(ctx, req.PatientID)
	if err != nil {
		return CalculationContext{}, nil, fmt.Errorf("load policies of patient %s: %w", req.PatientID, err)
	}

	cc := CalculationContext{
		PatientID: req.PatientID,
		Patient:   profile,
		Service:   svc,
		Amount:    req.Amount,
		Date:      req.Date,
		Options:   req.Options,
	}
	policy, err := selectPrimary(policies, req.Date)
	if err != nil {
		return CalculationContext{}, nil, err
	}
	if policy != nil {
		plan, err := c.plans.GetByID(ctx, policy.PlanID)
		if err != nil {
			return CalculationContext{}, nil, fmt.Errorf("load plan %s: %w", policy.PlanID, err)
		}
		cc = cc.WithPlan(plan, policy)
	}
	return cc, policies, nil
}

// PrimaryFor prices the request when needed and runs the primary stage
// only. It backs supplementary comparisons.
func (c *CombinedCalculator) PrimaryFor(ctx context.Context, req CombinedRequest) (CalculationContext, *PrimaryResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	cc, _, err := c.Context(ctx, req)
	if err != nil {
		return CalculationContext{}, nil, timeoutError(ctx, err)
	}
	amount, _, _, _, err := c.serviceAmount(ctx, cc, req.Amount)
	if err != nil {
		return CalculationContext{}, nil, timeoutError(ctx, err)
	}
	cc = cc.WithAmount(amount)
	primary, err := c.primary.CalculatePrimary(ctx, cc)
	if err != nil {
		return CalculationContext{}, nil, timeoutError(ctx, err)
	}
	return cc, primary, nil
}

func (c *CombinedCalculator) calculate(ctx context.Context, req CombinedRequest) (*CombinedResult, error) {
	if req.Amount.IsNegative() {
		return nil, fmt.Errorf("amount must not be negative, got %s", req.Amount)
	}
	if req.Options.BypassCache {
		return c.compute(cache.Bypass(ctx), req)
	}
	key := cache.NewKey(cache.BucketCalculation,
		req.PatientID.String(), req.ServiceID.String(), req.Amount.String(), dateKey(req.Date), optionsKey(req.Options))
	tags := []cache.Tag{cache.ServiceTag(req.ServiceID), cache.PatientTag(req.PatientID)}
	return cache.GetOrCompute(ctx, c.cache, key, tags, func(ctx context.Context) (*CombinedResult, error) {
		return c.compute(ctx, req)
	})
}

func (c *CombinedCalculator) compute(ctx context.Context, req CombinedRequest) (*CombinedResult, error) {
	cc, policies, err := c.Context(ctx, req)
	if err != nil {
		return nil, err
	}
	tags := []cache.Tag{cache.ServiceTag(req.ServiceID)}
	for _, p := range policies {
		tags = append(tags, cache.PlanTag(p.PlanID))
	}

	amount, source, priceTags, diags, err := c.serviceAmount(ctx, cc, req.Amount)
	if err != nil {
		return nil, err
	}
	tags = append(tags, priceTags...)
	cc = cc.WithAmount(amount)

	primary, err := c.primary.CalculatePrimary(ctx, cc)
	if err != nil {
		return nil, err
	}
	if primary.TariffID != nil {
		tags = append(tags, cache.TariffTag(*primary.TariffID))
	}

	res := &CombinedResult{
		PatientID:                 req.PatientID,
		ServiceID:                 req.ServiceID,
		Date:                      req.Date,
		ServiceAmount:             amount,
		PriceSource:               source,
		Primary:                   primary,
		PrimaryInsurerShare:       primary.InsurerShare,
		SupplementaryInsurerShare: decimal.Zero,
		PatientShare:              primary.PatientRemainder,
	}
	diags = append(diags, primary.Diagnostics...)

	if !req.Options.SkipSupplementary {
		policy, err := selectSupplementary(policies, req.Date, req.Options.SupplementaryPlanID)
		if err != nil {
			return nil, err
		}
		if policy != nil {
			plan, err := c.plans.GetByID(ctx, policy.PlanID)
			if err != nil {
				return nil, fmt.Errorf("load plan %s: %w", policy.PlanID, err)
			}
			supp, err := c.supplementary.CalculateSupplementary(ctx, cc.WithPlan(plan, policy), primary)
			if err != nil {
				return nil, err
			}
			if supp.TariffID != nil {
				tags = append(tags, cache.TariffTag(*supp.TariffID))
			}
			res.Supplementary = supp
			res.SupplementaryInsurerShare = supp.InsurerShare
			res.PatientShare = supp.PatientShare
			diags = append(diags, supp.Diagnostics...)
		}
	}

	if sum := money.Sum(res.PatientShare, res.PrimaryInsurerShare, res.SupplementaryInsurerShare); !sum.Equal(amount) {
		return nil, fmt.Errorf("settlement of service %s does not conserve money: shares sum to %s, amount %s",
			req.ServiceID, sum, amount)
	}
	res.Diagnostics = diags
	res.tags = tags
	return res, nil
}

// serviceAmount returns the amount to settle. A non-zero request amount is
// used as given; zero prices the service through the primary plan's
// tariff, or at base price when no primary policy is in force.
func (c *CombinedCalculator) serviceAmount(ctx context.Context, cc CalculationContext, requested decimal.Decimal) (decimal.Decimal, string, []cache.Tag, []pricing.Diagnostic, error) {
	if !requested.IsZero() {
		return money.Round(requested), SourceRequest, nil, nil, nil
	}
	if cc.Plan != nil && policyLive(cc) {
		et, err := c.tariffs.Resolve(ctx, cc.Plan.ID, cc.Service.ID, cc.Date, cc.Options.priceOptions())
		if err != nil {
			return decimal.Zero, "", nil, nil, err
		}
		return et.Price, et.PriceSource, et.CacheTags(), et.Diagnostics, nil
	}
	bd, err := c.prices.CalculateBasePrice(ctx, cc.Service, cc.Date, cc.Options.priceOptions())
	if err != nil {
		return decimal.Zero, "", nil, nil, err
	}
	return bd.Total, SourceBasePrice, []cache.Tag{cache.BucketFactor.Tag()}, bd.Diagnostics, nil
}

// selectPrimary returns the patient's primary policy in force on date. When
// none is in force it returns the latest one that has started, so the
// calculation can report it as expired.
func selectPrimary(policies []*Policy, date time.Time) (*Policy, error) {
	var live []*Policy
	var lapsed *Policy
	for _, p := range policies {
		if p.Type != PlanPrimary {
			continue
		}
		if p.CoversDate(date) {
			live = append(live, p)
			continue
		}
		if !p.ValidFrom.After(date) && (lapsed == nil || p.ValidFrom.After(lapsed.ValidFrom)) {
			lapsed = p
		}
	}
	switch len(live) {
	case 0:
		return lapsed, nil
	case 1:
		return live[0], nil
	default:
		return nil, fmt.Errorf("%d primary policies on %s: %w", len(live), date.Format("2006-01-02"), ErrMultiplePrimaryPolicies)
	}
}

// selectSupplementary returns the patient's policy on planID when given,
// otherwise the in-force supplementary policy with the lowest priority.
func selectSupplementary(policies []*Policy, date time.Time, planID *uuid.UUID) (*Policy, error) {
	if planID != nil {
		for _, p := range policies {
			if p.Type == PlanSupplementary && p.PlanID == *planID {
				return p, nil
			}
		}
		return nil, fmt.Errorf("supplementary plan %s is not held by the patient: %w", planID, ErrNotFound)
	}

	var live []*Policy
	for _, p := range policies {
		if p.Type == PlanSupplementary && p.CoversDate(date) {
			live = append(live, p)
		}
	}
	if len(live) == 0 {
		return nil, nil
	}
	sort.Slice(live, func(i, j int) bool {
		if live[i].Priority != live[j].Priority {
			return live[i].Priority < live[j].Priority
		}
		return live[i].ID.String() < live[j].ID.String()
	})
	return live[0], nil
}

func optionsKey(o CalculateOptions) string {
	dept, supp := "-", "-"
	if o.DepartmentOverrideID != nil {
		dept = o.DepartmentOverrideID.String()
	}
	if o.SupplementaryPlanID != nil {
		supp = o.SupplementaryPlanID.String()
	}
	return dept + "/" + supp + "/" + strconv.FormatBool(o.SkipSupplementary)
}

func (c *CombinedCalculator) observe(kind string, start time.Time, err *error) {
	if c.observer != nil {
		c.observer.ObserveCalculation(kind, time.Since(start), *err)
	}
}

func (c *CombinedCalculator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *CombinedCalculator) today() time.Time {
	return c.now().UTC().Truncate(24 * time.Hour)
}

func (c *CombinedCalculator) logDiagnostics(r *CombinedResult) {
	for _, d := range r.Diagnostics {
		c.logger.Debug().
			Str("code", d.Code).
			Str("service_id", r.ServiceID.String()).
			Msg(d.Message)
	}
}

func timeoutError(ctx context.Context, err error) error {
	if errors.Is(err, ErrCalculationTimeout) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrCalculationTimeout, err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w: %v", ErrCalculationTimeout, ctx.Err(), err)
	}
	return err
}
