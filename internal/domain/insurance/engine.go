package insurance

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/clinic/coverage/internal/domain/pricing"
	"github.com/clinic/coverage/internal/platform/cache"
)

// Repositories bundles the read contracts the engine depends on.
type Repositories struct {
	Services pricing.ServiceRepository
	Factors  pricing.FactorSettingRepository
	Years    pricing.FinancialYearRepository
	Tariffs  TariffRepository
	Plans    PlanRepository
	Policies PolicyRepository
	Patients PatientRepository
	Rules    RuleRepository
}

// EngineConfig tunes the combined calculator.
type EngineConfig struct {
	// Timeout bounds a single or batch calculation; zero leaves only the
	// caller's deadline.
	Timeout time.Duration
	// BatchConcurrency bounds the items of a batch computed at once.
	// Defaults to 8.
	BatchConcurrency int
	// Observer, when set, receives the outcome of every single and batch
	// calculation.
	Observer CalculationObserver
}

// CalculationObserver records calculation outcomes, typically as metrics.
type CalculationObserver interface {
	ObserveCalculation(kind string, elapsed time.Duration, err error)
}

// Engine wires the calculation stages together.
type Engine struct {
	Factors       *pricing.FactorResolver
	Prices        *pricing.PriceCalculator
	Tariffs       *TariffResolver
	Rules         *RuleEngine
	Primary       *PrimaryCalculator
	Supplementary *SupplementaryCalculator
	Combined      *CombinedCalculator
}

// NewEngine builds the pipeline. c may be nil to run without a cache.
func NewEngine(repos Repositories, c *cache.Cache, cfg EngineConfig, logger zerolog.Logger) *Engine {
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = 8
	}
	factors := pricing.NewFactorResolver(repos.Factors)
	prices := pricing.NewPriceCalculator(repos.Services, repos.Years, factors)
	tariffs := NewTariffResolver(repos.Tariffs, prices, c)
	rules := NewRuleEngine(repos.Rules)
	primary := NewPrimaryCalculator(tariffs, rules)
	supplementary := NewSupplementaryCalculator(tariffs, rules)

	return &Engine{
		Factors:       factors,
		Prices:        prices,
		Tariffs:       tariffs,
		Rules:         rules,
		Primary:       primary,
		Supplementary: supplementary,
		Combined: &CombinedCalculator{
			services:      repos.Services,
			patients:      repos.Patients,
			policies:      repos.Policies,
			plans:         repos.Plans,
			prices:        prices,
			tariffs:       tariffs,
			primary:       primary,
			supplementary: supplementary,
			cache:         c,
			timeout:       cfg.Timeout,
			concurrency:   cfg.BatchConcurrency,
			observer:      cfg.Observer,
			logger:        logger.With().Str("component", "coverage_engine").Logger(),
			now:           time.Now,
		},
	}
}
