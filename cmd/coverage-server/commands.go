package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/clinic/coverage/internal/domain/insurance"
	"github.com/clinic/coverage/internal/platform/cache"
	"github.com/clinic/coverage/internal/platform/db"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			count, err := db.NewMigrator(pool, migrationSource(dir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded set)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			if dir == "" {
				dir = cfg.MigrationsDir
			}

			statuses, err := db.NewMigrator(pool, migrationSource(dir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to the embedded set)")
	cmd.AddCommand(statusCmd)

	return cmd
}

// calculateFlags are the raw inputs of the calculate command.
type calculateFlags struct {
	patient           string
	service           string
	amount            string
	date              string
	department        string
	supplementaryPlan string
	skipSupplementary bool
}

// request turns the flags into a settlement request. An empty date means
// today in UTC; an empty amount prices the service.
func (f calculateFlags) request(now time.Time) (insurance.CombinedRequest, error) {
	var req insurance.CombinedRequest
	var err error

	if req.PatientID, err = uuid.Parse(f.patient); err != nil {
		return req, fmt.Errorf("invalid --patient: %w", err)
	}
	if req.ServiceID, err = uuid.Parse(f.service); err != nil {
		return req, fmt.Errorf("invalid --service: %w", err)
	}
	if f.amount != "" {
		if req.Amount, err = decimal.NewFromString(f.amount); err != nil {
			return req, fmt.Errorf("invalid --amount: %w", err)
		}
		if req.Amount.IsNegative() {
			return req, fmt.Errorf("invalid --amount: must not be negative")
		}
	}
	req.Date = now.UTC().Truncate(24 * time.Hour)
	if f.date != "" {
		if req.Date, err = time.Parse("2006-01-02", f.date); err != nil {
			return req, fmt.Errorf("invalid --date: %w", err)
		}
	}
	if f.department != "" {
		id, err := uuid.Parse(f.department)
		if err != nil {
			return req, fmt.Errorf("invalid --department: %w", err)
		}
		req.Options.DepartmentOverrideID = &id
	}
	if f.supplementaryPlan != "" {
		id, err := uuid.Parse(f.supplementaryPlan)
		if err != nil {
			return req, fmt.Errorf("invalid --supplementary-plan: %w", err)
		}
		req.Options.SupplementaryPlanID = &id
	}
	req.Options.SkipSupplementary = f.skipSupplementary
	return req, nil
}

func calculateCmd() *cobra.Command {
	var flags calculateFlags
	cmd := &cobra.Command{
		Use:   "calculate",
		Short: "Settle one service for one patient and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(time.Now())
			if err != nil {
				return err
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)
			svc := buildServices(pool, cache.New(cache.Config{TTL: cfg.CacheTTL, ComputeTimeout: cfg.CalcTimeout}, logger), cfg, nil, logger)

			res, err := svc.engine.Combined.CalculateCombined(ctx, req)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.patient, "patient", "", "Patient id")
	cmd.Flags().StringVar(&flags.service, "service", "", "Medical service id")
	cmd.Flags().StringVar(&flags.amount, "amount", "", "Service amount (priced from tariff or base price when empty)")
	cmd.Flags().StringVar(&flags.date, "date", "", "Calculation date, YYYY-MM-DD (defaults to today)")
	cmd.Flags().StringVar(&flags.department, "department", "", "Department override id")
	cmd.Flags().StringVar(&flags.supplementaryPlan, "supplementary-plan", "", "Supplementary plan id")
	cmd.Flags().BoolVar(&flags.skipSupplementary, "skip-supplementary", false, "Settle against the primary policy only")
	_ = cmd.MarkFlagRequired("patient")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}

func freezeYearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "freeze-year YEAR",
		Short: "Freeze the factor settings of a financial year",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			year, err := strconv.Atoi(args[0])
			if err != nil || year <= 0 {
				return fmt.Errorf("invalid year %q", args[0])
			}

			ctx := context.Background()
			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			logger := newLogger(cfg.Env, cfg.LogLevel)
			svc := buildServices(pool, cache.New(cache.Config{TTL: cfg.CacheTTL, ComputeTimeout: cfg.CalcTimeout}, logger), cfg, nil, logger)

			fy, err := svc.factorAdmin.FreezeYear(ctx, year)
			if err != nil {
				return err
			}
			if fy.FrozenAt == nil {
				fmt.Printf("Financial year %d is frozen.\n", fy.Year)
				return nil
			}
			fmt.Printf("Financial year %d frozen at %s.\n", fy.Year, fy.FrozenAt.Format(time.RFC3339))
			return nil
		},
	}
}
