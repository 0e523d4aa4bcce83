package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/db"
	slotengine "github.com/clinic/clinic/internal/platform/scheduling"
	"github.com/clinic/clinic/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Specialist availability and appointment booking server",
	}
	rootCmd.AddCommand(serveCmd(), migrateCmd(), slotsCmd())
	return rootCmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := connect(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	e := newServer(cfg, logger, a.service(slotengine.SystemClock{}), a.checks)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().
			Str("addr", addr).
			Str("env", cfg.Env).
			Str("store", cfg.StoreBackend).
			Str("timezone", cfg.ClinicTimezone).
			Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				n, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
				return nil
			})
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
				if err != nil {
					return err
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}

	cmd.AddCommand(up, status)
	return cmd
}

func withPool(ctx context.Context, fn func(context.Context, *pgxpool.Pool) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.StoreBackend != config.BackendPostgres {
		return fmt.Errorf("migrations require STORE_BACKEND=%s, got %q", config.BackendPostgres, cfg.StoreBackend)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.ClinicTimezone)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, pool)
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		state, at := "pending", ""
		if s.Applied {
			state = "applied"
			if s.AppliedAt != nil {
				at = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, state, at)
	}
}

func slotsCmd() *cobra.Command {
	var (
		specialist string
		specialty  int
		days       int
		today      string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Print the bookable slots of a specialist",
		RunE: func(cmd *cobra.Command, args []string) error {
			specialistID, err := uuid.Parse(specialist)
			if err != nil {
				return fmt.Errorf("invalid --specialist: %w", err)
			}
			if specialty <= 0 {
				return errors.New("--specialty is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			clock, err := clockFor(today, cfg.Location())
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			a, err := connect(ctx, cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.service(clock).AvailableSlots(ctx, specialistID, specialty, days)
			if err != nil {
				return err
			}
			return printSlots(cmd.OutOrStdout(), result, asJSON)
		},
	}
	cmd.Flags().StringVar(&specialist, "specialist", "", "specialist id")
	cmd.Flags().IntVar(&specialty, "specialty", 0, "specialty id")
	cmd.Flags().IntVar(&days, "days", 0, "number of days to generate, today included (default and maximum SLOT_WINDOW_DAYS)")
	cmd.Flags().StringVar(&today, "today", "", "anchor date YYYY-MM-DD instead of the current date")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	_ = cmd.MarkFlagRequired("specialist")
	_ = cmd.MarkFlagRequired("specialty")
	return cmd
}

// clockFor pins the clock to midnight of date in loc, or returns the
// system clock when date is empty.
func clockFor(date string, loc *time.Location) (slotengine.Clock, error) {
	if date == "" {
		return slotengine.SystemClock{}, nil
	}
	d, err := slotengine.ParseDate(date, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid --today: %w", err)
	}
	return slotengine.FixedClock(d), nil
}

func printSlots(w io.Writer, result *scheduling.SlotsResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}
	if result.Status != scheduling.SlotsStatusOK {
		fmt.Fprintf(w, "no slots: %s\n", result.Status)
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tDAY\tTIME\tMINUTES")
	for _, day := range result.Days {
		for _, s := range day.Slots {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", day.Date.Format(slotengine.DateLayout), slotengine.DayName(day.Date.Weekday()), s.Time, s.DurationMinutes)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "%d slot(s)\n", result.Total)
	return nil
}
