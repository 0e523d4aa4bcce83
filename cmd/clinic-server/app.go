package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/scheduling"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/events"
	"github.com/clinic/clinic/internal/platform/lock"
	"github.com/clinic/clinic/internal/platform/middleware"
	slotengine "github.com/clinic/clinic/internal/platform/scheduling"
	"github.com/clinic/clinic/internal/platform/validation"
)

const version = "0.1.0"

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

// app holds the backing services the scheduling domain runs on.
type app struct {
	cfg          *config.Config
	logger       zerolog.Logger
	windows      scheduling.AvailabilityRepository
	appointments scheduling.AppointmentRepository
	locker       lock.Locker
	publisher    events.Publisher
	checks       []db.Check
	closers      []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// connect opens the store selected by STORE_BACKEND and, when configured,
// Redis and RabbitMQ. Without Redis the booking lock is process local;
// without RabbitMQ events are only logged.
func connect(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	switch cfg.StoreBackend {
	case config.BackendSupabase:
		client, err := db.NewSupabaseClient(cfg.SupabaseURL, cfg.SupabaseServiceKey)
		if err != nil {
			return nil, err
		}
		a.windows = scheduling.NewAvailabilityRepoSupabase(client)
		a.appointments = scheduling.NewAppointmentRepoSupabase(client)
		a.checks = append(a.checks, db.SupabaseCheck(client))
		logger.Info().Str("url", cfg.SupabaseURL).Msg("using supabase store")
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.ClinicTimezone)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.windows = scheduling.NewAvailabilityRepoPG(pool)
		a.appointments = scheduling.NewAppointmentRepoPG(pool)
		a.checks = append(a.checks, db.PoolCheck(pool))
		logger.Info().Msg("connected to database")
	}

	if cfg.RedisURL != "" {
		rl, err := lock.NewRedisLocker(ctx, cfg.RedisURL, cfg.RedisKeyPrefix)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rl.Close() })
		a.locker = rl
	} else {
		logger.Warn().Msg("REDIS_URL not set, booking locks only cover this process")
		a.locker = lock.NewLocalLocker()
	}
	a.checks = append(a.checks, db.Check{Name: "lock", Ping: a.locker.Ping})

	if cfg.AMQPURL != "" {
		pub, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.publisher = pub
	} else {
		a.publisher = events.NewLogPublisher(logger)
	}
	pub := a.publisher
	a.closers = append(a.closers, func() { _ = pub.Close() })
	a.checks = append(a.checks, db.Check{Name: "events", Ping: a.publisher.Ping})

	return a, nil
}

func (a *app) service(clock slotengine.Clock) *scheduling.Service {
	return scheduling.NewService(a.windows, a.appointments, a.locker, a.publisher, scheduling.Config{
		Location:   a.cfg.Location(),
		Clock:      clock,
		WindowDays: a.cfg.SlotWindowDays,
		LockTTL:    a.cfg.BookingLockTTL,
		Logger:     a.logger,
	})
}

func newServer(cfg *config.Config, logger zerolog.Logger, svc *scheduling.Service, checks []db.Check) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.New()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderContentType, echo.HeaderAuthorization, middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	e.GET("/health/ready", db.HealthHandler(checks...))

	api := e.Group("/api/v1", middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	scheduling.NewHandler(svc).RegisterRoutes(api)

	return e
}
