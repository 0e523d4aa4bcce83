package config

import (
	"errors"
	"fmt"
	"io/fs"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendSupabase = "supabase"
)

type Config struct {
	Port               string        `mapstructure:"PORT" validate:"required,numeric"`
	Env                string        `mapstructure:"ENV" validate:"oneof=development staging production test"`
	StoreBackend       string        `mapstructure:"STORE_BACKEND" validate:"oneof=postgres supabase"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32         `mapstructure:"DB_MAX_CONNS" validate:"gte=1"`
	DBMinConns         int32         `mapstructure:"DB_MIN_CONNS" validate:"gte=0,ltefield=DBMaxConns"`
	SupabaseURL        string        `mapstructure:"SUPABASE_URL" validate:"omitempty,url"`
	SupabaseServiceKey string        `mapstructure:"SUPABASE_SERVICE_KEY"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	RedisKeyPrefix     string        `mapstructure:"REDIS_KEY_PREFIX"`
	AMQPURL            string        `mapstructure:"AMQP_URL"`
	AMQPExchange       string        `mapstructure:"AMQP_EXCHANGE" validate:"required"`
	ClinicTimezone     string        `mapstructure:"CLINIC_TIMEZONE" validate:"required"`
	SlotWindowDays     int           `mapstructure:"SLOT_WINDOW_DAYS" validate:"gte=1,lte=90"`
	BookingLockTTL     time.Duration `mapstructure:"BOOKING_LOCK_TTL" validate:"gte=1s"`
	RequestTimeout     time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit          string        `mapstructure:"BODY_LIMIT"`
	CORSOrigins        []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS" validate:"gt=0"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST" validate:"gt=0"`

	location *time.Location
}

var keys = []string{
	"PORT", "ENV", "STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"SUPABASE_URL", "SUPABASE_SERVICE_KEY", "REDIS_URL", "REDIS_KEY_PREFIX",
	"AMQP_URL", "AMQP_EXCHANGE", "CLINIC_TIMEZONE", "SLOT_WINDOW_DAYS",
	"BOOKING_LOCK_TTL", "REQUEST_TIMEOUT", "BODY_LIMIT", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

// Load reads the environment, and a .env file in the working directory when
// one exists.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_BACKEND", BackendPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("REDIS_KEY_PREFIX", "clinic:")
	v.SetDefault("AMQP_EXCHANGE", "clinic.appointments")
	v.SetDefault("CLINIC_TIMEZONE", "America/Argentina/Buenos_Aires")
	v.SetDefault("SLOT_WINDOW_DAYS", 15)
	v.SetDefault("BOOKING_LOCK_TTL", "30s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)

	// Unmarshal only sees environment values for keys viper knows about.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read .env: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks the configuration before anything connects. It also
// resolves the clinic timezone.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid configuration: %s fails %q", envName(fe.StructField()), fe.Tag())
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// Bookings run under the request deadline, so a lease at least that long
	// is held until the insert has finished or been cancelled.
	if c.RequestTimeout > 0 && c.BookingLockTTL < c.RequestTimeout {
		return fmt.Errorf("BOOKING_LOCK_TTL (%s) must not be shorter than REQUEST_TIMEOUT (%s)", c.BookingLockTTL, c.RequestTimeout)
	}

	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is %q", BackendPostgres)
		}
	case BackendSupabase:
		if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required when STORE_BACKEND is %q", BackendSupabase)
		}
	}

	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	c.location = loc
	return nil
}

// Location is the clinic timezone. It is only set after Validate succeeds.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}
	return c.location
}

// envName maps a struct field back to the variable that sets it.
func envName(field string) string {
	if f, ok := reflect.TypeOf(Config{}).FieldByName(field); ok {
		if tag := f.Tag.Get("mapstructure"); tag != "" {
			return tag
		}
	}
	return field
}
