package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port               string   `mapstructure:"PORT"`
	Env                string   `mapstructure:"ENV"`
	DatabaseURL        string   `mapstructure:"DATABASE_URL"`
	DBMaxConns         int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns         int32    `mapstructure:"DB_MIN_CONNS"`
	DBSchema           string   `mapstructure:"DB_SCHEMA"`
	MigrationsDir      string   `mapstructure:"MIGRATIONS_DIR"`
	AuthIssuer         string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience       string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey     string   `mapstructure:"AUTH_SIGNING_KEY"`
	DevUserID          string   `mapstructure:"DEV_USER_ID"`
	DevUserRole        string   `mapstructure:"DEV_USER_ROLE"`
	CORSOrigins        []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int      `mapstructure:"RATE_LIMIT_BURST"`
	ClinicTimezone     string   `mapstructure:"CLINIC_TIMEZONE"`
	SlotMinutes        int      `mapstructure:"SLOT_MINUTES"`
	BookingHorizonDays int      `mapstructure:"BOOKING_HORIZON_DAYS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_SCHEMA", "MIGRATIONS_DIR",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "DEV_USER_ID", "DEV_USER_ROLE",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"CLINIC_TIMEZONE", "SLOT_MINUTES", "BOOKING_HORIZON_DAYS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_SCHEMA", "public")
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("DEV_USER_ID", "00000000-0000-0000-0000-000000000001")
	v.SetDefault("DEV_USER_ROLE", "admin")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("SLOT_MINUTES", 30)
	v.SetDefault("BOOKING_HORIZON_DAYS", 30)

	// Bind explicitly so Unmarshal sees variables that only exist in the environment.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env file is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location resolves CLINIC_TIMEZONE. Appointment dates and clock times are
// interpreted in this zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// SlotDuration is the default appointment slot length for doctors that do not
// set their own.
func (c *Config) SlotDuration() time.Duration {
	return time.Duration(c.SlotMinutes) * time.Minute
}

// Validate checks that the configuration is safe to run. Outside development
// a JWT signing key is mandatory because every request must carry a verified
// identity.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 characters")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.SlotMinutes < 5 || c.SlotMinutes > 240 || (24*60)%c.SlotMinutes != 0 {
		return fmt.Errorf("SLOT_MINUTES must divide a day evenly and lie in [5, 240], got %d", c.SlotMinutes)
	}
	if c.BookingHorizonDays < 0 {
		return fmt.Errorf("BOOKING_HORIZON_DAYS must not be negative, got %d", c.BookingHorizonDays)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	switch c.DevUserRole {
	case "patient", "doctor", "admin":
	default:
		return fmt.Errorf("DEV_USER_ROLE must be patient, doctor or admin, got %q", c.DevUserRole)
	}
	return nil
}
