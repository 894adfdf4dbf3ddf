/*
Package config loads server configuration from the environment.

SOURCES:
  A .env file in the working directory is loaded first if present. Real
  environment variables win over .env entries.

VARIABLES:
  PORT               HTTP port (default 8080)
  DB_DRIVER          sqlite, postgres or memory (default sqlite)
  DB_PATH            SQLite file (default allocations.db)
  DATABASE_URL       PostgreSQL connection string (postgres driver)
  LOG_LEVEL          debug, info, warn, error (default info)
  LOG_PRETTY         Console log output (default false)
  DEFAULT_PRECISION  Fraction digits when a currency has no known scale (default 2)
  CONFLICT_RETRIES   Retries after a lost write race (default 3)
  RECALC_SCHEDULE    Cron spec for auto-recalculation, empty disables (default @daily)
  RULES_FILE         YAML business rules; unset means the built-in defaults
  CORS_ORIGINS       Comma-separated allowed origins (default *)
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/warp/allocation-engine/generic"
	"gopkg.in/yaml.v2"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds application configuration
type Config struct {
	Port             int
	DBDriver         string
	DBPath           string
	DatabaseURL      string
	LogLevel         string
	LogPretty        bool
	DefaultPrecision int32
	ConflictRetries  int
	RecalcSchedule   string
	RulesFile        string
	CORSOrigins      []string

	// Rules is loaded from RulesFile, or DefaultRules when it is unset.
	Rules generic.RuleSet
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	precision := getEnvAsInt("DEFAULT_PRECISION", int(generic.DefaultPrecision))
	if precision < 0 || precision > int(generic.MaxPrecision) {
		return nil, fmt.Errorf("DEFAULT_PRECISION must be between 0 and %d, got %d", generic.MaxPrecision, precision)
	}

	cfg := &Config{
		Port:             getEnvAsInt("PORT", 8080),
		DBDriver:         getEnv("DB_DRIVER", DriverSQLite),
		DBPath:           getEnv("DB_PATH", "allocations.db"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		LogPretty:        getEnvAsBool("LOG_PRETTY", false),
		DefaultPrecision: int32(precision),
		ConflictRetries:  getEnvAsInt("CONFLICT_RETRIES", 3),
		RecalcSchedule:   getEnvOrEmpty("RECALC_SCHEDULE", "@daily"),
		RulesFile:        getEnv("RULES_FILE", ""),
		CORSOrigins:      splitList(getEnv("CORS_ORIGINS", "*")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg.Rules = generic.DefaultRules()
	if cfg.RulesFile != "" {
		rules, err := LoadRules(cfg.RulesFile)
		if err != nil {
			return nil, err
		}
		cfg.Rules = rules
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return fmt.Errorf("DB_PATH is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}
	if c.DefaultPrecision < 0 || c.DefaultPrecision > generic.MaxPrecision {
		return fmt.Errorf("DEFAULT_PRECISION must be between 0 and %d", generic.MaxPrecision)
	}
	if c.ConflictRetries < 0 {
		return fmt.Errorf("CONFLICT_RETRIES must not be negative")
	}
	if c.RecalcSchedule != "" {
		if _, err := cron.ParseStandard(c.RecalcSchedule); err != nil {
			return fmt.Errorf("invalid RECALC_SCHEDULE %q: %w", c.RecalcSchedule, err)
		}
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

type rulesFile struct {
	Rules generic.RuleSet `yaml:"rules"`
}

// LoadRules reads and validates a YAML rule set.
func LoadRules(path string) (generic.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules decodes and validates a YAML rule set.
func ParseRules(data []byte) (generic.RuleSet, error) {
	var f rulesFile
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if err := f.Rules.Validate(); err != nil {
		return nil, err
	}
	return f.Rules, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrEmpty lets an explicitly empty variable override the default.
func getEnvOrEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
