package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type DB struct {
	User     string `validate:"required_if=Enabled true"`
	Password string
	Host     string `validate:"required_if=Enabled true"`
	Port     string `validate:"omitempty,numeric"`
	Name     string `validate:"required_if=Enabled true"`
	SSLMode  string `validate:"omitempty,oneof=disable require verify-ca verify-full prefer allow"`
	Enabled  bool
}

// DSN builds a postgres URL from the DB_* settings
func (d DB) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   d.Host + ":" + d.Port,
		Path:   "/" + d.Name,
	}
	if d.SSLMode != "" {
		u.RawQuery = "sslmode=" + d.SSLMode
	}
	return u.String()
}

type Config struct {
	Port              string        `validate:"required,numeric"`
	Store             string        `validate:"oneof=memory postgres"`
	DB                DB
	RedisAddr         string        `validate:"hostname_port"`
	JWTSecret         string        `validate:"required,min=16"`
	LedgerTimeout     time.Duration `validate:"gt=0"`
	AcceptMaxAttempts int           `validate:"min=1,max=100"`
	SalaryBasis       string        `validate:"oneof=total per_worker"`
	LogLevel          string        `validate:"oneof=panic fatal error warn warning info debug trace"`
	LogFormat         string        `validate:"oneof=json text"`
	AlertsEnabled     bool
}

// Load reads an optional .env file (or the given files), then the process
// environment, and validates the result.
func Load(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var errs []error
	cfg := Config{
		Port:      getenv("PORT", "8080"),
		Store:     getenv("STORE", "postgres"),
		JWTSecret: os.Getenv("JWT_SECRET"),
		DB: DB{
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			Host:     os.Getenv("DB_HOST"),
			Port:     getenv("DB_PORT", "5432"),
			Name:     os.Getenv("DB_NAME"),
			SSLMode:  os.Getenv("DB_SSLMODE"),
		},
		RedisAddr:   redisAddr(),
		SalaryBasis: getenv("SALARY_BASIS", "total"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogFormat:   getenv("LOG_FORMAT", "text"),
	}
	cfg.DB.Enabled = cfg.Store == "postgres"

	var err error
	if cfg.LedgerTimeout, err = time.ParseDuration(getenv("LEDGER_TIMEOUT", "10s")); err != nil {
		errs = append(errs, fmt.Errorf("LEDGER_TIMEOUT: %w", err))
	}
	if cfg.AcceptMaxAttempts, err = strconv.Atoi(getenv("ACCEPT_MAX_ATTEMPTS", "5")); err != nil {
		errs = append(errs, fmt.Errorf("ACCEPT_MAX_ATTEMPTS: %w", err))
	}
	if cfg.AlertsEnabled, err = strconv.ParseBool(getenv("ALERTS_ENABLED", "false")); err != nil {
		errs = append(errs, fmt.Errorf("ALERTS_ENABLED: %w", err))
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// redisAddr prefers REDIS_ADDR, then REDIS_HOST/REDIS_PORT, then the
// docker-compose service name (or localhost when RUN_LOCAL=true)
func redisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	if host := os.Getenv("REDIS_HOST"); host != "" {
		return host + ":" + getenv("REDIS_PORT", "6379")
	}
	if os.Getenv("RUN_LOCAL") == "true" {
		return "127.0.0.1:6379"
	}
	return "redis:6379"
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
