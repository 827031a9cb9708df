package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

type Config struct {
	ServerAddress  string `env:"SERVER_ADDRESS"`
	Environment    string `env:"ENVIRONMENT"`
	Database       DatabaseConfig
	Migration      MigrationConfig
	Log            LogConfig
	Redis          RedisConfig
	Reconciliation ReconciliationConfig
}

type DatabaseConfig struct {
	Driver     string `env:"DB_DRIVER"`
	Host       string `env:"DB_HOST"`
	Port       int    `env:"DB_PORT"`
	User       string `env:"DB_USER"`
	Password   string `env:"DB_PASSWORD"`
	Name       string `env:"DB_NAME"`
	Params     string `env:"DB_PARAMS"`
	SQLitePath string `env:"SQLITE_PATH"`
}

type MigrationConfig struct {
	Dir string `env:"MIGRATION_DIR"`
}

type LogConfig struct {
	Level  string `env:"LOG_LEVEL"`
	Format string `env:"LOG_FORMAT"`
}

type RedisConfig struct {
	Addr     string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD"`
	LockTTL  time.Duration `env:"LOCK_TTL"`
}

// ReconciliationConfig holds the defaults applied when a bulk-match request omits them.
type ReconciliationConfig struct {
	DefaultDateToleranceDays int             `env:"DEFAULT_DATE_TOLERANCE_DAYS"`
	DefaultAmountTolerance   decimal.Decimal `env:"DEFAULT_AMOUNT_TOLERANCE"`
	DescriptionThreshold     float64         `env:"DESCRIPTION_SIMILARITY_THRESHOLD"`
	BulkMatchLimit           int             `env:"BULK_MATCH_LIMIT"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVER_ADDRESS", ":8080")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("DB_DRIVER", DriverMySQL)
	v.SetDefault("DB_HOST", "127.0.0.1")
	v.SetDefault("DB_PORT", 3306)
	v.SetDefault("DB_PARAMS", "parseTime=true&charset=utf8mb4")
	v.SetDefault("SQLITE_PATH", "reconciliation.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("LOCK_TTL", "30s")
	v.SetDefault("DEFAULT_DATE_TOLERANCE_DAYS", 3)
	v.SetDefault("DEFAULT_AMOUNT_TOLERANCE", "0.00")
	v.SetDefault("DESCRIPTION_SIMILARITY_THRESHOLD", 80.0)
	v.SetDefault("BULK_MATCH_LIMIT", 5000)
}

// LoadConfig reads .env (when present) and the process environment.
func LoadConfig() (*Config, error) {
	return Load(".env")
}

func Load(envFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if envFile != "" {
		v.SetConfigFile(envFile)
		if err := v.ReadInConfig(); err != nil && !missingConfigFile(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	tolerance, err := decimal.NewFromString(strings.TrimSpace(v.GetString("DEFAULT_AMOUNT_TOLERANCE")))
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_AMOUNT_TOLERANCE: %w", err)
	}

	config := &Config{
		ServerAddress: v.GetString("SERVER_ADDRESS"),
		Environment:   v.GetString("ENVIRONMENT"),
		Database: DatabaseConfig{
			Driver:     strings.ToLower(v.GetString("DB_DRIVER")),
			Host:       v.GetString("DB_HOST"),
			Port:       v.GetInt("DB_PORT"),
			User:       v.GetString("DB_USER"),
			Password:   v.GetString("DB_PASSWORD"),
			Name:       v.GetString("DB_NAME"),
			Params:     v.GetString("DB_PARAMS"),
			SQLitePath: v.GetString("SQLITE_PATH"),
		},
		Migration: MigrationConfig{
			Dir: v.GetString("MIGRATION_DIR"),
		},
		Log: LogConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			LockTTL:  v.GetDuration("LOCK_TTL"),
		},
		Reconciliation: ReconciliationConfig{
			DefaultDateToleranceDays: v.GetInt("DEFAULT_DATE_TOLERANCE_DAYS"),
			DefaultAmountTolerance:   tolerance,
			DescriptionThreshold:     v.GetFloat64("DESCRIPTION_SIMILARITY_THRESHOLD"),
			BulkMatchLimit:           v.GetInt("BULK_MATCH_LIMIT"),
		},
	}

	if config.Database.Driver != DriverMySQL && config.Database.Driver != DriverSQLite {
		return nil, fmt.Errorf("unsupported DB_DRIVER %q", config.Database.Driver)
	}
	if tolerance.IsNegative() {
		return nil, fmt.Errorf("DEFAULT_AMOUNT_TOLERANCE must not be negative")
	}

	return config, nil
}

func missingConfigFile(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// GetDSN returns the database/sql data source name for the configured driver.
func (c *Config) GetDSN() string {
	if c.Database.Driver == DriverSQLite {
		return c.Database.SQLitePath
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Params,
	)
}

// GetMigrationDBURL returns the database URL for migrations
func (c *Config) GetMigrationDBURL() string {
	if c.Database.Driver == DriverSQLite {
		return "sqlite://" + c.Database.SQLitePath
	}
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%d)/%s?%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Params,
	)
}
