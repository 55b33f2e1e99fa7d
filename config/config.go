/*
config.go - Runtime configuration

PURPOSE:
  Loads settings from an optional YAML file, then LOYALTY_* environment
  variables, on top of built-in defaults. Command-line flags in
  cmd/server override the result.

KEYS (env form in brackets):
  server.port            [LOYALTY_SERVER_PORT]          8080
  database.path          [LOYALTY_DATABASE_PATH]        loyalty.db
  auth.jwt_secret        [LOYALTY_AUTH_JWT_SECRET]      required in production
  auth.bootstrap_utorid  [LOYALTY_AUTH_BOOTSTRAP_UTORID] superuser created at startup if missing
  app.env                [LOYALTY_APP_ENV]              development
  app.name               [LOYALTY_APP_NAME]             loyalty-ledger
  ledger.earn_rate       [LOYALTY_LEDGER_EARN_RATE]     4
  ledger.snowflake_node  [LOYALTY_LEDGER_SNOWFLAKE_NODE] 1
  ledger.max_retries     [LOYALTY_LEDGER_MAX_RETRIES]   3
*/
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// DevSecret signs tokens when no secret is configured outside production.
const DevSecret = "loyalty-dev-secret"

type Config struct {
	App struct {
		Env  string `mapstructure:"env"`
		Name string `mapstructure:"name"`
	} `mapstructure:"app"`
	Server struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Auth struct {
		JWTSecret       string `mapstructure:"jwt_secret"`
		BootstrapUtorid string `mapstructure:"bootstrap_utorid"`
	} `mapstructure:"auth"`
	Ledger struct {
		EarnRate      string `mapstructure:"earn_rate"`
		SnowflakeNode int64  `mapstructure:"snowflake_node"`
		MaxRetries    int    `mapstructure:"max_retries"`
	} `mapstructure:"ledger"`
}

// Load reads configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LOYALTY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.name", "loyalty-ledger")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.path", "loyalty.db")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.bootstrap_utorid", "")
	v.SetDefault("ledger.earn_rate", "4")
	v.SetDefault("ledger.snowflake_node", 1)
	v.SetDefault("ledger.max_retries", 3)
}

func (c *Config) Production() bool { return c.App.Env == "production" }

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	rate, err := decimal.NewFromString(c.Ledger.EarnRate)
	if err != nil || !rate.IsPositive() {
		return fmt.Errorf("ledger.earn_rate %q must be a positive decimal", c.Ledger.EarnRate)
	}
	if c.Ledger.SnowflakeNode < 0 || c.Ledger.SnowflakeNode > 1023 {
		return fmt.Errorf("ledger.snowflake_node %d out of range 0-1023", c.Ledger.SnowflakeNode)
	}
	if c.Ledger.MaxRetries < 0 {
		return fmt.Errorf("ledger.max_retries %d is negative", c.Ledger.MaxRetries)
	}
	if c.Auth.JWTSecret == "" {
		if c.Production() {
			return errors.New("auth.jwt_secret is required in production")
		}
		c.Auth.JWTSecret = DevSecret
	}
	return nil
}

// EarnRate returns the validated earn rate.
func (c *Config) EarnRate() decimal.Decimal {
	return decimal.RequireFromString(c.Ledger.EarnRate)
}
