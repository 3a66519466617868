package sqlstore

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun/dialect/pgdialect"
)

// PostgresConfig carries the connection settings for the production store.
type PostgresConfig struct {
	DSN             string        `koanf:"dsn" mapstructure:"dsn"`
	Debug           bool          `koanf:"debug" mapstructure:"debug"`
	MaxOpenConns    int           `koanf:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	PingTimeout     time.Duration `koanf:"ping_timeout" mapstructure:"ping_timeout"`
	OtelIdentifier  string        `koanf:"otel_identifier" mapstructure:"otel_identifier"`
}

func (c PostgresConfig) GetDebug() bool {
	return c.Debug
}

func (c PostgresConfig) GetDriver() string {
	return "postgres"
}

func (c PostgresConfig) GetServer() string {
	return strings.TrimSpace(c.DSN)
}

func (c PostgresConfig) GetPingTimeout() time.Duration {
	if c.PingTimeout > 0 {
		return c.PingTimeout
	}
	return 5 * time.Second
}

func (c PostgresConfig) GetOtelIdentifier() string {
	if strings.TrimSpace(c.OtelIdentifier) != "" {
		return strings.TrimSpace(c.OtelIdentifier)
	}
	return "issuesync"
}

// OpenPostgres opens a pq-backed connection pool and wraps it in a
// persistence client on the pg dialect. The caller still registers and runs
// migrations before building stores.
func OpenPostgres(cfg PostgresConfig) (*persistence.Client, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("sqlstore: postgres dsn is required")
	}

	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	client, err := persistence.New(cfg, sqlDB, pgdialect.New())
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return client, nil
}
