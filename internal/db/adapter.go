// Package db opens engine-specific schema editors for targets the
// migration operations execute DDL against.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrMaterializedViewsUnsupported is returned when materialized-view
// DDL is issued against an engine that has no materialized views.
var ErrMaterializedViewsUnsupported = errors.New("engine does not support materialized views")

// Config describes one DDL target.
type Config struct {
	Provider string // "postgres" or "mysql"
	DSN      string
	// Alias names the connection for allow-migrate routing.
	Alias string
}

// Editor executes DDL against one open connection.
type Editor interface {
	Execute(ctx context.Context, sql string) error
	ConnectionAlias() string
	Close() error
}

// Open builds an editor for the given target.
func Open(cfg Config) (Editor, error) {
	alias := cfg.Alias
	if alias == "" {
		alias = "default"
	}
	switch strings.ToLower(cfg.Provider) {
	case "postgres":
		conn, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, err
		}
		tune(conn)
		return &postgresEditor{db: conn, alias: alias}, nil
	case "mysql":
		// Validate the DSN early to provide actionable errors.
		if _, err := mysql.ParseDSN(cfg.DSN); err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
		conn, err := sql.Open("mysql", cfg.DSN)
		if err != nil {
			return nil, err
		}
		tune(conn)
		return &mysqlEditor{db: conn, alias: alias}, nil
	default:
		return nil, fmt.Errorf("unsupported provider %s", cfg.Provider)
	}
}

func tune(conn *sql.DB) {
	conn.SetConnMaxIdleTime(5 * time.Minute)
	conn.SetMaxOpenConns(5)
}

type postgresEditor struct {
	db    *sql.DB
	alias string
}

func (e *postgresEditor) Execute(ctx context.Context, ddl string) error {
	_, err := e.db.ExecContext(ctx, ddl)
	return err
}

func (e *postgresEditor) ConnectionAlias() string { return e.alias }
func (e *postgresEditor) Close() error            { return e.db.Close() }

type mysqlEditor struct {
	db    *sql.DB
	alias string
}

func (e *mysqlEditor) Execute(ctx context.Context, ddl string) error {
	if strings.Contains(strings.ToUpper(ddl), "MATERIALIZED VIEW") {
		return fmt.Errorf("mysql target %s: %w", e.alias, ErrMaterializedViewsUnsupported)
	}
	_, err := e.db.ExecContext(ctx, ddl)
	return err
}

func (e *mysqlEditor) ConnectionAlias() string { return e.alias }
func (e *mysqlEditor) Close() error            { return e.db.Close() }
