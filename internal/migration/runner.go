package migration

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"db_view_migrator/internal/operations"
	"db_view_migrator/internal/state"
)

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Applied is one row of the tracking table.
type Applied struct {
	Namespace string    `json:"namespace"`
	Version   int64     `json:"version"`
	Name      string    `json:"name"`
	RunID     string    `json:"run_id"`
	AppliedAt time.Time `json:"applied_at"`
}

// Runner applies and rolls back generated migrations against postgres,
// one transaction per migration, recording versions in view_migrations.
type Runner struct {
	pool   *pgxpool.Pool
	logger Logger
	dir    string
	alias  string
	router operations.Router
}

func NewRunner(pool *pgxpool.Pool, logger Logger, dir, alias string, router operations.Router) *Runner {
	if router == nil {
		router = operations.AllowAll{}
	}
	return &Runner{pool: pool, logger: logger, dir: dir, alias: alias, router: router}
}

// txEditor adapts one open pgx transaction to the schema-editing
// contract operations execute against.
type txEditor struct {
	tx    pgx.Tx
	alias string
}

func (e txEditor) Execute(ctx context.Context, sql string) error {
	_, err := e.tx.Exec(ctx, sql)
	return err
}

func (e txEditor) ConnectionAlias() string { return e.alias }

// Up applies every pending migration in order.
func (r *Runner) Up(ctx context.Context) error {
	if err := r.ensureTable(ctx); err != nil {
		return err
	}
	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return err
	}
	all, err := Load(r.dir)
	if err != nil {
		return err
	}

	runID := uuid.New()
	current := state.NewProjectState()
	for _, m := range all {
		from := current.Clone()
		for _, op := range m.Operations {
			op.StateForwards(m.Namespace, current)
		}
		if applied[appliedKey(m.Namespace, m.Version)] {
			continue
		}
		if err := r.apply(ctx, m, runID, from, current.Clone()); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Path, err)
		}
		r.logger.Info("migration applied", "namespace", m.Namespace, "version", m.Version, "name", m.Name)
	}
	return nil
}

func (r *Runner) apply(ctx context.Context, m *Loaded, runID uuid.UUID, from, to *state.ProjectState) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	editor := txEditor{tx: tx, alias: r.alias}
	for _, op := range m.Operations {
		if err := op.Forward(ctx, m.Namespace, editor, r.router, from, to); err != nil {
			return fmt.Errorf("%s: %w", op.Describe(), err)
		}
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO view_migrations(namespace, version, name, run_id) VALUES ($1, $2, $3, $4)
`, m.Namespace, m.Version, m.Name, runID.String()); err != nil {
		return fmt.Errorf("record migration: %w", err)
	}
	return tx.Commit(ctx)
}

// Down rolls back the most recently applied migration of one namespace.
func (r *Runner) Down(ctx context.Context, namespace string) error {
	if err := r.ensureTable(ctx); err != nil {
		return err
	}
	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return err
	}
	all, err := Load(r.dir)
	if err != nil {
		return err
	}

	// Find the latest applied migration of the namespace and the
	// snapshots on either side of it.
	var target *Loaded
	before := state.NewProjectState()
	after := state.NewProjectState()
	current := state.NewProjectState()
	for _, m := range all {
		from := current.Clone()
		for _, op := range m.Operations {
			op.StateForwards(m.Namespace, current)
		}
		if m.Namespace == namespace && applied[appliedKey(m.Namespace, m.Version)] {
			target = m
			before = from
			after = current.Clone()
		}
	}
	if target == nil {
		return fmt.Errorf("no applied migrations for namespace %s", namespace)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	editor := txEditor{tx: tx, alias: r.alias}
	for i := len(target.Operations) - 1; i >= 0; i-- {
		op := target.Operations[i]
		if err := op.Backward(ctx, namespace, editor, r.router, after, before); err != nil {
			return fmt.Errorf("%s: %w", op.Describe(), err)
		}
	}
	if _, err := tx.Exec(ctx, `
DELETE FROM view_migrations WHERE namespace = $1 AND version = $2
`, namespace, target.Version); err != nil {
		return fmt.Errorf("unrecord migration: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	r.logger.Info("migration rolled back", "namespace", namespace, "version", target.Version, "name", target.Name)
	return nil
}

// AppliedMigrations lists tracking-table rows, newest first.
func (r *Runner) AppliedMigrations(ctx context.Context) ([]Applied, error) {
	if err := r.ensureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `
SELECT namespace, version, name, run_id, applied_at FROM view_migrations ORDER BY applied_at DESC, namespace, version DESC
`)
	if err != nil {
		return nil, fmt.Errorf("query view_migrations: %w", err)
	}
	defer rows.Close()

	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Namespace, &a.Version, &a.Name, &a.RunID, &a.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Runner) ensureTable(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS view_migrations (
  namespace  TEXT NOT NULL,
  version    BIGINT NOT NULL,
  name       TEXT NOT NULL,
  run_id     TEXT NOT NULL,
  applied_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (namespace, version)
);
`)
	return err
}

func (r *Runner) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := r.pool.Query(ctx, `SELECT namespace, version FROM view_migrations`)
	if err != nil {
		return nil, fmt.Errorf("query view_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var ns string
		var v int64
		if err := rows.Scan(&ns, &v); err != nil {
			return nil, fmt.Errorf("scan applied version: %w", err)
		}
		applied[appliedKey(ns, v)] = true
	}
	return applied, rows.Err()
}

func appliedKey(namespace string, version int64) string {
	return fmt.Sprintf("%s:%d", namespace, version)
}
