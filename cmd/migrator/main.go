package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"db_view_migrator/internal/config"
	"db_view_migrator/internal/db"
	"db_view_migrator/internal/logging"
	"db_view_migrator/internal/migration"
	"db_view_migrator/internal/operations"
	"db_view_migrator/internal/plan"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "plan":
		err = planCmd(args)
	case "status":
		err = statusCmd(args)
	case "apply":
		err = applyCmd(args)
	case "rollback":
		err = rollbackCmd(args)
	case "refresh":
		err = refreshCmd(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %s\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`db_view_migrator commands:
  plan      - diff the target snapshot against migration history and write migration files
  status    - show applied migrations
  apply     - apply pending migrations
  rollback  - roll back the latest migration of one namespace
  refresh   - refresh a materialized view

Flags are command specific; run "<cmd> -h" for details.
Configuration comes from VIEWMIG_* environment variables.`)
}

func planCmd(args []string) error {
	fs := flagSet("plan")
	dryRun := fs.Bool("dry-run", false, "print the plan without writing migration files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	service := &plan.Service{MigrationsDir: cfg.MigrationsDir, TargetSnapshot: cfg.TargetSnapshot}
	migrations, err := service.Plan(context.Background())
	if err != nil {
		return err
	}
	if len(migrations) == 0 {
		fmt.Println("no changes detected")
		return nil
	}
	for _, m := range migrations {
		fmt.Printf("%s:\n", m.Namespace)
		for _, op := range m.Operations {
			fmt.Printf("  - %s\n", op.Describe())
		}
		if *dryRun {
			continue
		}
		path, err := migration.Write(cfg.MigrationsDir, m)
		if err != nil {
			return err
		}
		fmt.Printf("  wrote %s\n", path)
	}
	return nil
}

func statusCmd(args []string) error {
	fs := flagSet("status")
	limit := fs.Int("limit", 20, "number of rows to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, runner, pool, err := openRunner()
	if err != nil {
		return err
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	applied, err := runner.AppliedMigrations(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Println("no migrations applied yet on", cfg.ConnAlias)
		return nil
	}
	for i, a := range applied {
		if i >= *limit {
			break
		}
		fmt.Printf("  [%s] %04d_%s run=%s applied=%s\n", a.Namespace, a.Version, a.Name, a.RunID, a.AppliedAt.Format(time.RFC3339))
	}
	return nil
}

func applyCmd(args []string) error {
	fs := flagSet("apply")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_, runner, pool, err := openRunner()
	if err != nil {
		return err
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := runner.Up(ctx); err != nil {
		return err
	}
	fmt.Println("migrations applied")
	return nil
}

func rollbackCmd(args []string) error {
	fs := flagSet("rollback")
	namespace := fs.String("namespace", "", "namespace whose latest migration is rolled back")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *namespace == "" {
		return fmt.Errorf("--namespace is required")
	}
	_, runner, pool, err := openRunner()
	if err != nil {
		return err
	}
	defer pool.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := runner.Down(ctx, *namespace); err != nil {
		return err
	}
	fmt.Println("rollback completed")
	return nil
}

func refreshCmd(args []string) error {
	fs := flagSet("refresh")
	table := fs.String("table", "", "materialized view table to refresh")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *table == "" {
		return fmt.Errorf("--table is required")
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	service := &plan.Service{MigrationsDir: cfg.MigrationsDir, TargetSnapshot: cfg.TargetSnapshot}
	_, _, registry, err := service.LoadStates()
	if err != nil {
		return err
	}
	def, ok := registry.DefinitionByTable(*table)
	if !ok {
		return fmt.Errorf("no registered view with table %s", *table)
	}

	editor, err := db.Open(db.Config{Provider: cfg.DBProvider, DSN: cfg.DatabaseURL, Alias: cfg.ConnAlias})
	if err != nil {
		return err
	}
	defer editor.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := def.Refresh(ctx, editor); err != nil {
		return err
	}
	fmt.Println("refreshed", *table)
	return nil
}

func openRunner() (config.Config, *migration.Runner, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	if cfg.DBProvider != "postgres" {
		return config.Config{}, nil, nil, fmt.Errorf("apply/rollback/status require a postgres tracking database")
	}
	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	logger := logging.Component(logging.NewLogger(cfg.LogLevel), "migrator")
	runner := migration.NewRunner(pool, logger, cfg.MigrationsDir, cfg.ConnAlias, operations.AllowAll{})
	return cfg, runner, pool, nil
}

func flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	return fs
}
