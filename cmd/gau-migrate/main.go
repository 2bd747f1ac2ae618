// Package main implements the gau-migrate binary.
// It applies SQL-script migrations from a directory tree (v1/upgrade.sql,
// v2/upgrade.sql, ...) to bring the database to a target schema version.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/chriscugliotta/glue-athena-utils/internal/config"
	"github.com/chriscugliotta/glue-athena-utils/internal/migration"
)

// contextVars collects repeated -var key=value flags into a template
// context.
type contextVars map[string]any

func (c contextVars) String() string {
	return fmt.Sprintf("%v", map[string]any(c))
}

func (c contextVars) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", value)
	}
	c[key] = val
	return nil
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to config file (YAML or JSON)")
		dir        = flag.String("dir", "", "Migrations directory (overrides config)")
		target     = flag.Int("target", -1, "Target schema version")
		downgrade  = flag.Bool("downgrade", false, "Allow downgrading to a lower version")
		current    = flag.Bool("version", false, "Print the current schema version and exit")
		vars       = make(contextVars)
	)
	flag.Var(vars, "var", "Template context variable as key=value (repeatable)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *dir == "" {
		*dir = cfg.Migration.Dir
	}

	ctx := context.Background()
	conn, err := cfg.Connect(ctx)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	svcCfg := migration.Config{
		VersionTable:    cfg.Migration.VersionTable,
		VersionLocation: cfg.Migration.VersionLocation,
		PollAttempts:    cfg.Migration.PollAttempts,
		PollDelay:       cfg.Migration.PollDelay,
	}

	if *current {
		svc := migration.NewService(conn, nil, svcCfg)
		version, err := svc.Version(ctx)
		if err != nil {
			log.Fatalf("Failed to read version: %v", err)
		}
		fmt.Println(version)
		return
	}

	if *dir == "" {
		log.Fatalf("-dir (or migration.dir in config) is required")
	}
	if *target < 0 {
		log.Fatalf("-target is required")
	}

	steps, err := migration.LoadSteps(*dir, vars)
	if err != nil {
		log.Fatalf("Failed to load migration steps: %v", err)
	}

	svc := migration.NewService(conn, steps, svcCfg)
	if err := svc.Migrate(ctx, *target, *downgrade); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Printf("gau-migrate: database is at version %d", *target)
}
