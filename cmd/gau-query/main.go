// Package main implements the gau-query binary.
// It renders a templated SQL file and runs it against the configured
// backend, printing the result as tab-separated rows.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/chriscugliotta/glue-athena-utils/internal/config"
	"github.com/chriscugliotta/glue-athena-utils/internal/database"
	"github.com/chriscugliotta/glue-athena-utils/internal/template"
	"github.com/chriscugliotta/glue-athena-utils/pkg/types"
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
		sqlPath    = flag.String("file", "", "Path to the SQL file to run")
		sqlText    = flag.String("sql", "", "SQL text to run (alternative to -file)")
		vars       = make(contextVars)
	)
	flag.Var(vars, "var", "Template context variable as key=value (repeatable)")
	flag.Parse()

	if (*sqlPath == "") == (*sqlText == "") {
		log.Fatalf("exactly one of -file or -sql is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	conn, err := cfg.Connect(ctx)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	var sql string
	if *sqlPath != "" {
		sql, err = template.RenderFile(*sqlPath, vars)
	} else {
		sql, err = template.Render(*sqlText, vars)
	}
	if err != nil {
		log.Fatalf("Failed to render SQL: %v", err)
	}

	result, err := runQuery(ctx, cfg, conn, sql)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	printResult(result)
}

// runQuery routes the statement through the query cache when one is
// configured.
func runQuery(ctx context.Context, cfg *config.Config, conn database.Connection, sql string) (*database.Result, error) {
	if cfg.Cache.Dir == "" {
		return conn.Query(ctx, sql)
	}
	mode := database.RefreshMode(cfg.Cache.Mode)
	if mode == "" {
		mode = database.RefreshIfNeeded
	}
	cache, err := database.NewQueryCache(conn, cfg.Cache.Dir, mode)
	if err != nil {
		return nil, err
	}
	return cache.Query(ctx, sql)
}

func printResult(result *database.Result) {
	w := os.Stdout
	fmt.Fprintln(w, strings.Join(result.Columns, "\t"))
	for _, row := range result.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = types.Literal(v)
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	log.Printf("gau-query: returned %d row(s)", result.Len())
}
