// Package main implements the gau-rewrite binary.
// It rewrites a table's schema and/or contents via the backup, drop,
// recreate, reload, cleanup procedure, or resumes a previously failed run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/chriscugliotta/glue-athena-utils/internal/config"
	"github.com/chriscugliotta/glue-athena-utils/internal/observability"
	"github.com/chriscugliotta/glue-athena-utils/internal/rewrite"
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
		table      = flag.String("table", "", "Target table name")
		partitions = flag.String("partition-columns", "", "Comma-separated partition columns")
		createPath = flag.String("create", "", "Path to the create-table SQL template")
		insertPath = flag.String("insert", "", "Path to the insert SQL template")
		chunkSize  = flag.Int("chunk-size", 0, "Partitions per statement (0 = config default)")
		resume     = flag.Bool("resume", false, "Resume a previously failed rewrite")
		vars       = make(contextVars)
	)
	flag.Var(vars, "var", "Template context variable as key=value (repeatable)")
	flag.Parse()

	if *table == "" || *createPath == "" || *insertPath == "" {
		log.Fatalf("-table, -create, and -insert are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	createSQL, err := os.ReadFile(*createPath)
	if err != nil {
		log.Fatalf("Failed to read create template: %v", err)
	}
	insertSQL, err := os.ReadFile(*insertPath)
	if err != nil {
		log.Fatalf("Failed to read insert template: %v", err)
	}

	ctx := context.Background()
	conn, err := cfg.Connect(ctx)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	size := *chunkSize
	if size == 0 {
		size = cfg.Rewrite.ChunkSize
	}
	req := rewrite.Request{
		Table:            *table,
		PartitionColumns: splitColumns(*partitions),
		CreateSQL:        string(createSQL),
		InsertSQL:        string(insertSQL),
		Context:          vars,
		ChunkSize:        size,
		BackupSuffix:     cfg.Rewrite.BackupSuffix,
	}

	stats := observability.NewStatementLog()
	rewriter := rewrite.NewRewriter(conn, stats)

	if *resume {
		err = rewriter.Resume(ctx, req)
	} else {
		err = rewriter.Rewrite(ctx, req)
	}

	summary := stats.Summarize()
	log.Printf("gau-rewrite: %d statement(s), %d failure(s), total statement time %s",
		summary.Statements, summary.Failures, summary.Duration)
	for phase, count := range summary.PerPhase {
		log.Printf("gau-rewrite:   %s: %d statement(s)", phase, count)
	}

	if err != nil {
		log.Fatalf("Rewrite failed (backup table %s is retained, rerun with -resume after fixing the cause): %v",
			req.BackupName(), err)
	}
}

func splitColumns(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}
