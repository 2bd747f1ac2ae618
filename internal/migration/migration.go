// Package migration keeps a database's schema in sync with the application
// by applying versioned migration steps. It maintains a `version` table
// holding the database's current version and a lock flag, initialized at
// (0, 0) on first contact, and walks the registered steps one version at a
// time until the target is reached.
package migration

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chriscugliotta/glue-athena-utils/internal/database"
	gauerrors "github.com/chriscugliotta/glue-athena-utils/internal/errors"
	"github.com/chriscugliotta/glue-athena-utils/internal/template"
)

const (
	// DefaultVersionTable is the name of the version bookkeeping table.
	DefaultVersionTable = "version"

	// DefaultPollAttempts and DefaultPollDelay bound the wait for another
	// process to release the migration lock: 20 checks 15 seconds apart,
	// five minutes total.
	DefaultPollAttempts = 20
	DefaultPollDelay    = 15 * time.Second
)

// Step migrates the schema across one version boundary, in either
// direction. Steps receive the service's connection and run inside the
// migration lock.
type Step interface {
	Upgrade(ctx context.Context, conn database.Connection) error
	Downgrade(ctx context.Context, conn database.Connection) error
}

// Steps maps a version number to the step that upgrades TO that version
// (and downgrades FROM it).
type Steps map[int]Step

// Config holds the service's tunables. The zero value is usable against
// embedded backends; VersionLocation is required when the backend stores
// tables externally.
type Config struct {
	// VersionTable overrides the version table's name.
	VersionTable string

	// VersionLocation is the version table's storage location, for
	// backends whose tables live in object storage.
	VersionLocation string

	// PollAttempts and PollDelay bound the wait-until-unlocked loop.
	PollAttempts int
	PollDelay    time.Duration
}

// Service applies migration steps against one database.
type Service struct {
	conn  database.Connection
	steps Steps
	cfg   Config
}

// NewService creates a migration service. Zero config fields take their
// defaults.
func NewService(conn database.Connection, steps Steps, cfg Config) *Service {
	if cfg.VersionTable == "" {
		cfg.VersionTable = DefaultVersionTable
	}
	if cfg.PollAttempts == 0 {
		cfg.PollAttempts = DefaultPollAttempts
	}
	if cfg.PollDelay == 0 {
		cfg.PollDelay = DefaultPollDelay
	}
	return &Service{conn: conn, steps: steps, cfg: cfg}
}

// Migrate brings the database to the target version. Upgrades run the
// steps current+1 through target in order; downgrades run current down
// through target+1, and only when downgrade is set, so a stale target in
// one deployment cannot silently destroy a newer schema. If another
// process holds the migration lock, Migrate waits for it.
//
// A step failure leaves the lock in place. That is deliberate: a half
// applied migration needs an operator, not a concurrent retry.
func (s *Service) Migrate(ctx context.Context, target int, downgrade bool) error {
	if target < 0 {
		return gauerrors.Newf(gauerrors.ErrCategoryMigration, gauerrors.CodeVersionInvalid,
			"target version must be >= 0, got %d", target)
	}

	current, err := s.waitUntilUnlocked(ctx, target)
	if err != nil {
		return err
	}

	needed := current < target || (current > target && downgrade)
	if !needed {
		log.Printf("migration: database is up-to-date at version %d", current)
		return nil
	}

	if err := s.setVersion(ctx, current, true); err != nil {
		return err
	}
	if err := s.apply(ctx, current, target); err != nil {
		return err
	}
	return s.setVersion(ctx, target, false)
}

// Version returns the database's current schema version, initializing the
// version table if absent.
func (s *Service) Version(ctx context.Context) (int, error) {
	version, _, err := s.currentVersion(ctx)
	return version, err
}

// waitUntilUnlocked polls the version table until the lock clears,
// returning the current version. Exhausting the attempts is a lock
// timeout.
func (s *Service) waitUntilUnlocked(ctx context.Context, target int) (int, error) {
	for i := 0; i < s.cfg.PollAttempts; i++ {
		current, locked, err := s.currentVersion(ctx)
		if err != nil {
			return 0, err
		}
		log.Printf("migration: locked = %t, current version = %d, target version = %d", locked, current, target)
		if !locked {
			return current, nil
		}
		select {
		case <-time.After(s.cfg.PollDelay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return 0, gauerrors.Newf(gauerrors.ErrCategoryMigration, gauerrors.CodeLockTimeout,
		"timed out after %d attempts waiting for %s table to unlock", s.cfg.PollAttempts, s.cfg.VersionTable)
}

// currentVersion reads (version, locked), creating the table at (0, 0) on
// first contact.
func (s *Service) currentVersion(ctx context.Context) (int, bool, error) {
	exists, err := s.conn.TableExists(ctx, s.cfg.VersionTable)
	if err != nil {
		return 0, false, err
	}
	if !exists {
		if err := s.initVersionTable(ctx); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	}

	result, err := s.conn.Query(ctx, fmt.Sprintf("select version, locked from %s", s.cfg.VersionTable))
	if err != nil {
		return 0, false, err
	}
	if result.Len() != 1 {
		return 0, false, gauerrors.Newf(gauerrors.ErrCategoryMigration, gauerrors.CodeVersionInvalid,
			"%s table has %d rows, want exactly 1", s.cfg.VersionTable, result.Len())
	}
	version, err := toInt(result.Rows[0][0])
	if err != nil {
		return 0, false, err
	}
	locked, err := toInt(result.Rows[0][1])
	if err != nil {
		return 0, false, err
	}
	return version, locked != 0, nil
}

func (s *Service) initVersionTable(ctx context.Context) error {
	log.Printf("migration: initializing %s table at version 0", s.cfg.VersionTable)
	if err := s.createVersionTable(ctx); err != nil {
		return err
	}
	return s.conn.Execute(ctx, fmt.Sprintf("insert into %s values (0, 0)", s.cfg.VersionTable))
}

func (s *Service) createVersionTable(ctx context.Context) error {
	return s.conn.CreateTable(ctx, database.CreateSpec{
		Name: s.cfg.VersionTable,
		Columns: []database.Column{
			{Name: "version", Type: "int"},
			{Name: "locked", Type: "int"},
		},
		Location: s.cfg.VersionLocation,
	})
}

// setVersion overwrites the single version row. The primary backend has no
// update statement, so the overwrite is drop, recreate, insert; it works
// identically on every backend.
func (s *Service) setVersion(ctx context.Context, version int, locked bool) error {
	if err := s.conn.DropTable(ctx, s.cfg.VersionTable); err != nil {
		return err
	}
	if err := s.createVersionTable(ctx); err != nil {
		return err
	}
	lockedInt := 0
	if locked {
		lockedInt = 1
	}
	return s.conn.Execute(ctx, fmt.Sprintf("insert into %s values (%d, %d)", s.cfg.VersionTable, version, lockedInt))
}

// apply runs the steps between current and target, one version at a time.
func (s *Service) apply(ctx context.Context, current, target int) error {
	if current < target {
		for v := current + 1; v <= target; v++ {
			if err := s.runStep(ctx, v, false); err != nil {
				return err
			}
		}
		return nil
	}
	for v := current; v > target; v-- {
		if err := s.runStep(ctx, v, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) runStep(ctx context.Context, version int, downgrade bool) error {
	step, ok := s.steps[version]
	if !ok {
		return gauerrors.Newf(gauerrors.ErrCategoryMigration, gauerrors.CodeMissingStep,
			"no migration step registered for version %d", version)
	}

	from, to := version-1, version
	run := step.Upgrade
	if downgrade {
		from, to = version, version-1
		run = step.Downgrade
	}

	log.Printf("migration: begin migrating database from version %d to %d", from, to)
	if err := run(ctx, s.conn); err != nil {
		return gauerrors.NewMigrationError(gauerrors.CodeStepFailed,
			fmt.Sprintf("step from version %d to %d failed", from, to), err)
	}
	log.Printf("migration: done migrating database from version %d to %d", from, to)
	return nil
}

// SQLStep is a migration step backed by a directory of SQL scripts:
// upgrade.sql and downgrade.sql, rendered with a shared context before
// execution. Multi-statement scripts use the statement delimiter.
type SQLStep struct {
	Dir     string
	Context map[string]any
}

func (s SQLStep) Upgrade(ctx context.Context, conn database.Connection) error {
	return s.run(ctx, conn, "upgrade.sql")
}

func (s SQLStep) Downgrade(ctx context.Context, conn database.Connection) error {
	return s.run(ctx, conn, "downgrade.sql")
}

func (s SQLStep) run(ctx context.Context, conn database.Connection, name string) error {
	sql, err := template.RenderFile(filepath.Join(s.Dir, name), s.Context)
	if err != nil {
		return err
	}
	return conn.Execute(ctx, sql)
}

// LoadSteps scans a migrations directory for version subdirectories (v1,
// v2, ...) and registers an SQLStep per version. Non-version entries are
// ignored.
func LoadSteps(dir string, context map[string]any) (Steps, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, gauerrors.NewMigrationError(gauerrors.CodeMissingStep,
			fmt.Sprintf("cannot read migrations directory %s", dir), err)
	}

	steps := make(Steps)
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "v") {
			continue
		}
		version, err := strconv.Atoi(entry.Name()[1:])
		if err != nil {
			continue
		}
		steps[version] = SQLStep{Dir: filepath.Join(dir, entry.Name()), Context: context}
	}
	if len(steps) == 0 {
		return nil, gauerrors.Newf(gauerrors.ErrCategoryMigration, gauerrors.CodeMissingStep,
			"no version directories found under %s", dir)
	}

	versions := make([]int, 0, len(steps))
	for v := range steps {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	log.Printf("migration: loaded %d step(s) from %s, versions %v", len(steps), dir, versions)
	return steps, nil
}

// toInt normalizes the numeric representations the backends return.
func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, gauerrors.Newf(gauerrors.ErrCategoryMigration, gauerrors.CodeVersionInvalid,
				"non-numeric version value %q", n)
		}
		return i, nil
	default:
		return 0, gauerrors.Newf(gauerrors.ErrCategoryMigration, gauerrors.CodeVersionInvalid,
			"unexpected version value %v (%T)", v, v)
	}
}
