package migration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chriscugliotta/glue-athena-utils/internal/database"
	gauerrors "github.com/chriscugliotta/glue-athena-utils/internal/errors"
)

func newTestConnection(t *testing.T) *database.SQLiteConnection {
	t.Helper()
	conn, err := database.NewSQLiteConnection(database.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to open sqlite connection: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// funcStep adapts plain functions into a Step for tests.
type funcStep struct {
	up   func(ctx context.Context, conn database.Connection) error
	down func(ctx context.Context, conn database.Connection) error
}

func (s funcStep) Upgrade(ctx context.Context, conn database.Connection) error {
	return s.up(ctx, conn)
}

func (s funcStep) Downgrade(ctx context.Context, conn database.Connection) error {
	return s.down(ctx, conn)
}

func sqlStep(up, down string) Step {
	return funcStep{
		up:   func(ctx context.Context, conn database.Connection) error { return conn.Execute(ctx, up) },
		down: func(ctx context.Context, conn database.Connection) error { return conn.Execute(ctx, down) },
	}
}

func testSteps() Steps {
	return Steps{
		1: sqlStep("create table users (id integer)", "drop table users"),
		2: sqlStep("create table orders (id integer)", "drop table orders"),
		3: sqlStep("create table items (id integer)", "drop table items"),
	}
}

func TestMigrate_UpgradeFromEmpty(t *testing.T) {
	conn := newTestConnection(t)
	svc := NewService(conn, testSteps(), Config{})
	ctx := context.Background()

	if err := svc.Migrate(ctx, 3, false); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	for _, table := range []string{"users", "orders", "items"} {
		exists, err := conn.TableExists(ctx, table)
		if err != nil || !exists {
			t.Errorf("table %s missing after upgrade (err = %v)", table, err)
		}
	}
	version, err := svc.Version(ctx)
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if version != 3 {
		t.Errorf("version = %d, want 3", version)
	}
}

func TestMigrate_PartialUpgrade(t *testing.T) {
	conn := newTestConnection(t)
	svc := NewService(conn, testSteps(), Config{})
	ctx := context.Background()

	if err := svc.Migrate(ctx, 2, false); err != nil {
		t.Fatalf("migrate to 2 failed: %v", err)
	}
	if exists, _ := conn.TableExists(ctx, "items"); exists {
		t.Error("step 3 ran during migration to version 2")
	}

	if err := svc.Migrate(ctx, 3, false); err != nil {
		t.Fatalf("migrate to 3 failed: %v", err)
	}
	if exists, _ := conn.TableExists(ctx, "items"); !exists {
		t.Error("step 3 did not run during migration to version 3")
	}
}

func TestMigrate_Downgrade(t *testing.T) {
	conn := newTestConnection(t)
	svc := NewService(conn, testSteps(), Config{})
	ctx := context.Background()

	if err := svc.Migrate(ctx, 3, false); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}
	if err := svc.Migrate(ctx, 1, true); err != nil {
		t.Fatalf("downgrade failed: %v", err)
	}

	if exists, _ := conn.TableExists(ctx, "users"); !exists {
		t.Error("downgrade removed table below the target version")
	}
	for _, table := range []string{"orders", "items"} {
		if exists, _ := conn.TableExists(ctx, table); exists {
			t.Errorf("table %s still present after downgrade", table)
		}
	}
	if version, _ := svc.Version(ctx); version != 1 {
		t.Errorf("version = %d, want 1", version)
	}
}

func TestMigrate_DowngradeRequiresFlag(t *testing.T) {
	conn := newTestConnection(t)
	svc := NewService(conn, testSteps(), Config{})
	ctx := context.Background()

	if err := svc.Migrate(ctx, 3, false); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}
	// Without the downgrade flag a lower target is a no-op.
	if err := svc.Migrate(ctx, 1, false); err != nil {
		t.Fatalf("no-op migrate failed: %v", err)
	}
	if version, _ := svc.Version(ctx); version != 3 {
		t.Errorf("version = %d, schema was downgraded without the flag", version)
	}
	if exists, _ := conn.TableExists(ctx, "items"); !exists {
		t.Error("schema was downgraded without the flag")
	}
}

func TestMigrate_MissingStep(t *testing.T) {
	conn := newTestConnection(t)
	svc := NewService(conn, Steps{1: testSteps()[1]}, Config{})

	err := svc.Migrate(context.Background(), 2, false)
	if gauerrors.GetCode(err) != gauerrors.CodeMissingStep {
		t.Fatalf("code = %s, want %s (%v)", gauerrors.GetCode(err), gauerrors.CodeMissingStep, err)
	}
}

func TestMigrate_NegativeTarget(t *testing.T) {
	conn := newTestConnection(t)
	svc := NewService(conn, testSteps(), Config{})

	err := svc.Migrate(context.Background(), -1, true)
	if gauerrors.GetCode(err) != gauerrors.CodeVersionInvalid {
		t.Fatalf("code = %s, want %s (%v)", gauerrors.GetCode(err), gauerrors.CodeVersionInvalid, err)
	}
}

func TestMigrate_LockTimeout(t *testing.T) {
	conn := newTestConnection(t)
	svc := NewService(conn, testSteps(), Config{PollAttempts: 2, PollDelay: time.Millisecond})
	ctx := context.Background()

	// Simulate another process holding the lock.
	if err := svc.setVersion(ctx, 1, true); err != nil {
		t.Fatalf("failed to lock: %v", err)
	}

	err := svc.Migrate(ctx, 3, false)
	if gauerrors.GetCode(err) != gauerrors.CodeLockTimeout {
		t.Fatalf("code = %s, want %s (%v)", gauerrors.GetCode(err), gauerrors.CodeLockTimeout, err)
	}
}

func TestMigrate_FailureLeavesLock(t *testing.T) {
	conn := newTestConnection(t)
	steps := Steps{
		1: testSteps()[1],
		2: sqlStep("this is not sql", "also not sql"),
	}
	svc := NewService(conn, steps, Config{PollAttempts: 1, PollDelay: time.Millisecond})
	ctx := context.Background()

	err := svc.Migrate(ctx, 2, false)
	if gauerrors.GetCode(err) != gauerrors.CodeStepFailed {
		t.Fatalf("code = %s, want %s (%v)", gauerrors.GetCode(err), gauerrors.CodeStepFailed, err)
	}

	// The lock stays held so a concurrent retry cannot run over the
	// half-applied migration.
	_, locked, err := svc.currentVersion(ctx)
	if err != nil {
		t.Fatalf("currentVersion failed: %v", err)
	}
	if !locked {
		t.Error("lock released despite step failure")
	}
}

func TestVersion_InitializesTable(t *testing.T) {
	conn := newTestConnection(t)
	svc := NewService(conn, nil, Config{})
	ctx := context.Background()

	version, err := svc.Version(ctx)
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if version != 0 {
		t.Errorf("fresh database version = %d, want 0", version)
	}
	if exists, _ := conn.TableExists(ctx, "version"); !exists {
		t.Error("version table not created on first contact")
	}
}

func TestSQLStep_RendersAndExecutes(t *testing.T) {
	conn := newTestConnection(t)
	ctx := context.Background()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "upgrade.sql"), `
		create table {{.prefix}}_users (id integer)
		-- !break
		insert into {{.prefix}}_users values (1)
	`)
	writeFile(t, filepath.Join(dir, "downgrade.sql"), "drop table {{.prefix}}_users")

	step := SQLStep{Dir: dir, Context: map[string]any{"prefix": "app"}}
	if err := step.Upgrade(ctx, conn); err != nil {
		t.Fatalf("upgrade failed: %v", err)
	}
	result, err := conn.Query(ctx, "select count(*) from app_users")
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if result.Rows[0][0] != int64(1) {
		t.Errorf("row count = %v, want 1", result.Rows[0][0])
	}

	if err := step.Downgrade(ctx, conn); err != nil {
		t.Fatalf("downgrade failed: %v", err)
	}
	if exists, _ := conn.TableExists(ctx, "app_users"); exists {
		t.Error("downgrade did not drop the table")
	}
}

func TestLoadSteps(t *testing.T) {
	dir := t.TempDir()
	for _, v := range []string{"v1", "v2", "v10"} {
		if err := os.MkdirAll(filepath.Join(dir, v), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "notes"), 0o755); err != nil {
		t.Fatal(err)
	}

	steps, err := LoadSteps(dir, nil)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(steps) != 3 {
		t.Errorf("loaded %d steps, want 3", len(steps))
	}
	for _, v := range []int{1, 2, 10} {
		if _, ok := steps[v]; !ok {
			t.Errorf("version %d not loaded", v)
		}
	}
}

func TestLoadSteps_EmptyDir(t *testing.T) {
	_, err := LoadSteps(t.TempDir(), nil)
	if gauerrors.GetCode(err) != gauerrors.CodeMissingStep {
		t.Fatalf("code = %s, want %s (%v)", gauerrors.GetCode(err), gauerrors.CodeMissingStep, err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}
