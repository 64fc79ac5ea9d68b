package postgres

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrationsFromFS_Success(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_init.up.sql": {
			Data: []byte("CREATE TABLE test_a (id INT);"),
		},
		"sql/migrations/0001_init.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS test_a;"),
		},
		"sql/migrations/0002_more.up.sql": {
			Data: []byte("CREATE TABLE test_b (id INT);"),
		},
		"sql/migrations/0002_more.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS test_b;"),
		},
	}

	migrations, err := loadMigrationsFromFS(fsys)
	if err != nil {
		t.Fatalf("loadMigrationsFromFS failed: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}

	if migrations[0].Version != 1 || migrations[0].Name != "init" {
		t.Fatalf("unexpected first migration: %+v", migrations[0])
	}
	if migrations[1].Version != 2 || migrations[1].Name != "more" {
		t.Fatalf("unexpected second migration: %+v", migrations[1])
	}
}

func TestLoadMigrationsFromFS_MissingDown(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_init.up.sql": {
			Data: []byte("CREATE TABLE test_a (id INT);"),
		},
	}

	_, err := loadMigrationsFromFS(fsys)
	if err == nil {
		t.Fatal("expected error for missing down migration")
	}
	if !strings.Contains(err.Error(), "both up and down") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadMigrationsFromFS_InvalidFilename(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/not_a_migration.sql": {
			Data: []byte("SELECT 1;"),
		},
	}

	_, err := loadMigrationsFromFS(fsys)
	if err == nil {
		t.Fatal("expected error for invalid migration file name")
	}
}

func TestLoadMigrationsFromFS_EmptyFile(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_init.up.sql": {
			Data: []byte("   \n"),
		},
		"sql/migrations/0001_init.down.sql": {
			Data: []byte("DROP TABLE IF EXISTS test;"),
		},
	}

	_, err := loadMigrationsFromFS(fsys)
	if err == nil {
		t.Fatal("expected error for empty migration file body")
	}
}

func TestLoadMigrationsFromFS_Embedded(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		t.Fatalf("load embedded migrations: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 embedded migrations, got %d", len(migrations))
	}
	if migrations[2].Name != "decrement_stock_function" {
		t.Fatalf("unexpected last migration: %s", migrations[2].Name)
	}
	if !strings.Contains(migrations[0].UpSQL, "uq_payments_external_ref") {
		t.Fatal("payments must carry a unique external reference")
	}
}

func testMigrationsFS() fstest.MapFS {
	return fstest.MapFS{
		"sql/migrations/0001_init.up.sql":   {Data: []byte("CREATE TABLE test_a (id INT);")},
		"sql/migrations/0001_init.down.sql": {Data: []byte("DROP TABLE IF EXISTS test_a;")},
		"sql/migrations/0002_more.up.sql":   {Data: []byte("CREATE TABLE test_b (id INT);")},
		"sql/migrations/0002_more.down.sql": {Data: []byte("DROP TABLE IF EXISTS test_b;")},
	}
}

func withMigrationSource(t *testing.T, fsys fs.FS) []migration {
	t.Helper()

	original := migrationSource
	migrationSource = fsys
	t.Cleanup(func() { migrationSource = original })

	migrations, err := loadMigrationsFromFS(fsys)
	require.NoError(t, err)
	return migrations
}

func expectMigrationLock(mock sqlmock.Sqlmock) {
	mock.ExpectExec("SELECT pg_advisory_lock").
		WithArgs(migrationLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func expectMigrationUnlock(mock sqlmock.Sqlmock) {
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WithArgs(migrationLockKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func appliedRows(applied ...any) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"version", "checksum"})
	for i := 0; i+1 < len(applied); i += 2 {
		rows.AddRow(applied[i], applied[i+1])
	}
	return rows
}

func TestLoadMigrationsFromFS_Checksums(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrationsFromFS(testMigrationsFS())
	require.NoError(t, err)
	require.Len(t, migrations, 2)

	require.Equal(t, "0001_init", migrations[0].ID())
	require.Len(t, migrations[0].Checksum, 64)
	require.Equal(t, checksumSQL("CREATE TABLE test_a (id INT);"), migrations[0].Checksum)
	require.NotEqual(t, migrations[0].Checksum, migrations[1].Checksum)
}

func TestLoadMigrationsFromFS_NameMismatch(t *testing.T) {
	t.Parallel()

	fsys := fstest.MapFS{
		"sql/migrations/0001_init.up.sql":    {Data: []byte("SELECT 1;")},
		"sql/migrations/0001_other.down.sql": {Data: []byte("SELECT 1;")},
	}

	_, err := loadMigrationsFromFS(fsys)
	require.ErrorContains(t, err, "name mismatch")
}

func TestMigrationPlanning(t *testing.T) {
	t.Parallel()

	migrations, err := loadMigrationsFromFS(testMigrationsFS())
	require.NoError(t, err)
	first, second := migrations[0], migrations[1]

	t.Run("pending keeps file order", func(t *testing.T) {
		pending := pendingMigrations(migrations, appliedSet{})
		require.Equal(t, []migration{first, second}, pending)
		require.Empty(t, pendingMigrations(migrations, appliedSet{1: first.Checksum, 2: second.Checksum}))
	})

	t.Run("drift ignores rows without checksum", func(t *testing.T) {
		require.Empty(t, driftedMigrations(migrations, appliedSet{1: "", 2: second.Checksum}))
		require.Equal(t, []string{"0001_init"}, driftedMigrations(migrations, appliedSet{1: "stale"}))
	})

	t.Run("rollback newest first", func(t *testing.T) {
		plan, err := rollbackPlan(migrations, appliedSet{1: first.Checksum, 2: second.Checksum}, 1)
		require.NoError(t, err)
		require.Equal(t, []migration{second}, plan)

		plan, err = rollbackPlan(migrations, appliedSet{1: first.Checksum, 2: second.Checksum}, 10)
		require.NoError(t, err)
		require.Equal(t, []migration{second, first}, plan)

		plan, err = rollbackPlan(migrations, appliedSet{}, 1)
		require.NoError(t, err)
		require.Empty(t, plan)
	})

	t.Run("rollback of unknown version", func(t *testing.T) {
		_, err := rollbackPlan(migrations, appliedSet{7: "x"}, 1)
		require.ErrorContains(t, err, "unknown migration version 7")
	})

	t.Run("state", func(t *testing.T) {
		state := buildMigrationState(migrations, appliedSet{1: "stale"})
		require.Equal(t, int64(1), state.Version)
		require.Equal(t, 1, state.Applied)
		require.Equal(t, []string{"0002_more"}, state.Pending)
		require.Equal(t, []string{"0001_init"}, state.Drifted)
		require.False(t, state.UpToDate())

		state = buildMigrationState(migrations, appliedSet{1: first.Checksum, 2: second.Checksum})
		require.True(t, state.UpToDate())
		require.Equal(t, int64(2), state.Version)
	})
}

func TestMigrateUp_AppliesPendingAndBackfillsChecksums(t *testing.T) {
	migrations := withMigrationSource(t, testMigrationsFS())
	store, mock := newMockStore(t)

	expectMigrationLock(mock)
	mock.ExpectQuery("SELECT version, checksum FROM schema_migrations").
		WillReturnRows(appliedRows(int64(1), ""))
	mock.ExpectExec("UPDATE schema_migrations SET checksum").
		WithArgs(int64(1), migrations[0].Checksum).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE test_b").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs(int64(2), "more", migrations[1].Checksum).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectMigrationUnlock(mock)

	require.NoError(t, store.MigrateUp(context.Background(), 0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateUp_StepsLimitPlan(t *testing.T) {
	migrations := withMigrationSource(t, testMigrationsFS())
	store, mock := newMockStore(t)

	expectMigrationLock(mock)
	mock.ExpectQuery("SELECT version, checksum FROM schema_migrations").
		WillReturnRows(appliedRows())
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE test_a").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO schema_migrations").
		WithArgs(int64(1), "init", migrations[0].Checksum).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectMigrationUnlock(mock)

	require.NoError(t, store.MigrateUp(context.Background(), 1))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateUp_RefusesOnDrift(t *testing.T) {
	withMigrationSource(t, testMigrationsFS())
	store, mock := newMockStore(t)

	expectMigrationLock(mock)
	mock.ExpectQuery("SELECT version, checksum FROM schema_migrations").
		WillReturnRows(appliedRows(int64(1), "edited-after-apply"))
	expectMigrationUnlock(mock)

	err := store.MigrateUp(context.Background(), 0)
	require.ErrorIs(t, err, ErrMigrationDrift)
	require.ErrorContains(t, err, "0001_init")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateUp_RollsBackFailedStep(t *testing.T) {
	withMigrationSource(t, testMigrationsFS())
	store, mock := newMockStore(t)

	expectMigrationLock(mock)
	mock.ExpectQuery("SELECT version, checksum FROM schema_migrations").
		WillReturnRows(appliedRows())
	mock.ExpectBegin()
	mock.ExpectExec("CREATE TABLE test_a").
		WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()
	expectMigrationUnlock(mock)

	err := store.MigrateUp(context.Background(), 0)
	require.ErrorContains(t, err, "execute up migration 0001_init")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateDown_RemovesNewestVersion(t *testing.T) {
	migrations := withMigrationSource(t, testMigrationsFS())
	store, mock := newMockStore(t)

	expectMigrationLock(mock)
	mock.ExpectQuery("SELECT version, checksum FROM schema_migrations").
		WillReturnRows(appliedRows(int64(1), migrations[0].Checksum, int64(2), migrations[1].Checksum))
	mock.ExpectBegin()
	mock.ExpectExec("DROP TABLE IF EXISTS test_b").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("DELETE FROM schema_migrations").
		WithArgs(int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	expectMigrationUnlock(mock)

	require.NoError(t, store.MigrateDown(context.Background(), 0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrationStatus_ReportsPending(t *testing.T) {
	migrations := withMigrationSource(t, testMigrationsFS())
	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT version, checksum FROM schema_migrations").
		WillReturnRows(appliedRows(int64(1), migrations[0].Checksum))

	state, err := store.MigrationStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, MigrationState{Version: 1, Applied: 1, Pending: []string{"0002_more"}}, state)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate_UnsupportedDirection(t *testing.T) {
	store, mock := newMockStore(t)

	err := store.migrate(context.Background(), migrationDirection("sideways"), 0)
	require.ErrorContains(t, err, "unsupported migration direction")
	require.NoError(t, mock.ExpectationsWereMet())
}
