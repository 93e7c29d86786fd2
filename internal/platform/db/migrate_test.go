package db

import (
	"context"
	"testing"
	"testing/fstest"
	"time"

	"github.com/pashagolub/pgxmock/v4"
)

func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"002_sessions.sql": {Data: []byte("CREATE TABLE sessions (id UUID PRIMARY KEY);")},
		"001_staff.sql":    {Data: []byte("CREATE TABLE staff (id UUID PRIMARY KEY);")},
		"010_reports.sql":  {Data: []byte("CREATE TABLE reports (id UUID PRIMARY KEY);")},
		"README.md":        {Data: []byte("docs")},
		"seed.sql":         {Data: []byte("SELECT 1;")},
		"abc_notes.sql":    {Data: []byte("SELECT 1;")},
	}
}

func TestMigrator_Load(t *testing.T) {
	migrations, err := NewMigrator(nil, testMigrations()).Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}

	want := []struct {
		version int
		name    string
	}{
		{1, "001_staff.sql"},
		{2, "002_sessions.sql"},
		{10, "010_reports.sql"},
	}
	for i, w := range want {
		if migrations[i].Version != w.version || migrations[i].Name != w.name {
			t.Errorf("migration %d: got %d %s, want %d %s",
				i, migrations[i].Version, migrations[i].Name, w.version, w.name)
		}
	}
	if migrations[0].SQL != "CREATE TABLE staff (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
}

func TestMigrator_Load_Empty(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}).Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected no migrations, got %d", len(migrations))
	}
}

func TestMigrator_Up_AppliesPending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	files := fstest.MapFS{
		"001_staff.sql":    {Data: []byte("CREATE TABLE staff (id UUID PRIMARY KEY);")},
		"002_sessions.sql": {Data: []byte("CREATE TABLE sessions (id UUID PRIMARY KEY);")},
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tenant_acme._migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT version, applied_at FROM tenant_acme._migrations").
		WillReturnRows(pgxmock.NewRows([]string{"version", "applied_at"}).AddRow(1, time.Now()))
	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL search_path TO tenant_acme").
		WillReturnResult(pgxmock.NewResult("SET", 0))
	mock.ExpectExec("CREATE TABLE sessions").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("INSERT INTO _migrations").
		WithArgs(2, "002_sessions.sql").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := NewMigrator(mock, files).Up(context.Background(), "tenant_acme")
	if err != nil {
		t.Fatalf("Up() error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 applied migration, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestMigrator_Status(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	applied := time.Date(2026, 1, 4, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tenant_acme._migrations").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery("SELECT version, applied_at").
		WillReturnRows(pgxmock.NewRows([]string{"version", "applied_at"}).AddRow(1, applied))

	statuses, err := NewMigrator(mock, testMigrations()).Status(context.Background(), "tenant_acme")
	if err != nil {
		t.Fatalf("Status() error: %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	if !statuses[0].Applied || statuses[0].AppliedAt == nil || !statuses[0].AppliedAt.Equal(applied) {
		t.Errorf("expected 001 applied at %s, got %+v", applied, statuses[0])
	}
	for _, s := range statuses[1:] {
		if s.Applied || s.AppliedAt != nil {
			t.Errorf("expected %s pending, got %+v", s.Name, s)
		}
	}
}
