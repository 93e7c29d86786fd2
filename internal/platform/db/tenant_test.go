package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/pashagolub/pgxmock/v4"
)

func newEchoContext(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestExtractTenantID_FromHeader(t *testing.T) {
	c := newEchoContext("/")
	c.Request().Header.Set("X-Tenant-ID", "practice_abc")

	if tid := extractTenantID(c, "default"); tid != "practice_abc" {
		t.Errorf("expected practice_abc, got %s", tid)
	}
}

func TestExtractTenantID_FromQuery(t *testing.T) {
	c := newEchoContext("/?tenant_id=clinic_xyz")

	if tid := extractTenantID(c, "default"); tid != "clinic_xyz" {
		t.Errorf("expected clinic_xyz, got %s", tid)
	}
}

func TestExtractTenantID_Default(t *testing.T) {
	c := newEchoContext("/")

	if tid := extractTenantID(c, "default"); tid != "default" {
		t.Errorf("expected default, got %s", tid)
	}
}

func TestExtractTenantID_Priority(t *testing.T) {
	c := newEchoContext("/?tenant_id=query")
	c.Request().Header.Set("X-Tenant-ID", "header")
	c.Set("jwt_tenant_id", "jwt")

	if tid := extractTenantID(c, "default"); tid != "jwt" {
		t.Errorf("expected jwt (highest priority), got %s", tid)
	}

	c.Set("jwt_tenant_id", "")
	if tid := extractTenantID(c, "default"); tid != "header" {
		t.Errorf("expected header when claim is empty, got %s", tid)
	}
}

func TestValidTenantID(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"abc", true},
		{"practice_1", true},
		{"A1B2C3", true},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"'; DROP TABLE", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidTenantID(tt.input); got != tt.valid {
			t.Errorf("ValidTenantID(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestSchemaName(t *testing.T) {
	if got := SchemaName("acme"); got != "tenant_acme" {
		t.Errorf("expected tenant_acme, got %s", got)
	}
}

func TestContextAccessors_Empty(t *testing.T) {
	ctx := context.Background()
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn from empty context")
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx from empty context")
	}
	if TenantFromContext(ctx) != "" {
		t.Error("expected empty tenant from empty context")
	}
}

func TestContextAccessors_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	ctx = context.WithValue(ctx, txKey, "not-a-tx")
	ctx = context.WithValue(ctx, TenantIDKey, 12345)

	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn for wrong type")
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx for wrong type")
	}
	if TenantFromContext(ctx) != "" {
		t.Error("expected empty tenant for wrong type")
	}
}

func TestWithTx_NoConnection(t *testing.T) {
	_, _, err := WithTx(context.Background())
	if err == nil {
		t.Fatal("expected error when no connection in context")
	}
	if err.Error() != "no database connection in context" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
}

func TestRunInTx_NoConnection(t *testing.T) {
	called := false
	err := RunInTx(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected error without a connection")
	}
	if called {
		t.Error("fn must not run without a transaction")
	}
}

func TestRunInTx_JoinsExistingTx(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	mock.ExpectBegin()
	tx, err := mock.Begin(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	ctx := ContextWithTx(context.Background(), tx)

	var seen Querier
	err = RunInTx(ctx, func(inner context.Context) error {
		seen = Conn(inner, nil)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != tx {
		t.Error("expected fn to see the outer transaction")
	}
}

func TestConn_FallsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	if got := Conn(context.Background(), mock); got != mock {
		t.Error("expected fallback querier")
	}
}

func TestListTenants(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	mock.ExpectQuery("FROM information_schema.schemata").
		WillReturnRows(pgxmock.NewRows([]string{"schema_name"}).
			AddRow("tenant_acme").
			AddRow("tenant_default"))

	tenants, err := ListTenants(context.Background(), mock)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tenants) != 2 || tenants[0] != "acme" || tenants[1] != "default" {
		t.Errorf("unexpected tenants: %v", tenants)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateTenantSchema(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatal(err)
	}
	defer mock.Close()

	mock.ExpectExec("CREATE SCHEMA IF NOT EXISTS tenant_acme").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	if err := CreateTenantSchema(context.Background(), mock, "acme", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateTenantSchema_InvalidIDs(t *testing.T) {
	for _, id := range []string{"invalid-id!", "tenant.with.dot", "ten ant", "drop;table"} {
		if err := CreateTenantSchema(context.Background(), nil, id, nil); err == nil {
			t.Errorf("expected error for invalid tenant ID %q", id)
		}
	}
}
