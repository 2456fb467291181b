package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractTenantID_FromHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", "hospital_abc")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	tid := extractTenantID(c, "default")
	if tid != "hospital_abc" {
		t.Errorf("expected hospital_abc, got %s", tid)
	}
}

func TestExtractTenantID_JWTWinsOverHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Tenant-ID", "header_tenant")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("jwt_tenant_id", "jwt_tenant")

	tid := extractTenantID(c, "default")
	if tid != "jwt_tenant" {
		t.Errorf("expected jwt_tenant, got %s", tid)
	}
}

func TestExtractTenantID_Default(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	tid := extractTenantID(c, "default")
	if tid != "default" {
		t.Errorf("expected default, got %s", tid)
	}
}

func TestValidTenantID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"default", true},
		{"north_wing_2", true},
		{"", false},
		{"bad;drop", false},
		{"has space", false},
		{"dash-ed", false},
	}
	for _, tt := range tests {
		if got := ValidTenantID(tt.id); got != tt.want {
			t.Errorf("ValidTenantID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestSchemaFor(t *testing.T) {
	if got := SchemaFor("north"); got != "tenant_north" {
		t.Errorf("expected tenant_north, got %s", got)
	}
}

func TestWithTenant_RejectsInvalidTenant(t *testing.T) {
	called := false
	err := WithTenant(context.Background(), nil, "no;way", func(context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected error for invalid tenant")
	}
	if called {
		t.Error("fn must not run for an invalid tenant")
	}
}

func TestContextAccessors_Empty(t *testing.T) {
	ctx := context.Background()
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn")
	}
	if TenantFromContext(ctx) != "" {
		t.Error("expected empty tenant")
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx")
	}
}
