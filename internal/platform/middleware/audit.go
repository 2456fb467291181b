package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/auth"
)

const apiPrefix = "/api/v1/"

// AuditEntry records who touched which resource through the API, and how the
// request ended.
type AuditEntry struct {
	Timestamp  time.Time
	RequestID  string
	Tenant     string
	UserID     string
	UserRoles  []string
	Resource   string
	ResourceID string
	Action     string
	Method     string
	Route      string
	StatusCode int
	IPAddress  string
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit emits one structured log line per API request after the handler has
// run, and hands the same entry to each recorder. A failing recorder is
// logged and never fails the request.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path
			if !strings.HasPrefix(path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			req := c.Request()
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			resource, tail := splitResource(path)

			entry := AuditEntry{
				Timestamp:  time.Now().UTC(),
				UserID:     auth.UserIDFromContext(req.Context()),
				UserRoles:  auth.RolesFromContext(req.Context()),
				Resource:   resource,
				ResourceID: resourceID(c),
				Action:     auditAction(req.Method, tail),
				Method:     req.Method,
				Route:      c.Path(),
				StatusCode: status,
				IPAddress:  c.RealIP(),
			}
			entry.RequestID, _ = c.Get("request_id").(string)
			entry.Tenant, _ = c.Get("tenant_id").(string)

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			evt := logger.Info()
			if status == http.StatusUnauthorized || status == http.StatusForbidden {
				evt = logger.Warn()
			}
			evt.
				Str("type", "access_audit").
				Str("request_id", entry.RequestID).
				Str("tenant", entry.Tenant).
				Str("user_id", entry.UserID).
				Strs("user_roles", entry.UserRoles).
				Str("resource", entry.Resource).
				Str("resource_id", entry.ResourceID).
				Str("action", entry.Action).
				Str("route", entry.Route).
				Int("status", entry.StatusCode).
				Msg("api_access")

			return err
		}
	}
}

// splitResource returns the first path segment under /api/v1/ and whatever
// follows it.
func splitResource(path string) (resource, tail string) {
	rest := strings.Trim(strings.TrimPrefix(path, apiPrefix), "/")
	if rest == "" {
		return "unknown", ""
	}
	resource, tail, _ = strings.Cut(rest, "/")
	return resource, tail
}

// resourceID prefers the named route parameter each handler family uses.
func resourceID(c echo.Context) string {
	for _, name := range []string{"order_code", "id"} {
		if v := c.Param(name); v != "" {
			return v
		}
	}
	return ""
}

// auditAction names the operation. Payment commands posted to a fixed
// sub-path (checkout, reconcile) are reported by that name.
func auditAction(method, tail string) string {
	if method == http.MethodPost && (tail == "checkout" || tail == "reconcile") {
		return tail
	}
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}
