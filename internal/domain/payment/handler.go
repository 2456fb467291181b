package payment

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/hms/hms/internal/platform/auth"
	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/gateway"
	"github.com/hms/hms/pkg/pagination"
)

const (
	retryAfterExhausted   = 1 * time.Second
	retryAfterUnavailable = 5 * time.Second
)

type Handler struct {
	svc      *Service
	poller   Ticker
	drift    *DriftImporter
	validate *validator.Validate
}

func NewHandler(svc *Service, poller Ticker, drift *DriftImporter) *Handler {
	return &Handler{svc: svc, poller: poller, drift: drift, validate: validator.New()}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/payments")
	g.POST("/checkout", h.Checkout,
		auth.RequireRole(auth.RolePatient, auth.RoleBilling, auth.RoleReceptionist))
	g.POST("/reconcile", h.Reconcile, auth.RequireRole(auth.RoleBilling))

	read := g.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleReceptionist))
	read.GET("", h.ListPayments)
	read.GET("/:order_code", h.GetPayment)
	read.GET("/:order_code/events", h.GetPaymentEvents)
}

type checkoutRequest struct {
	Amount        int64   `json:"amount"`
	Description   string  `json:"description" validate:"required,max=255"`
	PatientID     *string `json:"patient_id" validate:"omitempty,uuid"`
	DoctorID      *string `json:"doctor_id" validate:"omitempty,uuid"`
	EncounterID   *string `json:"encounter_id" validate:"omitempty,uuid"`
	AppointmentID *string `json:"appointment_id" validate:"omitempty,uuid"`
}

func parseRef(s *string) *uuid.UUID {
	if s == nil || *s == "" {
		return nil
	}
	id, err := uuid.Parse(*s)
	if err != nil {
		return nil
	}
	return &id
}

func (h *Handler) Checkout(c echo.Context) error {
	var body checkoutRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.validate.Struct(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("validation failed: %v", err))
	}

	handle, err := h.svc.Checkout(c.Request().Context(), CheckoutRequest{
		Amount:         body.Amount,
		Description:    body.Description,
		PatientRef:     parseRef(body.PatientID),
		DoctorRef:      parseRef(body.DoctorID),
		EncounterRef:   parseRef(body.EncounterID),
		AppointmentRef: parseRef(body.AppointmentID),
	})
	if err != nil {
		return checkoutError(c, err)
	}
	return c.JSON(http.StatusCreated, handle)
}

func setRetryAfter(c echo.Context, d time.Duration) {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
}

// checkoutError maps checkout failures onto HTTP responses.
func checkoutError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrAllocationExhausted):
		setRetryAfter(c, retryAfterExhausted)
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, gateway.ErrRateLimited):
		d := gateway.RetryAfter(err)
		if d <= 0 {
			d = retryAfterUnavailable
		}
		setRetryAfter(c, d)
		return echo.NewHTTPError(http.StatusTooManyRequests, "payment gateway is rate limiting requests")
	case errors.Is(err, gateway.ErrTimeout):
		setRetryAfter(c, retryAfterUnavailable)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "payment gateway timed out")
	case errors.Is(err, gateway.ErrUnavailable):
		setRetryAfter(c, retryAfterUnavailable)
		return echo.NewHTTPError(http.StatusBadGateway, "payment gateway unavailable")
	case errors.Is(err, gateway.ErrRejected):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

type reconcileResponse struct {
	Reconcile BatchResult  `json:"reconcile"`
	Drift     *BatchResult `json:"drift,omitempty"`
}

// Reconcile runs a poller tick in the caller's tenant. The drift importer
// runs as well when forced with ?drift=true or when its draw comes up.
func (h *Handler) Reconcile(c echo.Context) error {
	ctx := c.Request().Context()
	tenant := db.TenantFromContext(ctx)

	resp := reconcileResponse{Reconcile: h.poller.Tick(ctx)}
	resp.Reconcile.Tenant = tenant

	if h.drift != nil {
		var res BatchResult
		ran := true
		if force, _ := strconv.ParseBool(c.QueryParam("drift")); force {
			res = h.drift.Tick(ctx)
		} else {
			res, ran = h.drift.MaybeTick(ctx)
		}
		if ran {
			res.Tenant = tenant
			resp.Drift = &res
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetPayment(c echo.Context) error {
	rec, err := h.svc.GetPayment(c.Request().Context(), c.Param("order_code"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "payment not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetPaymentEvents(c echo.Context) error {
	events, err := h.svc.PaymentHistory(c.Request().Context(), c.Param("order_code"))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "payment not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, events)
}

func (h *Handler) ListPayments(c echo.Context) error {
	f := ListFilter{
		Status:         Status(c.QueryParam("status")),
		IdentityStatus: IdentityStatus(c.QueryParam("identity_status")),
	}
	if f.Status != "" && !f.Status.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status")
	}
	if f.IdentityStatus != "" && f.IdentityStatus != IdentityResolved && f.IdentityStatus != IdentityUnresolved {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid identity_status")
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPayments(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}
