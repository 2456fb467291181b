package payment

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/db"
	"github.com/hms/hms/internal/platform/gateway"
)

// Gateway is the subset of *gateway.Client the payment engine needs.
type Gateway interface {
	CreateIntent(ctx context.Context, req gateway.CreateRequest) (*gateway.Intent, error)
	GetIntent(ctx context.Context, orderCode int64) (*gateway.Intent, error)
	ListIntents(ctx context.Context, q gateway.ListQuery) (*gateway.IntentPage, error)
}

// PatientResolver maps the calling session to a patient, if it has one.
type PatientResolver interface {
	PatientForSession(ctx context.Context) (uuid.UUID, bool, error)
}

// CheckoutRequest is a validated checkout submission.
type CheckoutRequest struct {
	Amount         int64
	Description    string
	PatientRef     *uuid.UUID
	DoctorRef      *uuid.UUID
	EncounterRef   *uuid.UUID
	AppointmentRef *uuid.UUID
}

type CheckoutConfig struct {
	ReturnURL        string
	CancelURL        string
	DescriptionLimit int
}

const reasonNoPatientAtCheckout = "no patient identity at checkout"

type Service struct {
	repo     Repository
	gw       Gateway
	alloc    *OrderCodeAllocator
	dedup    *Deduplicator
	patients PatientResolver
	cfg      CheckoutConfig
	scope    tenantScope
	logger   zerolog.Logger
}

func NewService(repo Repository, gw Gateway, alloc *OrderCodeAllocator, dedup *Deduplicator, patients PatientResolver, cfg CheckoutConfig, logger zerolog.Logger) *Service {
	if cfg.DescriptionLimit <= 0 {
		cfg.DescriptionLimit = 25
	}
	return &Service{
		repo:     repo,
		gw:       gw,
		alloc:    alloc,
		dedup:    dedup,
		patients: patients,
		cfg:      cfg,
		logger:   logger.With().Str("component", "checkout").Logger(),
	}
}

// UseTenantPool makes checkout work acquire its own tenant connection from
// pool instead of borrowing the request's, which may be released before a
// shared checkout finishes.
func (s *Service) UseTenantPool(pool *pgxpool.Pool) *Service {
	s.scope = func(ctx context.Context, tenant string, fn func(ctx context.Context) error) error {
		return db.WithTenant(ctx, pool, tenant, fn)
	}
	return s
}

// Checkout creates a payment intent at the gateway and records it locally.
// Identical submissions arriving together produce a single intent. The
// handle is returned even when the local insert fails; the drift importer
// repairs the ledger later.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (Handle, error) {
	if req.Amount <= 0 {
		return Handle{}, ErrInvalidAmount
	}

	identity := IdentityResolved
	if req.PatientRef == nil && s.patients != nil {
		pid, ok, err := s.patients.PatientForSession(ctx)
		switch {
		case err != nil:
			s.logger.Warn().Err(err).Msg("session patient lookup failed, checking out unresolved")
		case ok:
			req.PatientRef = &pid
		}
	}
	if req.PatientRef == nil {
		identity = IdentityUnresolved
	}

	return s.dedup.Do(ctx, req, func(ctx context.Context) (Handle, error) {
		return s.inTenant(ctx, func(ctx context.Context) (Handle, error) {
			return s.createIntent(ctx, req, identity)
		})
	})
}

func (s *Service) inTenant(ctx context.Context, fn func(ctx context.Context) (Handle, error)) (Handle, error) {
	tenant := db.TenantFromContext(ctx)
	if s.scope == nil || tenant == "" {
		return fn(ctx)
	}
	var h Handle
	err := s.scope(ctx, tenant, func(ctx context.Context) error {
		var err error
		h, err = fn(ctx)
		return err
	})
	return h, err
}

func (s *Service) createIntent(ctx context.Context, req CheckoutRequest, identity IdentityStatus) (Handle, error) {
	code, err := s.alloc.Allocate(ctx)
	if err != nil {
		return Handle{}, err
	}
	n, err := strconv.ParseInt(code, 10, 64)
	if err != nil {
		return Handle{}, fmt.Errorf("order code %q: %w", code, err)
	}

	full := Enrich(req.Description, Identity{
		PatientID:     req.PatientRef,
		DoctorID:      req.DoctorRef,
		EncounterID:   req.EncounterRef,
		AppointmentID: req.AppointmentRef,
	})
	// The gateway gets the caller's text without identity tokens.
	short := Truncate(req.Description, s.cfg.DescriptionLimit)

	intent, err := s.gw.CreateIntent(ctx, gateway.CreateRequest{
		OrderCode:   n,
		Amount:      req.Amount,
		Description: short,
		CancelURL:   s.cfg.CancelURL,
		ReturnURL:   s.cfg.ReturnURL,
	})
	if err != nil {
		return Handle{}, err
	}

	rec := &Record{
		OrderCode:          code,
		Amount:             req.Amount,
		Status:             StatusPending,
		Description:        full,
		GatewayDescription: short,
		PatientRef:         req.PatientRef,
		DoctorRef:          req.DoctorRef,
		EncounterRef:       req.EncounterRef,
		AppointmentRef:     req.AppointmentRef,
		IdentityStatus:     identity,
		CheckoutURL:        strPtr(intent.CheckoutURL),
		PaymentLinkID:      strPtr(intent.PaymentLinkID),
		Source:             SourceCheckout,
	}
	if identity == IdentityUnresolved {
		rec.ReviewReason = strPtr(reasonNoPatientAtCheckout)
	}

	inserted, err := s.repo.InsertIfAbsent(ctx, rec)
	switch {
	case err != nil:
		s.logger.Error().Err(err).Str("order_code", code).Msg("payment intent created at gateway but not recorded locally")
	case !inserted:
		s.logger.Warn().Str("order_code", code).Msg("payment record already present")
	default:
		s.logger.Info().Str("order_code", code).Int64("amount", req.Amount).
			Str("identity_status", string(identity)).Msg("checkout created")
	}

	return Handle{
		OrderCode:      code,
		CheckoutURL:    intent.CheckoutURL,
		PaymentLinkID:  intent.PaymentLinkID,
		Amount:         req.Amount,
		IdentityStatus: identity,
	}, nil
}

func (s *Service) GetPayment(ctx context.Context, orderCode string) (*Record, error) {
	return s.repo.GetByOrderCode(ctx, orderCode)
}

func (s *Service) ListPayments(ctx context.Context, f ListFilter, limit, offset int) ([]*Record, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) PaymentHistory(ctx context.Context, orderCode string) ([]*StatusEvent, error) {
	if _, err := s.repo.GetByOrderCode(ctx, orderCode); err != nil {
		return nil, err
	}
	return s.repo.StatusHistory(ctx, orderCode)
}
