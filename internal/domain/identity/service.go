package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/auth"
)

type Service struct {
	patients PatientRepository
	logger   zerolog.Logger
}

func NewService(patients PatientRepository, logger zerolog.Logger) *Service {
	return &Service{patients: patients, logger: logger.With().Str("component", "identity").Logger()}
}

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("first_name and last_name are required")
	}
	p.Active = true
	p.Shadow = false
	return s.patients.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

func (s *Service) ListPatients(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.patients.List(ctx, limit, offset)
}

// PatientForSession resolves the patient acting in the current session.
// A SMART patient launch claim wins. Otherwise a caller holding the patient
// role is mapped to its patient row by auth subject, creating a shadow row
// on first use. ok is false when the session is not a patient's, such as a
// cashier checking out on someone's behalf.
func (s *Service) PatientForSession(ctx context.Context) (id uuid.UUID, ok bool, err error) {
	if claim := auth.PatientIDFromContext(ctx); claim != "" {
		if pid, perr := uuid.Parse(claim); perr == nil {
			return pid, true, nil
		}
		s.logger.Warn().Str("claim", claim).Msg("ignoring non-uuid patient claim")
	}

	if !holdsRole(ctx, auth.RolePatient) {
		return uuid.Nil, false, nil
	}
	subject := auth.UserIDFromContext(ctx)
	if subject == "" {
		return uuid.Nil, false, nil
	}

	pid, err := s.patients.UpsertShadow(ctx, subject)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("upsert shadow patient: %w", err)
	}
	return pid, true, nil
}

// holdsRole is an exact match; admins are not patients.
func holdsRole(ctx context.Context, role string) bool {
	for _, r := range auth.RolesFromContext(ctx) {
		if r == role {
			return true
		}
	}
	return false
}
