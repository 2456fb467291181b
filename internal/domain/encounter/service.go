package encounter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) CreateEncounter(ctx context.Context, enc *Encounter) error {
	if enc.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if enc.ClassCode == "" {
		return fmt.Errorf("class_code is required")
	}
	if enc.Status == "" {
		enc.Status = "planned"
	}
	if !validStatuses[enc.Status] {
		return fmt.Errorf("invalid status: %s", enc.Status)
	}
	if enc.PeriodStart.IsZero() {
		enc.PeriodStart = time.Now().UTC()
	}
	return s.repo.Create(ctx, enc)
}

func (s *Service) GetEncounter(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) UpdateEncounterStatus(ctx context.Context, id uuid.UUID, newStatus string) error {
	if !validStatuses[newStatus] {
		return fmt.Errorf("invalid status: %s", newStatus)
	}

	enc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("encounter not found: %w", err)
	}

	enc.Status = newStatus
	if newStatus == "finished" && enc.PeriodEnd == nil {
		now := time.Now().UTC()
		enc.PeriodEnd = &now
	}
	return s.repo.Update(ctx, enc)
}

func (s *Service) ListEncountersByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Encounter, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}

// CareParties returns the patient and primary practitioner of an encounter.
func (s *Service) CareParties(ctx context.Context, id uuid.UUID) (patientID uuid.UUID, practitionerID *uuid.UUID, err error) {
	enc, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return uuid.Nil, nil, err
	}
	return enc.PatientID, enc.PrimaryPractitionerID, nil
}
