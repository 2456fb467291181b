package scheduling

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Service struct {
	appointments AppointmentRepository
}

func NewService(appointments AppointmentRepository) *Service {
	return &Service{appointments: appointments}
}

func (s *Service) CreateAppointment(ctx context.Context, a *Appointment) error {
	if a.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if a.StartTime.IsZero() {
		return fmt.Errorf("start_time is required")
	}
	if a.EndTime != nil && a.EndTime.Before(a.StartTime) {
		return fmt.Errorf("end_time must not precede start_time")
	}
	if a.Status == "" {
		a.Status = "booked"
	}
	if !validAppointmentStatuses[a.Status] {
		return fmt.Errorf("invalid appointment status: %s", a.Status)
	}
	return s.appointments.Create(ctx, a)
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.appointments.GetByID(ctx, id)
}

func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, reason string) error {
	var r *string
	if reason != "" {
		r = &reason
	}
	return s.appointments.UpdateStatus(ctx, id, "cancelled", r)
}

func (s *Service) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Appointment, int, error) {
	return s.appointments.ListByPatient(ctx, patientID, limit, offset)
}

// BookingParties returns who a booking is for and with. It is the lookup the
// payment backfill uses.
func (s *Service) BookingParties(ctx context.Context, id uuid.UUID) (patientID uuid.UUID, practitionerID *uuid.UUID, err error) {
	a, err := s.appointments.GetByID(ctx, id)
	if err != nil {
		return uuid.Nil, nil, err
	}
	return a.PatientID, a.PractitionerID, nil
}
