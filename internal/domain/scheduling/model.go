package scheduling

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("appointment not found")

// Appointment maps to the appointment table. Payments taken for a booking
// carry its id, which lets a payment missing its patient be traced back.
type Appointment struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	Status             string     `db:"status" json:"status"`
	PatientID          uuid.UUID  `db:"patient_id" json:"patient_id"`
	PractitionerID     *uuid.UUID `db:"practitioner_id" json:"practitioner_id,omitempty"`
	StartTime          time.Time  `db:"start_time" json:"start_time"`
	EndTime            *time.Time `db:"end_time" json:"end_time,omitempty"`
	Description        *string    `db:"description" json:"description,omitempty"`
	CancellationReason *string    `db:"cancellation_reason" json:"cancellation_reason,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

var validAppointmentStatuses = map[string]bool{
	"proposed":   true,
	"pending":    true,
	"booked":     true,
	"arrived":    true,
	"fulfilled":  true,
	"cancelled":  true,
	"noshow":     true,
	"checked-in": true,
}
