package encounter

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("encounter not found")

// Encounter maps to the encounter table.
type Encounter struct {
	ID                    uuid.UUID  `db:"id" json:"id"`
	Status                string     `db:"status" json:"status"`
	ClassCode             string     `db:"class_code" json:"class_code"`
	PatientID             uuid.UUID  `db:"patient_id" json:"patient_id"`
	PrimaryPractitionerID *uuid.UUID `db:"primary_practitioner_id" json:"primary_practitioner_id,omitempty"`
	PeriodStart           time.Time  `db:"period_start" json:"period_start"`
	PeriodEnd             *time.Time `db:"period_end" json:"period_end,omitempty"`
	ReasonText            *string    `db:"reason_text" json:"reason_text,omitempty"`
	CreatedAt             time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time  `db:"updated_at" json:"updated_at"`
}

var validStatuses = map[string]bool{
	"planned":          true,
	"arrived":          true,
	"triaged":          true,
	"in-progress":      true,
	"onleave":          true,
	"finished":         true,
	"cancelled":        true,
	"entered-in-error": true,
}
