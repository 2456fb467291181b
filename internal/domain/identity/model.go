package identity

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("patient not found")

// Patient maps to the patient table. A shadow patient is created from an
// authenticated patient session that has no registered chart yet; front desk
// staff complete it later.
type Patient struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	Active      bool       `db:"active" json:"active"`
	MRN         *string    `db:"mrn" json:"mrn,omitempty"`
	FirstName   string     `db:"first_name" json:"first_name"`
	LastName    string     `db:"last_name" json:"last_name"`
	BirthDate   *time.Time `db:"birth_date" json:"birth_date,omitempty"`
	Phone       *string    `db:"phone" json:"phone,omitempty"`
	Email       *string    `db:"email" json:"email,omitempty"`
	AuthSubject *string    `db:"auth_subject" json:"auth_subject,omitempty"`
	Shadow      bool       `db:"shadow" json:"shadow"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}
