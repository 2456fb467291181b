package identity

import (
	"context"

	"github.com/google/uuid"
)

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetByAuthSubject(ctx context.Context, subject string) (*Patient, error)
	List(ctx context.Context, limit, offset int) ([]*Patient, int, error)
	// UpsertShadow returns the patient linked to subject, creating a shadow
	// row when there is none. Concurrent calls for one subject yield one row.
	UpsertShadow(ctx context.Context, subject string) (uuid.UUID, error)
}
