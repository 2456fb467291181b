package payment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	// InsertIfAbsent reports false when a record with the same order code
	// already exists; the existing row is left untouched.
	InsertIfAbsent(ctx context.Context, r *Record) (bool, error)
	GetByOrderCode(ctx context.Context, orderCode string) (*Record, error)
	ExistsByOrderCode(ctx context.Context, orderCode string) (bool, error)
	// ListReconcilable returns pending and processing records created at or
	// after since, in (created_at, order_code) order, strictly after cursor.
	ListReconcilable(ctx context.Context, since time.Time, after *Cursor, limit int) ([]*Record, error)
	// ListUnbackfilled returns completed records created at or after since
	// that still have no patient and have not been flagged after a full
	// backfill attempt, in the same order and paging as ListReconcilable.
	ListUnbackfilled(ctx context.Context, since time.Time, after *Cursor, limit int) ([]*Record, error)
	// Transition moves a record to `to` if its current status is a legal
	// predecessor and appends a status event. It reports whether a row changed.
	Transition(ctx context.Context, orderCode string, to Status, f TransitionFields) (bool, error)
	// BackfillIdentity sets patient_ref only where it is null; doctor_ref is
	// filled only where it is null.
	BackfillIdentity(ctx context.Context, orderCode string, patient uuid.UUID, doctor *uuid.UUID) (bool, error)
	FlagUnresolved(ctx context.Context, orderCode, reason string) error
	List(ctx context.Context, f ListFilter, limit, offset int) ([]*Record, int, error)
	StatusHistory(ctx context.Context, orderCode string) ([]*StatusEvent, error)
}
