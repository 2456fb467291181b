package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hms/hms/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const recordCols = `id, order_code, amount, status, description, gateway_description,
	patient_ref, doctor_ref, encounter_ref, appointment_ref, identity_status, review_reason,
	gateway_transaction_id, checkout_url, payment_link_id, source, created_at, updated_at, paid_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(&r.ID, &r.OrderCode, &r.Amount, &r.Status, &r.Description, &r.GatewayDescription,
		&r.PatientRef, &r.DoctorRef, &r.EncounterRef, &r.AppointmentRef, &r.IdentityStatus, &r.ReviewReason,
		&r.GatewayTransactionID, &r.CheckoutURL, &r.PaymentLinkID, &r.Source, &r.CreatedAt, &r.UpdatedAt, &r.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *repoPG) InsertIfAbsent(ctx context.Context, rec *Record) (bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO payment_record (id, order_code, amount, status, description, gateway_description,
			patient_ref, doctor_ref, encounter_ref, appointment_ref, identity_status, review_reason,
			gateway_transaction_id, checkout_url, payment_link_id, source, created_at, updated_at, paid_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17,$18)
		ON CONFLICT (order_code) DO NOTHING`,
		rec.ID, rec.OrderCode, rec.Amount, rec.Status, rec.Description, rec.GatewayDescription,
		rec.PatientRef, rec.DoctorRef, rec.EncounterRef, rec.AppointmentRef, rec.IdentityStatus, rec.ReviewReason,
		rec.GatewayTransactionID, rec.CheckoutURL, rec.PaymentLinkID, rec.Source, rec.CreatedAt, rec.PaidAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert payment record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) GetByOrderCode(ctx context.Context, orderCode string) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM payment_record WHERE order_code = $1`, orderCode))
}

func (r *repoPG) ExistsByOrderCode(ctx context.Context, orderCode string) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payment_record WHERE order_code = $1)`, orderCode).Scan(&exists)
	return exists, err
}

func (r *repoPG) ListReconcilable(ctx context.Context, since time.Time, after *Cursor, limit int) ([]*Record, error) {
	var afterAt time.Time
	var afterCode string
	if after != nil {
		afterAt, afterCode = after.CreatedAt, after.OrderCode
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+recordCols+` FROM payment_record
		WHERE status IN ('pending', 'processing')
			AND created_at >= $1
			AND (created_at, order_code) > ($2, $3)
		ORDER BY created_at, order_code
		LIMIT $4`, since, afterAt, afterCode, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func (r *repoPG) ListUnbackfilled(ctx context.Context, since time.Time, after *Cursor, limit int) ([]*Record, error) {
	var afterAt time.Time
	var afterCode string
	if after != nil {
		afterAt, afterCode = after.CreatedAt, after.OrderCode
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+recordCols+` FROM payment_record
		WHERE status = 'completed' AND patient_ref IS NULL
			AND review_reason IS DISTINCT FROM $1
			AND created_at >= $2
			AND (created_at, order_code) > ($3, $4)
		ORDER BY created_at, order_code
		LIMIT $5`, reasonNothingResolved, since, afterAt, afterCode, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *repoPG) Transition(ctx context.Context, orderCode string, to Status, f TransitionFields) (bool, error) {
	allowed := predecessors(to)
	if len(allowed) == 0 {
		return false, nil
	}
	from := make([]string, len(allowed))
	for i, s := range allowed {
		from[i] = string(s)
	}

	applied := false
	err := db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		var prev Status
		err := r.conn(ctx).QueryRow(ctx, `
			WITH prev AS (
				SELECT status FROM payment_record WHERE order_code = $1 FOR UPDATE
			)
			UPDATE payment_record p SET
				status = $2,
				paid_at = COALESCE($3, p.paid_at),
				gateway_transaction_id = COALESCE($4, p.gateway_transaction_id),
				updated_at = NOW()
			FROM prev
			WHERE p.order_code = $1 AND p.status = ANY($5)
			RETURNING prev.status`,
			orderCode, to, f.PaidAt, f.TransactionID, from,
		).Scan(&prev)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("transition %s: %w", orderCode, err)
		}

		actor := f.Actor
		if actor == "" {
			actor = "system"
		}
		if _, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO payment_status_event (id, order_code, from_status, to_status, actor)
			VALUES ($1,$2,$3,$4,$5)`,
			uuid.New(), orderCode, prev, to, actor); err != nil {
			return fmt.Errorf("record status event: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

func (r *repoPG) BackfillIdentity(ctx context.Context, orderCode string, patient uuid.UUID, doctor *uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE payment_record SET
			patient_ref = $2,
			doctor_ref = COALESCE(doctor_ref, $3),
			identity_status = 'resolved',
			review_reason = NULL,
			updated_at = NOW()
		WHERE order_code = $1 AND patient_ref IS NULL`,
		orderCode, patient, doctor)
	if err != nil {
		return false, fmt.Errorf("backfill %s: %w", orderCode, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) FlagUnresolved(ctx context.Context, orderCode, reason string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE payment_record SET identity_status = 'unresolved', review_reason = $2, updated_at = NOW()
		WHERE order_code = $1 AND patient_ref IS NULL
			AND (identity_status <> 'unresolved' OR review_reason IS DISTINCT FROM $2)`,
		orderCode, reason)
	return err
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Record, int, error) {
	var where []string
	var args []interface{}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.IdentityStatus != "" {
		args = append(args, f.IdentityStatus)
		where = append(where, fmt.Sprintf("identity_status = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM payment_record`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx,
		fmt.Sprintf(`SELECT %s FROM payment_record%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
			recordCols, clause, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	items, err := collect(rows)
	return items, total, err
}

func (r *repoPG) StatusHistory(ctx context.Context, orderCode string) ([]*StatusEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, order_code, from_status, to_status, actor, occurred_at
		FROM payment_status_event WHERE order_code = $1 ORDER BY occurred_at`, orderCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StatusEvent
	for rows.Next() {
		var e StatusEvent
		if err := rows.Scan(&e.ID, &e.OrderCode, &e.FromStatus, &e.ToStatus, &e.Actor, &e.OccurredAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
