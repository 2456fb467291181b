package payment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hms/hms/internal/platform/gateway"
)

// Status is the local lifecycle of a payment record. It only moves forward:
// pending -> processing -> {completed, failed, cancelled}, and pending may
// jump straight to a terminal state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// predecessors lists the states a record may be in to move to s.
func predecessors(s Status) []Status {
	switch s {
	case StatusProcessing:
		return []Status{StatusPending}
	case StatusCompleted, StatusFailed, StatusCancelled:
		return []Status{StatusPending, StatusProcessing}
	}
	return nil
}

// CanTransition reports whether from -> to is a legal forward move.
func CanTransition(from, to Status) bool {
	for _, p := range predecessors(to) {
		if p == from {
			return true
		}
	}
	return false
}

// statusFromGateway maps a gateway status onto the local lifecycle.
func statusFromGateway(s gateway.Status) (Status, bool) {
	switch s {
	case gateway.StatusPending:
		return StatusPending, true
	case gateway.StatusProcessing:
		return StatusProcessing, true
	case gateway.StatusPaid:
		return StatusCompleted, true
	case gateway.StatusCancelled, gateway.StatusExpired:
		return StatusCancelled, true
	case gateway.StatusFailed:
		return StatusFailed, true
	}
	return "", false
}

type IdentityStatus string

const (
	IdentityResolved   IdentityStatus = "resolved"
	IdentityUnresolved IdentityStatus = "unresolved"
)

// Source records which path created a record.
type Source string

const (
	SourceCheckout Source = "checkout"
	SourceDrift    Source = "drift"
)

// Record maps to the payment_record table.
type Record struct {
	ID                   uuid.UUID      `db:"id" json:"id"`
	OrderCode            string         `db:"order_code" json:"order_code"`
	Amount               int64          `db:"amount" json:"amount"`
	Status               Status         `db:"status" json:"status"`
	Description          string         `db:"description" json:"description"`
	GatewayDescription   string         `db:"gateway_description" json:"gateway_description"`
	PatientRef           *uuid.UUID     `db:"patient_ref" json:"patient_ref,omitempty"`
	DoctorRef            *uuid.UUID     `db:"doctor_ref" json:"doctor_ref,omitempty"`
	EncounterRef         *uuid.UUID     `db:"encounter_ref" json:"encounter_ref,omitempty"`
	AppointmentRef       *uuid.UUID     `db:"appointment_ref" json:"appointment_ref,omitempty"`
	IdentityStatus       IdentityStatus `db:"identity_status" json:"identity_status"`
	ReviewReason         *string        `db:"review_reason" json:"review_reason,omitempty"`
	GatewayTransactionID *string        `db:"gateway_transaction_id" json:"gateway_transaction_id,omitempty"`
	CheckoutURL          *string        `db:"checkout_url" json:"checkout_url,omitempty"`
	PaymentLinkID        *string        `db:"payment_link_id" json:"payment_link_id,omitempty"`
	Source               Source         `db:"source" json:"source"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time      `db:"updated_at" json:"updated_at"`
	PaidAt               *time.Time     `db:"paid_at" json:"paid_at,omitempty"`
}

// StatusEvent maps to the payment_status_event table.
type StatusEvent struct {
	ID         uuid.UUID `db:"id" json:"id"`
	OrderCode  string    `db:"order_code" json:"order_code"`
	FromStatus Status    `db:"from_status" json:"from_status"`
	ToStatus   Status    `db:"to_status" json:"to_status"`
	Actor      string    `db:"actor" json:"actor"`
	OccurredAt time.Time `db:"occurred_at" json:"occurred_at"`
}

// TransitionFields are written together with a status change.
type TransitionFields struct {
	PaidAt        *time.Time
	TransactionID *string
	Actor         string
}

// Cursor is a keyset position over records ordered by (created_at, order_code).
type Cursor struct {
	CreatedAt time.Time
	OrderCode string
}

type ListFilter struct {
	Status         Status
	IdentityStatus IdentityStatus
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
