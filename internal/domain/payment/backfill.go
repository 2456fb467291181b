package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/domain/encounter"
	"github.com/hms/hms/internal/domain/scheduling"
)

// EncounterLookup resolves an encounter to its patient and practitioner.
type EncounterLookup interface {
	CareParties(ctx context.Context, id uuid.UUID) (uuid.UUID, *uuid.UUID, error)
}

// BookingLookup resolves an appointment to its patient and practitioner.
type BookingLookup interface {
	BookingParties(ctx context.Context, id uuid.UUID) (uuid.UUID, *uuid.UUID, error)
}

const reasonNothingResolved = "no patient reference in description, encounter or booking"

// BackfillResult says how a record's identity was settled.
type BackfillResult struct {
	Source  string `json:"source,omitempty"`
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
}

// BackfillResolver recovers missing patient and doctor references on a
// record after the fact. Sources are tried in order: description tokens,
// then the encounter, then the booking. An existing reference is never
// replaced and nothing is invented when all sources come up empty.
type BackfillResolver struct {
	repo       Repository
	encounters EncounterLookup
	bookings   BookingLookup
	logger     zerolog.Logger
}

func NewBackfillResolver(repo Repository, encounters EncounterLookup, bookings BookingLookup, logger zerolog.Logger) *BackfillResolver {
	return &BackfillResolver{
		repo:       repo,
		encounters: encounters,
		bookings:   bookings,
		logger:     logger.With().Str("component", "backfill").Logger(),
	}
}

func (b *BackfillResolver) Resolve(ctx context.Context, rec *Record) (BackfillResult, error) {
	if rec.PatientRef != nil {
		return BackfillResult{}, nil
	}
	tokens := ParseIdentityTokens(rec.Description)

	if tokens.PatientID != nil {
		doctor := tokens.DoctorID
		if doctor == nil {
			doctor = rec.DoctorRef
		}
		return b.apply(ctx, rec, "description", *tokens.PatientID, doctor)
	}

	if id := firstRef(rec.EncounterRef, tokens.EncounterID); id != nil && b.encounters != nil {
		patient, doctor, err := b.encounters.CareParties(ctx, *id)
		switch {
		case err == nil:
			return b.apply(ctx, rec, "encounter", patient, doctor)
		case !errors.Is(err, encounter.ErrNotFound):
			return BackfillResult{}, fmt.Errorf("encounter lookup: %w", err)
		}
	}

	if id := firstRef(rec.AppointmentRef, tokens.AppointmentID); id != nil && b.bookings != nil {
		patient, doctor, err := b.bookings.BookingParties(ctx, *id)
		switch {
		case err == nil:
			return b.apply(ctx, rec, "appointment", patient, doctor)
		case !errors.Is(err, scheduling.ErrNotFound):
			return BackfillResult{}, fmt.Errorf("booking lookup: %w", err)
		}
	}

	if err := b.repo.FlagUnresolved(ctx, rec.OrderCode, reasonNothingResolved); err != nil {
		return BackfillResult{}, fmt.Errorf("flag unresolved: %w", err)
	}
	b.logger.Warn().Str("order_code", rec.OrderCode).Msg("payment identity unresolved, queued for review")
	return BackfillResult{Reason: reasonNothingResolved}, nil
}

func (b *BackfillResolver) apply(ctx context.Context, rec *Record, source string, patient uuid.UUID, doctor *uuid.UUID) (BackfillResult, error) {
	applied, err := b.repo.BackfillIdentity(ctx, rec.OrderCode, patient, doctor)
	if err != nil {
		return BackfillResult{}, err
	}
	if applied {
		b.logger.Info().Str("order_code", rec.OrderCode).Str("source", source).Msg("payment identity backfilled")
	}
	return BackfillResult{Source: source, Applied: applied}, nil
}

func firstRef(refs ...*uuid.UUID) *uuid.UUID {
	for _, r := range refs {
		if r != nil {
			return r
		}
	}
	return nil
}
