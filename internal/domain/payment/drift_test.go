package payment

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hms/hms/internal/domain/encounter"
	"github.com/hms/hms/internal/domain/scheduling"
	"github.com/hms/hms/internal/platform/gateway"
)

type driftFixture struct {
	repo       *memRepo
	gw         *fakeGateway
	encounters *fakeLookup
	drift      *DriftImporter
}

func newDriftFixture(cfg DriftConfig) *driftFixture {
	repo := newMemRepo()
	gw := newFakeGateway()
	encounters := newFakeLookup(encounter.ErrNotFound)
	bf := NewBackfillResolver(repo, encounters, newFakeLookup(scheduling.ErrNotFound), nopLogger())
	return &driftFixture{repo: repo, gw: gw, encounters: encounters, drift: NewDriftImporter(repo, gw, bf, cfg, nopLogger())}
}

// A completed intent the ledger never saw is imported once with its
// identity recovered from the description.
func TestDrift_ImportsCompletedRemoteIntent(t *testing.T) {
	f := newDriftFixture(DriftConfig{})
	patient := uuid.New()
	f.gw.set(gateway.Intent{
		OrderCode:   17000000001111,
		Amount:      300000,
		Status:      gateway.StatusPaid,
		Description: "X-ray | patient_id: " + patient.String(),
		CreatedAt:   "2024-05-01T09:00:00Z",
		Transactions: []gateway.Transaction{
			{Reference: "FT999", Amount: 300000, TransactionDateTime: "2024-05-01T09:05:00Z"},
		},
	})

	res := f.drift.Tick(context.Background())
	if res.Imported != 1 || res.Failed != 0 {
		t.Fatalf("unexpected result %+v", res)
	}

	r, err := f.repo.GetByOrderCode(context.Background(), "17000000001111")
	if err != nil {
		t.Fatalf("expected imported record: %v", err)
	}
	if r.Status != StatusCompleted || r.Source != SourceDrift || r.Amount != 300000 {
		t.Errorf("unexpected record %+v", r)
	}
	if r.PatientRef == nil || *r.PatientRef != patient || r.IdentityStatus != IdentityResolved {
		t.Errorf("expected patient from tokens, got %+v", r)
	}
	if r.GatewayTransactionID == nil || *r.GatewayTransactionID != "FT999" || r.PaidAt == nil {
		t.Errorf("expected payment details, got %+v", r)
	}
	if !r.CreatedAt.Equal(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("expected gateway created_at, got %s", r.CreatedAt)
	}
}

func TestDrift_NeverDuplicates(t *testing.T) {
	f := newDriftFixture(DriftConfig{})
	for i := int64(0); i < 3; i++ {
		f.gw.set(gateway.Intent{OrderCode: 17000000002000 + i, Amount: 1000, Status: gateway.StatusPending})
	}
	f.repo.put(&Record{OrderCode: "17000000002000", Amount: 1000, Status: StatusPending, Source: SourceCheckout})

	first := f.drift.Tick(context.Background())
	if first.Imported != 2 || first.Unchanged != 1 {
		t.Errorf("unexpected first tick %+v", first)
	}
	second := f.drift.Tick(context.Background())
	if second.Imported != 0 || second.Unchanged != 3 {
		t.Errorf("unexpected second tick %+v", second)
	}
	if f.repo.count() != 3 {
		t.Errorf("expected 3 records, got %d", f.repo.count())
	}
	r, _ := f.repo.GetByOrderCode(context.Background(), "17000000002000")
	if r.Source != SourceCheckout {
		t.Error("existing record must be left as is")
	}
}

func TestDrift_CompletedWithoutPatientIsBackfilled(t *testing.T) {
	f := newDriftFixture(DriftConfig{})
	encID, patient := uuid.New(), uuid.New()
	f.encounters.entries[encID] = parties{patient: patient}
	f.gw.set(gateway.Intent{
		OrderCode:   17000000003000,
		Amount:      1000,
		Status:      gateway.StatusPaid,
		Description: "encounter_id: " + encID.String(),
	})

	res := f.drift.Tick(context.Background())
	if res.Imported != 1 || res.Items[0].Backfill == nil || res.Items[0].Backfill.Source != "encounter" {
		t.Fatalf("unexpected result %+v", res.Items)
	}
	r, _ := f.repo.GetByOrderCode(context.Background(), "17000000003000")
	if r.PatientRef == nil || *r.PatientRef != patient {
		t.Errorf("expected backfilled patient, got %v", r.PatientRef)
	}
}

func TestDrift_PendingWithoutPatientQueuedForReview(t *testing.T) {
	f := newDriftFixture(DriftConfig{})
	f.gw.set(gateway.Intent{OrderCode: 17000000004000, Amount: 1000, Status: gateway.StatusPending, Description: "Bill"})

	f.drift.Tick(context.Background())
	r, _ := f.repo.GetByOrderCode(context.Background(), "17000000004000")
	if r.IdentityStatus != IdentityUnresolved || r.ReviewReason == nil || *r.ReviewReason != reasonImportedWithoutPatient {
		t.Errorf("unexpected record %+v", r)
	}
}

func TestDrift_RejectsBadIntents(t *testing.T) {
	f := newDriftFixture(DriftConfig{})
	f.gw.set(gateway.Intent{OrderCode: 17000000005000, Amount: 0, Status: gateway.StatusPending})
	f.gw.set(gateway.Intent{OrderCode: 17000000005001, Amount: 10, Status: gateway.Status("REFUNDED")})

	res := f.drift.Tick(context.Background())
	if res.Failed != 2 || f.repo.count() != 0 {
		t.Errorf("expected both rejected, got %+v", res)
	}
}

func TestDrift_StopsAtMaxPages(t *testing.T) {
	f := newDriftFixture(DriftConfig{PageSize: 2, MaxPages: 2})
	for i := int64(0); i < 7; i++ {
		f.gw.set(gateway.Intent{OrderCode: 17000000006000 + i, Amount: 1000, Status: gateway.StatusPending})
	}

	res := f.drift.Tick(context.Background())
	if res.Imported != 4 {
		t.Errorf("expected 4 imports across 2 pages, got %+v", res)
	}
}

func TestDrift_ListErrorRecorded(t *testing.T) {
	f := newDriftFixture(DriftConfig{})
	f.gw.listErr = fmt.Errorf("list: %w", gateway.ErrTimeout)

	res := f.drift.Tick(context.Background())
	if res.Error == "" || res.Imported != 0 {
		t.Errorf("expected error in result, got %+v", res)
	}
}

func TestDrift_MaybeTickHonoursProbability(t *testing.T) {
	f := newDriftFixture(DriftConfig{Probability: 0.1})

	f.drift.randFunc = func() float64 { return 0.5 }
	if _, ran := f.drift.MaybeTick(context.Background()); ran {
		t.Error("expected no run above the probability")
	}

	f.drift.randFunc = func() float64 { return 0.05 }
	res, ran := f.drift.MaybeTick(context.Background())
	if !ran || res.Kind != "drift" {
		t.Errorf("expected run below the probability, got %+v %v", res, ran)
	}
}

func TestDrift_BudgetExhaustionAbortsRemaining(t *testing.T) {
	f := newDriftFixture(DriftConfig{Budget: 100 * time.Millisecond})
	f.encounters.hook = func() { time.Sleep(150 * time.Millisecond) }
	for i := int64(1); i <= 3; i++ {
		visit := uuid.New()
		f.encounters.entries[visit] = parties{patient: uuid.New()}
		f.gw.set(gateway.Intent{
			OrderCode:   17000000002000 + i,
			Amount:      1000,
			Status:      gateway.StatusPaid,
			Description: Enrich("Visit", Identity{EncounterID: &visit}),
		})
	}

	start := time.Now()
	res := f.drift.Tick(context.Background())
	if time.Since(start) > time.Second {
		t.Errorf("tick overran its budget: %s", time.Since(start))
	}
	if res.Imported != 1 || res.Aborted != 2 || res.Checked != 1 {
		t.Errorf("expected 1 imported and 2 aborted, got %+v", res)
	}
	if f.repo.count() != 1 {
		t.Errorf("aborted intents must not be imported, got %d records", f.repo.count())
	}
	if res.Items[2].OrderCode != "17000000002003" || res.Items[2].Outcome != ItemAborted {
		t.Errorf("unexpected last item %+v", res.Items[2])
	}
}

func TestDrift_LongRemoteDescriptionCapped(t *testing.T) {
	f := newDriftFixture(DriftConfig{})
	long := strings.Repeat("é", 300)
	f.gw.set(gateway.Intent{OrderCode: 17000000003001, Amount: 1000, Status: gateway.StatusPending, Description: long})

	if res := f.drift.Tick(context.Background()); res.Imported != 1 {
		t.Fatalf("expected import, got %+v", res)
	}
	r, _ := f.repo.GetByOrderCode(context.Background(), "17000000003001")
	if got := len([]rune(r.GatewayDescription)); got != gatewayDescriptionMax {
		t.Errorf("expected gateway description capped at %d runes, got %d", gatewayDescriptionMax, got)
	}
	if r.Description != long {
		t.Error("full description must be kept")
	}
}
