package identity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/auth"
)

// -- Mock Repository --

type mockPatientRepo struct {
	mu       sync.Mutex
	patients map[uuid.UUID]*Patient
	upserts  int
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{patients: make(map[uuid.UUID]*Patient)}
}

func (m *mockPatientRepo) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.patients[p.ID] = p
	return nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockPatientRepo) GetByAuthSubject(_ context.Context, subject string) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.patients {
		if p.AuthSubject != nil && *p.AuthSubject == subject {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockPatientRepo) List(_ context.Context, limit, offset int) ([]*Patient, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Patient
	for _, p := range m.patients {
		out = append(out, p)
	}
	return out, len(out), nil
}

func (m *mockPatientRepo) UpsertShadow(_ context.Context, subject string) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	for _, p := range m.patients {
		if p.AuthSubject != nil && *p.AuthSubject == subject {
			return p.ID, nil
		}
	}
	p := &Patient{ID: uuid.New(), Active: true, AuthSubject: &subject, Shadow: true}
	m.patients[p.ID] = p
	return p.ID, nil
}

func newTestService() (*Service, *mockPatientRepo) {
	repo := newMockPatientRepo()
	return NewService(repo, zerolog.Nop()), repo
}

func TestCreatePatient_RequiresNames(t *testing.T) {
	svc, _ := newTestService()
	if err := svc.CreatePatient(context.Background(), &Patient{FirstName: "An"}); err == nil {
		t.Fatal("expected error for missing last_name")
	}
	p := &Patient{FirstName: "An", LastName: "Tran", Shadow: true}
	if err := svc.CreatePatient(context.Background(), p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Active || p.Shadow {
		t.Errorf("expected active non-shadow patient, got %+v", p)
	}
}

func TestPatientForSession_ClaimWins(t *testing.T) {
	svc, repo := newTestService()
	claim := uuid.New()

	ctx := auth.WithIdentity(context.Background(), "sub-1", auth.RolePatient)
	ctx = context.WithValue(ctx, auth.PatientIDKey, claim.String())

	id, ok, err := svc.PatientForSession(ctx)
	if err != nil || !ok {
		t.Fatalf("expected resolved patient, got ok=%v err=%v", ok, err)
	}
	if id != claim {
		t.Errorf("expected claim %s, got %s", claim, id)
	}
	if repo.upserts != 0 {
		t.Errorf("claim must not create shadow patients, got %d upserts", repo.upserts)
	}
}

func TestPatientForSession_ShadowIsStable(t *testing.T) {
	svc, repo := newTestService()
	ctx := auth.WithIdentity(context.Background(), "sub-42", auth.RolePatient)

	first, ok, err := svc.PatientForSession(ctx)
	if err != nil || !ok {
		t.Fatalf("expected resolved patient, got ok=%v err=%v", ok, err)
	}
	second, _, _ := svc.PatientForSession(ctx)
	if first != second {
		t.Errorf("expected same shadow patient, got %s and %s", first, second)
	}
	p, err := repo.GetByID(context.Background(), first)
	if err != nil || !p.Shadow {
		t.Errorf("expected shadow row, got %+v err=%v", p, err)
	}
}

func TestPatientForSession_StaffSessionHasNoPatient(t *testing.T) {
	svc, repo := newTestService()
	for _, role := range []string{auth.RoleBilling, auth.RoleAdmin, auth.RoleReceptionist} {
		ctx := auth.WithIdentity(context.Background(), "staff", role)
		_, ok, err := svc.PatientForSession(ctx)
		if err != nil || ok {
			t.Errorf("role %s: expected no patient, got ok=%v err=%v", role, ok, err)
		}
	}
	if repo.upserts != 0 {
		t.Errorf("staff sessions must not create patients, got %d", repo.upserts)
	}
}

func TestPatientForSession_BadClaimFallsBackToRole(t *testing.T) {
	svc, _ := newTestService()
	ctx := auth.WithIdentity(context.Background(), "sub-9", auth.RolePatient)
	ctx = context.WithValue(ctx, auth.PatientIDKey, "not-a-uuid")

	id, ok, err := svc.PatientForSession(ctx)
	if err != nil || !ok || id == uuid.Nil {
		t.Fatalf("expected shadow fallback, got id=%s ok=%v err=%v", id, ok, err)
	}
}

func TestPatientForSession_Anonymous(t *testing.T) {
	svc, _ := newTestService()
	ctx := auth.WithIdentity(context.Background(), "", auth.RolePatient)
	if _, ok, err := svc.PatientForSession(ctx); ok || err != nil {
		t.Fatalf("expected no patient without subject, got ok=%v err=%v", ok, err)
	}
}
