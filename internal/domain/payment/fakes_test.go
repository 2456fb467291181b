package payment

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hms/hms/internal/platform/gateway"
)

// -- In-memory repository with the same guards as the SQL --

type memRepo struct {
	mu        sync.Mutex
	records   map[string]*Record
	events    []*StatusEvent
	writes    int
	insertErr error
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[string]*Record)}
}

func (m *memRepo) InsertIfAbsent(_ context.Context, r *Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return false, m.insertErr
	}
	if _, ok := m.records[r.OrderCode]; ok {
		return false, nil
	}
	cp := *r
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	m.records[r.OrderCode] = &cp
	m.writes++
	return true, nil
}

func (m *memRepo) GetByOrderCode(_ context.Context, code string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memRepo) ExistsByOrderCode(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[code]
	return ok, nil
}

func (m *memRepo) sorted() []*Record {
	out := make([]*Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].OrderCode < out[j].OrderCode
	})
	return out
}

func (m *memRepo) ListReconcilable(_ context.Context, since time.Time, after *Cursor, limit int) ([]*Record, error) {
	return m.page(since, after, limit, func(r *Record) bool {
		return r.Status == StatusPending || r.Status == StatusProcessing
	})
}

func (m *memRepo) ListUnbackfilled(_ context.Context, since time.Time, after *Cursor, limit int) ([]*Record, error) {
	return m.page(since, after, limit, func(r *Record) bool {
		flagged := r.ReviewReason != nil && *r.ReviewReason == reasonNothingResolved
		return r.Status == StatusCompleted && r.PatientRef == nil && !flagged
	})
}

func (m *memRepo) page(since time.Time, after *Cursor, limit int, match func(*Record) bool) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Record
	for _, r := range m.sorted() {
		if !match(r) {
			continue
		}
		if r.CreatedAt.Before(since) {
			continue
		}
		if after != nil {
			if r.CreatedAt.Before(after.CreatedAt) ||
				(r.CreatedAt.Equal(after.CreatedAt) && r.OrderCode <= after.OrderCode) {
				continue
			}
		}
		cp := *r
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memRepo) Transition(_ context.Context, code string, to Status, f TransitionFields) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[code]
	if !ok || !CanTransition(r.Status, to) {
		return false, nil
	}
	from := r.Status
	r.Status = to
	if f.PaidAt != nil {
		r.PaidAt = f.PaidAt
	}
	if f.TransactionID != nil {
		r.GatewayTransactionID = f.TransactionID
	}
	r.UpdatedAt = time.Now().UTC()
	m.events = append(m.events, &StatusEvent{
		ID: uuid.New(), OrderCode: code, FromStatus: from, ToStatus: to, Actor: f.Actor, OccurredAt: r.UpdatedAt,
	})
	m.writes++
	return true, nil
}

func (m *memRepo) BackfillIdentity(_ context.Context, code string, patient uuid.UUID, doctor *uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[code]
	if !ok || r.PatientRef != nil {
		return false, nil
	}
	r.PatientRef = &patient
	if r.DoctorRef == nil {
		r.DoctorRef = doctor
	}
	r.IdentityStatus = IdentityResolved
	r.ReviewReason = nil
	m.writes++
	return true, nil
}

func (m *memRepo) FlagUnresolved(_ context.Context, code, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[code]
	if !ok || r.PatientRef != nil {
		return nil
	}
	if r.IdentityStatus == IdentityUnresolved && r.ReviewReason != nil && *r.ReviewReason == reason {
		return nil
	}
	r.IdentityStatus = IdentityUnresolved
	r.ReviewReason = &reason
	m.writes++
	return nil
}

func (m *memRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Record, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*Record
	for _, r := range m.sorted() {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.IdentityStatus != "" && r.IdentityStatus != f.IdentityStatus {
			continue
		}
		all = append(all, r)
	}
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *memRepo) StatusHistory(_ context.Context, code string) ([]*StatusEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*StatusEvent
	for _, e := range m.events {
		if e.OrderCode == code {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func (m *memRepo) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func (m *memRepo) put(r *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if cp.IdentityStatus == "" {
		cp.IdentityStatus = IdentityResolved
	}
	m.records[r.OrderCode] = &cp
}

// -- Fake gateway --

type fakeGateway struct {
	mu          sync.Mutex
	intents     map[int64]*gateway.Intent
	createCalls int
	getCalls    int
	createErr   error
	getErr      map[int64]error
	listErr     error
	createDelay time.Duration
	getHook     func()
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{intents: make(map[int64]*gateway.Intent), getErr: make(map[int64]error)}
}

// CreateIntent gives up when ctx ends during createDelay, like the real
// client does.
func (g *fakeGateway) CreateIntent(ctx context.Context, req gateway.CreateRequest) (*gateway.Intent, error) {
	g.mu.Lock()
	g.createCalls++
	g.mu.Unlock()
	if g.createDelay > 0 {
		select {
		case <-time.After(g.createDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	code := strconv.FormatInt(req.OrderCode, 10)
	in := &gateway.Intent{
		OrderCode:     req.OrderCode,
		Amount:        req.Amount,
		Status:        gateway.StatusPending,
		Description:   req.Description,
		CheckoutURL:   "https://pay.example.test/web/" + code,
		PaymentLinkID: "link-" + code,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
	g.intents[req.OrderCode] = in
	cp := *in
	return &cp, nil
}

func (g *fakeGateway) GetIntent(_ context.Context, orderCode int64) (*gateway.Intent, error) {
	if g.getHook != nil {
		g.getHook()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.getCalls++
	if err := g.getErr[orderCode]; err != nil {
		return nil, err
	}
	in, ok := g.intents[orderCode]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	cp := *in
	return &cp, nil
}

func (g *fakeGateway) ListIntents(_ context.Context, q gateway.ListQuery) (*gateway.IntentPage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listErr != nil {
		return nil, g.listErr
	}
	codes := make([]int64, 0, len(g.intents))
	for c := range g.intents {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	page := &gateway.IntentPage{Total: len(codes)}
	start := (q.Page - 1) * q.PageSize
	for i := start; i < len(codes) && i < start+q.PageSize; i++ {
		page.Items = append(page.Items, *g.intents[codes[i]])
	}
	return page, nil
}

func (g *fakeGateway) set(in gateway.Intent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := in
	g.intents[in.OrderCode] = &cp
}

func (g *fakeGateway) setStatus(orderCode string, s gateway.Status, txns ...gateway.Transaction) {
	n, _ := strconv.ParseInt(orderCode, 10, 64)
	g.mu.Lock()
	defer g.mu.Unlock()
	in, ok := g.intents[n]
	if !ok {
		in = &gateway.Intent{OrderCode: n, Amount: 1000}
		g.intents[n] = in
	}
	in.Status = s
	in.Transactions = txns
}

func (g *fakeGateway) creates() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls
}

// -- Collaborator fakes --

type fakePatients struct {
	id  uuid.UUID
	ok  bool
	err error
}

func (f fakePatients) PatientForSession(context.Context) (uuid.UUID, bool, error) {
	return f.id, f.ok, f.err
}

type parties struct {
	patient uuid.UUID
	doctor  *uuid.UUID
}

type fakeLookup struct {
	mu       sync.Mutex
	entries  map[uuid.UUID]parties
	notFound error
	err      error
	calls    int
	hook     func()
}

func newFakeLookup(notFound error) *fakeLookup {
	return &fakeLookup{entries: make(map[uuid.UUID]parties), notFound: notFound}
}

func (f *fakeLookup) lookup(id uuid.UUID) (uuid.UUID, *uuid.UUID, error) {
	if f.hook != nil {
		f.hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return uuid.Nil, nil, f.err
	}
	p, ok := f.entries[id]
	if !ok {
		return uuid.Nil, nil, f.notFound
	}
	return p.patient, p.doctor, nil
}

func (f *fakeLookup) CareParties(_ context.Context, id uuid.UUID) (uuid.UUID, *uuid.UUID, error) {
	return f.lookup(id)
}

func (f *fakeLookup) BookingParties(_ context.Context, id uuid.UUID) (uuid.UUID, *uuid.UUID, error) {
	return f.lookup(id)
}

func uuidPtr(id uuid.UUID) *uuid.UUID { return &id }

func nopLogger() zerolog.Logger { return zerolog.Nop() }
