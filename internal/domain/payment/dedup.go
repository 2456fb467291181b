package payment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/hms/hms/internal/platform/db"
)

// DefaultDedupTTL bounds how long a completed checkout is replayed.
const DefaultDedupTTL = 10 * time.Second

// DefaultDedupWorkTimeout bounds a shared checkout once it is detached from
// the caller that started it.
const DefaultDedupWorkTimeout = 30 * time.Second

// Handle is what a caller needs to send the payer to the gateway.
type Handle struct {
	OrderCode      string         `json:"order_code"`
	CheckoutURL    string         `json:"checkout_url"`
	PaymentLinkID  string         `json:"payment_link_id"`
	Amount         int64          `json:"amount"`
	IdentityStatus IdentityStatus `json:"identity_status"`
	Replayed       bool           `json:"replayed"`
}

// CheckoutOutcome is a cached completed checkout.
type CheckoutOutcome struct {
	Handle    Handle    `json:"handle"`
	CreatedAt time.Time `json:"created_at"`
}

// OutcomeStore caches completed checkouts by fingerprint. Implementations
// must be safe for concurrent use. A store error is treated as a miss.
type OutcomeStore interface {
	Get(ctx context.Context, key string) (*CheckoutOutcome, bool)
	Set(ctx context.Context, key string, o *CheckoutOutcome)
}

// fingerprint hashes the parameters that make two checkouts identical
// within one tenant. bucket < 0 omits the time bucket.
func fingerprint(tenant string, req CheckoutRequest, bucket int64) string {
	h := sha256.New()
	h.Write([]byte(tenant))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(req.Amount, 10)))
	h.Write([]byte{0})
	h.Write([]byte(req.Description))
	h.Write([]byte{0})
	h.Write([]byte(refString(req.DoctorRef)))
	h.Write([]byte{0})
	h.Write([]byte(refString(req.PatientRef)))
	if bucket >= 0 {
		h.Write([]byte{0})
		h.Write([]byte(strconv.FormatInt(bucket, 10)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func refString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

// Deduplicator collapses identical checkout submissions. Requests that are
// in flight at the same time share one execution; a completed outcome is
// replayed to identical requests in the same or the following second.
type Deduplicator struct {
	store       OutcomeStore
	ttl         time.Duration
	workTimeout time.Duration
	group       singleflight.Group
	nowFunc     func() time.Time
}

func NewDeduplicator(store OutcomeStore, ttl, workTimeout time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if workTimeout <= 0 {
		workTimeout = DefaultDedupWorkTimeout
	}
	return &Deduplicator{store: store, ttl: ttl, workTimeout: workTimeout, nowFunc: time.Now}
}

func (d *Deduplicator) lookup(ctx context.Context, tenant string, req CheckoutRequest) (Handle, bool) {
	now := d.nowFunc()
	sec := now.Unix()
	for _, bucket := range []int64{sec, sec - 1} {
		o, ok := d.store.Get(ctx, fingerprint(tenant, req, bucket))
		if !ok || now.Sub(o.CreatedAt) > d.ttl {
			continue
		}
		h := o.Handle
		h.Replayed = true
		return h, true
	}
	return Handle{}, false
}

// Do returns a replayed outcome for req if one exists, otherwise runs fn
// once for all concurrent identical callers of the same tenant. Failed
// outcomes are not cached.
//
// fn runs detached from the cancellation of the caller that started it and
// is bounded by the work timeout instead, so a caller that goes away does not
// fail the others waiting on the same work. fn must not rely on resources
// owned by that caller's request.
func (d *Deduplicator) Do(ctx context.Context, req CheckoutRequest, fn func(ctx context.Context) (Handle, error)) (Handle, error) {
	tenant := db.TenantFromContext(ctx)
	if h, ok := d.lookup(ctx, tenant, req); ok {
		return h, nil
	}

	led := false
	ch := d.group.DoChan(fingerprint(tenant, req, -1), func() (interface{}, error) {
		led = true
		work, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.workTimeout)
		defer cancel()

		if h, ok := d.lookup(work, tenant, req); ok {
			return h, nil
		}
		h, err := fn(work)
		if err != nil {
			return Handle{}, err
		}
		now := d.nowFunc()
		d.store.Set(work, fingerprint(tenant, req, now.Unix()), &CheckoutOutcome{Handle: h, CreatedAt: now})
		return h, nil
	})

	select {
	case <-ctx.Done():
		return Handle{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Handle{}, res.Err
		}
		h := res.Val.(Handle)
		if !led {
			h.Replayed = true
		}
		return h, nil
	}
}

// InMemoryOutcomeStore is a process-local OutcomeStore. Expired entries are
// dropped on access and by a background sweeper.
type InMemoryOutcomeStore struct {
	mu       sync.Mutex
	entries  map[string]*CheckoutOutcome
	ttl      time.Duration
	nowFunc  func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

func NewInMemoryOutcomeStore(ttl time.Duration) *InMemoryOutcomeStore {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	s := &InMemoryOutcomeStore{
		entries: make(map[string]*CheckoutOutcome),
		ttl:     ttl,
		nowFunc: time.Now,
		stop:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *InMemoryOutcomeStore) sweepLoop() {
	ticker := time.NewTicker(s.ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.evictExpired()
		case <-s.stop:
			return
		}
	}
}

// Stop terminates the sweeper.
func (s *InMemoryOutcomeStore) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *InMemoryOutcomeStore) evictExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc()
	for key, o := range s.entries {
		if now.Sub(o.CreatedAt) > s.ttl {
			delete(s.entries, key)
		}
	}
}

func (s *InMemoryOutcomeStore) Get(_ context.Context, key string) (*CheckoutOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if s.nowFunc().Sub(o.CreatedAt) > s.ttl {
		delete(s.entries, key)
		return nil, false
	}
	cp := *o
	return &cp, true
}

func (s *InMemoryOutcomeStore) Set(_ context.Context, key string, o *CheckoutOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.nowFunc()
	}
	s.entries[key] = &cp
}

// Len reports the number of live entries.
func (s *InMemoryOutcomeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
