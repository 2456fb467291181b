package payment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hms/hms/internal/platform/db"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestStore(ttl time.Duration, now func() time.Time) *InMemoryOutcomeStore {
	return &InMemoryOutcomeStore{
		entries: make(map[string]*CheckoutOutcome),
		ttl:     ttl,
		nowFunc: now,
		stop:    make(chan struct{}),
	}
}

func newClockedDedup(clock *testClock, ttl time.Duration) *Deduplicator {
	d := NewDeduplicator(newTestStore(ttl, clock.now), ttl, 0)
	d.nowFunc = clock.now
	return d
}

func sampleRequest() CheckoutRequest {
	return CheckoutRequest{
		Amount:      150000,
		Description: "Consultation",
		PatientRef:  uuidPtr(uuid.MustParse("6f1c2b9a-0d3e-4c55-9a7b-1f2e3d4c5b6a")),
	}
}

func countingFn(calls *int32) func(context.Context) (Handle, error) {
	return func(context.Context) (Handle, error) {
		n := atomic.AddInt32(calls, 1)
		return Handle{OrderCode: "order-" + string(rune('0'+n))}, nil
	}
}

func TestDeduplicator_ConcurrentIdenticalRunOnce(t *testing.T) {
	d := NewDeduplicator(newTestStore(time.Minute, time.Now), time.Minute, 0)
	var calls int32
	fn := func(context.Context) (Handle, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(50 * time.Millisecond)
		return Handle{OrderCode: "17000000001234"}, nil
	}

	const n = 20
	var wg sync.WaitGroup
	var fresh int32
	handles := make([]Handle, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := d.Do(context.Background(), sampleRequest(), fn)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if !h.Replayed {
				atomic.AddInt32(&fresh, 1)
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected exactly one execution, got %d", calls)
	}
	if fresh != 1 {
		t.Errorf("expected one non-replayed handle, got %d", fresh)
	}
	for _, h := range handles {
		if h.OrderCode != "17000000001234" {
			t.Errorf("expected shared order code, got %q", h.OrderCode)
		}
	}
}

func TestDeduplicator_ReplaysAcrossBucketEdge(t *testing.T) {
	clock := newTestClock(time.Unix(1700000000, 900_000_000))
	d := newClockedDedup(clock, 10*time.Second)
	var calls int32
	ctx := context.Background()

	first, err := d.Do(ctx, sampleRequest(), countingFn(&calls))
	if err != nil || first.Replayed {
		t.Fatalf("first call: %+v %v", first, err)
	}

	clock.advance(300 * time.Millisecond) // next second
	again, err := d.Do(ctx, sampleRequest(), countingFn(&calls))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !again.Replayed || again.OrderCode != first.OrderCode {
		t.Errorf("expected replay of %q, got %+v", first.OrderCode, again)
	}

	clock.advance(2 * time.Second)
	later, _ := d.Do(ctx, sampleRequest(), countingFn(&calls))
	if later.Replayed {
		t.Error("expected fresh work two buckets later")
	}
	if calls != 2 {
		t.Errorf("expected 2 executions, got %d", calls)
	}
}

func TestDeduplicator_TTLBoundsReplay(t *testing.T) {
	clock := newTestClock(time.Unix(1700000000, 0))
	d := newClockedDedup(clock, 500*time.Millisecond)
	var calls int32
	ctx := context.Background()

	_, _ = d.Do(ctx, sampleRequest(), countingFn(&calls))
	clock.advance(700 * time.Millisecond)
	h, _ := d.Do(ctx, sampleRequest(), countingFn(&calls))
	if h.Replayed || calls != 2 {
		t.Errorf("expected expired entry to be ignored, calls=%d replayed=%v", calls, h.Replayed)
	}
}

func TestDeduplicator_FailuresNotCached(t *testing.T) {
	clock := newTestClock(time.Unix(1700000000, 0))
	d := newClockedDedup(clock, 10*time.Second)
	ctx := context.Background()
	boom := errors.New("gateway down")

	var calls int32
	fail := func(context.Context) (Handle, error) {
		atomic.AddInt32(&calls, 1)
		return Handle{}, boom
	}
	if _, err := d.Do(ctx, sampleRequest(), fail); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	h, err := d.Do(ctx, sampleRequest(), countingFn(&calls))
	if err != nil || h.Replayed {
		t.Fatalf("expected fresh success after failure, got %+v %v", h, err)
	}
	if calls != 2 {
		t.Errorf("expected retry to run, calls=%d", calls)
	}
}

func TestDeduplicator_DistinctRequestsDoNotCollapse(t *testing.T) {
	clock := newTestClock(time.Unix(1700000000, 0))
	d := newClockedDedup(clock, 10*time.Second)
	ctx := context.Background()
	var calls int32

	base := sampleRequest()
	otherAmount := base
	otherAmount.Amount = 200000
	otherPatient := base
	otherPatient.PatientRef = uuidPtr(uuid.New())
	otherDoctor := base
	otherDoctor.DoctorRef = uuidPtr(uuid.New())

	for _, req := range []CheckoutRequest{base, otherAmount, otherPatient, otherDoctor} {
		if h, _ := d.Do(ctx, req, countingFn(&calls)); h.Replayed {
			t.Errorf("unexpected replay for %+v", req)
		}
	}
	if calls != 4 {
		t.Errorf("expected 4 executions, got %d", calls)
	}
}

func TestFingerprint(t *testing.T) {
	req := sampleRequest()
	if fingerprint("north", req, 10) != fingerprint("north", req, 10) {
		t.Error("fingerprint must be deterministic")
	}
	if fingerprint("north", req, 10) == fingerprint("north", req, 11) {
		t.Error("buckets must change the fingerprint")
	}
	if fingerprint("north", req, -1) == fingerprint("north", req, 0) {
		t.Error("bucketless key must differ from bucket 0")
	}
	if fingerprint("north", req, 10) == fingerprint("south", req, 10) {
		t.Error("tenants must change the fingerprint")
	}
	if len(fingerprint("", req, 1)) != 64 {
		t.Error("expected hex sha256")
	}
}

func TestDeduplicator_TenantsDoNotShareOutcomes(t *testing.T) {
	clock := newTestClock(time.Unix(1700000000, 0))
	d := newClockedDedup(clock, 10*time.Second)
	var calls int32
	north := context.WithValue(context.Background(), db.TenantIDKey, "north")
	south := context.WithValue(context.Background(), db.TenantIDKey, "south")

	a, _ := d.Do(north, sampleRequest(), countingFn(&calls))
	b, _ := d.Do(south, sampleRequest(), countingFn(&calls))
	if b.Replayed || a.OrderCode == b.OrderCode {
		t.Errorf("expected separate outcomes per tenant, got %+v and %+v", a, b)
	}
	again, _ := d.Do(north, sampleRequest(), countingFn(&calls))
	if !again.Replayed || again.OrderCode != a.OrderCode {
		t.Errorf("expected replay within tenant, got %+v", again)
	}
	if calls != 2 {
		t.Errorf("expected 2 executions, got %d", calls)
	}
}

// The caller that starts the shared work going away must not fail the
// others waiting on it.
func TestDeduplicator_StarterCancelDoesNotFailFollowers(t *testing.T) {
	d := NewDeduplicator(newTestStore(time.Minute, time.Now), time.Minute, time.Second)
	var calls int32
	var hadDeadline atomic.Bool
	fn := func(ctx context.Context) (Handle, error) {
		atomic.AddInt32(&calls, 1)
		_, ok := ctx.Deadline()
		hadDeadline.Store(ok)
		select {
		case <-time.After(200 * time.Millisecond):
			return Handle{OrderCode: "17000000005678"}, nil
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		}
	}

	starterCtx, cancel := context.WithCancel(context.Background())
	starterErr := make(chan error, 1)
	go func() {
		_, err := d.Do(starterCtx, sampleRequest(), fn)
		starterErr <- err
	}()

	time.Sleep(50 * time.Millisecond)
	type result struct {
		h   Handle
		err error
	}
	follower := make(chan result, 1)
	go func() {
		h, err := d.Do(context.Background(), sampleRequest(), fn)
		follower <- result{h, err}
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	if err := <-starterErr; !errors.Is(err, context.Canceled) {
		t.Errorf("expected the cancelled starter to see context.Canceled, got %v", err)
	}

	res := <-follower
	if res.err != nil {
		t.Fatalf("follower failed: %v", res.err)
	}
	if res.h.OrderCode != "17000000005678" || !res.h.Replayed {
		t.Errorf("expected shared handle, got %+v", res.h)
	}
	if calls != 1 {
		t.Errorf("expected one execution, got %d", calls)
	}
	if !hadDeadline.Load() {
		t.Error("expected shared work to be bounded by the work timeout")
	}
}

func TestDeduplicator_WorkTimeoutBoundsSharedWork(t *testing.T) {
	d := NewDeduplicator(newTestStore(time.Minute, time.Now), time.Minute, 20*time.Millisecond)
	_, err := d.Do(context.Background(), sampleRequest(), func(ctx context.Context) (Handle, error) {
		<-ctx.Done()
		return Handle{}, ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestInMemoryOutcomeStore_Expiry(t *testing.T) {
	clock := newTestClock(time.Unix(1700000000, 0))
	s := newTestStore(time.Second, clock.now)
	ctx := context.Background()

	s.Set(ctx, "a", &CheckoutOutcome{Handle: Handle{OrderCode: "1"}})
	s.Set(ctx, "b", &CheckoutOutcome{Handle: Handle{OrderCode: "2"}})
	if o, ok := s.Get(ctx, "a"); !ok || o.Handle.OrderCode != "1" {
		t.Fatalf("expected hit, got %+v %v", o, ok)
	}

	clock.advance(2 * time.Second)
	if _, ok := s.Get(ctx, "a"); ok {
		t.Error("expected lazy expiry on access")
	}
	if s.Len() != 1 {
		t.Errorf("expected b to remain until swept, len=%d", s.Len())
	}
	s.evictExpired()
	if s.Len() != 0 {
		t.Errorf("expected sweep to clear, len=%d", s.Len())
	}
}

func TestInMemoryOutcomeStore_StopIsIdempotent(t *testing.T) {
	s := NewInMemoryOutcomeStore(time.Minute)
	s.Stop()
	s.Stop()
}
