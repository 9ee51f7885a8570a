package oui

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type fakeClient struct {
	mu      sync.Mutex
	calls   atomic.Int64
	answers map[string]func() (string, error)
	release chan struct{}
}

func newFakeClient() *fakeClient {
	return &fakeClient{answers: map[string]func() (string, error){}}
}

func (c *fakeClient) answer(prefix string, fn func() (string, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.answers[prefix] = fn
}

func (c *fakeClient) Lookup(ctx context.Context, prefix string) (string, error) {
	c.calls.Add(1)
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	c.mu.Lock()
	fn, ok := c.answers[prefix]
	c.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}
	return fn()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestResolver(client Client) (*Resolver, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	opts := DefaultOptions()
	opts.RequestsPerSec = 0
	r := NewResolver(client, opts)
	r.now = clock.Now
	return r, clock
}

func Test_ResolveCacheHit(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.answer("aa:bb:cc", func() (string, error) { return "Acme Networks", nil })
	r, _ := newTestResolver(client)

	for _, mac := range []string{"aa:bb:cc:dd:ee:01", "AA-BB-CC-00-00-02", "aa:bb:cc:dd:ee:01"} {
		res, err := r.Resolve(context.Background(), mac)
		if err != nil {
			t.Fatal("unexpected error:", err)
		}
		expected := Result{Status: StatusResolved, Vendor: "Acme Networks"}
		if diff := cmp.Diff(expected, res); diff != "" {
			t.Fatalf("unexpected result for %v: %v", mac, diff)
		}
	}

	if calls := client.calls.Load(); calls != 1 {
		t.Fatal("unexpected number of external requests:", calls)
	}
	if requests := r.Requests(); requests != 1 {
		t.Fatal("unexpected request counter:", requests)
	}
}

func Test_ResolveConcurrentSinglePrefix(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.release = make(chan struct{})
	client.answer("aa:bb:cc", func() (string, error) { return "Acme Networks", nil })
	r, _ := newTestResolver(client)

	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = r.Resolve(context.Background(), "aa:bb:cc:dd:ee:01")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(client.release)
	wg.Wait()

	for i, res := range results {
		if res.Vendor != "Acme Networks" {
			t.Fatalf("unexpected vendor for caller %v: %v", i, res.Vendor)
		}
	}
	if calls := client.calls.Load(); calls != 1 {
		t.Fatal("unexpected number of external requests:", calls)
	}
}

func Test_ResolveNegativeCache(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	r, clock := newTestResolver(client)

	for range 3 {
		res, err := r.Resolve(context.Background(), "02:00:00:00:00:01")
		if err != nil {
			t.Fatal("unexpected error:", err)
		}
		if res.Status != StatusNotFound {
			t.Fatal("unexpected status:", res.Status)
		}
	}
	if calls := client.calls.Load(); calls != 1 {
		t.Fatal("unexpected number of external requests:", calls)
	}

	clock.Advance(r.opts.NegativeTTL + time.Second)
	if _, err := r.Resolve(context.Background(), "02:00:00:00:00:01"); err != nil {
		t.Fatal("unexpected error:", err)
	}
	if calls := client.calls.Load(); calls != 2 {
		t.Fatal("negative entry did not expire, requests:", calls)
	}
}

func Test_ResolveRateLimited(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.answer("aa:bb:cc", func() (string, error) { return "", &RateLimitError{RetryAfter: 30 * time.Second} })
	r, clock := newTestResolver(client)
	start := clock.Now()

	res, err := r.Resolve(context.Background(), "aa:bb:cc:dd:ee:01")
	if err != nil {
		t.Fatal("unexpected error:", err)
	}
	expected := Result{Status: StatusPending, RetryAt: start.Add(30 * time.Second)}
	if diff := cmp.Diff(expected, res); diff != "" {
		t.Fatalf("unexpected result: %v", diff)
	}

	clock.Advance(29 * time.Second)
	res, err = r.Resolve(context.Background(), "aa:bb:cc:dd:ee:02")
	if err != nil || res.Status != StatusPending {
		t.Fatalf("expected pending result before retry time, got: %v, %v", res, err)
	}
	if calls := client.calls.Load(); calls != 1 {
		t.Fatal("request issued before retry-after elapsed:", calls)
	}

	client.answer("aa:bb:cc", func() (string, error) { return "Acme Networks", nil })
	clock.Advance(2 * time.Second)
	res, err = r.Resolve(context.Background(), "aa:bb:cc:dd:ee:01")
	if err != nil || res.Vendor != "Acme Networks" {
		t.Fatalf("expected resolution after retry time, got: %v, %v", res, err)
	}
	if calls := client.calls.Load(); calls != 2 {
		t.Fatal("unexpected number of external requests:", calls)
	}
}

func Test_ResolveExponentialBackOff(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.answer("aa:bb:cc", func() (string, error) { return "", &RateLimitError{} })
	r, clock := newTestResolver(client)

	expectedDelays := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}
	for i, expectedDelay := range expectedDelays {
		now := clock.Now()
		res, err := r.Resolve(context.Background(), "aa:bb:cc:dd:ee:01")
		if err != nil {
			t.Fatal("unexpected error:", err)
		}
		if delay := res.RetryAt.Sub(now); delay != expectedDelay {
			t.Fatalf("unexpected back-off at attempt %v, expected: %v, got: %v", i, expectedDelay, delay)
		}
		clock.Advance(expectedDelay)
	}
}

func Test_ResolveBackOffCapped(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.answer("aa:bb:cc", func() (string, error) { return "", &RateLimitError{} })
	r, clock := newTestResolver(client)

	var last Result
	for range 12 {
		res, err := r.Resolve(context.Background(), "aa:bb:cc:dd:ee:01")
		if err != nil {
			t.Fatal("unexpected error:", err)
		}
		last = res
		clock.Advance(res.RetryAt.Sub(clock.Now()))
	}
	now := clock.Now()
	res, _ := r.Resolve(context.Background(), "aa:bb:cc:dd:ee:01")
	if delay := res.RetryAt.Sub(now); delay != r.opts.MaxBackoff {
		t.Fatalf("back-off not capped, got: %v (previous %v)", delay, last.RetryAt)
	}
}

func Test_ResolveTransientError(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.answer("aa:bb:cc", func() (string, error) { return "", errors.New("connection reset") })
	r, _ := newTestResolver(client)

	for i := range 2 {
		_, err := r.Resolve(context.Background(), "aa:bb:cc:dd:ee:01")
		if !errors.Is(err, ErrResolution) {
			t.Fatalf("unexpected error at attempt %v: %v", i, err)
		}
	}
	if calls := client.calls.Load(); calls != 2 {
		t.Fatal("transient failure was cached, requests:", calls)
	}
}

func Test_ResolveTimeout(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.release = make(chan struct{})
	r, _ := newTestResolver(client)
	r.opts.RequestTimeout = 20 * time.Millisecond

	_, err := r.Resolve(context.Background(), "aa:bb:cc:dd:ee:01")
	if !errors.Is(err, ErrResolution) {
		t.Fatal("unexpected error:", err)
	}
}

func Test_ResolveInvalidMac(t *testing.T) {
	t.Parallel()

	r, _ := newTestResolver(newFakeClient())
	if _, err := r.Resolve(context.Background(), "invalid"); !errors.Is(err, ErrResolution) {
		t.Fatal("unexpected error:", err)
	}
}

func Test_VendorStateRoundTrip(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.answer("aa:bb:cc", func() (string, error) { return "Acme Networks", nil })
	client.answer("aa:bb:ce", func() (string, error) { return "", &RateLimitError{RetryAfter: time.Minute} })
	r, clock := newTestResolver(client)

	for _, mac := range []string{"aa:bb:cc:00:00:01", "aa:bb:cd:00:00:01", "aa:bb:ce:00:00:01"} {
		_, _ = r.Resolve(context.Background(), mac)
	}

	saved := r.VendorState()
	if size := len(saved.Entries); size != 3 {
		t.Fatal("unexpected number of saved entries:", size)
	}

	restored, _ := newTestResolver(newFakeClient())
	restored.now = clock.Now
	restored.LoadVendorState(saved)

	if diff := cmp.Diff(saved, restored.VendorState()); diff != "" {
		t.Fatalf("state changed after round trip: %v", diff)
	}

	res, err := restored.Resolve(context.Background(), "aa:bb:cc:00:00:09")
	if err != nil || res.Vendor != "Acme Networks" {
		t.Fatalf("restored cache miss: %v, %v", res, err)
	}
	res, err = restored.Resolve(context.Background(), "aa:bb:ce:00:00:09")
	if err != nil || res.Status != StatusPending {
		t.Fatalf("restored back-off lost: %v, %v", res, err)
	}
}

func Test_VendorStateSkipsExpired(t *testing.T) {
	t.Parallel()

	client := newFakeClient()
	client.answer("aa:bb:cc", func() (string, error) { return "Acme Networks", nil })
	r, clock := newTestResolver(client)
	_, _ = r.Resolve(context.Background(), "aa:bb:cc:00:00:01")

	clock.Advance(r.opts.PositiveTTL + time.Hour)
	if size := len(r.VendorState().Entries); size != 0 {
		t.Fatal("expired entry saved, entries:", size)
	}
}
