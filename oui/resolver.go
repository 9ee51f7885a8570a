package oui

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ipastusi/lanmonitor/device"
	"github.com/ipastusi/lanmonitor/state"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

var ErrResolution = errors.New("vendor resolution failed")

type Status int

const (
	StatusResolved Status = iota
	StatusNotFound
	StatusPending
)

func (s Status) String() string {
	switch s {
	case StatusResolved:
		return "resolved"
	case StatusNotFound:
		return "not found"
	case StatusPending:
		return "pending"
	default:
		return "unknown"
	}
}

type Result struct {
	Status  Status
	Vendor  string
	RetryAt time.Time
}

type Options struct {
	PositiveTTL    time.Duration
	NegativeTTL    time.Duration
	RequestTimeout time.Duration
	RequestsPerSec float64
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
}

func DefaultOptions() Options {
	return Options{
		PositiveTTL:    30 * 24 * time.Hour,
		NegativeTTL:    7 * 24 * time.Hour,
		RequestTimeout: 5 * time.Second,
		RequestsPerSec: 1,
		BaseBackoff:    time.Minute,
		MaxBackoff:     time.Hour,
	}
}

// Resolver maps MAC addresses to vendor names, caching results per OUI prefix.
// It is safe for concurrent use.
type Resolver struct {
	client   Client
	opts     Options
	cache    *vendorCache
	group    singleflight.Group
	limiter  *rate.Limiter
	now      func() time.Time
	requests atomic.Int64
}

func NewResolver(client Client, opts Options) *Resolver {
	defaults := DefaultOptions()
	if opts.PositiveTTL <= 0 {
		opts.PositiveTTL = defaults.PositiveTTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = defaults.NegativeTTL
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaults.RequestTimeout
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = defaults.BaseBackoff
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = max(defaults.MaxBackoff, opts.BaseBackoff)
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1)
	}

	return &Resolver{
		client:  client,
		opts:    opts,
		cache:   newVendorCache(),
		limiter: limiter,
		now:     time.Now,
	}
}

// Resolve returns the vendor for mac. Cached answers and prefixes in back-off return
// without I/O; otherwise at most one request per prefix is in flight at a time.
// Transient failures are returned as ErrResolution and are not cached.
func (r *Resolver) Resolve(ctx context.Context, mac string) (Result, error) {
	normalized, err := device.NormalizeMAC(mac)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrResolution, err)
	}
	prefix := device.Prefix(normalized)

	if res, ok := r.cached(prefix); ok {
		return res, nil
	}

	v, err, _ := r.group.Do(prefix, func() (any, error) {
		// a flight that just finished may have filled the cache
		if res, ok := r.cached(prefix); ok {
			return res, nil
		}
		return r.lookup(ctx, prefix)
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

// Requests reports how many external lookups have been issued.
func (r *Resolver) Requests() int64 {
	return r.requests.Load()
}

func (r *Resolver) cached(prefix string) (Result, bool) {
	e, ok := r.cache.get(prefix)
	if !ok {
		return Result{}, false
	}

	now := r.now()
	if !e.retryAfter.IsZero() && now.Before(e.retryAfter) {
		return Result{Status: StatusPending, RetryAt: e.retryAfter}, true
	}
	if now.Before(e.expires) {
		if e.negative {
			return Result{Status: StatusNotFound}, true
		}
		if e.vendor != "" {
			return Result{Status: StatusResolved, Vendor: e.vendor}, true
		}
	}
	return Result{}, false
}

func (r *Resolver) lookup(ctx context.Context, prefix string) (Result, error) {
	reqCtx, cancel := context.WithTimeout(ctx, r.opts.RequestTimeout)
	defer cancel()

	if r.limiter != nil {
		if err := r.limiter.Wait(reqCtx); err != nil {
			return Result{}, fmt.Errorf("%w: prefix %v: %v", ErrResolution, prefix, err)
		}
	}

	r.requests.Add(1)
	vendor, err := r.client.Lookup(reqCtx, prefix)
	now := r.now()

	var rateLimitErr *RateLimitError
	switch {
	case err == nil:
		r.cache.put(prefix, cacheEntry{vendor: vendor, expires: now.Add(r.opts.PositiveTTL)})
		return Result{Status: StatusResolved, Vendor: vendor}, nil
	case errors.Is(err, ErrNotFound):
		r.cache.put(prefix, cacheEntry{negative: true, expires: now.Add(r.opts.NegativeTTL)})
		return Result{Status: StatusNotFound}, nil
	case errors.As(err, &rateLimitErr):
		retryAt := r.backOff(prefix, rateLimitErr.RetryAfter, now)
		return Result{Status: StatusPending, RetryAt: retryAt}, nil
	default:
		return Result{}, fmt.Errorf("%w: prefix %v: %v", ErrResolution, prefix, err)
	}
}

// backOff records when prefix may be asked for again. The service's own hint wins,
// otherwise the delay doubles with every consecutive rate-limit answer.
func (r *Resolver) backOff(prefix string, hint time.Duration, now time.Time) time.Time {
	prev, _ := r.cache.get(prefix)
	failures := prev.failures + 1

	delay := hint
	if delay <= 0 {
		delay = r.opts.BaseBackoff
		for i := 1; i < failures && delay < r.opts.MaxBackoff; i++ {
			delay *= 2
		}
		delay = min(delay, r.opts.MaxBackoff)
	}

	retryAt := now.Add(delay)
	r.cache.put(prefix, cacheEntry{retryAfter: retryAt, failures: failures})
	return retryAt
}

// VendorState exports live cache entries for persistence.
func (r *Resolver) VendorState() state.VendorState {
	now := r.now()
	vendorState := state.NewVendorState()
	for prefix, e := range r.cache.snapshot() {
		if now.After(e.expires) && now.After(e.retryAfter) {
			continue
		}
		entry := state.Entry{
			Prefix:   prefix,
			Vendor:   e.vendor,
			Negative: e.negative,
			Failures: e.failures,
		}
		if !e.expires.IsZero() {
			entry.ExpiresTs = e.expires.UnixMilli()
		}
		if !e.retryAfter.IsZero() {
			entry.RetryAfterTs = e.retryAfter.UnixMilli()
		}
		vendorState.Entries = append(vendorState.Entries, entry)
	}
	slices.SortFunc(vendorState.Entries, func(a, b state.Entry) int {
		return strings.Compare(a.Prefix, b.Prefix)
	})
	return vendorState
}

// LoadVendorState seeds the cache from a previously saved state.
func (r *Resolver) LoadVendorState(vendorState state.VendorState) {
	for _, entry := range vendorState.Entries {
		e := cacheEntry{
			vendor:   entry.Vendor,
			negative: entry.Negative,
			failures: entry.Failures,
		}
		if entry.ExpiresTs > 0 {
			e.expires = time.UnixMilli(entry.ExpiresTs)
		}
		if entry.RetryAfterTs > 0 {
			e.retryAfter = time.UnixMilli(entry.RetryAfterTs)
		}
		r.cache.put(strings.ToLower(entry.Prefix), e)
	}
}
