package oui

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func Test_MacVendorsClientLookup(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/aa:bb:cc":
			_, _ = w.Write([]byte("Acme Networks\n"))
		case "/aa:bb:cd":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":{"detail":"Not Found"}}`))
		case "/aa:bb:ce":
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/aa:bb:cf":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(server.Close)

	client := NewMacVendorsClient(server.URL, time.Second)

	data := map[string]struct {
		prefix     string
		vendor     string
		notFound   bool
		retryAfter time.Duration
		rateLimit  bool
		ok         bool
	}{
		"found":                   {prefix: "aa:bb:cc", vendor: "Acme Networks", ok: true},
		"not found":               {prefix: "aa:bb:cd", notFound: true},
		"rate limited with hint":  {prefix: "aa:bb:ce", rateLimit: true, retryAfter: 2 * time.Minute},
		"rate limited no hint":    {prefix: "aa:bb:cf", rateLimit: true},
		"unexpected server error": {prefix: "aa:bb:d0"},
	}

	for name, d := range data {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			vendor, err := client.Lookup(context.Background(), d.prefix)
			if (err == nil) != d.ok {
				t.Fatalf("unexpected result, expected ok: %v, got error: %v", d.ok, err)
			}
			if vendor != d.vendor {
				t.Fatalf("unexpected vendor, expected: %v, got: %v", d.vendor, vendor)
			}
			if errors.Is(err, ErrNotFound) != d.notFound {
				t.Fatalf("unexpected not found error: %v", err)
			}
			var rateLimitErr *RateLimitError
			if errors.As(err, &rateLimitErr) != d.rateLimit {
				t.Fatalf("unexpected rate limit error: %v", err)
			}
			if d.rateLimit && rateLimitErr.RetryAfter != d.retryAfter {
				t.Fatalf("unexpected retry after, expected: %v, got: %v", d.retryAfter, rateLimitErr.RetryAfter)
			}
		})
	}
}

func Test_parseRetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	data := map[string]struct {
		value    string
		expected time.Duration
	}{
		"empty":     {"", 0},
		"seconds":   {"30", 30 * time.Second},
		"negative":  {"-5", 0},
		"http date": {"Sun, 01 Jun 2025 12:01:00 GMT", time.Minute},
		"past date": {"Sun, 01 Jun 2025 11:00:00 GMT", 0},
		"nonsense":  {"soon", 0},
	}

	for name, d := range data {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if actual := parseRetryAfter(d.value, now); actual != d.expected {
				t.Fatalf("unexpected delay for %q, expected: %v, got: %v", d.value, d.expected, actual)
			}
		})
	}
}
