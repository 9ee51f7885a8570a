package oui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "https://api.macvendors.com/"

var ErrNotFound = errors.New("vendor not found")

// RateLimitError is returned when the lookup service rejects a request due to its quota.
// RetryAfter is zero when the service did not say how long to wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %v", e.RetryAfter)
	}
	return "rate limited"
}

// Client looks up the vendor registered for a MAC address prefix.
type Client interface {
	Lookup(ctx context.Context, prefix string) (string, error)
}

// MacVendorsClient queries the macvendors.com API, which answers with the plain vendor name,
// 404 for unregistered prefixes and 429 once the free quota is exhausted.
type MacVendorsClient struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time
}

func NewMacVendorsClient(baseURL string, timeout time.Duration) *MacVendorsClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &MacVendorsClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

func (c *MacVendorsClient) Lookup(ctx context.Context, prefix string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+prefix, nil)
	if err != nil {
		return "", fmt.Errorf("build vendor request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("vendor request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", fmt.Errorf("read vendor response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		vendor := strings.TrimSpace(string(body))
		if vendor == "" {
			return "", ErrNotFound
		}
		return vendor, nil
	case http.StatusNotFound:
		return "", ErrNotFound
	case http.StatusTooManyRequests:
		return "", &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now())}
	default:
		return "", fmt.Errorf("unexpected vendor response status: %v", resp.Status)
	}
}

// parseRetryAfter accepts both forms allowed by RFC 9110: delay in seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
