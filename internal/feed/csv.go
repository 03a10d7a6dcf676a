package feed

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// HTTPCSVProvider fetches a published CSV export over HTTP. The configured
// URL may carry {source} and {range} placeholders; without placeholders the
// values are appended as query parameters. Transient failures (network,
// 429, 5xx) are retried with capped backoff before the fetch is declared
// unavailable.
type HTTPCSVProvider struct {
	rawURL     string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPCSVProvider(rawURL, token string, httpClient *http.Client) *HTTPCSVProvider {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPCSVProvider{
		rawURL:     strings.TrimSpace(rawURL),
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		maxRetries: 3,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

func (p *HTTPCSVProvider) FetchRows(ctx context.Context, sourceID, readRange string) ([][]string, error) {
	target, err := p.buildURL(sourceID, readRange)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	for attempt := 0; ; attempt++ {
		rows, retryAfter, retryable, err := p.fetchOnce(ctx, target)
		if err == nil {
			return rows, nil
		}
		if !retryable || attempt >= p.maxRetries {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		delay := p.retryDelay(attempt + 1)
		if retryAfter > delay {
			delay = retryAfter
		}
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, waitErr)
		}
	}
}

func (p *HTTPCSVProvider) fetchOnce(ctx context.Context, target string) ([][]string, time.Duration, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, 0, false, err
	}
	req.Header.Set("Accept", "text/csv")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, 0, true, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		reader := csv.NewReader(resp.Body)
		reader.FieldsPerRecord = -1
		rows, readErr := reader.ReadAll()
		if readErr != nil {
			return nil, 0, false, fmt.Errorf("csv decode: %v", readErr)
		}
		return rows, 0, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, retryAfter, true, fmt.Errorf("http %d", resp.StatusCode)
	default:
		return nil, 0, false, fmt.Errorf("http %d", resp.StatusCode)
	}
}

func (p *HTTPCSVProvider) buildURL(sourceID, readRange string) (string, error) {
	raw := p.rawURL
	if raw == "" {
		return "", fmt.Errorf("feed url is not configured")
	}
	interpolated := strings.Contains(raw, "{source}") || strings.Contains(raw, "{range}")
	raw = strings.ReplaceAll(raw, "{source}", url.QueryEscape(sourceID))
	raw = strings.ReplaceAll(raw, "{range}", url.QueryEscape(readRange))
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if !interpolated {
		q := parsed.Query()
		if strings.TrimSpace(sourceID) != "" {
			q.Set("source", strings.TrimSpace(sourceID))
		}
		if strings.TrimSpace(readRange) != "" {
			q.Set("range", strings.TrimSpace(readRange))
		}
		parsed.RawQuery = q.Encode()
	}
	return parsed.String(), nil
}

func (p *HTTPCSVProvider) retryDelay(attempt int) time.Duration {
	delay := p.baseDelay * time.Duration(1<<uint(attempt-1))
	if delay > p.maxDelay {
		delay = p.maxDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// parseRetryAfter interprets a Retry-After header value in seconds.
func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	seconds, err := strconv.Atoi(value)
	if err != nil || seconds < 0 {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
