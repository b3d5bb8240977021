package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Attempt is one named way of performing a logical read.
type Attempt interface {
	Name() string
	Do(ctx context.Context) (*http.Response, error)
}

// StatusError is a non-2xx response from a candidate.
type StatusError struct {
	Candidate  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Candidate, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Candidate, e.StatusCode, e.Body)
}

// requestAttempt issues a GET against one candidate URL.
type requestAttempt struct {
	name    string
	url     string
	client  *http.Client
	headers http.Header
}

func (a requestAttempt) Name() string { return a.name }

func (a requestAttempt) Do(ctx context.Context) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range a.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return a.client.Do(req)
}

// attemptObserver is told the outcome of every attempt.
type attemptObserver func(candidate, outcome string)

// FirstSuccess runs attempts in order and returns the first 2xx response.
// Transport errors and non-2xx responses advance to the next attempt. When
// every attempt fails the last failure is returned wrapped in ErrConnectivity.
// Cancellation stops immediately.
func FirstSuccess(ctx context.Context, attempts []Attempt) (*http.Response, string, error) {
	return firstSuccess(ctx, attempts, nil)
}

func firstSuccess(ctx context.Context, attempts []Attempt, observe attemptObserver) (*http.Response, string, error) {
	if len(attempts) == 0 {
		return nil, "", fmt.Errorf("%w: no candidates declared", ErrConnectivity)
	}
	if observe == nil {
		observe = func(string, string) {}
	}

	var lastErr error
	for _, a := range attempts {
		if ctx.Err() != nil {
			return nil, "", canceled(ctx)
		}

		resp, err := a.Do(ctx)
		if err != nil {
			if ctx.Err() != nil {
				observe(a.Name(), "canceled")
				return nil, "", canceled(ctx)
			}
			observe(a.Name(), "transport_error")
			lastErr = fmt.Errorf("%s: %w", a.Name(), err)
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			observe(a.Name(), "ok")
			return resp, a.Name(), nil
		}

		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		observe(a.Name(), fmt.Sprintf("http_%d", resp.StatusCode))
		lastErr = &StatusError{Candidate: a.Name(), StatusCode: resp.StatusCode, Body: string(body)}
	}

	return nil, "", fmt.Errorf("%w: all %d candidates failed: %w", ErrConnectivity, len(attempts), lastErr)
}
