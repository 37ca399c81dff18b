// Package external holds the HTTP clients for the user-management and permission services.
package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"fidc-session-auth/backend/internal/logging"
)

var (
	// errNotFound is returned by get when the upstream answers 404.
	errNotFound = errors.New("upstream returned 404")
	errDecode   = errors.New("decode response")
)

// Options configure timeouts and retries for an upstream client.
type Options struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxAttempts    int
	RetryInitial   time.Duration
	RetryMax       time.Duration
}

// DefaultOptions returns 2s connect, 5s read and three attempts.
func DefaultOptions() Options {
	return Options{
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    5 * time.Second,
		MaxAttempts:    3,
		RetryInitial:   100 * time.Millisecond,
		RetryMax:       time.Second,
	}
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("request failed status=%d body=%s", e.status, e.body)
}

// httpClient is the shared GET-with-retry plumbing for both upstreams.
type httpClient struct {
	name    string
	baseURL string
	http    *http.Client
	opts    Options
	logger  *slog.Logger
}

func newHTTPClient(name, baseURL string, opts Options, logger *slog.Logger) *httpClient {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: opts.ConnectTimeout}).DialContext
	return &httpClient{
		name:    name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: opts.ConnectTimeout + opts.ReadTimeout, Transport: transport},
		opts:    opts,
		logger:  logging.OrDiscard(logger).With("component", name),
	}
}

// get issues GET {base}{path} with headers and decodes the JSON body into out. Network errors
// and 5xx responses are retried with exponential backoff; 4xx responses are not.
func (c *httpClient) get(ctx context.Context, path string, headers map[string]string, out any) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInitial
	b.MaxInterval = c.opts.RetryMax

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := c.once(ctx, path, headers, out)
		if err == nil {
			return struct{}{}, nil
		}
		var se *statusError
		if errors.Is(err, errNotFound) || errors.Is(err, errDecode) || (errors.As(err, &se) && se.status < 500) {
			return struct{}{}, backoff.Permanent(err)
		}
		c.logger.Warn("external: request failed", "path", path, "attempt", attempt, "error", err)
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(c.opts.MaxAttempts)))
	return err
}

func (c *httpClient) once(ctx context.Context, path string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{status: resp.StatusCode, body: truncate(string(body), 256)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", errDecode, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

