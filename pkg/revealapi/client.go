// Package revealapi is a client for the contact reveal service: it submits
// person references and returns revealed contact details.
package revealapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/contact-reveal/internal/resilience"
)

const (
	defaultMaxReferences = 10
	defaultRateLimit     = 2.0
	defaultTimeout       = 60 * time.Second
)

// Outcome is the per-reference result of a reveal call.
type Outcome string

const (
	OutcomeRevealed     Outcome = "revealed"
	OutcomeLinkedInOnly Outcome = "linkedin_only"
	OutcomeNotFound     Outcome = "not_found"
	OutcomeError        Outcome = "error"
)

// Reference identifies one person to reveal. Key is echoed back on the
// matching Result.
type Reference struct {
	Key        string `json:"key"`
	ID         string `json:"id,omitempty"`
	ProfileURL string `json:"linkedin_url,omitempty"`
}

// Result is the upstream answer for one reference.
type Result struct {
	Key     string            `json:"key"`
	Outcome Outcome           `json:"outcome"`
	Contact map[string]string `json:"contact,omitempty"`
	Error   *ResultError      `json:"error,omitempty"`
}

// ResultError describes a per-reference failure.
type ResultError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Charged   bool   `json:"charged"`
}

func (e *ResultError) String() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Client reveals contact details for a group of references.
type Client interface {
	Reveal(ctx context.Context, refs []Reference) ([]Result, error)
}

// ErrTooManyReferences is returned when a call exceeds the per-call ceiling.
var ErrTooManyReferences = eris.New("revealapi: too many references in one call")

type revealRequest struct {
	References []Reference `json:"references"`
}

type revealResponse struct {
	Results []Result `json:"results"`
	JobID   string   `json:"job_id,omitempty"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithRateLimit caps outgoing requests per second. Zero or less disables the limit.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithMaxReferences sets the per-call reference ceiling.
func WithMaxReferences(n int) Option {
	return func(c *httpClient) {
		if n > 0 {
			c.maxRefs = n
		}
	}
}

// WithPollOptions configures how asynchronous jobs are polled.
func WithPollOptions(opts ...PollOption) Option {
	return func(c *httpClient) {
		for _, o := range opts {
			o(&c.poll)
		}
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	maxRefs int
	http    *http.Client
	limiter *rate.Limiter
	poll    pollConfig
}

// NewClient creates a reveal API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		maxRefs: defaultMaxReferences,
		limiter: rate.NewLimiter(rate.Limit(defaultRateLimit), 1),
		poll:    defaultPollConfig(),
		http: &http.Client{
			Timeout: defaultTimeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Reveal submits refs in one call. Results are returned synchronously or, if
// the service answers 202, after polling the job to completion. Errors are
// *resilience.CallError values that say whether the service accepted the call.
func (c *httpClient) Reveal(ctx context.Context, refs []Reference) ([]Result, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if len(refs) > c.maxRefs {
		return nil, resilience.NewCallError(
			eris.Wrapf(ErrTooManyReferences, "revealapi: %d references, limit %d", len(refs), c.maxRefs),
			resilience.ClassPermanent, 0, false)
	}

	body, err := json.Marshal(revealRequest{References: refs})
	if err != nil {
		return nil, resilience.NewCallError(eris.Wrap(err, "revealapi: marshal request"), resilience.ClassPermanent, 0, false)
	}

	status, respBody, err := c.do(ctx, http.MethodPost, "/v1/people/reveal", body)
	if err != nil {
		return nil, err
	}

	var resp revealResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, resilience.NewCallError(eris.Wrap(err, "revealapi: unmarshal response"), resilience.ClassTransient, status, true)
	}

	switch status {
	case http.StatusOK:
		return resp.Results, nil
	case http.StatusAccepted:
		if resp.JobID == "" {
			return nil, resilience.NewCallError(eris.New("revealapi: 202 without job_id"), resilience.ClassTransient, status, true)
		}
		return c.pollJob(ctx, resp.JobID)
	default:
		return nil, resilience.NewCallError(eris.Errorf("revealapi: unexpected status %d", status), resilience.ClassTransient, status, true)
	}
}

// do sends one request and returns the status and body of any 2xx response.
func (c *httpClient) do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	if c.baseURL == "" {
		return 0, nil, resilience.NewCallError(eris.New("revealapi: base URL not configured"), resilience.ClassPermanent, 0, false)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, nil, resilience.NewCallError(eris.Wrap(err, "revealapi: rate limiter"), resilience.ClassTransient, 0, false)
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, resilience.NewCallError(eris.Wrap(err, "revealapi: create request"), resilience.ClassPermanent, 0, false)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		wrapped := eris.Wrapf(err, "revealapi: %s %s", method, path)
		return 0, nil, resilience.NewCallError(wrapped, resilience.ClassTransient, 0, resilience.Accepted(err))
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, resilience.NewCallError(eris.Wrap(err, "revealapi: read response"), resilience.ClassTransient, resp.StatusCode, true)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fmt.Sprintf("revealapi: %s %s: status %d: %s", method, path, resp.StatusCode, truncate(string(respBody), 200))
		return resp.StatusCode, nil, resilience.FromHTTPStatus(eris.New(msg), resp.StatusCode)
	}
	return resp.StatusCode, respBody, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
