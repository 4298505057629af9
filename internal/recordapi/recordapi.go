// Package recordapi is the client for the external record API (the
// Onyx-like metadata service the original pipeline's onyx_session wraps).
// Unlike the original's ambient module-level session, this client is
// constructed explicitly and injected into the matcher, ingest validator,
// and project validator (spec §4.2, §4.3, §9 dependency-injection
// redesign).
package recordapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"golang.org/x/time/rate"

	"github.com/climb-tre/roz/internal/envelope"
	"github.com/climb-tre/roz/internal/retry"
)

const (
	defaultRPS   = 10
	defaultBurst = 20
	defaultTimeout = 30 * time.Second
)

// Outcome is the caller-facing result of a record API call: the status
// classification from spec §4.2's table, the HTTP status code observed,
// and any per-field validation errors the API returned.
type Outcome struct {
	Status     Status
	StatusCode int
	Errors     envelope.FieldErrors

	climbID string
}

// ClimbID returns the identifier the record API assigned on a successful
// create, empty otherwise.
func (o Outcome) ClimbID() string {
	return o.climbID
}

// Status classifies the record API's response (spec §4.2 "handle_status_code").
type Status int

const (
	// StatusUnknown covers any status code not in the table below.
	StatusUnknown Status = iota
	// StatusSuccess is a 201 Created.
	StatusSuccess
	// StatusValidationFailure is a 400 Bad Request or 422 Unprocessable Entity.
	StatusValidationFailure
	// StatusPermissionFailure is a 403 Forbidden.
	StatusPermissionFailure
)

// ClassifyStatusCode maps an HTTP status code to a Status, following the
// original pipeline's handle_status_code dispatch. Both 400 and 422 carry
// per-field validation errors in the table spec §4.2 defines.
func ClassifyStatusCode(code int) Status {
	switch code {
	case http.StatusCreated:
		return StatusSuccess
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return StatusValidationFailure
	case http.StatusForbidden:
		return StatusPermissionFailure
	default:
		return StatusUnknown
	}
}

// Client is the record API HTTP client. It is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	retry      retry.Policy
}

// Option configures optional Client behaviour.
type Option func(*Client)

// WithHTTPClient overrides the default *http.Client, primarily for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRateLimit overrides the default requests-per-second / burst limiter.
func WithRateLimit(rps, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetryPolicy overrides the default retry policy (3 attempts, 3 second
// spacing, classifying 5xx and network errors as transient).
func WithRetryPolicy(p retry.Policy) Option {
	return func(c *Client) {
		c.retry = p
	}
}

// NewClient builds a record API client for baseURL, authenticating with
// token. By default it applies a 10rps/20-burst rate limit and the
// pipeline's standard 3-attempt/3-second retry policy (spec §9), so
// individual call sites don't need to reimplement backoff.
func NewClient(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(defaultRPS), defaultBurst),
	}
	c.retry = retry.DefaultPolicy(ClassifyError)

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// CSVCreate submits a CSV-formatted metadata record, optionally in test
// mode (test_submission, spec §4.2 "onyx_session test csv_create"). It
// retries transient failures per the client's retry policy and always
// returns an Outcome even on a non-2xx response, mirroring the original
// pipeline's "always forward the payload regardless of validation outcome"
// contract.
func (c *Client) CSVCreate(ctx context.Context, project string, csv []byte, testSubmission bool) (Outcome, error) {
	path := fmt.Sprintf("/projects/%s/records/csv", project)
	if testSubmission {
		path += "?test=true"
	}

	var outcome Outcome

	err := c.retry.Do(ctx, func(ctx context.Context) error {
		o, err := c.do(ctx, http.MethodPost, path, "text/csv", bytes.NewReader(csv))
		outcome = o

		return err
	})

	return outcome, err
}

// Identify looks up a record's assigned identifier (climb_id) by its
// submission's natural key (sample_id, run_id). No pipeline stage calls
// it; the project validator's existing-record check uses Filter.
func (c *Client) Identify(ctx context.Context, project, sampleID, runID string) (string, Outcome, error) {
	path := fmt.Sprintf("/projects/%s/records/identify?sample_id=%s&run_id=%s", project, sampleID, runID)

	var (
		outcome Outcome
		climbID string
	)

	err := c.retry.Do(ctx, func(ctx context.Context) error {
		o, err := c.do(ctx, http.MethodGet, path, "", nil)
		outcome = o

		if err != nil {
			return err
		}

		if o.Status == StatusSuccess {
			climbID = o.climbID
		}

		return nil
	})

	return climbID, outcome, err
}

// Update applies a partial update (PATCH) to an existing record, used for
// publishing derived artifact metadata once a workflow completes
// (spec §4.3 "Publish artifacts").
func (c *Client) Update(ctx context.Context, project, climbID string, fields map[string]any) (Outcome, error) {
	path := fmt.Sprintf("/projects/%s/records/%s", project, climbID)

	body, err := json.Marshal(fields)
	if err != nil {
		return Outcome{}, fmt.Errorf("recordapi: marshal update body: %w", err)
	}

	var outcome Outcome

	err = c.retry.Do(ctx, func(ctx context.Context) error {
		o, err := c.do(ctx, http.MethodPatch, path, "application/json", bytes.NewReader(body))
		outcome = o

		return err
	})

	return outcome, err
}

// Unsuppress clears the suppressed flag on a record once downstream
// submission succeeds (spec §4.3 "Unsuppress record").
func (c *Client) Unsuppress(ctx context.Context, project, climbID string) (Outcome, error) {
	path := fmt.Sprintf("/projects/%s/records/%s/unsuppress", project, climbID)

	var outcome Outcome

	err := c.retry.Do(ctx, func(ctx context.Context) error {
		o, err := c.do(ctx, http.MethodPost, path, "", nil)
		outcome = o

		return err
	})

	return outcome, err
}

// FilterResult is the outcome of a Filter lookup.
type FilterResult struct {
	Found     bool
	Published bool
	ClimbID   string
}

// Filter looks up records matching fields, used by the project validator to
// recognise a "record exists and is published" condition when a real create
// is rejected for an already-ingested submission (spec §4.3 "Idempotence",
// §4.4 "filter"), mirroring the original pipeline's check_artifact_published
// identify-then-filter sequence.
func (c *Client) Filter(ctx context.Context, project string, fields map[string]string) (FilterResult, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	query := url.Values{}
	for _, k := range keys {
		query.Set(k, fields[k])
	}

	path := fmt.Sprintf("/projects/%s/records/filter?%s", project, query.Encode())

	var result FilterResult

	err := c.retry.Do(ctx, func(ctx context.Context) error {
		r, err := c.filterOnce(ctx, path)
		result = r

		return err
	})

	return result, err
}

func (c *Client) filterOnce(ctx context.Context, path string) (FilterResult, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return FilterResult{}, fmt.Errorf("recordapi: rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return FilterResult{}, fmt.Errorf("recordapi: build request: %w", err)
	}

	req.Header.Set("Authorization", "Token "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FilterResult{}, fmt.Errorf("recordapi: %w: %w", ErrConnection, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return FilterResult{}, fmt.Errorf("%w: status %d", ErrServer, resp.StatusCode)
	}

	if resp.StatusCode != http.StatusOK {
		return FilterResult{}, nil
	}

	var records []struct {
		ClimbID     string `json:"climb_id"`
		IsPublished bool   `json:"is_published"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return FilterResult{}, fmt.Errorf("recordapi: decode filter response: %w", err)
	}

	if len(records) == 0 {
		return FilterResult{}, nil
	}

	return FilterResult{Found: true, Published: records[0].IsPublished, ClimbID: records[0].ClimbID}, nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (Outcome, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Outcome{}, fmt.Errorf("recordapi: rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return Outcome{}, fmt.Errorf("recordapi: build request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	req.Header.Set("Authorization", "Token "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Outcome{}, fmt.Errorf("recordapi: %w: %w", ErrConnection, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return parseResponse(resp)
}

func parseResponse(resp *http.Response) (Outcome, error) {
	status := ClassifyStatusCode(resp.StatusCode)

	outcome := Outcome{Status: status, StatusCode: resp.StatusCode}

	if status == StatusSuccess {
		var body struct {
			ClimbID string `json:"climb_id"`
		}

		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
			outcome.climbID = body.ClimbID
		}

		return outcome, nil
	}

	if status == StatusValidationFailure {
		var fieldErrors envelope.FieldErrors
		if err := json.NewDecoder(resp.Body).Decode(&fieldErrors); err == nil {
			outcome.Errors = fieldErrors
		}

		return outcome, nil
	}

	if status == StatusUnknown && resp.StatusCode >= http.StatusInternalServerError {
		return outcome, fmt.Errorf("%w: status %d", ErrServer, resp.StatusCode)
	}

	return outcome, nil
}
