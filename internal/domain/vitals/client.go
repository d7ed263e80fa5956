package vitals

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/smartvitals/internal/platform/fhir"
	"github.com/ehr/smartvitals/internal/platform/telemetry"
)

const (
	// DefaultMaxAttempts bounds AddVital.
	DefaultMaxAttempts = 3
	// retryUnit is multiplied by the attempt number between attempts.
	retryUnit = time.Second

	fhirJSON = "application/json"
)

// TokenSource yields the access token for the next request. It is called
// immediately before every request.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// ErrNotAuthenticated is returned when the session has no access token.
var ErrNotAuthenticated = errors.New("not authenticated")

// HTTPError is a non-2xx response from the FHIR server.
type HTTPError struct {
	Op         string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("failed to %s: %s", e.Op, e.Status)
	if e.Body != "" {
		msg += " - " + e.Body
	}
	return msg
}

// Outcome returns the OperationOutcome carried by the body, if any.
func (e *HTTPError) Outcome() *fhir.OperationOutcome {
	return fhir.ParseOperationOutcome([]byte(e.Body))
}

// RetryExhaustedError is returned by AddVital when every attempt timed out.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("failed to add vital after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// Client talks to the FHIR server on behalf of the session in each call's
// context.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokens      TokenSource
	mapper      *Mapper
	metrics     *telemetry.Metrics
	logger      zerolog.Logger
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for FHIR calls.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithMetrics records FHIR call latency and vital write attempts.
func WithMetrics(m *telemetry.Metrics) ClientOption {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// NewClient creates a client for the FHIR server at baseURL.
func NewClient(baseURL string, tokens TokenSource, mapper *Mapper, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		tokens:      tokens,
		mapper:      mapper,
		logger:      zerolog.Nop(),
		maxAttempts: DefaultMaxAttempts,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// GetPatient reads Patient/{id}.
func (c *Client) GetPatient(ctx context.Context, id string) (*fhir.Patient, error) {
	body, err := c.do(ctx, "fetch patient", http.MethodGet, "/Patient/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var p fhir.Patient
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode patient: %w", err)
	}
	return &p, nil
}

// GetPatientVitals lists up to 100 vital-sign observations of a patient.
// A bundle without entries yields an empty, non-nil slice.
func (c *Client) GetPatientVitals(ctx context.Context, patientID string) ([]*fhir.Observation, error) {
	q := url.Values{}
	q.Set("patient", patientID)
	q.Set("category", "vital-signs")
	q.Set("_count", "100")

	body, err := c.do(ctx, "fetch vitals", http.MethodGet, "/Observation?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var bundle fhir.Bundle
	if err := json.Unmarshal(body, &bundle); err != nil {
		return nil, fmt.Errorf("decode vitals bundle: %w", err)
	}

	raws := bundle.Resources()
	out := make([]*fhir.Observation, 0, len(raws))
	for _, raw := range raws {
		var obs fhir.Observation
		if err := json.Unmarshal(raw, &obs); err != nil {
			return nil, fmt.Errorf("decode observation: %w", err)
		}
		out = append(out, &obs)
	}
	return out, nil
}

// AddVital maps req to an Observation and creates it. Only 504 responses
// are retried, waiting attempt seconds before the next attempt. The server's
// copy of the resource is returned when it sends one.
func (c *Client) AddVital(ctx context.Context, req VitalObservationRequest) (*fhir.Observation, error) {
	obs, err := c.mapper.Map(req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(obs)
	if err != nil {
		return nil, fmt.Errorf("encode observation: %w", err)
	}

	vitalType := string(req.Type)
	var last error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		body, err := c.do(ctx, "add vital", http.MethodPost, "/Observation", payload)
		if err == nil {
			c.metrics.VitalWriteAttempt(vitalType, telemetry.OutcomeSuccess)
			return createdObservation(body, obs), nil
		}
		last = err

		var he *HTTPError
		if !errors.As(err, &he) || he.StatusCode != http.StatusGatewayTimeout {
			c.metrics.VitalWriteAttempt(vitalType, telemetry.OutcomeFailure)
			return nil, err
		}
		c.metrics.VitalWriteAttempt(vitalType, telemetry.OutcomeRetry)

		if attempt < c.maxAttempts {
			delay := time.Duration(attempt) * retryUnit
			c.logger.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("type", vitalType).
				Msg("observation create timed out, retrying")
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}
	return nil, &RetryExhaustedError{Attempts: c.maxAttempts, Last: last}
}

func createdObservation(body []byte, sent *fhir.Observation) *fhir.Observation {
	if len(bytes.TrimSpace(body)) == 0 {
		return sent
	}
	var created fhir.Observation
	if err := json.Unmarshal(body, &created); err != nil || created.ResourceType != "Observation" {
		return sent
	}
	return &created
}

// do performs one authenticated request and returns the body of a 2xx
// response.
func (c *Client) do(ctx context.Context, op, method, path string, payload []byte) ([]byte, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrNotAuthenticated
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s: creating request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", fhirJSON)
	if payload != nil {
		req.Header.Set("Content-Type", fhirJSON)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.ObserveFHIR(op, 0, start)
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	c.metrics.ObserveFHIR(op, resp.StatusCode, start)
	if err != nil {
		return nil, fmt.Errorf("%s: reading response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error().
			Str("op", op).
			Int("status", resp.StatusCode).
			Str("body", string(body)).
			Msg("fhir request failed")
		return nil, &HTTPError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(body),
		}
	}
	return body, nil
}
