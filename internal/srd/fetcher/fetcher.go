// Package fetcher calls the SRD status API and classifies its failures. It has
// no persistence knowledge and performs no retries; callers layer retry policy.
package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"srdwatch/internal/srd/metrics"
	"srdwatch/internal/srd/models"
	"srdwatch/pkg/attrs"
)

// DefaultEndpoint is the public SRD outcome endpoint.
const DefaultEndpoint = "https://srd.sassa.gov.za/srdweb/api/web/outcome"

const (
	defaultTimeout  = 15 * time.Second
	maxBodyBytes    = 1 << 20
	maxErrorSnippet = 256
)

var tracer = otel.Tracer("srdwatch/internal/srd/fetcher")

// Client fetches status payloads over HTTP.
type Client struct {
	endpoint string
	http     *http.Client
	timeout  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Client)

// WithHTTPClient replaces the instrumented default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout bounds every call; the call resolves as unreachable when it expires.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// New constructs a Client for endpoint (DefaultEndpoint when empty).
func New(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c := &Client{
		endpoint: endpoint,
		http:     &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout:  defaultTimeout,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type requestBody struct {
	IDNumber string `json:"idnumber"`
	Mobile   string `json:"mobile"`
}

// Fetch posts the applicant key to the status API and decodes the response.
// Every failure is an *Error classified as unreachable, rejected or malformed.
func (c *Client) Fetch(ctx context.Context, idNumber, mobile string) (*models.Payload, error) {
	if strings.TrimSpace(idNumber) == "" || strings.TrimSpace(mobile) == "" {
		return nil, ErrMissingKey
	}

	ctx, span := tracer.Start(ctx, "srd.fetch")
	defer span.End()

	start := time.Now()
	payload, err := c.fetch(ctx, idNumber, mobile)
	elapsed := time.Since(start)

	result := "ok"
	if kind, ok := KindOf(err); ok {
		result = string(kind)
	}
	c.metrics.ObserveFetch(result, elapsed)
	span.SetAttributes(attribute.String("srd.fetch.result", result))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, result)
		c.logger.WarnContext(ctx, "status api call failed",
			attrs.IDNumber(idNumber),
			attrs.Mobile(mobile),
			"result", result,
			"duration", elapsed,
			"error", err,
		)
		return nil, err
	}

	c.logger.DebugContext(ctx, "status api call succeeded",
		attrs.IDNumber(idNumber),
		attrs.Mobile(mobile),
		"status", payload.Status,
		"outcomes", len(payload.Outcomes),
		"duration", elapsed,
	)
	return payload, nil
}

func (c *Client) fetch(ctx context.Context, idNumber, mobile string) (*models.Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(requestBody{IDNumber: idNumber, Mobile: mobile})
	if err != nil {
		return nil, permanent(newError(KindUnreachable, 0, "encode status request", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, permanent(newError(KindUnreachable, 0, "build status request", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, newError(KindUnreachable, 0, "request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, newError(KindUnreachable, 0, "reading response body failed", err)
	}

	return parseResponse(resp.StatusCode, respBody)
}

// parseResponse classifies a completed HTTP exchange.
func parseResponse(statusCode int, body []byte) (*models.Payload, error) {
	if statusCode < 200 || statusCode > 299 {
		return nil, newError(KindRejectedByServer, statusCode, snippet(body), nil)
	}
	payload, err := parsePayload(body)
	if err != nil {
		return nil, newError(KindMalformed, 0, "response is not a status payload", err)
	}
	return payload, nil
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if s == "" {
		return "empty response"
	}
	if len(s) > maxErrorSnippet {
		s = s[:maxErrorSnippet] + "..."
	}
	return s
}
