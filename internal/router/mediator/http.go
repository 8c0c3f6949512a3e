// Package mediator provides HTTP webhook mediation
package mediator

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/router/breaker"
	"go.flowcatalyst.tech/internal/router/model"
	"go.flowcatalyst.tech/internal/router/pool"
)

// BreakerKeyFunc extracts the circuit breaker key from a message. Defaults to
// the mediation target URL, but can be swapped to key on TargetClientID
// instead when several targets share a downstream client's failure budget.
type BreakerKeyFunc func(msg *pool.MessagePointer) string

// TargetKey keys the breaker registry by mediation target URL.
func TargetKey(msg *pool.MessagePointer) string {
	return msg.MediationTarget
}

// ClientKey keys the breaker registry by downstream client ID, falling back
// to the target URL when a message carries no client ID.
func ClientKey(msg *pool.MessagePointer) string {
	if msg.TargetClientID != "" {
		return msg.TargetClientID
	}
	return msg.MediationTarget
}

// HTTPMediator mediates messages via HTTP webhooks. It performs no internal
// retries: the queue's own redelivery is the sole retry mechanism, so a
// failed attempt is classified and handed back to the pool immediately.
type HTTPMediator struct {
	client    *http.Client
	breakers  *breaker.Registry
	breakerOf BreakerKeyFunc
}

// HTTPVersion represents the HTTP protocol version to use
type HTTPVersion string

const (
	// HTTPVersion1 forces HTTP/1.1
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	// HTTPVersion2 enables HTTP/2 (default for production)
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

// HTTPMediatorConfig configures the HTTP mediator
type HTTPMediatorConfig struct {
	// Timeout for HTTP requests
	Timeout time.Duration

	// HTTPVersion controls which HTTP version to use
	// HTTP_2 (default for production) or HTTP_1_1 (recommended for dev)
	HTTPVersion HTTPVersion

	// CircuitBreaker configures the per-target breaker registry. Nil disables
	// circuit breaking entirely (every call goes straight through).
	CircuitBreaker *breaker.Config

	// BreakerKey selects which field keys the circuit breaker registry.
	// Defaults to TargetKey when nil.
	BreakerKey BreakerKeyFunc
}

// DefaultHTTPMediatorConfig returns sensible defaults for production.
// Timeout is 900s (15 minutes) to support long-running webhooks.
func DefaultHTTPMediatorConfig() *HTTPMediatorConfig {
	return &HTTPMediatorConfig{
		Timeout:        900 * time.Second,
		HTTPVersion:    HTTPVersion2,
		CircuitBreaker: breaker.DefaultConfig(),
		BreakerKey:     TargetKey,
	}
}

// DevHTTPMediatorConfig returns config suitable for development (HTTP/1.1).
func DevHTTPMediatorConfig() *HTTPMediatorConfig {
	cfg := DefaultHTTPMediatorConfig()
	cfg.HTTPVersion = HTTPVersion1
	return cfg
}

// NewHTTPMediator creates a new HTTP mediator
func NewHTTPMediator(cfg *HTTPMediatorConfig) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultHTTPMediatorConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if cfg.HTTPVersion == HTTPVersion1 {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
		slog.Info("HTTP mediator configured", "version", "HTTP/1.1")
	} else {
		transport.ForceAttemptHTTP2 = true
		slog.Info("HTTP mediator configured", "version", "HTTP/2")
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: transport,
	}

	m := &HTTPMediator{
		client:    client,
		breakerOf: cfg.BreakerKey,
	}
	if m.breakerOf == nil {
		m.breakerOf = TargetKey
	}
	if cfg.CircuitBreaker != nil {
		m.breakers = breaker.NewRegistry(cfg.CircuitBreaker)
	}

	return m
}

// Breakers exposes the underlying registry so it can also be wired as the
// process pool's CircuitChecker, keeping the pool's pre-flight check and the
// mediator's post-call accounting on the same breaker state.
func (m *HTTPMediator) Breakers() *breaker.Registry {
	return m.breakers
}

// SetWarningService wires a warning sink into the breaker registry so every
// circuit state transition is reported, in addition to its metrics.
func (m *HTTPMediator) SetWarningService(ws breaker.WarningService) {
	if m.breakers != nil {
		m.breakers.SetWarningService(ws)
	}
}

// Process processes a message through HTTP mediation
func (m *HTTPMediator) Process(msg *pool.MessagePointer) *pool.MediationOutcome {
	if msg == nil {
		return &pool.MediationOutcome{
			Result: model.ResultErrorPayload,
			Error:  errors.New("nil message"),
		}
	}

	targetURL := msg.MediationTarget
	if targetURL == "" {
		return &pool.MediationOutcome{
			Result: model.ResultErrorPayload,
			Error:  errors.New("no target URL"),
		}
	}

	if m.breakers == nil {
		return m.executeOnce(msg)
	}

	cb := m.breakers.Get(m.breakerOf(msg))
	result, err := cb.Execute(func() (interface{}, error) {
		outcome := m.executeOnce(msg)
		if outcome.Result.IsFailure() {
			return outcome, outcome.Error
		}
		return outcome, nil
	})

	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		slog.Warn("circuit breaker open, skipping call", "messageId", msg.ID, "target", targetURL)
		return &pool.MediationOutcome{
			Result: model.ResultNackCircuitOpen,
			Error:  err,
		}
	}

	if outcome, ok := result.(*pool.MediationOutcome); ok {
		return outcome
	}

	// Execute returned an error we didn't classify above but no outcome value
	// (shouldn't happen given the closure always returns one, but keep a safe
	// fallback rather than a nil dereference downstream).
	return &pool.MediationOutcome{Result: model.ResultErrorConnection, Error: err}
}

// executeOnce executes a single HTTP request:
// POST to mediationTarget with {"messageId": "<id>"}, Authorization: Bearer <authToken>.
func (m *HTTPMediator) executeOnce(msg *pool.MessagePointer) *pool.MediationOutcome {
	targetURL := msg.MediationTarget

	timeout := 900 * time.Second
	if msg.TimeoutSeconds > 0 {
		timeout = time.Duration(msg.TimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	payload := fmt.Sprintf(`{"messageId":"%s"}`, msg.ID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, strings.NewReader(payload))
	if err != nil {
		return &pool.MediationOutcome{
			Result: model.ResultErrorPayload,
			Error:  fmt.Errorf("failed to create request: %w", err),
		}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
	}

	for k, v := range msg.Headers {
		req.Header.Set(k, v)
	}

	slog.Debug("executing HTTP request", "messageId", msg.ID, "target", targetURL)

	startTime := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(startTime)

	metrics.MediatorHTTPDuration.WithLabelValues(targetURL).Observe(duration.Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", "POST").Inc()
		return m.handleError(msg, err)
	}
	defer resp.Body.Close()

	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), "POST").Inc()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	slog.Debug("HTTP response received",
		"messageId", msg.ID,
		"statusCode", resp.StatusCode,
		"bodyLen", len(body),
		"duration", duration)

	return m.handleResponse(msg, resp.StatusCode, body)
}

// handleError classifies transport-level failures. A deadline exceeded on
// our own context is a timeout; everything else that reaches the network
// layer is a connection error.
func (m *HTTPMediator) handleError(msg *pool.MessagePointer, err error) *pool.MediationOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("request timeout", "messageId", msg.ID, "error", err)
		return &pool.MediationOutcome{
			Result: model.ResultErrorTimeout,
			Error:  err,
		}
	}

	if errors.Is(err, context.Canceled) {
		return &pool.MediationOutcome{
			Result: model.ResultErrorConnection,
			Error:  err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &pool.MediationOutcome{
				Result: model.ResultErrorTimeout,
				Error:  err,
			}
		}
		slog.Warn("network error", "messageId", msg.ID, "error", err)
		return &pool.MediationOutcome{
			Result: model.ResultErrorConnection,
			Error:  err,
		}
	}

	return &pool.MediationOutcome{
		Result: model.ResultErrorConnection,
		Error:  err,
	}
}

// handleResponse classifies a completed HTTP response into a MediationResult.
func (m *HTTPMediator) handleResponse(msg *pool.MessagePointer, statusCode int, body []byte) *pool.MediationOutcome {
	if statusCode >= 200 && statusCode < 300 {
		ack := m.parseAckFromResponse(body)

		if ack != nil && !*ack {
			slog.Info("response ack=false, will retry", "messageId", msg.ID, "statusCode", statusCode)
			return &pool.MediationOutcome{
				Result:      model.ResultErrorProcess,
				StatusCode:  statusCode,
				ResponseAck: ack,
			}
		}

		delay := m.parseDelayFromResponse(body)
		if delay != nil {
			return &pool.MediationOutcome{
				Result:      model.ResultSuccessWithDelay,
				StatusCode:  statusCode,
				ResponseAck: ack,
				Delay:       delay,
			}
		}

		return &pool.MediationOutcome{
			Result:     model.ResultSuccess,
			StatusCode: statusCode,
		}
	}

	// 401/403: the endpoint understood the request but rejected the caller's
	// identity -- treat as a processing rejection, not a malformed payload.
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		slog.Warn("endpoint rejected credentials", "messageId", msg.ID, "statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     model.ResultErrorProcess,
			StatusCode: statusCode,
		}
	}

	// 429: rate limited by the downstream endpoint itself. The outcome carries
	// the body's visibilityDelay (5s when absent); the Retry-After header is not
	// read, and the pool applies fast-fail visibility to NACK_RATE_LIMIT without
	// using this delay.
	if statusCode == http.StatusTooManyRequests {
		delay := m.parseRetryAfter(body)
		return &pool.MediationOutcome{
			Result:     model.ResultNackRateLimit,
			StatusCode: statusCode,
			Delay:      delay,
		}
	}

	// Remaining 4xx: malformed payload or unsupported method/route.
	if statusCode >= 400 && statusCode < 500 {
		slog.Warn("client error - will not retry without change", "messageId", msg.ID, "statusCode", statusCode)
		return &pool.MediationOutcome{
			Result:     model.ResultErrorPayload,
			StatusCode: statusCode,
		}
	}

	// 5xx and anything else: transient endpoint failure.
	slog.Warn("server error", "messageId", msg.ID, "statusCode", statusCode)
	return &pool.MediationOutcome{
		Result:     model.ResultErrorProcess,
		StatusCode: statusCode,
	}
}

// parseAckFromResponse parses the ack field from a JSON response
func (m *HTTPMediator) parseAckFromResponse(body []byte) *bool {
	if len(body) == 0 {
		return nil
	}

	var response struct {
		Ack *bool `json:"ack"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}

	return response.Ack
}

// parseDelayFromResponse parses the visibilityDelay field from a JSON response
func (m *HTTPMediator) parseDelayFromResponse(body []byte) *time.Duration {
	if len(body) == 0 {
		return nil
	}

	var response struct {
		DelaySeconds *int `json:"visibilityDelay"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}

	if response.DelaySeconds != nil && *response.DelaySeconds > 0 {
		d := time.Duration(*response.DelaySeconds) * time.Second
		return &d
	}

	return nil
}

// parseRetryAfter parses a retry delay from the response body's
// visibilityDelay, falling back to a fixed 5s default when the body carries
// none. The Retry-After header is not consulted.
func (m *HTTPMediator) parseRetryAfter(body []byte) *time.Duration {
	if delay := m.parseDelayFromResponse(body); delay != nil {
		return delay
	}

	d := 5 * time.Second
	return &d
}
