// Package relay delivers subscription records to a spreadsheet web-app endpoint.
//
// The endpoint answers a POST with one or two redirects before the row lands.
// Automatic redirect-following would turn the POST into a GET and drop the
// body, so the relay intercepts every redirect and re-issues the identical
// POST itself.
package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"miniapp-relay/metrics"
	"miniapp-relay/pkg/subscription"
)

const (
	maxCalls     = 3         // first hop, redirect hop, optional scrape-retry hop
	maxBodyBytes = 256 << 10 // enough for the platform's HTML error pages
)

// Relay posts records and chases redirects by hand.
type Relay struct {
	client *http.Client
	logger *slog.Logger
}

// New creates a relay. The client is copied with redirect-following disabled;
// a nil client means http.DefaultTransport with no timeout.
func New(client *http.Client, logger *slog.Logger) *Relay {
	c := &http.Client{}
	if client != nil {
		*c = *client
	}
	c.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Relay{
		client: c,
		logger: logger,
	}
}

// Endpoint is a relay bound to one spreadsheet URL.
type Endpoint struct {
	relay *Relay
	url   string
}

// For binds the relay to endpointURL.
func (r *Relay) For(endpointURL string) *Endpoint {
	return &Endpoint{relay: r, url: endpointURL}
}

// Deliver sends rec to the bound endpoint.
func (e *Endpoint) Deliver(ctx context.Context, rec *subscription.Record) subscription.Outcome {
	return e.relay.Deliver(ctx, rec, e.url)
}

// Deliver sends rec to endpointURL and reports the outcome.
// It never returns an error: transport failures become a Failed outcome.
func (r *Relay) Deliver(ctx context.Context, rec *subscription.Record, endpointURL string) subscription.Outcome {
	logger := r.logger.With("delivery_id", uuid.NewString())

	startTime := time.Now()
	outcome, calls := r.deliver(ctx, logger, rec, endpointURL)
	duration := time.Since(startTime)

	metrics.DeliveriesTotal.WithLabelValues(outcome.Kind.String(), outcome.Stage).Inc()
	metrics.DeliveryHops.Observe(float64(calls))
	metrics.DeliveryDuration.Observe(duration.Seconds())

	if outcome.OK() {
		logger.Info("Delivery completed",
			"outcome", outcome.Kind.String(),
			"hops", outcome.Hops,
			"calls", calls,
			"duration_ms", duration.Milliseconds())
		return outcome
	}

	// Failed records stay recoverable from the logs.
	attrs := append(rec.LogAttrs(),
		"stage", outcome.Stage,
		"status_code", outcome.StatusCode,
		"snippet", outcome.BodySnippet,
		"calls", calls,
		"duration_ms", duration.Milliseconds())
	logger.Warn("Delivery failed", attrs...)
	return outcome
}

func (r *Relay) deliver(ctx context.Context, logger *slog.Logger, rec *subscription.Record, endpointURL string) (subscription.Outcome, int) {
	body, err := rec.Payload()
	if err != nil {
		return subscription.FailedOutcome(subscription.StageEncode, 0, err.Error()), 0
	}

	// Upstream text is redacted before it is cut to a snippet.
	fail := func(stage string, status int, text string) subscription.Outcome {
		return subscription.FailedOutcome(stage, status, rec.Redact(text))
	}

	target := endpointURL
	for call := 1; ; call++ {
		resp, err := r.post(ctx, logger, target, body, call)
		if err != nil {
			return fail(subscription.StageTransport, 0, err.Error()), call
		}

		if isSuccess(resp.status) {
			if call == 1 {
				return subscription.DeliveredOutcome(), call
			}
			return subscription.RedirectOutcome(call - 1), call
		}

		if call == 1 && !isRedirect(resp.status) {
			return fail(subscription.StageFirstHop, resp.status, string(resp.body)), call
		}
		if call > 1 && (call == maxCalls || !shouldChase(target, resp)) {
			return fail(subscription.StageFinalHop, resp.status, string(resp.body)), call
		}

		next, via := resolveTarget(target, resp)
		if next == "" {
			stage := subscription.StageRedirectUnresolved
			if call > 1 {
				stage = subscription.StageFinalHop
			}
			logger.Warn("Redirect target unresolved", "url", redactURL(target), "status_code", resp.status)
			return fail(stage, resp.status, string(resp.body)), call
		}

		logger.Info("Following redirect",
			"from", redactURL(target),
			"to", redactURL(next),
			"via", via,
			"status_code", resp.status)
		target = next
	}
}

// hopResponse is the part of a response the redirect-chase needs.
type hopResponse struct {
	status   int
	location string
	body     []byte
}

func (r *Relay) post(ctx context.Context, logger *slog.Logger, target string, body []byte, call int) (*hopResponse, error) {
	logger.Info("HTTP request starting",
		"method", "POST",
		"url", redactURL(target),
		"call", call,
		"purpose", "deliver_subscription")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/html;q=0.9, */*;q=0.8")

	startTime := time.Now()
	resp, err := r.client.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		logger.Warn("HTTP request failed",
			"url", redactURL(target),
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		// A partial body is still useful for the snippet.
		logger.Warn("Failed to read response body", "error", err)
	}

	logger.Info("HTTP request completed",
		"url", redactURL(target),
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_length", resp.ContentLength)

	return &hopResponse{
		status:   resp.StatusCode,
		location: resp.Header.Get("Location"),
		body:     data,
	}, nil
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// redactURL drops the query string, which can carry per-request keys.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "(unparsable url)"
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	return u.String()
}
