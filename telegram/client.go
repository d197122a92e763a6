package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"miniapp-relay/metrics"
)

// DefaultAPIURL is the public Bot API base.
const DefaultAPIURL = "https://api.telegram.org"

// APIError is a non-OK answer from the Bot API.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: HTTP %d: %s", e.Method, e.StatusCode, e.Description)
}

// Temporary reports whether the call may succeed if repeated.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// IsAPIError checks if an error is a Bot API error.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}

// Client sends messages through the Bot API.
type Client struct {
	token      string
	apiURL     string
	client     *http.Client
	logger     *slog.Logger
	retryDelay time.Duration
}

// NewClient creates a Bot API client. An empty apiURL means DefaultAPIURL.
func NewClient(token, apiURL string, logger *slog.Logger) *Client {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{
		token:      token,
		apiURL:     strings.TrimSuffix(apiURL, "/"),
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		retryDelay: 250 * time.Millisecond,
	}
}

// apiResponse is the envelope every Bot API method answers with.
type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
}

// SendMessage posts msg with sendMessage. Transport errors, 429 and 5xx are
// retried a few times; other API errors are returned at once.
func (c *Client) SendMessage(ctx context.Context, msg *OutgoingMessage) error {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	// The token is part of the path and must never reach the logs.
	endpoint := c.apiURL + "/bot" + c.token + "/sendMessage"

	err = retry.Do(
		func() error {
			c.logger.Info("Telegram API request starting",
				"method", "POST",
				"endpoint", "sendMessage",
				"chat_id", msg.ChatID)

			startTime := time.Now()
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
			if err != nil {
				return retry.Unrecoverable(errors.New("create sendMessage request"))
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.client.Do(req)
			duration := time.Since(startTime)

			if err != nil {
				// *url.Error embeds the URL, and with it the token.
				c.logger.Warn("Telegram API request failed, will retry",
					"chat_id", msg.ChatID,
					"duration_ms", duration.Milliseconds())
				return fmt.Errorf("sendMessage transport: %w", errors.Unwrap(err))
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					c.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			if err != nil {
				return fmt.Errorf("read sendMessage response: %w", err)
			}

			var result apiResponse
			if jsonErr := json.Unmarshal(body, &result); jsonErr != nil {
				result.Description = strings.TrimSpace(string(body))
			}

			if resp.StatusCode != http.StatusOK || !result.OK {
				apiErr := &APIError{
					Method:      "sendMessage",
					StatusCode:  resp.StatusCode,
					Description: result.Description,
				}
				if !apiErr.Temporary() {
					c.logger.Warn("Telegram API rejected message",
						"chat_id", msg.ChatID,
						"status_code", resp.StatusCode,
						"description", result.Description)
					return retry.Unrecoverable(apiErr)
				}
				c.logger.Warn("Telegram API returned retryable status, will retry",
					"chat_id", msg.ChatID,
					"status_code", resp.StatusCode)
				return apiErr
			}

			c.logger.Info("Telegram API request completed",
				"endpoint", "sendMessage",
				"chat_id", msg.ChatID,
				"duration_ms", duration.Milliseconds(),
				"status", "success")

			return nil
		},
		retry.Attempts(3),
		retry.Delay(c.retryDelay),
		retry.MaxDelay(2*time.Second),
		retry.MaxJitter(c.retryDelay/2),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying Telegram send after error", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		metrics.ChatMessagesTotal.WithLabelValues("failed").Inc()
		return err
	}
	metrics.ChatMessagesTotal.WithLabelValues("sent").Inc()
	return nil
}
