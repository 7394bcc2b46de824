package gcal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"time"
)

// Retry and backoff constants. Waits double from baseBackoff before
// jitter; the fifth failure surfaces to the caller.
const (
	maxAttempts   = 5
	baseBackoff   = 1 * time.Second
	maxBackoff    = 60 * time.Second
	backoffFactor = 2.0
	maxJitter     = 1 * time.Second
	userAgent     = "modeuscal/0.1"
)

// DefaultBaseURL is the Google APIs root. The Calendar v3 surface lives
// under /calendar/v3, the batch endpoint under /batch/calendar/v3.
const DefaultBaseURL = "https://www.googleapis.com"

// Client is an HTTP client for the Google Calendar API. It handles
// request construction, bearer authentication, retry with exponential
// backoff on rate-limit/unavailable responses, and error classification.
//
// A Client is bound to one user's access token; the orchestrator creates
// one per user task.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	accessToken string
	logger      *slog.Logger

	// sleepFunc waits between retries. Tests override this to avoid
	// real delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a Calendar API client for a single access token.
func NewClient(baseURL string, httpClient *http.Client, accessToken string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:     baseURL,
		httpClient:  httpClient,
		accessToken: accessToken,
		logger:      logger,
		sleepFunc:   timeSleep,
	}
}

// Call executes a single API request and decodes the JSON response into
// out (skipped when out is nil). The path is appended to the base URL.
// Rate-limit and unavailable responses are retried up to maxAttempts with
// exponential backoff; all other errors surface immediately as *CallError.
func (c *Client) Call(ctx context.Context, method, path string, body, out any) error {
	var payload []byte

	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("gcal: encoding %s %s body: %w", method, path, err)
		}
	}

	for attempt := 1; ; attempt++ {
		err := c.callOnce(ctx, method, c.baseURL+path, payload, out)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("gcal: request canceled: %w", ctx.Err())
		}

		if !retryable(err) || attempt == maxAttempts {
			if attempt > 1 {
				c.logger.Error("request failed after retries",
					slog.String("method", method),
					slog.String("path", path),
					slog.Int("attempts", attempt),
				)
			}

			return err
		}

		backoff := calcBackoff(attempt - 1)
		c.logger.Warn("retrying after transient error",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)

		if sleepErr := c.sleepFunc(ctx, backoff); sleepErr != nil {
			return fmt.Errorf("gcal: request canceled: %w", sleepErr)
		}
	}
}

// callOnce executes a single HTTP round trip (no retry).
func (c *Client) callOnce(ctx context.Context, method, url string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("gcal: creating request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("User-Agent", userAgent)

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport timeouts are treated like service unavailability so
		// the retry policy covers them.
		if isTimeout(err) {
			return &CallError{StatusCode: 0, Message: err.Error(), Err: ErrUnavailable}
		}

		return fmt.Errorf("gcal: %s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		if readErr != nil {
			respBody = []byte("(failed to read response body)")
		}

		return newCallError(resp.StatusCode, respBody)
	}

	if readErr != nil {
		return fmt.Errorf("gcal: reading response: %w", readErr)
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("gcal: decoding response: %w", err)
	}

	return nil
}

// isTimeout reports whether err is a network timeout.
func isTimeout(err error) bool {
	var ne net.Error

	return errors.As(err, &ne) && ne.Timeout()
}

// calcBackoff computes the delay before retry attempt+1: exponential from
// baseBackoff, capped at maxBackoff, plus additive jitter in [0, maxJitter).
func calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}

	jitter := rand.Int64N(int64(maxJitter)) //nolint:gosec // jitter does not need crypto rand

	return time.Duration(backoff) + time.Duration(jitter)
}

// timeSleep waits for the given duration or until the context is canceled.
// It is the default sleepFunc for Client.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
