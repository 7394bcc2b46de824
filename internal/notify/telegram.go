// Package notify delivers fire-and-forget user notifications over the
// Telegram Bot API.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultAPIBase = "https://api.telegram.org"
	sendTimeout    = 15 * time.Second
)

// Telegram sends plain-text messages through a bot. It implements the
// engine's Notifier interface; delivery failures are the caller's
// problem to log, never to retry.
type Telegram struct {
	apiBase    string
	token      string
	httpClient *http.Client
}

// NewTelegram creates a notifier for the given bot token. apiBase empty
// falls back to the public Bot API host.
func NewTelegram(apiBase, token string) *Telegram {
	if apiBase == "" {
		apiBase = defaultAPIBase
	}

	return &Telegram{
		apiBase:    strings.TrimRight(apiBase, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: sendTimeout},
	}
}

type sendMessageRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send delivers one message to chatID.
func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	payload, err := json.Marshal(sendMessageRequest{ChatID: chatID, Text: text})
	if err != nil {
		return fmt.Errorf("notify: encoding message: %w", err)
	}

	u := t.apiBase + "/bot" + t.token + "/sendMessage"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: sending message: %w", err)
	}
	defer resp.Body.Close()

	var out sendMessageResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&out); err != nil {
		return fmt.Errorf("notify: decoding response (HTTP %d): %w", resp.StatusCode, err)
	}

	if !out.OK {
		return fmt.Errorf("notify: telegram rejected message (HTTP %d): %s", resp.StatusCode, out.Description)
	}

	return nil
}
