// Package telegram is a minimal Bot API client: long-poll updates in,
// text messages out, with transport failures classified so the relay
// can decide what is worth retrying.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Telegram rejects messages longer than 4096 characters.
const maxMessageRunes = 4096

type ErrorKind string

const (
	KindTimeout     ErrorKind = "timeout"
	KindNetwork     ErrorKind = "network"
	KindRateLimited ErrorKind = "rate_limited"
	KindAPI         ErrorKind = "api"
)

// Error is a categorized transport failure.
type Error struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("telegram %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient reports whether the failure is expected to clear on retry.
func (e *Error) Transient() bool {
	switch e.Kind {
	case KindTimeout, KindNetwork, KindRateLimited:
		return true
	default:
		return false
	}
}

type Chat struct {
	ID int64 `json:"id"`
}

type User struct {
	ID int64 `json:"id"`
}

type Message struct {
	MessageID int64  `json:"message_id"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from,omitempty"`
}

// Command returns the leading bot command ("/start") or empty string.
func (m Message) Command() string {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return ""
	}
	command, _, _ := strings.Cut(text, " ")
	// Strip the @botname suffix used in group chats.
	command, _, _ = strings.Cut(command, "@")
	return command
}

type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  *apiParameters  `json:"parameters,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

type apiParameters struct {
	RetryAfter int `json:"retry_after,omitempty"`
}

type Client struct {
	apiBase     string
	httpClient  *http.Client
	sendLimiter *rate.Limiter
}

// NewClient builds a client for the given API base and bot token. A
// positive sendRatePerSec throttles outbound messages client-side so
// ordinary traffic stays clear of Telegram's global limits.
func NewClient(apiBase, token string, requestTimeout time.Duration, sendRatePerSec float64) *Client {
	var limiter *rate.Limiter
	if sendRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(sendRatePerSec), 1)
	}
	return &Client{
		apiBase:     strings.TrimRight(apiBase, "/") + "/bot" + token,
		httpClient:  &http.Client{Timeout: requestTimeout},
		sendLimiter: limiter,
	}
}

// GetUpdates long-polls for new updates past the given offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", strconv.Itoa(int(timeout.Seconds())))
	params.Set("allowed_updates", `["message"]`)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/getUpdates?"+params.Encode(), nil)
	if err != nil {
		return nil, &Error{Kind: KindAPI, Err: fmt.Errorf("build getUpdates request: %w", err)}
	}

	response, err := c.do(req)
	if err != nil {
		return nil, err
	}

	var updates []Update
	if err := json.Unmarshal(response.Result, &updates); err != nil {
		return nil, &Error{Kind: KindAPI, Err: fmt.Errorf("parse getUpdates result: %w", err)}
	}
	return updates, nil
}

// SendMessage sends a text message to the chat, truncating to the API
// limit.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	if c.sendLimiter != nil {
		if err := c.sendLimiter.Wait(ctx); err != nil {
			return &Error{Kind: KindTimeout, Err: fmt.Errorf("send limiter: %w", err)}
		}
	}

	payload, err := json.Marshal(map[string]any{
		"chat_id": chatID,
		"text":    truncate(text, maxMessageRunes),
	})
	if err != nil {
		return &Error{Kind: KindAPI, Err: fmt.Errorf("marshal sendMessage payload: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBase+"/sendMessage", bytes.NewReader(payload))
	if err != nil {
		return &Error{Kind: KindAPI, Err: fmt.Errorf("build sendMessage request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	_, err = c.do(req)
	return err
}

func (c *Client) do(req *http.Request) (apiResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apiResponse{}, classifyTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return apiResponse{}, &Error{Kind: KindNetwork, Err: fmt.Errorf("read response: %w", err)}
	}

	var parsed apiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return apiResponse{}, &Error{Kind: KindAPI, Err: fmt.Errorf("parse response: %w", err)}
	}
	if !parsed.OK {
		if parsed.ErrorCode == http.StatusTooManyRequests {
			retryAfter := time.Duration(0)
			if parsed.Parameters != nil && parsed.Parameters.RetryAfter > 0 {
				retryAfter = time.Duration(parsed.Parameters.RetryAfter) * time.Second
			}
			return apiResponse{}, &Error{
				Kind:       KindRateLimited,
				RetryAfter: retryAfter,
				Err:        fmt.Errorf("rate limited: %s", parsed.Description),
			}
		}
		return apiResponse{}, &Error{Kind: KindAPI, Err: fmt.Errorf("api error %d: %s", parsed.ErrorCode, parsed.Description)}
	}
	return parsed, nil
}

func classifyTransportError(err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindNetwork, Err: err}
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
