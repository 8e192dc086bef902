// ABOUTME: Outbound chat platform client: user lookup by email and message
// ABOUTME: posting (threaded). The http.Client is injected, constructed once at startup.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Messenger is the messaging capability job handlers depend on. Production
// uses *Client; tests substitute a fake.
type Messenger interface {
	// LookupUserByEmail resolves a platform user id from an email address.
	LookupUserByEmail(ctx context.Context, email string) (string, error)
	// PostMessage sends text to userID. A non-empty threadID posts into that
	// thread. Returns the message id usable as a thread id for follow-ups.
	PostMessage(ctx context.Context, userID, text, threadID string) (string, error)
}

// Client talks to a Slack-compatible Web API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a Client for the API at baseURL authenticating with the
// bot token. client should be constructed once at startup with a timeout.
func NewClient(baseURL, token string, client *http.Client) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    client,
	}
}

// apiResponse is the common envelope of Slack-style API responses.
type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	User  struct {
		ID string `json:"id"`
	} `json:"user"`
	TS string `json:"ts"`
}

// LookupUserByEmail resolves the platform user id for email via
// users.lookupByEmail. Fails when the user is unknown or the token is not
// authorized for the lookup.
func (c *Client) LookupUserByEmail(ctx context.Context, email string) (string, error) {
	form := url.Values{"email": {email}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/users.lookupByEmail", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.call(req)
	if err != nil {
		return "", fmt.Errorf("lookup user %s: %w", email, err)
	}
	if resp.User.ID == "" {
		return "", fmt.Errorf("lookup user %s: empty user id in response", email)
	}
	return resp.User.ID, nil
}

// PostMessage sends text to userID via chat.postMessage. threadID, when
// non-empty, is passed as thread_ts so the message lands in an existing
// thread. The returned ts identifies the posted message.
func (c *Client) PostMessage(ctx context.Context, userID, text, threadID string) (string, error) {
	body := map[string]string{
		"channel": userID,
		"text":    text,
	}
	if threadID != "" {
		body["thread_ts"] = threadID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal post message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat.postMessage", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.call(req)
	if err != nil {
		return "", fmt.Errorf("post message to %s: %w", userID, err)
	}
	if resp.TS == "" {
		return "", fmt.Errorf("post message to %s: empty ts in response", userID)
	}
	return resp.TS, nil
}

// call executes req with the bot token and decodes the common envelope.
// Non-2xx statuses and ok:false envelopes are both errors.
func (c *Client) call(req *http.Request) (*apiResponse, error) {
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat API request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	// Cap the body read; chat API envelopes are small.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read chat API response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("chat API status %d", resp.StatusCode)
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode chat API response: %w", err)
	}
	if !out.OK {
		return nil, fmt.Errorf("chat API error: %s", out.Error)
	}
	return &out, nil
}
