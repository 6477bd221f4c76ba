// Package sessionapi is the HTTP client of the session and quota endpoints.
package sessionapi

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

	"github.com/dkeye/voicelink/internal/app/heartbeat"
	"github.com/dkeye/voicelink/internal/domain"
	"github.com/rs/zerolog/log"
)

type Client struct {
	base string
	http *http.Client
}

func New(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: hc}
}

var _ heartbeat.SessionAPI = (*Client)(nil)

// Created is the answer to a session request.
type Created struct {
	SessionID   string        `json:"sessionId"`
	ExpiresAt   time.Time     `json:"expiresAt"`
	RemainingMs int64         `json:"remainingMs"`
	Limits      domain.Limits `json:"limits"`
}

func (c Created) Remaining() time.Duration {
	return time.Duration(c.RemainingMs) * time.Millisecond
}

type errorBody struct {
	Error  string         `json:"error"`
	Code   domain.Code    `json:"code"`
	Limits *domain.Limits `json:"limits,omitempty"`
}

// Create asks for a new session. Identity may be empty, the server then
// uses its configured default.
func (c *Client) Create(ctx context.Context, channel domain.ChannelID, identity string) (Created, error) {
	var out Created
	body := map[string]string{"channelId": string(channel)}
	if identity != "" {
		body["identity"] = identity
	}
	err := c.do(ctx, "sessionapi.Create", http.MethodPost, "/sessions", body, &out)
	return out, err
}

func (c *Client) Heartbeat(ctx context.Context, sessionID string) (heartbeat.Beat, error) {
	var out struct {
		LastActivityAt time.Time `json:"lastActivityAt"`
		ExpiresAt      time.Time `json:"expiresAt"`
		RemainingMs    int64     `json:"remainingMs"`
	}
	if err := c.do(ctx, "sessionapi.Heartbeat", http.MethodPost, "/sessions/"+url.PathEscape(sessionID)+"/heartbeat", nil, &out); err != nil {
		return heartbeat.Beat{}, err
	}
	return heartbeat.Beat{
		LastActivityAt: out.LastActivityAt,
		ExpiresAt:      out.ExpiresAt,
		Remaining:      time.Duration(out.RemainingMs) * time.Millisecond,
	}, nil
}

func (c *Client) End(ctx context.Context, sessionID string) error {
	return c.do(ctx, "sessionapi.End", http.MethodDelete, "/sessions/"+url.PathEscape(sessionID), nil, nil)
}

func (c *Client) Limits(ctx context.Context, identity string) (domain.Limits, error) {
	var out domain.Limits
	path := "/sessions/limits"
	if identity != "" {
		path += "?identity=" + url.QueryEscape(identity)
	}
	err := c.do(ctx, "sessionapi.Limits", http.MethodGet, path, nil, &out)
	return out, err
}

// Token asks the server for a channel token. A server without a token
// secret answers NOT_READY.
func (c *Client) Token(ctx context.Context, channel domain.ChannelID, identity string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	body := map[string]string{"channelId": string(channel), "identity": identity}
	if err := c.do(ctx, "sessionapi.Token", http.MethodPost, "/api/tokens", body, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// Beacon fires the end request and returns at once. The request gets a short
// deadline of its own since the caller is usually exiting.
func (c *Client) Beacon(sessionID string) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.End(ctx, sessionID); err != nil {
			log.Debug().Err(err).Str("module", "sessionapi").Str("session_id", sessionID).Msg("beacon")
		}
	}()
	// give the request a moment to leave the process
	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return domain.E(domain.CodeInternal, op, "encode request", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return domain.E(domain.CodeInternal, op, "build request", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.E(domain.CodeTimeout, op, "", err)
		}
		return domain.E(domain.CodeInternal, op, "request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return decodeError(op, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.E(domain.CodeInternal, op, "decode response", err)
	}
	return nil
}

func decodeError(op string, resp *http.Response) error {
	var eb errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
	msg := eb.Error
	if msg == "" {
		msg = fmt.Sprintf("server answered %d", resp.StatusCode)
	}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return domain.E(domain.CodeNotFound, op, msg, nil)
	case http.StatusTooManyRequests:
		if eb.Limits != nil {
			return domain.E(domain.CodeQuotaExceeded, op, msg, &domain.QuotaExceeded{Limits: *eb.Limits})
		}
		return domain.E(domain.CodeQuotaExceeded, op, msg, nil)
	case http.StatusBadRequest:
		return domain.E(domain.CodeValidationFailed, op, msg, nil)
	case http.StatusGatewayTimeout:
		return domain.E(domain.CodeTimeout, op, msg, nil)
	default:
		code := eb.Code
		if code == "" {
			code = domain.CodeInternal
		}
		return domain.E(code, op, msg, nil)
	}
}
