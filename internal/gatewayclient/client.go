// Package gatewayclient talks to the key-value gateway over HTTP.
package gatewayclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coralclub/tents/internal/auth"
	"github.com/coralclub/tents/internal/state"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 10 * time.Second
	revisionEvent   = "rev"
	maxEventLineLen = 64 * 1024
)

var (
	errMissingBaseURL = errors.New("gatewayclient: base url is required")
	// ErrUnauthorized indicates the gateway refused the request for lack of an admin session.
	ErrUnauthorized = errors.New("gatewayclient: unauthorized")
)

// RemoteError is a well-formed gateway response with ok=false.
type RemoteError struct {
	Status int
	Code   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("gatewayclient: gateway rejected request (status %d): %s", e.Status, e.Code)
}

func (e *RemoteError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// Rejected reports a refusal that retrying or applying locally cannot fix.
func (e *RemoteError) Rejected() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client calls the gateway and remembers the admin session token obtained by Login.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	stream  *http.Client
	logger  *zap.Logger

	mu    sync.RWMutex
	token string
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	parsed, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("gatewayclient: invalid base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	// The event stream stays open indefinitely, so it cannot share the request timeout.
	streamClient := &http.Client{Transport: httpClient.Transport}
	return &Client{baseURL: parsed, http: httpClient, stream: streamClient, logger: logger}, nil
}

type envelope struct {
	OK        bool            `json:"ok"`
	Error     string          `json:"error"`
	Result    json.RawMessage `json:"result"`
	State     json.RawMessage `json:"state"`
	Rev       int64           `json:"rev"`
	Token     string          `json:"token"`
	ExpiresIn int64           `json:"expiresIn"`
}

// Get returns the value at key; a missing key yields nil.
func (c *Client) Get(ctx context.Context, key string) (json.RawMessage, error) {
	response, err := c.call(ctx, http.MethodGet, "/kv-get", url.Values{"key": {key}}, nil)
	if err != nil {
		return nil, err
	}
	if isNull(response.Result) {
		return nil, nil
	}
	return response.Result, nil
}

// Set overwrites key. The gateway requires an admin session for this call.
func (c *Client) Set(ctx context.Context, key string, value json.RawMessage) (json.RawMessage, error) {
	response, err := c.call(ctx, http.MethodPost, "/kv-set", nil, map[string]any{"key": key, "value": value})
	if err != nil {
		return nil, err
	}
	return response.Result, nil
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	response, err := c.call(ctx, http.MethodPost, "/kv-incr", nil, map[string]any{"key": key})
	if err != nil {
		return 0, err
	}
	rev, err := parseInt(response.Result)
	if err != nil {
		return 0, fmt.Errorf("gatewayclient: incr result: %w", err)
	}
	return rev, nil
}

// Merge submits a shallow patch and returns the merged document and its revision.
func (c *Client) Merge(ctx context.Context, stateKey string, patch state.Document, revKey string) (state.Document, int64, error) {
	encoded, err := patch.Encode()
	if err != nil {
		return nil, 0, err
	}
	response, err := c.call(ctx, http.MethodPost, "/kv-merge", nil, map[string]any{
		"stateKey": stateKey,
		"patch":    encoded,
		"revKey":   revKey,
	})
	if err != nil {
		return nil, 0, err
	}
	merged, err := state.DecodeDocument(response.State)
	if err != nil {
		return nil, 0, fmt.Errorf("gatewayclient: merge result: %w", err)
	}
	return merged, response.Rev, nil
}

// Login exchanges the admin PIN for a session token used by later calls.
func (c *Client) Login(ctx context.Context, pin string) error {
	response, err := c.call(ctx, http.MethodPost, "/admin/session", nil, map[string]any{"pin": pin})
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) && remote.Status == http.StatusUnauthorized {
			return auth.ErrInvalidPIN
		}
		return err
	}
	c.mu.Lock()
	c.token = response.Token
	c.mu.Unlock()
	c.logger.Info("admin session started", zap.Int64("expires_in_s", response.ExpiresIn))
	return nil
}

// Logout forgets the admin session token.
func (c *Client) Logout() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// HasSession reports whether an admin token is held.
func (c *Client) HasSession() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

// WatchRevisions follows the gateway's revision event stream for key and calls fn with every
// announced value. It returns when ctx ends or the stream breaks.
func (c *Client) WatchRevisions(ctx context.Context, key string, fn func(rev int64)) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint("/kv-events", url.Values{"key": {key}}), http.NoBody)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "text/event-stream")
	response, err := c.stream.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return &RemoteError{Status: response.StatusCode, Code: http.StatusText(response.StatusCode)}
	}

	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 0, 4096), maxEventLineLen)
	var eventName string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if eventName == revisionEvent && data.Len() > 0 {
				var payload struct {
					Key string `json:"key"`
					Rev int64  `json:"rev"`
				}
				if err := json.Unmarshal([]byte(data.String()), &payload); err != nil {
					c.logger.Warn("discarding malformed revision event", zap.Error(err))
				} else {
					fn(payload.Rev)
				}
			}
			eventName = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

func (c *Client) call(ctx context.Context, method, path string, query url.Values, body any) (envelope, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return envelope{}, err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return envelope{}, err
	}
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.token
	c.mu.RUnlock()
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := c.http.Do(request)
	if err != nil {
		return envelope{}, err
	}
	defer response.Body.Close()

	var decoded envelope
	if err := json.NewDecoder(response.Body).Decode(&decoded); err != nil {
		return envelope{}, &RemoteError{Status: response.StatusCode, Code: http.StatusText(response.StatusCode)}
	}
	if !decoded.OK {
		if response.StatusCode == http.StatusUnauthorized && token != "" {
			c.Logout()
		}
		return envelope{}, &RemoteError{Status: response.StatusCode, Code: decoded.Error}
	}
	return decoded, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	target := *c.baseURL
	target.Path = strings.TrimRight(target.Path, "/") + path
	if query != nil {
		target.RawQuery = query.Encode()
	}
	return target.String()
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func parseInt(raw json.RawMessage) (int64, error) {
	return strconv.ParseInt(strings.Trim(strings.TrimSpace(string(raw)), `"`), 10, 64)
}
