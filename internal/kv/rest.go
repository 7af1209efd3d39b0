package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultRESTTimeout = 10 * time.Second

// RESTConfig configures the hosted store's REST interface.
type RESTConfig struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// RESTStore talks to an Upstash-style REST endpoint: /get/{key}, /set/{key}, /incr/{key}.
type RESTStore struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewRESTStore builds the store. Missing URL or token is not an error here: every call
// fails with ErrNotConfigured instead, so callers degrade the same way as on an outage.
func NewRESTStore(cfg RESTConfig) *RESTStore {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRESTTimeout}
	}
	return &RESTStore{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:   strings.TrimSpace(cfg.Token),
		client:  client,
	}
}

type restResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// Get fetches the value at key.
func (s *RESTStore) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	result, err := s.call(ctx, http.MethodGet, "get", key, nil)
	if err != nil {
		return nil, err
	}
	if isNull(result) {
		return nil, nil
	}
	var encoded string
	if err := json.Unmarshal(result, &encoded); err == nil {
		return normalizeStored([]byte(encoded)), nil
	}
	return result, nil
}

// Set overwrites the value at key.
func (s *RESTStore) Set(ctx context.Context, key string, value json.RawMessage) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := validateValue(value); err != nil {
		return err
	}
	_, err := s.call(ctx, http.MethodPost, "set", key, value)
	return err
}

// Incr atomically increments the integer at key.
func (s *RESTStore) Incr(ctx context.Context, key string) (int64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	result, err := s.call(ctx, http.MethodPost, "incr", key, nil)
	if err != nil {
		return 0, err
	}
	var value int64
	if err := json.Unmarshal(result, &value); err != nil {
		return 0, fmt.Errorf("%w: %s", ErrNotInteger, string(result))
	}
	return value, nil
}

func (s *RESTStore) call(ctx context.Context, method, command, key string, body []byte) (json.RawMessage, error) {
	if s.baseURL == "" || s.token == "" {
		return nil, ErrNotConfigured
	}
	endpoint := fmt.Sprintf("%s/%s/%s", s.baseURL, command, url.PathEscape(key))

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+s.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := s.client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer response.Body.Close()

	var payload restResponse
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode %s response: %v", ErrUpstream, command, err)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned status %d: %s", ErrUpstream, command, response.StatusCode, payload.Error)
	}
	if payload.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrUpstream, payload.Error)
	}
	return payload.Result, nil
}
