package kv

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

const testRESTToken = "kv-token"

// fakeUpstash mimics the hosted store: values are kept as strings, counters as decimal strings.
type fakeUpstash struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeUpstash(t *testing.T) (*fakeUpstash, *httptest.Server) {
	t.Helper()
	fake := &fakeUpstash{values: map[string]string{}}
	server := httptest.NewServer(http.HandlerFunc(fake.serve))
	t.Cleanup(server.Close)
	return fake, server
}

func (f *fakeUpstash) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Header.Get("Authorization") != "Bearer "+testRESTToken {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"Unauthorized"}`))
		return
	}
	segments := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if len(segments) != 2 {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad path"}`))
		return
	}
	command, key := segments[0], segments[1]

	f.mu.Lock()
	defer f.mu.Unlock()
	switch command {
	case "get":
		value, ok := f.values[key]
		if !ok {
			_, _ = w.Write([]byte(`{"result":null}`))
			return
		}
		encoded, _ := json.Marshal(map[string]string{"result": value})
		_, _ = w.Write(encoded)
	case "set":
		body, _ := io.ReadAll(r.Body)
		f.values[key] = string(body)
		_, _ = w.Write([]byte(`{"result":"OK"}`))
	case "incr":
		current, _ := strconv.ParseInt(f.values[key], 10, 64)
		current++
		f.values[key] = strconv.FormatInt(current, 10)
		_, _ = w.Write([]byte(`{"result":` + strconv.FormatInt(current, 10) + `}`))
	default:
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"unknown command"}`))
	}
}

func TestRESTStoreRoundTrip(t *testing.T) {
	_, server := newFakeUpstash(t)
	store := NewRESTStore(RESTConfig{BaseURL: server.URL + "/", Token: testRESTToken})
	ctx := context.Background()

	missing, err := store.Get(ctx, "coralclub:state")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing key, got %s (%v)", missing, err)
	}

	if err := store.Set(ctx, "coralclub:state", json.RawMessage(`{"layout":{"count":3,"edit":false}}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	value, err := store.Get(ctx, "coralclub:state")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(value) != `{"layout":{"count":3,"edit":false}}` {
		t.Fatalf("unexpected value %s", value)
	}

	for expected := int64(1); expected <= 3; expected++ {
		rev, err := store.Incr(ctx, "coralclub:rev")
		if err != nil {
			t.Fatalf("incr failed: %v", err)
		}
		if rev != expected {
			t.Fatalf("expected %d, got %d", expected, rev)
		}
	}
	counter, err := store.Get(ctx, "coralclub:rev")
	if err != nil {
		t.Fatalf("get counter failed: %v", err)
	}
	if string(counter) != "3" {
		t.Fatalf("expected counter to decode as number, got %s", counter)
	}
}

func TestRESTStoreEscapesKeys(t *testing.T) {
	fake, server := newFakeUpstash(t)
	store := NewRESTStore(RESTConfig{BaseURL: server.URL, Token: testRESTToken})
	if err := store.Set(context.Background(), "coral club", json.RawMessage(`1`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if _, ok := fake.values["coral club"]; !ok {
		t.Fatalf("expected escaped key to round trip, got %v", fake.values)
	}
}

func TestRESTStoreWithoutConfigurationFailsEveryCall(t *testing.T) {
	store := NewRESTStore(RESTConfig{})
	ctx := context.Background()
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured from get, got %v", err)
	}
	if err := store.Set(ctx, "k", json.RawMessage(`1`)); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured from set, got %v", err)
	}
	if _, err := store.Incr(ctx, "k"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured from incr, got %v", err)
	}
}

func TestRESTStoreSurfacesUpstreamErrors(t *testing.T) {
	_, server := newFakeUpstash(t)
	store := NewRESTStore(RESTConfig{BaseURL: server.URL, Token: "wrong"})
	if _, err := store.Get(context.Background(), "k"); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestNormalizeStoredQuotesPlainStrings(t *testing.T) {
	if got := string(normalizeStored([]byte("hello"))); got != `"hello"` {
		t.Fatalf("expected quoted string, got %s", got)
	}
	if got := string(normalizeStored([]byte(` {"a":1} `))); got != `{"a":1}` {
		t.Fatalf("expected trimmed json, got %s", got)
	}
	if got := normalizeStored(nil); got != nil {
		t.Fatalf("expected nil, got %s", got)
	}
}
