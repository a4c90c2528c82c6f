package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(&Config{
		BaseURL:   srv.URL + "/",
		CSRFToken: "token-1",
		Logger:    log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(nil); err == nil {
		t.Error("expected error for nil config")
	}
	if _, err := NewClient(&Config{}); err == nil {
		t.Error("expected error for empty base URL")
	}
}

func TestDoSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/users" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get(CSRFHeader) != "token-1" {
			t.Errorf("missing csrf header")
		}
		if r.URL.Query().Get("page") != "2" {
			t.Errorf("missing page query, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"users":[{"id":"u1"}],"count":1}`))
	})

	raw, err := client.Do(context.Background(), Request{
		Path:  "/users",
		Query: url.Values{"page": {"2"}},
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	var body struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if body.Count != 1 {
		t.Errorf("expected count 1, got %d", body.Count)
	}
}

func TestDoSendsBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("missing content type")
		}
		var in map[string]string
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in["name"] != "alice" {
			t.Errorf("unexpected body %v (%v)", in, err)
		}
		w.WriteHeader(http.StatusOK)
	})

	raw, err := client.Do(context.Background(), Request{
		Method: http.MethodPut,
		Path:   "users/u1",
		Body:   map[string]string{"name": "alice"},
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if raw != nil {
		t.Errorf("expected nil body for empty response, got %s", raw)
	}
}

func TestDoUnauthenticated(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.Do(context.Background(), Request{Path: "/users"})
	if !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestDoRequestError(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
	}{
		{name: "error_msg", body: `{"error_code":"x","error_msg":"Name taken"}`, message: "Name taken"},
		{name: "message", body: `{"message":"Bad input"}`, message: "Bad input"},
		{name: "not json", body: `oops`, message: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Do(context.Background(), Request{Path: "/users"})
			var reqErr *RequestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("expected RequestError, got %v", err)
			}
			if reqErr.Status != http.StatusBadRequest {
				t.Errorf("expected status 400, got %d", reqErr.Status)
			}
			if reqErr.Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, reqErr.Message)
			}
			if got := MessageOr(err, "fallback"); tt.message == "" && got != "fallback" {
				t.Errorf("expected fallback, got %q", got)
			}
		})
	}
}

func TestDoCancelled(t *testing.T) {
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := client.Do(ctx, Request{Path: "/slow"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDoInvalidJSON(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	})

	if _, err := client.Do(context.Background(), Request{Path: "/users"}); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestDoEscapesIDOnce(t *testing.T) {
	tests := []struct {
		id      string
		path    string
		escaped string
	}{
		{id: "john doe", path: "/users/john doe", escaped: "/users/john%20doe"},
		{id: "a/b", path: "/users/a/b", escaped: "/users/a%2Fb"},
		{id: "50%", path: "/users/50%", escaped: "/users/50%25"},
		{id: "u1", path: "/users/u1", escaped: "/users/u1"},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			var gotPath, gotEscaped string
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotEscaped = r.URL.EscapedPath()
				w.WriteHeader(http.StatusNoContent)
			})

			_, err := client.Do(context.Background(), Request{
				Method: http.MethodDelete,
				Path:   "/users/" + url.PathEscape(tt.id),
			})
			if err != nil {
				t.Fatalf("Do failed: %v", err)
			}
			if gotPath != tt.path {
				t.Errorf("server saw path %q, want %q", gotPath, tt.path)
			}
			if gotEscaped != tt.escaped {
				t.Errorf("server saw escaped path %q, want %q", gotEscaped, tt.escaped)
			}
		})
	}
}

func TestDoRejectsMalformedPath(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	})
	if _, err := client.Do(context.Background(), Request{Path: "/users/%zz"}); err == nil {
		t.Error("expected error for malformed escape")
	}
}

func TestSetCSRFTokenConcurrent(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.Header.Get(CSRFHeader)]++
		mu.Unlock()
		_, _ = w.Write([]byte(`[]`))
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := client.Do(context.Background(), Request{Path: "/users"}); err != nil {
					t.Errorf("Do failed: %v", err)
					return
				}
			}
		}()
	}
	for i := 0; i < 10; i++ {
		client.SetCSRFToken("token-2")
	}
	wg.Wait()

	if _, err := client.Do(context.Background(), Request{Path: "/users"}); err != nil {
		t.Fatalf("Do failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for token, n := range seen {
		if token != "token-1" && token != "token-2" {
			t.Errorf("unexpected token %q", token)
		}
		total += n
	}
	if total != 81 || seen["token-2"] == 0 {
		t.Errorf("expected 81 requests with token-2 in use, got %v", seen)
	}
}
