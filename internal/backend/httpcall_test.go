package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPBackendSuccess(t *testing.T) {
	var got httpPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		_, _ = w.Write([]byte(`{"verdict":"APPROVED"}`))
	}))
	defer srv.Close()

	t.Setenv("TEST_HTTP_KEY", "sekrit")
	h := &HTTPBackend{BaseURL: srv.URL, APIKeyEnv: "TEST_HTTP_KEY"}
	out, err := h.Invoke(context.Background(), Request{
		Model:      "m1",
		UserPrompt: "review this",
		TaskType:   "review",
		Fast:       true,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out) != `{"verdict":"APPROVED"}` {
		t.Fatalf("out = %q", out)
	}
	if auth != "Bearer sekrit" {
		t.Fatalf("auth header = %q", auth)
	}
	if got.Model != "m1" || got.UserPrompt != "review this" || got.TaskType != "review" || !got.Fast {
		t.Fatalf("payload = %+v", got)
	}
}

func TestHTTPBackendStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		check  func(error) bool
	}{
		{401, IsAuthenticationError},
		{429, func(err error) bool {
			var e *RateLimitError
			return errors.As(err, &e)
		}},
		{503, func(err error) bool {
			var e *ServerError
			return errors.As(err, &e) && e.StatusCode == 503
		}},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte("nope"))
		}))
		h := &HTTPBackend{BaseURL: srv.URL}
		_, err := h.Invoke(context.Background(), Request{UserPrompt: "x"})
		if err == nil || !tc.check(err) {
			t.Errorf("status %d classified as %T: %v", tc.status, err, err)
		}
		srv.Close()
	}
}

func TestHTTPBackendRetryAfterCarried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	h := &HTTPBackend{BaseURL: srv.URL}
	_, err := h.Invoke(context.Background(), Request{UserPrompt: "x"})
	var re *RateLimitError
	if !errors.As(err, &re) {
		t.Fatalf("got %v", err)
	}
	if re.RetryAfter == nil || *re.RetryAfter != 7*time.Second {
		t.Fatalf("retry-after = %v", re.RetryAfter)
	}
}

func TestHTTPBackendMissingKeyIsConfigurationError(t *testing.T) {
	t.Setenv("TEST_HTTP_KEY_ABSENT", "")
	h := &HTTPBackend{BaseURL: "http://127.0.0.1:1", APIKeyEnv: "TEST_HTTP_KEY_ABSENT"}
	_, err := h.Invoke(context.Background(), Request{UserPrompt: "x"})
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v", err)
	}
}

func TestHTTPBackendMissingURLIsConfigurationError(t *testing.T) {
	h := &HTTPBackend{}
	_, err := h.Invoke(context.Background(), Request{UserPrompt: "x"})
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("got %v", err)
	}
}

func TestHTTPBackendTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := &HTTPBackend{BaseURL: srv.URL}
	_, err := h.Invoke(context.Background(), Request{UserPrompt: "x", Timeout: 100 * time.Millisecond})
	var te *TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("got %T: %v", err, err)
	}
}
