package backend

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorFromHTTPStatus(t *testing.T) {
	cases := []struct {
		status    int
		wantType  string
		retryable bool
	}{
		{401, "auth", false},
		{403, "auth", false},
		{408, "timeout", true},
		{429, "ratelimit", true},
		{500, "server", true},
		{502, "server", true},
		{503, "server", true},
		{504, "server", true},
		{418, "server", true},
	}
	for _, tc := range cases {
		err := ErrorFromHTTPStatus("http", tc.status, "msg", nil)
		var be Error
		if !errors.As(err, &be) {
			t.Fatalf("status %d: not a backend.Error: %v", tc.status, err)
		}
		if be.Retryable() != tc.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tc.status, be.Retryable(), tc.retryable)
		}
		switch tc.wantType {
		case "auth":
			if !IsAuthenticationError(err) {
				t.Errorf("status %d: want auth error, got %T", tc.status, err)
			}
		case "timeout":
			var te *TimeoutError
			if !errors.As(err, &te) {
				t.Errorf("status %d: want timeout error, got %T", tc.status, err)
			}
		case "ratelimit":
			var re *RateLimitError
			if !errors.As(err, &re) {
				t.Errorf("status %d: want rate limit error, got %T", tc.status, err)
			}
		case "server":
			var se *ServerError
			if !errors.As(err, &se) {
				t.Errorf("status %d: want server error, got %T", tc.status, err)
			} else if se.StatusCode != tc.status {
				t.Errorf("status carried = %d, want %d", se.StatusCode, tc.status)
			}
		}
	}
}

func TestClassifyStderr(t *testing.T) {
	cases := []struct {
		stderr string
		check  func(error) bool
	}{
		{"Error: Invalid API key provided", IsAuthenticationError},
		{"request unauthorized for this account", IsAuthenticationError},
		{"please run login first: not logged in", IsAuthenticationError},
		{"Rate limit exceeded, retry later", func(err error) bool {
			var e *RateLimitError
			return errors.As(err, &e)
		}},
		{"HTTP 429: too many requests", func(err error) bool {
			var e *RateLimitError
			return errors.As(err, &e)
		}},
		{"request timed out after 60s", func(err error) bool {
			var e *TimeoutError
			return errors.As(err, &e)
		}},
		{"something unexpected happened", func(err error) bool {
			var e *InvocationError
			return errors.As(err, &e) && e.ExitCode == 2
		}},
	}
	for _, tc := range cases {
		err := ClassifyStderr("agent", 2, tc.stderr, fmt.Errorf("exit status 2"))
		if !tc.check(err) {
			t.Errorf("stderr %q classified as %T: %v", tc.stderr, err, err)
		}
	}
}

func TestClassifyStderrEmptyUsesRunError(t *testing.T) {
	err := ClassifyStderr("agent", -1, "", fmt.Errorf("exec: file not found"))
	var ie *InvocationError
	if !errors.As(err, &ie) {
		t.Fatalf("got %T", err)
	}
	if ie.ExitCode != -1 {
		t.Fatalf("exit = %d", ie.ExitCode)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	if d := ParseRetryAfter("30", now); d == nil || *d != 30*time.Second {
		t.Fatalf("seconds form: %v", d)
	}
	if d := ParseRetryAfter("Fri, 01 Aug 2026 12:01:00 GMT", now); d == nil || *d != time.Minute {
		t.Fatalf("http-date form: %v", d)
	}
	if d := ParseRetryAfter("Fri, 01 Aug 2026 11:00:00 GMT", now); d == nil || *d != 0 {
		t.Fatalf("past date must clamp to 0: %v", d)
	}
	if d := ParseRetryAfter("", now); d != nil {
		t.Fatalf("empty: %v", d)
	}
	if d := ParseRetryAfter("soon", now); d != nil {
		t.Fatalf("garbage: %v", d)
	}
}

func TestRetryableDefaults(t *testing.T) {
	if Retryable(nil) {
		t.Fatal("nil error is not retryable")
	}
	if !Retryable(fmt.Errorf("unclassified")) {
		t.Fatal("unclassified errors default to retryable")
	}
	if Retryable(NewAuthenticationError("b", "bad key")) {
		t.Fatal("auth errors are not retryable")
	}
	if Retryable(&ConfigurationError{Message: "missing url"}) {
		t.Fatal("configuration errors are not retryable")
	}
	if !Retryable(NewServerError("b", 503, "unavailable")) {
		t.Fatal("server errors are retryable")
	}
}

func TestFirstLineTruncates(t *testing.T) {
	long := ""
	for i := 0; i < 40; i++ {
		long += "0123456789"
	}
	got := firstLine(long + "\nsecond line")
	if len(got) != 300 {
		t.Fatalf("len = %d, want 300", len(got))
	}
}
