package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// HTTPBackend posts the task directly to a chat-completions style endpoint.
// It is the fallback of last resort when no agent CLI is usable.
type HTTPBackend struct {
	BackendName string

	// BaseURL of the completion endpoint, e.g. "https://api.example.com/v1/review".
	BaseURL string

	// APIKeyEnv names the env var carrying the bearer token. Empty means
	// unauthenticated (test servers).
	APIKeyEnv string

	// Client defaults to a fresh http.Client; per-request timeouts come from
	// the request context, not the client.
	Client *http.Client
}

func (h *HTTPBackend) Name() string {
	if h.BackendName != "" {
		return h.BackendName
	}
	return "http"
}

type httpPayload struct {
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	UserPrompt   string `json:"user_prompt"`
	Mode         string `json:"mode,omitempty"`
	TaskType     string `json:"task_type,omitempty"`
	Fast         bool   `json:"fast,omitempty"`
}

func (h *HTTPBackend) Invoke(ctx context.Context, req Request) ([]byte, error) {
	if strings.TrimSpace(h.BaseURL) == "" {
		return nil, &ConfigurationError{Message: "http backend requires a base URL"}
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	body, err := json.Marshal(httpPayload{
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		UserPrompt:   req.UserPrompt,
		Mode:         req.Mode,
		TaskType:     req.TaskType,
		Fast:         req.Fast,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if h.APIKeyEnv != "" {
		key := strings.TrimSpace(os.Getenv(h.APIKeyEnv))
		if key == "" {
			return nil, &ConfigurationError{Message: fmt.Sprintf("env var %s is not set", h.APIKeyEnv)}
		}
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}

	client := h.Client
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, NewTimeoutError(h.Name(), "request exceeded "+req.Timeout.String())
		}
		return nil, NewServerError(h.Name(), 0, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, NewServerError(h.Name(), resp.StatusCode, "read response: "+err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, ErrorFromHTTPStatus(h.Name(), resp.StatusCode, firstLine(string(raw)), retryAfter)
	}
	return raw, nil
}
