package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestOpenAIProvider_DefaultModel(t *testing.T) {
	p := NewOpenAIProvider("test-key", "", "")
	if p.DefaultModel() != DefaultModelName {
		t.Errorf("expected default model %s, got %s", DefaultModelName, p.DefaultModel())
	}

	p = NewOpenAIProvider("test-key", "", "openai/gpt-4")
	if p.DefaultModel() != "openai/gpt-4" {
		t.Errorf("expected model openai/gpt-4, got %s", p.DefaultModel())
	}
}

func TestOpenAIProvider_ParseSimpleResponse(t *testing.T) {
	var got completionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" || r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected request %s auth=%q", r.URL.Path, r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Hello, world!"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL+"/", "test-model")
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages:    []Message{{Role: RoleUser, Content: "Hello"}},
		MaxTokens:   100,
		Temperature: 0.7,
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Content != "Hello, world!" || resp.FinishReason != "stop" {
		t.Errorf("unexpected response %+v", resp)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected total_tokens 15, got %d", resp.Usage.TotalTokens)
	}
	if got.Model != "test-model" || got.MaxTokens != 100 || got.ToolChoice != "" {
		t.Errorf("unexpected request body %+v", got)
	}
}

func TestOpenAIProvider_ToolCallsRoundTrip(t *testing.T) {
	var got completionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"","tool_calls":[
			{"id":"call_123","type":"function","function":{"name":"read_file","arguments":"{\"path\": \"/tmp/test.txt\"}"}},
			{"id":"call_124","type":"function","function":{"name":"list_dir","arguments":"not json"}}]},
			"finish_reason":"tool_calls"}]}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("test-key", server.URL, "test-model")
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Model: "override",
		Messages: []Message{
			{Role: RoleUser, Content: "Read the file"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", Name: "list_dir", Arguments: map[string]any{"path": "."}}}},
			{Role: RoleTool, ToolCallID: "call_1", Content: "a.txt"},
		},
		Tools: []ToolDefinition{NewFunctionTool("read_file", "Read a file", map[string]any{"type": "object"})},
	})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}

	if got.Model != "override" || got.ToolChoice != "auto" || len(got.Tools) != 1 {
		t.Fatalf("unexpected request body %+v", got)
	}
	if tc := got.Messages[1].ToolCalls; len(tc) != 1 || tc[0].Function.Arguments != `{"path":"."}` {
		t.Fatalf("expected tool-call arguments encoded as a JSON string, got %+v", tc)
	}
	if got.Messages[2].ToolCallID != "call_1" {
		t.Fatalf("expected tool result id forwarded, got %+v", got.Messages[2])
	}

	if len(resp.ToolCalls) != 2 {
		t.Fatalf("expected 2 tool calls, got %d", len(resp.ToolCalls))
	}
	if tc := resp.ToolCalls[0]; tc.Name != "read_file" || tc.Arguments["path"] != "/tmp/test.txt" {
		t.Errorf("unexpected first tool call %+v", tc)
	}
	if raw := resp.ToolCalls[1].Arguments["raw"]; raw != "not json" {
		t.Errorf("expected invalid arguments kept as raw, got %+v", resp.ToolCalls[1].Arguments)
	}
}

func TestOpenAIProvider_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Invalid API key"}}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("bad-key", server.URL, "test-model")
	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "Hello"}}})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnauthorized || apiErr.Message != "Invalid API key" || apiErr.Type != "invalid_request_error" {
		t.Fatalf("unexpected API error %+v", apiErr)
	}
	if errors.Is(err, ErrRateLimited) {
		t.Fatal("401 must not be treated as rate limiting")
	}
}

func TestOpenAIProvider_RateLimitIsSentinel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error": "slow down"}`))
	}))
	defer server.Close()

	p := NewOpenAIProvider("key", server.URL, "test-model")
	_, err := p.Chat(context.Background(), &ChatRequest{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if ra := RetryAfterOf(err); ra != 42*time.Second {
		t.Fatalf("expected Retry-After 42s, got %v", ra)
	}
}

type flakyProvider struct {
	failures int
	err      error
	calls    int
}

func (f *flakyProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &ChatResponse{Content: "ok"}, nil
}

func (f *flakyProvider) DefaultModel() string { return "flaky" }

func TestRetryingProvider_BacksOffOnRateLimit(t *testing.T) {
	inner := &flakyProvider{failures: 2, err: fmt.Errorf("status 429: %w", ErrRateLimited)}
	p := WithRetry(inner, DefaultRetryPolicy)
	var delays []time.Duration
	p.SetSleep(func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	})

	resp, err := p.Chat(context.Background(), &ChatRequest{})
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if resp.Content != "ok" || inner.calls != 3 {
		t.Fatalf("expected success on third call, got %d calls", inner.calls)
	}
	if len(delays) != 2 || delays[0] != 15*time.Second || delays[1] != 30*time.Second {
		t.Fatalf("unexpected delays: %v", delays)
	}
}

func TestRetryingProvider_GivesUpAfterMaxRetries(t *testing.T) {
	inner := &flakyProvider{failures: 10, err: ErrRateLimited}
	p := WithRetry(inner, DefaultRetryPolicy)
	p.SetSleep(func(ctx context.Context, d time.Duration) error { return nil })

	if _, err := p.Chat(context.Background(), &ChatRequest{}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if inner.calls != 4 {
		t.Fatalf("expected 1 call + 3 retries, got %d", inner.calls)
	}
}

func TestRetryingProvider_OtherErrorsPropagate(t *testing.T) {
	inner := &flakyProvider{failures: 1, err: errors.New("boom")}
	p := WithRetry(inner, DefaultRetryPolicy)
	p.SetSleep(func(ctx context.Context, d time.Duration) error {
		t.Fatal("must not sleep on non rate-limit errors")
		return nil
	})
	if _, err := p.Chat(context.Background(), &ChatRequest{}); err == nil || inner.calls != 1 {
		t.Fatalf("expected immediate error, got %v after %d calls", err, inner.calls)
	}
}

func TestRetryingProvider_HonoursRetryAfter(t *testing.T) {
	inner := &flakyProvider{failures: 2, err: &APIError{Status: http.StatusTooManyRequests, RetryAfter: 45 * time.Second}}
	p := WithRetry(inner, RetryPolicy{MaxRetries: 3, Base: 15 * time.Second, Max: 40 * time.Second})
	var delays []time.Duration
	p.SetSleep(func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	})
	if _, err := p.Chat(context.Background(), &ChatRequest{}); err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if len(delays) != 2 || delays[0] != 40*time.Second || delays[1] != 40*time.Second {
		t.Fatalf("expected Retry-After capped at 40s, got %v", delays)
	}
}

func TestRetryPolicyDelayCapped(t *testing.T) {
	p := DefaultRetryPolicy
	if d := p.Delay(2); d != 60*time.Second {
		t.Fatalf("expected 60s, got %v", d)
	}
	if d := p.Delay(5); d != 120*time.Second {
		t.Fatalf("expected cap 120s, got %v", d)
	}
}
