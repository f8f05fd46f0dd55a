// Package providertest provides a scripted LLMProvider for tests.
package providertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/KafClaw/autoflow/internal/provider"
)

// Step is one scripted completion: either a response or an error.
type Step struct {
	Response *provider.ChatResponse
	Err      error
}

// Reply returns a step answering with plain text.
func Reply(content string) Step {
	return Step{Response: &provider.ChatResponse{Content: content, FinishReason: "stop"}}
}

// Call returns a step requesting one tool call.
func Call(id, name string, args map[string]any) Step {
	return Step{Response: &provider.ChatResponse{
		ToolCalls:    []provider.ToolCall{{ID: id, Name: name, Arguments: args}},
		FinishReason: "tool_calls",
	}}
}

// Calls returns a step requesting several tool calls in one turn.
func Calls(content string, calls ...provider.ToolCall) Step {
	return Step{Response: &provider.ChatResponse{Content: content, ToolCalls: calls, FinishReason: "tool_calls"}}
}

// Fail returns a step failing with err.
func Fail(err error) Step { return Step{Err: err} }

// Scripted replays steps in order and records every request.
type Scripted struct {
	mu       sync.Mutex
	steps    []Step
	requests []provider.ChatRequest
}

// New creates a scripted provider.
func New(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

// Push appends more steps.
func (s *Scripted) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, steps...)
}

// Chat implements provider.LLMProvider.
func (s *Scripted) Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	cp.Messages = append([]provider.Message(nil), req.Messages...)
	s.requests = append(s.requests, cp)
	if len(s.steps) == 0 {
		return nil, fmt.Errorf("scripted provider exhausted after %d calls", len(s.requests))
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	return step.Response, step.Err
}

// DefaultModel implements provider.LLMProvider.
func (s *Scripted) DefaultModel() string { return "scripted" }

// Requests returns copies of every request received.
func (s *Scripted) Requests() []provider.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.ChatRequest(nil), s.requests...)
}

// Remaining returns the number of unconsumed steps.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}
