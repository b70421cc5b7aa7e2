// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the conversation engine sends
// correct CompletionRequests and to feed controlled responses without a live
// LLM backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    Responses: []mock.Response{
//	        {Content: `{"style":"soft","spokenResponse":"Hello!"}`},
//	    },
//	}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/lovenote-ai/lovenote/pkg/provider/llm"
)

// Response scripts the outcome of one Complete call.
// If Err is non-nil it is returned and Content is ignored.
type Response struct {
	// Content becomes the CompletionResponse.Content for this call.
	Content string
	// Err, if non-nil, is returned instead of a response.
	Err error
	// Usage is the token accounting attached to the response.
	Usage llm.Usage
}

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
//
// Responses are consumed in order: the first Complete call receives
// Responses[0], the second Responses[1], and so on. Once the script is
// exhausted the last response repeats, so a single-element script behaves
// like a fixed response. An empty script yields an empty response and a nil
// error.
type Provider struct {
	mu sync.Mutex

	// Responses is the ordered script of completion outcomes.
	Responses []Response

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall

	next int
}

// Complete records the call and returns the next scripted response.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})

	if len(p.Responses) == 0 {
		return &llm.CompletionResponse{}, nil
	}

	idx := p.next
	if idx >= len(p.Responses) {
		idx = len(p.Responses) - 1
	}
	p.next++

	r := p.Responses[idx]
	if r.Err != nil {
		return nil, r.Err
	}
	return &llm.CompletionResponse{Content: r.Content, Usage: r.Usage}, nil
}

// CompleteCallCount returns how many times Complete was called. Thread-safe.
func (p *Provider) CompleteCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CompleteCalls)
}

// Reset clears all recorded calls and rewinds the response script. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CompleteCalls = nil
	p.next = 0
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
