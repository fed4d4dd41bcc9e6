package llm

import (
	"context"
	"fmt"
	"sync"
)

// FakeClient is a deterministic, scripted Client for tests: each call to
// Complete pops the next queued Response (or calls Script, if set) rather
// than talking to any real backend.
type FakeClient struct {
	mu        sync.Mutex
	responses []Response
	calls     []Request

	// Script, if set, computes a response per-request instead of draining
	// the static queue below.
	Script func(req Request) (Response, error)
}

// NewFakeClient returns a FakeClient that yields responses in order.
func NewFakeClient(responses ...Response) *FakeClient {
	return &FakeClient{responses: responses}
}

func (f *FakeClient) Complete(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)

	if f.Script != nil {
		return f.Script(req)
	}
	if len(f.responses) == 0 {
		return Response{}, fmt.Errorf("fake client: no scripted response for call %d", len(f.calls))
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

// Calls returns every request Complete has received so far, for assertions.
func (f *FakeClient) Calls() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Request, len(f.calls))
	copy(out, f.calls)
	return out
}

var _ Client = (*FakeClient)(nil)
