package bazel

import (
	"context"
	"sync"
)

// MockExecutor is a mock implementation of Invoker for testing
type MockExecutor struct {
	MockUnits [][]byte
	MockError error

	// InvokeFunc, when set, replaces the canned response
	InvokeFunc func(ctx context.Context, inv Invocation) ([][]byte, error)

	mu    sync.Mutex
	calls []Invocation
}

func (m *MockExecutor) Invoke(ctx context.Context, inv Invocation) ([][]byte, error) {
	m.mu.Lock()
	m.calls = append(m.calls, inv)
	m.mu.Unlock()

	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, inv)
	}
	if m.MockError != nil {
		return nil, m.MockError
	}
	return m.MockUnits, nil
}

// Calls returns the invocations seen so far
func (m *MockExecutor) Calls() []Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Invocation(nil), m.calls...)
}
