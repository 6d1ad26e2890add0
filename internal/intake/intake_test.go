package intake

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apexbt/internal/engine"
	"apexbt/internal/ports"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockOpener struct {
	mu       sync.Mutex
	requests []engine.OpenRequest
	opened   bool
	err      error
}

func (m *mockOpener) OpenPosition(ctx context.Context, req engine.OpenRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return m.opened, m.err
}

func (m *mockOpener) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func validSignal() SignalRequest {
	return SignalRequest{
		IdempotencyKey:  "sig-1",
		Ticker:          "PEPE",
		ContractAddress: "0xabc",
		Network:         "base",
		SourceAgent:     "alpha-agent",
		EntryPrice:      1.0,
	}
}

func TestHandleSignal(t *testing.T) {
	opener := &mockOpener{opened: true}
	in, err := New(opener, &mockLogger{})
	require.NoError(t, err)

	opened, err := in.HandleSignal(context.Background(), validSignal())
	require.NoError(t, err)
	assert.True(t, opened)
	assert.Equal(t, 1, opener.callCount())
}

func TestHandleSignalValidation(t *testing.T) {
	opener := &mockOpener{opened: true}
	in, err := New(opener, &mockLogger{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*SignalRequest)
	}{
		{name: "missing ticker", mutate: func(r *SignalRequest) { r.Ticker = "" }},
		{name: "missing contract", mutate: func(r *SignalRequest) { r.ContractAddress = "" }},
		{name: "zero price", mutate: func(r *SignalRequest) { r.EntryPrice = 0 }},
		{name: "negative price", mutate: func(r *SignalRequest) { r.EntryPrice = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validSignal()
			tt.mutate(&req)
			opened, err := in.HandleSignal(context.Background(), req)
			assert.False(t, opened)
			assert.ErrorIs(t, err, ports.ErrInvalidRequest)
		})
	}
	assert.Equal(t, 0, opener.callCount(), "invalid requests must not reach the engine")
}

func TestHandleSignalReplaySuppressed(t *testing.T) {
	opener := &mockOpener{opened: true}
	in, err := New(opener, &mockLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	opened, err := in.HandleSignal(ctx, validSignal())
	require.NoError(t, err)
	require.True(t, opened)

	// Same key again: acknowledged but not re-applied.
	opened, err = in.HandleSignal(ctx, validSignal())
	require.NoError(t, err)
	assert.False(t, opened)
	assert.Equal(t, 1, opener.callCount())

	// A different key goes through.
	fresh := validSignal()
	fresh.IdempotencyKey = "sig-2"
	opened, err = in.HandleSignal(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, opened)
	assert.Equal(t, 2, opener.callCount())
}

func TestHandleSignalWithoutKeyNeverDeduped(t *testing.T) {
	opener := &mockOpener{opened: true}
	in, err := New(opener, &mockLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	req := validSignal()
	req.IdempotencyKey = ""
	_, err = in.HandleSignal(ctx, req)
	require.NoError(t, err)
	_, err = in.HandleSignal(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, opener.callCount())
}

func TestHandleSignalErrorReleasesKey(t *testing.T) {
	opener := &mockOpener{err: errors.New("db down")}
	in, err := New(opener, &mockLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = in.HandleSignal(ctx, validSignal())
	require.Error(t, err)

	// The key was not consumed, so the producer's retry is processed.
	opener.mu.Lock()
	opener.err = nil
	opener.opened = true
	opener.mu.Unlock()

	opened, err := in.HandleSignal(ctx, validSignal())
	require.NoError(t, err)
	assert.True(t, opened)
	assert.Equal(t, 2, opener.callCount())
}

func TestHandleSignalEngineDuplicateKeepsKey(t *testing.T) {
	// ok=false with nil error is the engine's duplicate suppression; the
	// key stays consumed because the signal was handled.
	opener := &mockOpener{opened: false}
	in, err := New(opener, &mockLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	opened, err := in.HandleSignal(ctx, validSignal())
	require.NoError(t, err)
	assert.False(t, opened)

	opened, err = in.HandleSignal(ctx, validSignal())
	require.NoError(t, err)
	assert.False(t, opened)
	assert.Equal(t, 1, opener.callCount())
}
