package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	_, err := New(0, time.Second)
	assert.Error(t, err)

	_, err = New(-1, time.Second)
	assert.Error(t, err)

	_, err = New(5, 0)
	assert.Error(t, err)

	l, err := New(5, time.Second)
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestAllowExhaustsBurst(t *testing.T) {
	l, err := New(3, time.Hour) // effectively no refill within the test
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow(), "token %d should be available", i)
	}
	assert.False(t, l.Allow(), "bucket should be empty")
}

func TestAcquireRespectsContext(t *testing.T) {
	l, err := New(1, time.Hour)
	require.NoError(t, err)
	require.NoError(t, l.Acquire(context.Background()))

	// Bucket drained; a bounded wait must give up with the context.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = l.Acquire(ctx)
	assert.Error(t, err)
}

func TestRefill(t *testing.T) {
	l, err := New(2, 100*time.Millisecond)
	require.NoError(t, err)

	require.True(t, l.Allow())
	require.True(t, l.Allow())
	require.False(t, l.Allow())

	// One token refills after ~window/capacity.
	assert.Eventually(t, l.Allow, time.Second, 5*time.Millisecond)
}
