package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoomErrorFormatting(t *testing.T) {
	t.Run("without cause", func(t *testing.T) {
		err := NewError(LOCK_CONTENTION, "could not acquire lock")
		assert.Equal(t, "[LOCK_CONTENTION] could not acquire lock", err.Error())
	})

	t.Run("with cause", func(t *testing.T) {
		cause := fmt.Errorf("lease held by another process")
		err := WrapError(LOCK_CONTENTION, "could not acquire lock", cause)
		assert.Equal(t, "[LOCK_CONTENTION] could not acquire lock: lease held by another process", err.Error())
	})
}

func TestLoomErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := WrapError(STORE_QUERY_FAILED, "insert failed", cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestLoomErrorIsMatchesByCode(t *testing.T) {
	err := NewError(UNIT_TIMEOUT, "unit took too long")
	target := NewError(UNIT_TIMEOUT, "different message")

	assert.True(t, errors.Is(err, target))
	assert.False(t, errors.Is(err, NewError(UNIT_EXECUTION_FAILED, "unit took too long")))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, RETRY_EXHAUSTED, CodeOf(NewError(RETRY_EXHAUSTED, "gave up")))
	assert.Equal(t, ErrorCode(""), CodeOf(fmt.Errorf("plain error")))

	wrapped := fmt.Errorf("outer: %w", NewError(CIRCULAR_DEPENDENCY, "cycle"))
	assert.Equal(t, CIRCULAR_DEPENDENCY, CodeOf(wrapped))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewRetryableError(UNIT_EXECUTION_FAILED, "transient")))
	assert.False(t, IsRetryable(NewError(UNIT_EXECUTION_FAILED, "permanent")))
	assert.False(t, IsRetryable(errors.New("plain")))
}
