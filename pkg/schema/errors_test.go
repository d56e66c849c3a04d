package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDripError_Format(t *testing.T) {
	err := NewError(ErrCodeTimeout, "send timed out")
	assert.Equal(t, "[TIMEOUT_ERROR] send timed out", err.Error())

	err = NewErrorf(ErrCodeExecution, "action %s failed", "webhook").WithStep("s2")
	assert.Equal(t, "[EXECUTION_ERROR] step s2: action webhook failed", err.Error())
}

func TestDripError_CauseAndCode(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewError(ErrCodeStore, "claim failed").WithCause(cause)
	wrapped := fmt.Errorf("run pass: %w", err)

	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, ErrCodeStore, ErrorCode(wrapped))
	assert.True(t, IsCode(wrapped, ErrCodeStore))
	assert.False(t, IsCode(wrapped, ErrCodeBounce))
	assert.False(t, IsCode(nil, ErrCodeStore))
	assert.Equal(t, "", ErrorCode(cause))
}
