package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorKindMatching(t *testing.T) {
	base := NewError(ErrKindNotFound, "no such file: %s", "a.txt")
	assert.Equal(t, ErrKindNotFound, KindOf(base))
	assert.Equal(t, "no such file: a.txt", base.Error())

	// Kind survives fmt.Errorf wrapping.
	wrapped := fmt.Errorf("file_read: %w", base)
	assert.Equal(t, ErrKindNotFound, KindOf(wrapped))

	// Non-taxonomy errors report no kind.
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))
}

func TestWrapErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(ErrKindRuntime, cause, "exec in container %s", "c-1")

	require.ErrorIs(t, err, cause)
	assert.Equal(t, ErrKindRuntime, KindOf(err))
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "exec in container c-1")
}

func TestSandboxNotAvailableMessage(t *testing.T) {
	// The message text is an API contract and pinned here.
	assert.Equal(t, "sandbox not available", ErrSandboxNotAvailable.Error())
	assert.Equal(t, ErrKindNotAvailable, KindOf(ErrSandboxNotAvailable))
}
