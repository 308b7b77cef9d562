package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesSentinel(t *testing.T) {
	wrapped := Wrap(ErrNotFound, "profile 42")

	assert.Contains(t, wrapped.Error(), "profile 42")
	assert.True(t, IsNotFoundError(wrapped))
	assert.False(t, IsInvalidRequestError(wrapped))
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("action %s", "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action abc")
	assert.True(t, Is(err, ErrNotFound))
}

func TestNewInvalidRequestError(t *testing.T) {
	err := NewInvalidRequestError("bad version %d", 7)
	assert.True(t, IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "bad version 7")
}

func TestIsHelpersNil(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsInvalidRequestError(nil))
	assert.False(t, IsServiceUnavailableError(nil))
}

func TestStdlibWrappedSentinel(t *testing.T) {
	err := fmt.Errorf("remote: %w", ErrServiceUnavailable)
	assert.True(t, IsServiceUnavailableError(err))
}

func TestWithHint(t *testing.T) {
	err := WithHint(New("decode failed"), "export the profile again")
	hints := GetAllHints(err)
	require.Len(t, hints, 1)
	assert.Equal(t, "export the profile again", hints[0])
}

func TestCombineErrors(t *testing.T) {
	a := New("a")
	b := New("b")
	combined := CombineErrors(a, b)
	assert.True(t, Is(combined, a))
	assert.Nil(t, CombineErrors(nil, nil))
}
