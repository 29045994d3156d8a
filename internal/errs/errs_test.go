package errs

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(NotFound, "record missing")
	assert.True(t, errors.Is(err, KindOf(NotFound)))
	assert.False(t, errors.Is(err, KindOf(Busy)))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Storage, "writing record", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "disk full")
}

func TestOfReportsKind(t *testing.T) {
	err := Newf(InvalidQuery, "bad field %q", "status")
	kind, ok := Of(err)
	require.True(t, ok)
	assert.Equal(t, InvalidQuery, kind)
}

func TestOfOnPlainError(t *testing.T) {
	_, ok := Of(errors.New("plain"))
	assert.False(t, ok)
}

func TestWrapfFormatsMessage(t *testing.T) {
	err := Wrapf(Storage, "decoding schema for index %q", errors.New("eof"), "widgets")
	assert.Contains(t, err.Error(), `decoding schema for index "widgets"`)
}
