package errkind

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransient(t *testing.T) {
	require.Nil(t, Transient(nil))

	err := Transient(io.ErrUnexpectedEOF)
	require.True(t, IsTransient(err))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// Marking survives further wrapping.
	wrapped := fmt.Errorf("reading object: %w", err)
	require.True(t, IsTransient(wrapped))

	require.False(t, IsTransient(io.ErrUnexpectedEOF))
	require.False(t, IsTransient(nil))
}

func TestMalformed(t *testing.T) {
	err := Malformedf("row %d: bad value", 7)
	require.True(t, IsMalformed(err))
	require.False(t, IsTransient(err))
	require.EqualError(t, err, "row 7: bad value")

	require.False(t, IsMalformed(errors.New("other")))
}
