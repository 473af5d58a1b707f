package bioengine

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	e := New("wal.commit", CodeAgain, "pool exhausted")
	assert.Contains(t, e.Error(), "wal.commit")
	assert.Contains(t, e.Error(), "pool exhausted")
}

func TestWrapPreservesCode(t *testing.T) {
	inner := New("dma.reserve", CodeAgain, "no free chunks")
	wrapped := Wrap("iod.prep", inner)
	require.NotNil(t, wrapped)
	assert.Equal(t, CodeAgain, wrapped.Code)
	assert.True(t, Is(wrapped, CodeAgain))
	assert.False(t, Is(wrapped, CodeBusy))
}

func TestWrapMapsErrno(t *testing.T) {
	wrapped := Wrap("blobio.open", syscall.ENOMEM)
	require.NotNil(t, wrapped)
	assert.Equal(t, CodeNoMem, wrapped.Code)
	assert.ErrorIs(t, wrapped, syscall.ENOMEM)
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap("noop", nil))
}

func TestErrorIsBySentinel(t *testing.T) {
	e1 := New("wal.reserve", CodeShutdown, "closing")
	var target error = New("other.op", CodeShutdown, "")
	assert.True(t, errors.Is(e1, target))
}
