package flowerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewAndError(t *testing.T) {
	err := New(NotFound, "run missing")
	require.Equal(t, "not_found: run missing", err.Error())
	require.Nil(t, err.Unwrap())
}

func TestWrapIncludesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Store, "persist failed", cause)
	require.Equal(t, fmt.Sprintf("store: persist failed: %v", cause), err.Error())
	require.Equal(t, cause, err.Unwrap())
}

func TestIsMatchesKind(t *testing.T) {
	err := New(Validation, "bad payload")
	require.True(t, Is(err, Validation))
	require.False(t, Is(err, NotFound))
}

func TestIsFalseForPlainError(t *testing.T) {
	require.False(t, Is(errors.New("plain"), Validation))
}

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	inner := New(BreakerOpen, "job blocked")
	outer := fmt.Errorf("dispatch: %w", inner)
	require.Equal(t, BreakerOpen, KindOf(outer))
}

func TestKindOfEmptyForNonFlowError(t *testing.T) {
	require.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
