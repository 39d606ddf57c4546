package apperrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrTransient))
	assert.True(t, IsTransient(ErrRateLimited))
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", ErrTransient)))
	assert.False(t, IsTransient(ErrMarginInsufficient))
	assert.False(t, IsTransient(ErrFatal))
	assert.False(t, IsTransient(nil))
}

func TestIsFatal(t *testing.T) {
	assert.True(t, IsFatal(ErrFatal))
	assert.True(t, IsFatal(ErrAuthenticationFailed))
	assert.True(t, IsFatal(fmt.Errorf("op failed: %w", ErrAuthenticationFailed)))
	assert.False(t, IsFatal(ErrTransient))
	assert.False(t, IsFatal(ErrReduceOnlyRejected))
}
