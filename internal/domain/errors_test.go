package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetryableAndUserMessage(t *testing.T) {
	tests := []struct {
		err       error
		retryable bool
		message   string
	}{
		{err: nil, retryable: false, message: ""},
		{err: fmt.Errorf("slide 2: %w", ErrTransient), retryable: true, message: "generation failed after several attempts"},
		{err: ErrWorkerCrashed, retryable: true, message: "generation failed after several attempts"},
		{err: ErrWorkerTimeout, retryable: true, message: "generation stopped responding and was abandoned"},
		{err: fmt.Errorf("%w: %w", ErrCancelled, ErrTransient), retryable: false, message: "generation cancelled"},
		{err: fmt.Errorf("%w: slide 0", ErrRenderFailed), retryable: false, message: "a slide could not be rendered"},
		{err: errors.New("disk on fire"), retryable: false, message: "slide generation failed"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.retryable, Retryable(tc.err), "Retryable(%v)", tc.err)
		assert.Equal(t, tc.message, UserMessage(tc.err), "UserMessage(%v)", tc.err)
	}
}
