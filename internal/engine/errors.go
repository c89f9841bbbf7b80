package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyInput rejects blank user text before any I/O happens.
	ErrEmptyInput = errors.New("empty input")
	// ErrSummarizationFailed is non-fatal: the reply stays committed and the
	// window stays unfolded until a later turn succeeds.
	ErrSummarizationFailed = errors.New("summarization failed")
)

// ModelError reports a failed reply. The placeholder assistant message has
// already been persisted when a caller sees it.
type ModelError struct {
	Cause error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model error: %v", e.Cause)
}

func (e *ModelError) Unwrap() error {
	return e.Cause
}

// placeholderText is the assistant message persisted in place of a failed reply.
func placeholderText(cause error) string {
	return "Error generating response: " + cause.Error()
}
