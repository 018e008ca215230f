// Package stream transforms upstream responses on their way back to the
// host: SSE rewriting with signature harvesting, error annotation and
// classification, and usage metadata extraction.
package stream

import (
	"errors"
	"fmt"
	"strings"
)

// ThinkingRecoveryError signals that the upstream rejected the request
// because of thinking-block ordering and the dispatcher should retry once
// with forced thinking recovery. It carries the original upstream error body.
type ThinkingRecoveryError struct {
	Status int
	Body   []byte
}

func (e *ThinkingRecoveryError) Error() string {
	return fmt.Sprintf("thinking recovery needed (status %d)", e.Status)
}

// EmptyResponseError is raised after the empty-response retry budget is
// exhausted.
type EmptyResponseError struct {
	Attempts int
}

func (e *EmptyResponseError) Error() string {
	return fmt.Sprintf("upstream returned no candidates after %d attempts", e.Attempts)
}

// IsThinkingRecovery reports whether err is the recovery sentinel.
func IsThinkingRecovery(err error) bool {
	var target *ThinkingRecoveryError
	return errors.As(err, &target)
}

// thinkingOrderFragments identify the upstream's thinking-block-order
// rejection class.
var thinkingOrderFragments = []string{
	"thinking_block_order",
	"must start with",
	"first block",
	"preceeding",
	"expected `thinking",
}

// IsThinkingOrderMessage classifies an upstream error message.
func IsThinkingOrderMessage(message string) bool {
	lowered := strings.ToLower(message)
	if !strings.Contains(lowered, "thinking") {
		return strings.Contains(lowered, "thinking_block_order")
	}
	for _, fragment := range thinkingOrderFragments {
		if strings.Contains(lowered, fragment) {
			return true
		}
	}
	return false
}
