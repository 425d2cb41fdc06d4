package fastgen

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine and scheduler.
var (
	// ErrRequestTooLarge is returned at admission when a prompt alone can
	// never fit in the KV cache pool. The request never enters scheduler
	// state.
	ErrRequestTooLarge = errors.New("prompt exceeds total KV cache capacity")

	// ErrOutOfMemory is returned by the block manager when an allocation
	// cannot be satisfied in full. It is transient: the scheduler either
	// defers the sequence or preempts to make room.
	ErrOutOfMemory = errors.New("not enough free KV cache blocks")

	// ErrServerBusy is returned when the inbound request queue is full.
	ErrServerBusy = errors.New("server busy, please try again: maximum pending requests exceeded")

	// ErrEngineClosed is returned when submitting to an engine whose run
	// loop has exited.
	ErrEngineClosed = errors.New("engine is closed")

	// ErrUnknownSequence is returned for operations on a sequence id the
	// engine does not know about.
	ErrUnknownSequence = errors.New("unknown sequence id")

	// ErrNoTokenizer is returned when a text prompt is submitted to an
	// engine configured without a tokenizer.
	ErrNoTokenizer = errors.New("text prompt submitted but no tokenizer is configured")

	// ErrEmptyPrompt is returned for submissions with no prompt tokens.
	ErrEmptyPrompt = errors.New("prompt is empty")
)

// ExecutionError wraps a fault reported by the step executor backend. It is
// fatal for the sequences in the affected batch only; the scheduler fails
// them, releases their blocks, and continues with unrelated sequences.
type ExecutionError struct {
	Backend string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("step execution failed (backend %s): %v", e.Backend, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}
