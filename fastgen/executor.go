package fastgen

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// StepResult carries the next token sampled for one batch entry.
type StepResult struct {
	SeqID   int64
	TokenID int
}

// StepExecutor is the boundary to the model-execution collaborator. The
// scheduler core never branches on the backend type; swappable
// implementations live outside this package (ONNX, remote HTTP) with the
// in-process stub below for tests and benchmarks.
//
// Execute processes every entry of the batch and returns one StepResult per
// entry that produces a token (decode steps and final prefill chunks), in
// batch order. A returned error means a backend fault: the engine fails the
// batch's sequences and surfaces the error on their streams, leaving
// unrelated sequences untouched.
type StepExecutor interface {
	Execute(ctx context.Context, batch *Batch) ([]StepResult, error)
	Name() string
	Close() error
}

// StubExecutor is a deterministic in-process executor: the next token is a
// pure function of the token prefix, so a preempted-and-resumed sequence
// reproduces the exact token stream of an uninterrupted run.
type StubExecutor struct {
	// Next samples the next token from the full computed prefix. When nil,
	// a hash of the prefix modulo VocabSize is used.
	Next func(tokens []int) int

	// VocabSize bounds tokens produced by the default Next.
	VocabSize int

	mu      sync.Mutex
	failErr error // when set, the next Execute call fails once
	steps   int
}

// NewStubExecutor creates a stub with the default prefix-hash sampler.
func NewStubExecutor(vocabSize int) *StubExecutor {
	return &StubExecutor{VocabSize: vocabSize}
}

// FailNext makes the next Execute call return err wrapped as an
// ExecutionError, then resume normal operation.
func (s *StubExecutor) FailNext(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

// Steps returns how many Execute calls have completed.
func (s *StubExecutor) Steps() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps
}

func (s *StubExecutor) Execute(_ context.Context, batch *Batch) ([]StepResult, error) {
	s.mu.Lock()
	if s.failErr != nil {
		err := s.failErr
		s.failErr = nil
		s.mu.Unlock()
		return nil, &ExecutionError{Backend: s.Name(), Err: err}
	}
	s.mu.Unlock()

	var results []StepResult
	for _, e := range batch.Entries() {
		if !e.ProducesToken() {
			continue
		}
		results = append(results, StepResult{
			SeqID:   e.Seq.SeqID,
			TokenID: s.sample(e.Seq.TokenIDs),
		})
	}
	s.mu.Lock()
	s.steps++
	s.mu.Unlock()
	return results, nil
}

func (s *StubExecutor) sample(tokens []int) int {
	if s.Next != nil {
		return s.Next(tokens)
	}
	h := xxhash.New()
	var buf [4]byte
	for _, t := range tokens {
		buf[0] = byte(t)
		buf[1] = byte(t >> 8)
		buf[2] = byte(t >> 16)
		buf[3] = byte(t >> 24)
		h.Write(buf[:])
	}
	vocab := s.VocabSize
	if vocab <= 0 {
		vocab = 32000
	}
	return int(h.Sum64() % uint64(vocab))
}

func (s *StubExecutor) Name() string { return "stub" }

func (s *StubExecutor) Close() error { return nil }
