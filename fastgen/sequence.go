package fastgen

import (
	"sync/atomic"
	"time"
)

// SequenceStatus represents the lifecycle state of a sequence.
type SequenceStatus int

const (
	StatusWaiting SequenceStatus = iota
	StatusRunning
	StatusPreempted
	StatusFinished
	StatusFailed
	StatusCancelled
)

func (s SequenceStatus) String() string {
	switch s {
	case StatusWaiting:
		return "WAITING"
	case StatusRunning:
		return "RUNNING"
	case StatusPreempted:
		return "PREEMPTED"
	case StatusFinished:
		return "FINISHED"
	case StatusFailed:
		return "FAILED"
	case StatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status is final.
func (s SequenceStatus) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCancelled
}

var seqCounter int64

// Sequence tracks one generation request through its lifetime: prompt tokens,
// generated tokens, prefill progress, and the KV cache block table. All
// fields except the cancel flag are owned by the scheduler tick loop.
//
// NumComputed counts token positions whose KV entries have been materialized
// by the executor. A sequence is in the decode phase exactly when one
// position (the most recently appended token) is still pending, so after
// preemption resetting NumComputed to zero turns the accumulated tokens back
// into a plain prefill.
type Sequence struct {
	SeqID  int64
	Status SequenceStatus

	// TokenIDs holds prompt tokens followed by generated tokens.
	TokenIDs        []int
	NumPromptTokens int
	NumComputed     int
	NumCachedTokens int

	BlockTable []int

	MaxNewTokens int
	Temperature  float64
	StopIDs      map[int]struct{}
	IgnoreEOS    bool

	ArrivalTime    time.Time
	StartedTick    int64
	NumPreemptions int

	// FailErr records the error for StatusFailed sequences.
	FailErr error

	// registeredFull counts block-table entries already published to the
	// prefix cache.
	registeredFull int

	cancelled atomic.Bool
}

// NewSequence creates a WAITING sequence from prompt token ids and sampling
// parameters. The prompt slice is copied.
func NewSequence(promptTokens []int, params *SamplingParams) *Sequence {
	tokens := make([]int, len(promptTokens))
	copy(tokens, promptTokens)

	stop := make(map[int]struct{}, len(params.StopIDs))
	for _, id := range params.StopIDs {
		stop[id] = struct{}{}
	}

	return &Sequence{
		SeqID:           atomic.AddInt64(&seqCounter, 1),
		Status:          StatusWaiting,
		TokenIDs:        tokens,
		NumPromptTokens: len(tokens),
		MaxNewTokens:    params.MaxNewTokens,
		Temperature:     params.Temperature,
		StopIDs:         stop,
		IgnoreEOS:       params.IgnoreEOS,
		ArrivalTime:     time.Now(),
		StartedTick:     -1,
	}
}

// Len returns the total number of tokens (prompt + generated).
func (s *Sequence) Len() int { return len(s.TokenIDs) }

// NumGenerated returns the number of generated tokens.
func (s *Sequence) NumGenerated() int { return len(s.TokenIDs) - s.NumPromptTokens }

// PromptTokenIDs returns the prompt tokens.
func (s *Sequence) PromptTokenIDs() []int { return s.TokenIDs[:s.NumPromptTokens] }

// GeneratedTokenIDs returns the generated tokens.
func (s *Sequence) GeneratedTokenIDs() []int { return s.TokenIDs[s.NumPromptTokens:] }

// TokensPending returns the number of token positions not yet computed.
func (s *Sequence) TokensPending() int { return len(s.TokenIDs) - s.NumComputed }

// InDecode reports whether the sequence is past prefill: exactly one pending
// position, with at least one position already computed.
func (s *Sequence) InDecode() bool {
	return s.NumComputed > 0 && s.TokensPending() == 1
}

// TokensNeeded returns how many tokens the sequence wants this tick: 1 for a
// decode step, otherwise the remaining uncomputed prefix (the composer may
// split it into a smaller chunk).
func (s *Sequence) TokensNeeded() int {
	if s.InDecode() {
		return 1
	}
	return s.TokensPending()
}

// appendToken records a newly generated token.
func (s *Sequence) appendToken(tokenID int) {
	s.TokenIDs = append(s.TokenIDs, tokenID)
}

// LastToken returns the most recent token id.
func (s *Sequence) LastToken() int { return s.TokenIDs[len(s.TokenIDs)-1] }

// Cancel sets the cooperative cancellation flag. Safe to call from any
// goroutine; the tick loop observes it at its next checkpoint.
func (s *Sequence) Cancel() { s.cancelled.Store(true) }

// CancelRequested reports whether cancellation has been requested.
func (s *Sequence) CancelRequested() bool { return s.cancelled.Load() }

// isStopToken reports whether tokenID terminates generation.
func (s *Sequence) isStopToken(tokenID, eos int) bool {
	if !s.IgnoreEOS && tokenID == eos {
		return true
	}
	_, ok := s.StopIDs[tokenID]
	return ok
}

// resetForPreemption releases GPU-side progress: the sequence keeps its
// accumulated token ids but forgets computed positions, so resumption is a
// fresh prefill of everything so far. The caller frees the block table.
func (s *Sequence) resetForPreemption() {
	s.Status = StatusPreempted
	s.NumComputed = 0
	s.NumCachedTokens = 0
	s.BlockTable = s.BlockTable[:0]
	s.registeredFull = 0
	s.NumPreemptions++
}

// blockTokens returns the tokens that map onto block index i of the table.
func (s *Sequence) blockTokens(i, blockSize int) []int {
	start := i * blockSize
	end := start + blockSize
	if start >= len(s.TokenIDs) {
		return nil
	}
	if end > len(s.TokenIDs) {
		end = len(s.TokenIDs)
	}
	return s.TokenIDs[start:end]
}
