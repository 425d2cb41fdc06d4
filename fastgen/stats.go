package fastgen

import "sync/atomic"

// engineStats is the tick loop's counter block. Writers are the tick loop
// only; atomic loads make snapshots safe from the network-facing goroutines.
type engineStats struct {
	ticks         atomic.Int64
	prefillTokens atomic.Int64
	decodeTokens  atomic.Int64
	preemptions   atomic.Int64
	finishedSeqs  atomic.Int64
	failedSeqs    atomic.Int64
	cancelledSeqs atomic.Int64
	droppedEvents atomic.Int64
	runningSeqs   atomic.Int64
	waitingSeqs   atomic.Int64
	preemptedSeqs atomic.Int64
	freeBlocks    atomic.Int64
	totalBlocks   atomic.Int64
}

// StatsSnapshot is a point-in-time view of engine activity.
type StatsSnapshot struct {
	Ticks         int64 `json:"ticks"`
	PrefillTokens int64 `json:"prefill_tokens"`
	DecodeTokens  int64 `json:"decode_tokens"`
	Preemptions   int64 `json:"preemptions"`
	FinishedSeqs  int64 `json:"finished_seqs"`
	FailedSeqs    int64 `json:"failed_seqs"`
	CancelledSeqs int64 `json:"cancelled_seqs"`
	DroppedEvents int64 `json:"dropped_events"`
	RunningSeqs   int64 `json:"running_seqs"`
	WaitingSeqs   int64 `json:"waiting_seqs"`
	PreemptedSeqs int64 `json:"preempted_seqs"`
	FreeBlocks    int64 `json:"free_blocks"`
	TotalBlocks   int64 `json:"total_blocks"`
}

func (s *engineStats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		Ticks:         s.ticks.Load(),
		PrefillTokens: s.prefillTokens.Load(),
		DecodeTokens:  s.decodeTokens.Load(),
		Preemptions:   s.preemptions.Load(),
		FinishedSeqs:  s.finishedSeqs.Load(),
		FailedSeqs:    s.failedSeqs.Load(),
		CancelledSeqs: s.cancelledSeqs.Load(),
		DroppedEvents: s.droppedEvents.Load(),
		RunningSeqs:   s.runningSeqs.Load(),
		WaitingSeqs:   s.waitingSeqs.Load(),
		PreemptedSeqs: s.preemptedSeqs.Load(),
		FreeBlocks:    s.freeBlocks.Load(),
		TotalBlocks:   s.totalBlocks.Load(),
	}
}
