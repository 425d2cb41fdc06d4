package fastgen

import (
	"context"
	"testing"
)

func testConfig(t *testing.T, opts ...ConfigOption) *Config {
	t.Helper()
	cfg, err := NewConfig(opts...)
	if err != nil {
		t.Fatalf("NewConfig failed: %v", err)
	}
	return cfg
}

// step runs one full tick: schedule, execute against the stub, postprocess.
func step(t *testing.T, s *Scheduler, ex *StubExecutor) *Batch {
	t.Helper()
	batch := s.Schedule()
	if batch.Empty() {
		return batch
	}
	results, err := ex.Execute(context.Background(), batch)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	s.Postprocess(batch, results)
	return batch
}

func mustAdd(t *testing.T, s *Scheduler, seq *Sequence) {
	t.Helper()
	if err := s.Add(seq); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
}

func ignoreEOSParams(t *testing.T, maxNew int) *SamplingParams {
	t.Helper()
	params, err := NewSamplingParams(WithMaxNewTokens(maxNew), WithIgnoreEOS(true))
	if err != nil {
		t.Fatalf("NewSamplingParams failed: %v", err)
	}
	return params
}

func promptOfLen(n int) []int {
	prompt := make([]int, n)
	for i := range prompt {
		prompt[i] = 100 + i
	}
	return prompt
}

func TestSplitFusePrefillChunks(t *testing.T) {
	cfg := testConfig(t,
		WithNumBlocks(64),
		WithBlockSize(16),
		WithMaxNumBatchedTokens(30),
		WithMaxModelLen(512),
	)
	s := NewScheduler(cfg, nil)
	ex := NewStubExecutor(32000)

	seq := NewSequence(promptOfLen(100), ignoreEOSParams(t, 8))
	mustAdd(t, s, seq)

	wantChunks := []int{30, 30, 30, 10}
	for i, want := range wantChunks {
		batch := step(t, s, ex)
		if len(batch.Decode) != 0 {
			t.Fatalf("Tick %d: no decode step may run before prefill completes", i+1)
		}
		if len(batch.Prefill) != 1 {
			t.Fatalf("Tick %d: expected 1 prefill entry, got %d", i+1, len(batch.Prefill))
		}
		if got := batch.Prefill[0].NumTokens; got != want {
			t.Errorf("Tick %d: expected chunk of %d tokens, got %d", i+1, want, got)
		}
	}

	if seq.Status != StatusRunning {
		t.Fatalf("Expected RUNNING after final prefill chunk, got %v", seq.Status)
	}
	if seq.NumGenerated() != 1 {
		t.Errorf("Final prefill chunk must sample the first token, got %d generated", seq.NumGenerated())
	}

	batch := step(t, s, ex)
	if len(batch.Decode) != 1 || len(batch.Prefill) != 0 {
		t.Errorf("Tick 5: expected pure decode step, got %d decode / %d prefill",
			len(batch.Decode), len(batch.Prefill))
	}
}

func TestSplitPrefillRetainsBlocks(t *testing.T) {
	cfg := testConfig(t,
		WithNumBlocks(64),
		WithBlockSize(16),
		WithMaxNumBatchedTokens(30),
		WithMaxModelLen(512),
	)
	s := NewScheduler(cfg, nil)
	ex := NewStubExecutor(32000)

	seq := NewSequence(promptOfLen(100), ignoreEOSParams(t, 8))
	mustAdd(t, s, seq)

	step(t, s, ex) // 30 tokens -> 2 blocks
	if got := len(seq.BlockTable); got != 2 {
		t.Fatalf("Expected 2 blocks after first chunk, got %d", got)
	}
	held := append([]int{}, seq.BlockTable...)

	step(t, s, ex) // 60 tokens -> 4 blocks
	if got := len(seq.BlockTable); got != 4 {
		t.Fatalf("Expected 4 blocks after second chunk, got %d", got)
	}
	for i, id := range held {
		if seq.BlockTable[i] != id {
			t.Errorf("Split prefill must retain already-allocated blocks: slot %d changed %d -> %d",
				i, id, seq.BlockTable[i])
		}
	}
}

func TestDecodePriorityOverPrefill(t *testing.T) {
	cfg := testConfig(t,
		WithNumBlocks(64),
		WithBlockSize(16),
		WithMaxNumBatchedTokens(8),
		WithMaxModelLen(512),
	)
	s := NewScheduler(cfg, nil)
	ex := NewStubExecutor(32000)

	running := NewSequence(promptOfLen(4), ignoreEOSParams(t, 16))
	mustAdd(t, s, running)
	step(t, s, ex) // prefill to RUNNING

	waiting := NewSequence(promptOfLen(20), ignoreEOSParams(t, 4))
	mustAdd(t, s, waiting)

	batch := step(t, s, ex)
	if len(batch.Decode) != 1 || batch.Decode[0].Seq.SeqID != running.SeqID {
		t.Fatalf("Decode for the running sequence must be admitted first")
	}
	if len(batch.Prefill) != 1 {
		t.Fatalf("Expected a prefill entry in the remaining budget")
	}
	// 8 token budget: 1 decode + 7 prefill
	if got := batch.Prefill[0].NumTokens; got != 7 {
		t.Errorf("Expected prefill chunk of 7 in remaining budget, got %d", got)
	}
}

func TestFIFOFairness(t *testing.T) {
	cfg := testConfig(t,
		WithNumBlocks(64),
		WithBlockSize(16),
		WithMaxNumBatchedTokens(30),
		WithMaxModelLen(512),
	)
	s := NewScheduler(cfg, nil)
	ex := NewStubExecutor(32000)

	first := NewSequence(promptOfLen(20), ignoreEOSParams(t, 4))
	second := NewSequence(promptOfLen(20), ignoreEOSParams(t, 4))
	mustAdd(t, s, first)
	mustAdd(t, s, second)

	batch := step(t, s, ex)
	if len(batch.Prefill) != 2 {
		t.Fatalf("Expected both sequences in tick 1, got %d", len(batch.Prefill))
	}
	if batch.Prefill[0].Seq.SeqID != first.SeqID {
		t.Errorf("Earlier admission must be scheduled first")
	}
	if batch.Prefill[0].NumTokens != 20 {
		t.Errorf("First sequence gets its full prompt, got %d", batch.Prefill[0].NumTokens)
	}
	if batch.Prefill[1].NumTokens != 10 {
		t.Errorf("Second sequence gets the leftover budget, got %d", batch.Prefill[1].NumTokens)
	}

	if first.Status != StatusRunning {
		t.Errorf("First sequence must finish prefill no later than the second")
	}
	if second.Status == StatusRunning {
		t.Errorf("Second sequence cannot outrun the first")
	}
}

func TestAdmissionRejectsOversizedPrompt(t *testing.T) {
	cfg := testConfig(t,
		WithNumBlocks(4),
		WithBlockSize(4),
		WithMaxModelLen(14),
	)
	s := NewScheduler(cfg, nil)

	tooLarge := NewSequence(promptOfLen(20), ignoreEOSParams(t, 4))
	if err := s.Add(tooLarge); err != ErrRequestTooLarge {
		t.Fatalf("Expected ErrRequestTooLarge, got %v", err)
	}
	if s.NumWaiting() != 0 {
		t.Errorf("Rejected request must not enter scheduler state")
	}
}

func TestPreemptionRestoresDecodeLiveness(t *testing.T) {
	cfg := testConfig(t,
		WithNumBlocks(4),
		WithBlockSize(4),
		WithMaxNumBatchedTokens(100),
		WithMaxModelLen(16),
	)
	s := NewScheduler(cfg, nil)
	ex := NewStubExecutor(32000)

	a := NewSequence(promptOfLen(6), ignoreEOSParams(t, 12))
	b := NewSequence(promptOfLen(6), ignoreEOSParams(t, 12))
	mustAdd(t, s, a)
	mustAdd(t, s, b)

	// Tick 1: both prefill, 2 blocks each, pool exhausted.
	step(t, s, ex)
	if s.BlockManager().NumFree() != 0 {
		t.Fatalf("Expected exhausted pool, %d free", s.BlockManager().NumFree())
	}

	// Tick 2: plain decode for both, no new blocks needed (len 7 -> 8).
	batch := step(t, s, ex)
	if len(batch.Decode) != 2 {
		t.Fatalf("Expected 2 decode entries, got %d", len(batch.Decode))
	}

	// Tick 3: both need a third block at len 8. The last-started running
	// sequence (b) is evicted, restoring decode liveness for a in the
	// same tick.
	batch = step(t, s, ex)
	if len(batch.Decode) != 1 || batch.Decode[0].Seq.SeqID != a.SeqID {
		t.Fatalf("Expected decode for the surviving sequence only")
	}
	if b.Status != StatusPreempted {
		t.Fatalf("Expected b PREEMPTED, got %v", b.Status)
	}
	if len(b.BlockTable) != 0 {
		t.Errorf("Preempted sequence must hold no blocks, got %v", b.BlockTable)
	}
	if b.NumComputed != 0 {
		t.Errorf("Preempted sequence must forget computed progress, got %d", b.NumComputed)
	}
	if s.Preemptions() != 1 {
		t.Errorf("Expected 1 preemption, got %d", s.Preemptions())
	}

	// a finishes at MaxModelLen, then b resumes as a fresh prefill of its
	// accumulated tokens, ahead of any new arrival.
	for i := 0; i < 20 && a.Status == StatusRunning; i++ {
		step(t, s, ex)
	}
	if a.Status != StatusFinished {
		t.Fatalf("Expected a FINISHED, got %v", a.Status)
	}

	for i := 0; i < 30 && b.Status != StatusFinished; i++ {
		step(t, s, ex)
	}
	if b.Status != StatusFinished {
		t.Fatalf("Expected b to resume and finish, got %v", b.Status)
	}
	if s.BlockManager().NumFree() != 4 {
		t.Errorf("All blocks must return to the pool, %d free", s.BlockManager().NumFree())
	}
}

func TestPreemptionRoundTripTokenEquality(t *testing.T) {
	run := func(preemptAfter int) []int {
		cfg := testConfig(t,
			WithNumBlocks(64),
			WithBlockSize(16),
			WithMaxNumBatchedTokens(100),
			WithMaxModelLen(512),
		)
		s := NewScheduler(cfg, nil)
		ex := NewStubExecutor(32000)

		seq := NewSequence(promptOfLen(5), ignoreEOSParams(t, 8))
		mustAdd(t, s, seq)

		for i := 0; i < 50 && seq.Status != StatusFinished; i++ {
			if preemptAfter > 0 && seq.NumGenerated() == preemptAfter && seq.Status == StatusRunning {
				s.preempt(seq)
			}
			step(t, s, ex)
		}
		if seq.Status != StatusFinished {
			t.Fatalf("Sequence did not finish")
		}
		return append([]int{}, seq.GeneratedTokenIDs()...)
	}

	baseline := run(0)
	preempted := run(3)

	if len(baseline) != len(preempted) {
		t.Fatalf("Token counts differ: %d vs %d", len(baseline), len(preempted))
	}
	for i := range baseline {
		if baseline[i] != preempted[i] {
			t.Fatalf("Token %d differs after preemption round trip: %d vs %d",
				i, baseline[i], preempted[i])
		}
	}
}

func TestPartialPrefillReservationsDrain(t *testing.T) {
	// A token budget smaller than the long prompt forces a retained
	// partial reservation on the waiting queue. The short sequence decodes
	// until it self-preempts and resumes as a split prefill, so both queue
	// heads end up holding blocks with nothing running. The pool must
	// still drain.
	cfg := testConfig(t,
		WithNumBlocks(4),
		WithBlockSize(4),
		WithMaxNumBatchedTokens(8),
		WithMaxModelLen(16),
	)
	s := NewScheduler(cfg, nil)
	ex := NewStubExecutor(32000)

	short := NewSequence(promptOfLen(4), ignoreEOSParams(t, 16))
	long := NewSequence(promptOfLen(14), ignoreEOSParams(t, 16))
	mustAdd(t, s, short)
	mustAdd(t, s, long)

	for i := 0; i < 200 && s.HasWork(); i++ {
		step(t, s, ex)
		checkBlockInvariants(t, s, []*Sequence{short, long})
	}
	if s.HasWork() {
		t.Fatalf("Workload stalled: short=%v computed=%d blocks=%d, long=%v computed=%d blocks=%d, %d free",
			short.Status, short.NumComputed, len(short.BlockTable),
			long.Status, long.NumComputed, len(long.BlockTable),
			s.BlockManager().NumFree())
	}
	if short.Status != StatusFinished {
		t.Errorf("Expected short sequence FINISHED, got %v", short.Status)
	}
	if long.Status != StatusFinished {
		t.Errorf("Expected long sequence FINISHED, got %v", long.Status)
	}
	if s.BlockManager().NumFree() != 4 {
		t.Errorf("Expected a full free pool, %d free", s.BlockManager().NumFree())
	}
}

func TestEndToEndSmallPool(t *testing.T) {
	cfg := testConfig(t,
		WithNumBlocks(4),
		WithBlockSize(4),
		WithMaxNumBatchedTokens(16),
		WithMaxModelLen(14),
	)
	s := NewScheduler(cfg, nil)
	ex := NewStubExecutor(32000)

	a := NewSequence(promptOfLen(10), ignoreEOSParams(t, 3))
	mustAdd(t, s, a)

	b := NewSequence(promptOfLen(20), ignoreEOSParams(t, 3))
	if err := s.Add(b); err != ErrRequestTooLarge {
		t.Fatalf("Expected ErrRequestTooLarge for b, got %v", err)
	}

	for i := 0; i < 10 && a.Status != StatusFinished; i++ {
		step(t, s, ex)
	}
	if a.Status != StatusFinished {
		t.Fatalf("Expected a FINISHED, got %v", a.Status)
	}
	if a.NumGenerated() != 3 {
		t.Errorf("Expected 3 generated tokens, got %d", a.NumGenerated())
	}
	if s.BlockManager().NumFree() != 4 {
		t.Errorf("Completion must release all blocks, %d free", s.BlockManager().NumFree())
	}
	if s.HasWork() {
		t.Errorf("Scheduler must be idle after completion")
	}
}

// checkBlockInvariants asserts the pool-wide ownership invariants that must
// hold after every tick.
func checkBlockInvariants(t *testing.T, s *Scheduler, seqs []*Sequence) {
	t.Helper()
	held := 0
	owners := make(map[int]int64)
	for _, seq := range seqs {
		if seq.Status.Terminal() {
			if len(seq.BlockTable) != 0 {
				t.Fatalf("Terminal sequence %d still holds blocks", seq.SeqID)
			}
			continue
		}
		held += len(seq.BlockTable)
		for _, id := range seq.BlockTable {
			if prev, ok := owners[id]; ok {
				t.Fatalf("Block %d owned by sequences %d and %d", id, prev, seq.SeqID)
			}
			owners[id] = seq.SeqID
		}
		if seq.Status == StatusRunning && seq.Len() > len(seq.BlockTable)*s.cfg.BlockSize {
			t.Fatalf("Sequence %d: %d tokens exceed %d block slots",
				seq.SeqID, seq.Len(), len(seq.BlockTable)*s.cfg.BlockSize)
		}
	}
	if held+s.BlockManager().NumFree() != s.BlockManager().NumBlocks() {
		t.Fatalf("Block accounting broken: %d held + %d free != %d total",
			held, s.BlockManager().NumFree(), s.BlockManager().NumBlocks())
	}
}

func TestInvariantsUnderChurn(t *testing.T) {
	cfg := testConfig(t,
		WithNumBlocks(8),
		WithBlockSize(4),
		WithMaxNumBatchedTokens(12),
		WithMaxModelLen(24),
	)
	s := NewScheduler(cfg, nil)
	ex := NewStubExecutor(32000)

	var seqs []*Sequence
	promptLens := []int{3, 9, 5, 14, 1, 7, 11, 2}

	for tick := 0; tick < 120; tick++ {
		if tick < len(promptLens)*3 && tick%3 == 0 {
			seq := NewSequence(promptOfLen(promptLens[tick/3%len(promptLens)]), ignoreEOSParams(t, 5))
			mustAdd(t, s, seq)
			seqs = append(seqs, seq)
		}
		step(t, s, ex)
		checkBlockInvariants(t, s, seqs)
	}

	for i := 0; i < 100 && s.HasWork(); i++ {
		step(t, s, ex)
		checkBlockInvariants(t, s, seqs)
	}
	if s.HasWork() {
		t.Fatalf("Workload did not drain: %d waiting, %d running, %d preempted",
			s.NumWaiting(), s.NumRunning(), s.NumPreempted())
	}
	if s.BlockManager().NumFree() != s.BlockManager().NumBlocks() {
		t.Errorf("Drained scheduler must have a full free pool")
	}
}
