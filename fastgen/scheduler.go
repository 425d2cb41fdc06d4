package fastgen

import (
	"container/list"

	"github.com/sirupsen/logrus"
)

// Scheduler owns all batching state: the WAITING queue, the PREEMPTED queue,
// the RUNNING set, and the block manager. It is driven by the engine tick
// loop, which is the single writer; nothing here is safe for concurrent use.
//
// Each tick composes a batch under two budgets, the token budget
// (MaxNumBatchedTokens) and the free-block budget, using the dynamic
// split-fuse policy: decode steps for running sequences are admitted first to
// bound per-token latency, then waiting prompts are prefilled in FIFO order,
// split into chunks when a prompt does not fit the remaining budget.
type Scheduler struct {
	cfg          *Config
	blockManager *BlockManager

	// waiting holds sequences in admission order. The head may be a
	// partially prefilled sequence that retains its blocks between ticks.
	waiting *list.List
	// preempted holds evicted sequences, resumed ahead of fresh waiting
	// requests to bound worst-case re-latency.
	preempted *list.List
	// running holds fully prefilled sequences in start order.
	running *list.List

	tick        int64
	preemptions int64

	log *logrus.Entry
}

// NewScheduler creates a scheduler with a fresh block pool.
func NewScheduler(cfg *Config, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{
		cfg:          cfg,
		blockManager: NewBlockManager(cfg.NumBlocks, cfg.BlockSize, cfg.EnablePrefixCaching),
		waiting:      list.New(),
		preempted:    list.New(),
		running:      list.New(),
		log:          log,
	}
}

// BlockManager exposes the pool for inspection.
func (s *Scheduler) BlockManager() *BlockManager { return s.blockManager }

// Tick returns the number of completed scheduling ticks.
func (s *Scheduler) Tick() int64 { return s.tick }

// Preemptions returns the total number of evictions so far.
func (s *Scheduler) Preemptions() int64 { return s.preemptions }

// NumWaiting returns the length of the waiting queue.
func (s *Scheduler) NumWaiting() int { return s.waiting.Len() }

// NumPreempted returns the length of the preempted queue.
func (s *Scheduler) NumPreempted() int { return s.preempted.Len() }

// NumRunning returns the size of the running set.
func (s *Scheduler) NumRunning() int { return s.running.Len() }

// HasWork reports whether any sequence is waiting, preempted, or running.
func (s *Scheduler) HasWork() bool {
	return s.waiting.Len() > 0 || s.preempted.Len() > 0 || s.running.Len() > 0
}

// Add admits a sequence into the waiting queue. A prompt that can never fit
// the pool, or that leaves no room to generate under MaxModelLen, is rejected
// with ErrRequestTooLarge and never enters scheduler state.
func (s *Scheduler) Add(seq *Sequence) error {
	if seq.NumPromptTokens > s.cfg.PoolCapacityTokens() {
		return ErrRequestTooLarge
	}
	if seq.NumPromptTokens >= s.cfg.MaxModelLen {
		return ErrRequestTooLarge
	}
	seq.Status = StatusWaiting
	s.waiting.PushBack(seq)
	return nil
}

// Schedule composes the batch for the next tick. It may preempt running
// sequences to keep decode steps live. An empty batch means there is nothing
// schedulable right now.
func (s *Scheduler) Schedule() *Batch {
	s.tick++
	batch := &Batch{}
	budget := s.cfg.MaxNumBatchedTokens

	s.scheduleDecode(batch, &budget)
	s.schedulePrefill(batch, &budget, s.preempted)
	s.schedulePrefill(batch, &budget, s.waiting)

	if !batch.Empty() {
		s.log.WithFields(logrus.Fields{
			"tick":        s.tick,
			"decode":      len(batch.Decode),
			"prefill":     len(batch.Prefill),
			"tokens":      batch.NumTokens(),
			"free_blocks": s.blockManager.NumFree(),
		}).Debug("scheduled batch")
	}
	return batch
}

// scheduleDecode admits one decode token for every running sequence, in
// running-set order, preempting under memory pressure so decode liveness for
// the remaining running sequences is restored within the same tick.
//
// It iterates a snapshot: preemption removes list elements, and a victim may
// sit anywhere in the running list relative to the cursor.
func (s *Scheduler) scheduleDecode(batch *Batch, budget *int) {
	seqs := make([]*Sequence, 0, s.running.Len())
	for elem := s.running.Front(); elem != nil; elem = elem.Next() {
		seqs = append(seqs, elem.Value.(*Sequence))
	}

	for _, seq := range seqs {
		// Evicted as a victim earlier in this pass.
		if seq.Status != StatusRunning {
			continue
		}
		if *budget == 0 || batch.NumSeqs() >= s.cfg.MaxNumSeqs {
			break
		}

		if !s.ensureDecodeRoom(seq, batch) {
			continue // seq itself was the last-resort victim
		}

		batch.Decode = append(batch.Decode, BatchEntry{Seq: seq, NumTokens: 1})
		*budget--
	}
}

// ensureDecodeRoom guarantees the block needed by seq's next decode token,
// evicting victims per the configured policy. Returns false when seq itself
// had to be preempted.
func (s *Scheduler) ensureDecodeRoom(seq *Sequence, batch *Batch) bool {
	if seq.Len()%s.cfg.BlockSize != 0 {
		return true // last block still has room
	}
	for !s.blockManager.CanAllocate(1) {
		victim := s.pickVictim(seq, batch)
		if victim == nil {
			s.preempt(seq)
			return false
		}
		s.preempt(victim)
	}
	ids, err := s.blockManager.Allocate(1)
	if err != nil {
		// CanAllocate held above; the pool is tick-loop private.
		panic("fastgen: allocation failed after capacity check")
	}
	seq.BlockTable = append(seq.BlockTable, ids...)
	return true
}

// pickVictim selects a running sequence to evict, excluding seq and anything
// already composed into this tick's batch. Returns nil when no candidate
// remains.
func (s *Scheduler) pickVictim(seq *Sequence, batch *Batch) *Sequence {
	inBatch := make(map[int64]bool, len(batch.Decode))
	for _, e := range batch.Decode {
		inBatch[e.Seq.SeqID] = true
	}

	pick := func(elem *list.Element) *Sequence {
		cand := elem.Value.(*Sequence)
		if cand.Status != StatusRunning || cand.SeqID == seq.SeqID || inBatch[cand.SeqID] {
			return nil
		}
		return cand
	}

	switch s.cfg.Preemption {
	case PreemptFirstStarted:
		for elem := s.running.Front(); elem != nil; elem = elem.Next() {
			if cand := pick(elem); cand != nil {
				return cand
			}
		}
	default: // PreemptLastStarted
		for elem := s.running.Back(); elem != nil; elem = elem.Prev() {
			if cand := pick(elem); cand != nil {
				return cand
			}
		}
	}
	return nil
}

// preempt evicts a sequence: its blocks are released, its computed progress
// is discarded, and it is requeued at the front of the preempted queue so it
// resumes before fresh requests. Only token ids survive; resumption is a
// fresh prefill of everything accumulated so far.
func (s *Scheduler) preempt(seq *Sequence) {
	s.blockManager.Free(seq.BlockTable)
	seq.resetForPreemption()
	s.removeFrom(s.running, seq)
	s.preempted.PushFront(seq)
	s.preemptions++
	s.log.WithFields(logrus.Fields{
		"tick": s.tick,
		"seq":  seq.SeqID,
	}).Warn("preempted sequence under memory pressure")
}

// reclaimPartial releases the block reservation of one partially prefilled
// queued sequence other than keep, returning its blocks to the pool. The
// victim keeps its tokens and queue position; its prefill restarts from
// scratch when it next reaches the head. Waiting-queue reservations are
// reclaimed before preempted-queue ones.
func (s *Scheduler) reclaimPartial(keep *Sequence) bool {
	for _, q := range []*list.List{s.waiting, s.preempted} {
		for elem := q.Front(); elem != nil; elem = elem.Next() {
			cand := elem.Value.(*Sequence)
			if cand.SeqID == keep.SeqID || len(cand.BlockTable) == 0 {
				continue
			}
			s.blockManager.Free(cand.BlockTable)
			cand.BlockTable = cand.BlockTable[:0]
			cand.NumComputed = 0
			cand.NumCachedTokens = 0
			cand.registeredFull = 0
			s.log.WithFields(logrus.Fields{
				"tick": s.tick,
				"seq":  cand.SeqID,
			}).Warn("reclaimed partial prefill reservation under memory pressure")
			return true
		}
	}
	return false
}

// schedulePrefill admits prompt chunks from the given queue in FIFO order. A
// prompt that exceeds the remaining token budget is split: the scheduled
// chunk advances its computed-prefix pointer and the sequence stays at the
// queue head, retaining its blocks, for the next tick. Admission stops at the
// first sequence whose blocks cannot be reserved, preserving FIFO fairness.
func (s *Scheduler) schedulePrefill(batch *Batch, budget *int, queue *list.List) {
	for queue.Len() > 0 {
		if *budget == 0 || batch.NumSeqs() >= s.cfg.MaxNumSeqs {
			return
		}
		elem := queue.Front()
		seq := elem.Value.(*Sequence)

		if len(seq.BlockTable) == 0 && seq.NumComputed == 0 {
			s.applyPrefixCache(seq)
		}

		pending := seq.TokensPending()
		chunk := pending
		if chunk > *budget {
			chunk = *budget
		}
		final := chunk == pending

		// A final chunk samples the first next token, which needs a
		// slot of its own.
		needTokens := seq.NumComputed + chunk
		if final {
			needTokens++
		}
		needBlocks := s.blockManager.BlocksNeeded(needTokens) - len(seq.BlockTable)
		if needBlocks > 0 {
			ids, err := s.blockManager.Allocate(needBlocks)
			if err != nil {
				// With nothing composed yet there is no running
				// sequence left to finish and free blocks: every
				// holder is a partial prefill reservation. Reclaim
				// one so this head can proceed.
				if batch.Empty() && s.reclaimPartial(seq) {
					continue
				}
				return // retry next tick; do not skip ahead
			}
			seq.BlockTable = append(seq.BlockTable, ids...)
		}

		batch.Prefill = append(batch.Prefill, BatchEntry{Seq: seq, NumTokens: chunk})
		*budget -= chunk

		if final {
			queue.Remove(elem)
			seq.Status = StatusRunning
			if seq.StartedTick < 0 {
				seq.StartedTick = s.tick
			}
			s.running.PushBack(seq)
		}
		// A split chunk leaves the sequence at the queue head with the
		// budget exhausted; the loop exits on the next iteration.
	}
}

// applyPrefixCache seeds a fresh sequence's block table from cached blocks
// of an identical token prefix. At least one position is always left to
// compute so the step still produces a next token.
func (s *Scheduler) applyPrefixCache(seq *Sequence) {
	matched := s.blockManager.MatchPrefix(seq.TokenIDs)
	if len(matched) == 0 {
		return
	}
	cached := len(matched) * s.cfg.BlockSize
	if cached > seq.Len()-1 {
		cached = seq.Len() - 1
	}
	seq.BlockTable = append(seq.BlockTable, matched...)
	seq.NumCachedTokens = cached
	seq.NumComputed = cached
}

// Postprocess applies executor results: computed-prefix pointers advance,
// produced tokens are appended, and finished sequences release their blocks.
// It returns the sequences that reached FINISHED this tick.
func (s *Scheduler) Postprocess(batch *Batch, results []StepResult) []*Sequence {
	produced := make(map[int64]int, len(results))
	for _, r := range results {
		produced[r.SeqID] = r.TokenID
	}

	var finished []*Sequence
	for _, e := range batch.Entries() {
		seq := e.Seq
		if seq.Status.Terminal() {
			continue
		}
		isFinal := e.ProducesToken()
		seq.NumComputed += e.NumTokens
		s.registerFullBlocks(seq)

		if !isFinal {
			continue
		}
		tokenID, ok := produced[seq.SeqID]
		if !ok {
			// Executor omitted a result for a producing entry. Step the
			// computed pointer back one position so the sequence
			// re-samples as a decode step next tick.
			seq.NumComputed--
			continue
		}
		seq.appendToken(tokenID)

		if seq.isStopToken(tokenID, s.cfg.EOS) ||
			seq.NumGenerated() >= seq.MaxNewTokens ||
			seq.Len() >= s.cfg.MaxModelLen {
			s.finish(seq)
			finished = append(finished, seq)
		}
	}
	return finished
}

// registerFullBlocks publishes newly filled, fully computed blocks to the
// prefix cache. No-op unless prefix caching is enabled.
func (s *Scheduler) registerFullBlocks(seq *Sequence) {
	if !s.cfg.EnablePrefixCaching {
		return
	}
	full := seq.NumComputed / s.cfg.BlockSize
	if full > len(seq.BlockTable) {
		full = len(seq.BlockTable)
	}
	for i := seq.registeredFull; i < full; i++ {
		s.blockManager.RegisterFull(seq, i)
	}
	if full > seq.registeredFull {
		seq.registeredFull = full
	}
}

func (s *Scheduler) finish(seq *Sequence) {
	seq.Status = StatusFinished
	s.release(seq)
}

// FailBatch marks every non-terminal sequence of a batch FAILED after an
// executor fault, releasing their blocks. Sequences outside the batch are
// untouched.
func (s *Scheduler) FailBatch(batch *Batch, err error) []*Sequence {
	var failed []*Sequence
	for _, e := range batch.Entries() {
		seq := e.Seq
		if seq.Status.Terminal() {
			continue
		}
		seq.Status = StatusFailed
		seq.FailErr = err
		s.release(seq)
		failed = append(failed, seq)
	}
	return failed
}

// CancelSeq tears a sequence down cooperatively: blocks released, removed
// from whichever queue holds it. Idempotent; a no-op for terminal sequences.
func (s *Scheduler) CancelSeq(seq *Sequence) {
	if seq.Status.Terminal() {
		return
	}
	seq.Status = StatusCancelled
	s.release(seq)
}

// release frees a sequence's blocks and removes it from scheduler queues.
func (s *Scheduler) release(seq *Sequence) {
	s.blockManager.Free(seq.BlockTable)
	seq.BlockTable = seq.BlockTable[:0]
	s.removeFrom(s.running, seq)
	s.removeFrom(s.waiting, seq)
	s.removeFrom(s.preempted, seq)
}

func (s *Scheduler) removeFrom(l *list.List, seq *Sequence) {
	for elem := l.Front(); elem != nil; elem = elem.Next() {
		if elem.Value.(*Sequence).SeqID == seq.SeqID {
			l.Remove(elem)
			return
		}
	}
}
