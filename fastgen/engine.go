package fastgen

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// StreamEvent is one element of a sequence's outbound token stream. Token
// events carry TokenID (and Text when a tokenizer is configured). The
// terminal event has IsFinal set, carries the final Status, and is followed
// by the channel closing.
type StreamEvent struct {
	TokenID int
	Text    string
	IsFinal bool
	Status  SequenceStatus
	Err     error
}

// GenerationRequest is a Submit payload. Exactly one of Prompt or
// PromptTokens must be set; Prompt requires a tokenizer.
type GenerationRequest struct {
	Prompt       string
	PromptTokens []int
	Params       *SamplingParams
}

type stream struct {
	ch chan StreamEvent
}

type submission struct {
	seq *Sequence
	st  *stream
}

// Engine is the persistent serving core: a single-goroutine tick loop that
// owns the scheduler, block manager, and sequence trackers. Request
// submission and stream consumption happen on other goroutines and hand off
// exclusively through bounded channels, so no scheduler state needs a lock.
type Engine struct {
	cfg      *Config
	sched    *Scheduler
	executor StepExecutor
	tok      Tokenizer
	log      *logrus.Entry

	submitCh chan *submission
	// wakeCh nudges an idle tick loop after a cancellation request.
	wakeCh chan struct{}

	// mu guards the registry shared with the network-facing goroutines.
	mu   sync.Mutex
	seqs map[int64]*Sequence

	// streams is owned by the tick loop.
	streams map[int64]*stream

	stats  engineStats
	closed chan struct{}
}

// NewEngine creates an engine. The tokenizer may be nil for token-id-only
// deployments. Call Run to start serving.
func NewEngine(cfg *Config, executor StepExecutor, tok Tokenizer, log *logrus.Entry) *Engine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	e := &Engine{
		cfg:      cfg,
		sched:    NewScheduler(cfg, log),
		executor: executor,
		tok:      tok,
		log:      log,
		submitCh: make(chan *submission, cfg.SubmitQueueSize),
		wakeCh:   make(chan struct{}, 1),
		seqs:     make(map[int64]*Sequence),
		streams:  make(map[int64]*stream),
		closed:   make(chan struct{}),
	}
	e.stats.totalBlocks.Store(int64(cfg.NumBlocks))
	e.stats.freeBlocks.Store(int64(cfg.NumBlocks))
	return e
}

// Submit enqueues a generation request and returns the sequence id and its
// event stream. It fails fast with ErrRequestTooLarge when the prompt can
// never be served, and with ErrServerBusy when the inbound queue is full.
func (e *Engine) Submit(req GenerationRequest) (int64, <-chan StreamEvent, error) {
	select {
	case <-e.closed:
		return 0, nil, ErrEngineClosed
	default:
	}

	tokens := req.PromptTokens
	if len(tokens) == 0 && req.Prompt != "" {
		if e.tok == nil {
			return 0, nil, ErrNoTokenizer
		}
		var err error
		tokens, err = e.tok.Encode(req.Prompt)
		if err != nil {
			return 0, nil, err
		}
	}
	if len(tokens) == 0 {
		return 0, nil, ErrEmptyPrompt
	}
	if len(tokens) > e.cfg.PoolCapacityTokens() || len(tokens) >= e.cfg.MaxModelLen {
		return 0, nil, ErrRequestTooLarge
	}

	params := req.Params
	if params == nil {
		var err error
		params, err = NewSamplingParams()
		if err != nil {
			return 0, nil, err
		}
	}

	seq := NewSequence(tokens, params)
	// One spare slot keeps the terminal event deliverable even when the
	// client stops draining token events.
	st := &stream{ch: make(chan StreamEvent, e.cfg.StreamBufferSize+1)}

	e.mu.Lock()
	e.seqs[seq.SeqID] = seq
	e.mu.Unlock()

	select {
	case e.submitCh <- &submission{seq: seq, st: st}:
	default:
		e.mu.Lock()
		delete(e.seqs, seq.SeqID)
		e.mu.Unlock()
		return 0, nil, ErrServerBusy
	}

	e.log.WithFields(logrus.Fields{
		"seq":    seq.SeqID,
		"prompt": len(tokens),
		"max":    params.MaxNewTokens,
	}).Info("request submitted")
	return seq.SeqID, st.ch, nil
}

// Cancel requests cooperative cancellation of a sequence. Idempotent; a
// no-op for terminal or unknown sequences. The tick loop releases blocks at
// its next checkpoint, never mid-batch.
func (e *Engine) Cancel(seqID int64) {
	e.mu.Lock()
	seq := e.seqs[seqID]
	e.mu.Unlock()
	if seq == nil {
		return
	}
	seq.Cancel()
	select {
	case e.wakeCh <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of engine counters.
func (e *Engine) Stats() StatsSnapshot {
	return e.stats.snapshot()
}

// Run drives the tick loop until ctx is cancelled. It is the only goroutine
// that mutates scheduler state. In-flight sequences are failed with
// ErrEngineClosed on exit.
func (e *Engine) Run(ctx context.Context) error {
	defer e.shutdown()
	for {
		e.drainInbound()
		e.processCancellations()

		batch := e.sched.Schedule()
		if batch.Empty() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case sub := <-e.submitCh:
				e.admit(sub)
			case <-e.wakeCh:
			}
			continue
		}

		// While the executor call is in flight no scheduler state
		// mutates; the next tick starts only after it returns.
		results, err := e.executor.Execute(ctx, batch)
		if err != nil {
			e.failBatch(batch, err)
			e.updateGauges()
			continue
		}

		finished := e.sched.Postprocess(batch, results)
		e.emit(batch, results, finished)
		e.accountStep(batch)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (e *Engine) drainInbound() {
	for {
		select {
		case sub := <-e.submitCh:
			e.admit(sub)
		default:
			return
		}
	}
}

func (e *Engine) admit(sub *submission) {
	if err := e.sched.Add(sub.seq); err != nil {
		sub.seq.Status = StatusFailed
		sub.seq.FailErr = err
		sub.st.ch <- StreamEvent{IsFinal: true, Status: StatusFailed, Err: err}
		close(sub.st.ch)
		e.unregister(sub.seq)
		return
	}
	e.streams[sub.seq.SeqID] = sub.st
}

// processCancellations is the cooperative cancellation checkpoint at the top
// of each tick.
func (e *Engine) processCancellations() {
	for id, st := range e.streams {
		e.mu.Lock()
		seq := e.seqs[id]
		e.mu.Unlock()
		if seq == nil || !seq.CancelRequested() || seq.Status.Terminal() {
			continue
		}
		e.sched.CancelSeq(seq)
		e.stats.cancelledSeqs.Add(1)
		e.finalize(seq, st, StreamEvent{IsFinal: true, Status: StatusCancelled})
		e.log.WithField("seq", id).Info("request cancelled")
	}
}

// emit pushes produced tokens onto their streams and terminal events for
// sequences that finished this tick.
func (e *Engine) emit(batch *Batch, results []StepResult, finished []*Sequence) {
	produced := make(map[int64]int, len(results))
	for _, r := range results {
		produced[r.SeqID] = r.TokenID
	}

	for _, entry := range batch.Entries() {
		seq := entry.Seq
		tokenID, ok := produced[seq.SeqID]
		if !ok {
			continue
		}
		st := e.streams[seq.SeqID]
		if st == nil {
			continue
		}
		ev := StreamEvent{TokenID: tokenID}
		if e.tok != nil {
			ev.Text, _ = e.tok.Decode([]int{tokenID})
		}
		e.send(st, ev)
	}

	for _, seq := range finished {
		e.stats.finishedSeqs.Add(1)
		if st := e.streams[seq.SeqID]; st != nil {
			e.finalize(seq, st, StreamEvent{IsFinal: true, Status: StatusFinished})
		}
		e.log.WithFields(logrus.Fields{
			"seq":       seq.SeqID,
			"generated": seq.NumGenerated(),
		}).Info("request finished")
	}
}

// send delivers a token event without ever blocking the tick loop. The last
// buffer slot is reserved for the terminal event; token events beyond the
// cap are dropped and counted.
func (e *Engine) send(st *stream, ev StreamEvent) {
	if len(st.ch) >= cap(st.ch)-1 {
		e.stats.droppedEvents.Add(1)
		e.log.Warn("stream backpressure: dropping undelivered token event")
		return
	}
	st.ch <- ev
}

// finalize emits the terminal event, closes the stream, and forgets the
// sequence.
func (e *Engine) finalize(seq *Sequence, st *stream, ev StreamEvent) {
	select {
	case st.ch <- ev:
	default:
		// Reserved slot taken by a concurrent consumer stall; the
		// closed channel still signals termination.
		e.stats.droppedEvents.Add(1)
	}
	close(st.ch)
	delete(e.streams, seq.SeqID)
	e.unregister(seq)
}

func (e *Engine) failBatch(batch *Batch, err error) {
	failed := e.sched.FailBatch(batch, err)
	for _, seq := range failed {
		e.stats.failedSeqs.Add(1)
		if st := e.streams[seq.SeqID]; st != nil {
			e.finalize(seq, st, StreamEvent{IsFinal: true, Status: StatusFailed, Err: err})
		}
	}
	e.log.WithError(err).WithField("seqs", len(failed)).Error("step execution failed, batch sequences failed")
}

func (e *Engine) accountStep(batch *Batch) {
	e.stats.ticks.Add(1)
	e.stats.decodeTokens.Add(int64(len(batch.Decode)))
	prefill := 0
	for _, entry := range batch.Prefill {
		prefill += entry.NumTokens
	}
	e.stats.prefillTokens.Add(int64(prefill))
	e.updateGauges()
}

func (e *Engine) updateGauges() {
	e.stats.preemptions.Store(e.sched.Preemptions())
	e.stats.runningSeqs.Store(int64(e.sched.NumRunning()))
	e.stats.waitingSeqs.Store(int64(e.sched.NumWaiting()))
	e.stats.preemptedSeqs.Store(int64(e.sched.NumPreempted()))
	e.stats.freeBlocks.Store(int64(e.sched.BlockManager().NumFree()))
}

func (e *Engine) unregister(seq *Sequence) {
	e.mu.Lock()
	delete(e.seqs, seq.SeqID)
	e.mu.Unlock()
}

// shutdown fails whatever is still in flight and rejects queued submissions.
func (e *Engine) shutdown() {
	close(e.closed)
	e.drainInbound()
	for id, st := range e.streams {
		e.mu.Lock()
		seq := e.seqs[id]
		e.mu.Unlock()
		if seq == nil {
			close(st.ch)
			delete(e.streams, id)
			continue
		}
		if !seq.Status.Terminal() {
			e.sched.CancelSeq(seq)
		}
		e.finalize(seq, st, StreamEvent{IsFinal: true, Status: StatusFailed, Err: ErrEngineClosed})
	}
	e.updateGauges()
	e.log.Info("engine stopped")
}
