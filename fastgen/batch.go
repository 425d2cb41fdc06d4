package fastgen

// BatchEntry pairs a sequence with the number of tokens the executor should
// process for it this tick.
type BatchEntry struct {
	Seq       *Sequence
	NumTokens int
}

// TokenSlice returns the token ids the executor consumes for this entry.
func (e BatchEntry) TokenSlice() []int {
	start := e.Seq.NumComputed
	return e.Seq.TokenIDs[start : start+e.NumTokens]
}

// ProducesToken reports whether this entry yields a next token: decode steps
// and final prefill chunks do, intermediate prefill chunks are state-only.
func (e BatchEntry) ProducesToken() bool {
	return e.Seq.NumComputed+e.NumTokens == e.Seq.Len()
}

// Batch is the transient per-tick unit of work: a decode sub-list followed by
// a prefill sub-list. It is not persisted across ticks.
type Batch struct {
	Decode  []BatchEntry
	Prefill []BatchEntry
}

// Empty reports whether the batch contains no work.
func (b *Batch) Empty() bool {
	return len(b.Decode) == 0 && len(b.Prefill) == 0
}

// NumSeqs returns the number of sequences in the batch.
func (b *Batch) NumSeqs() int {
	return len(b.Decode) + len(b.Prefill)
}

// NumTokens returns the total tokens the batch processes.
func (b *Batch) NumTokens() int {
	n := len(b.Decode)
	for _, e := range b.Prefill {
		n += e.NumTokens
	}
	return n
}

// Entries returns decode entries followed by prefill entries, the order the
// executor receives them in.
func (b *Batch) Entries() []BatchEntry {
	out := make([]BatchEntry, 0, b.NumSeqs())
	out = append(out, b.Decode...)
	out = append(out, b.Prefill...)
	return out
}
