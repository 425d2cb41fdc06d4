package fastgen

import (
	"context"
	"fmt"
)

// Output is the result of one completed generation.
type Output struct {
	SeqID    int64
	TokenIDs []int
	Text     string
	Status   SequenceStatus
	Err      error
}

// Generate is a synchronous convenience wrapper over Submit: it submits all
// prompts, drains their streams, and returns outputs in prompt order. The
// engine's Run loop must already be active on another goroutine.
func (e *Engine) Generate(ctx context.Context, prompts [][]int, params *SamplingParams) ([]Output, error) {
	type pending struct {
		idx    int
		stream <-chan StreamEvent
	}

	outputs := make([]Output, len(prompts))
	var inFlight []pending

	for i, prompt := range prompts {
		id, stream, err := e.Submit(GenerationRequest{PromptTokens: prompt, Params: params})
		if err != nil {
			return nil, fmt.Errorf("submit prompt %d: %w", i, err)
		}
		outputs[i].SeqID = id
		inFlight = append(inFlight, pending{idx: i, stream: stream})
	}

	for _, p := range inFlight {
		out := &outputs[p.idx]
	drain:
		for {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case ev, ok := <-p.stream:
				if !ok {
					break drain
				}
				if ev.IsFinal {
					out.Status = ev.Status
					out.Err = ev.Err
					continue
				}
				out.TokenIDs = append(out.TokenIDs, ev.TokenID)
			}
		}
		if e.tok != nil {
			out.Text, _ = e.tok.Decode(out.TokenIDs)
		}
	}
	return outputs, nil
}
