package fastgen

import "fmt"

// SamplingParams holds per-request generation parameters.
type SamplingParams struct {
	Temperature  float64
	MaxNewTokens int
	StopIDs      []int
	IgnoreEOS    bool
}

// SamplingOption is a functional option for SamplingParams.
type SamplingOption func(*SamplingParams)

// NewSamplingParams creates SamplingParams with default values.
func NewSamplingParams(opts ...SamplingOption) (*SamplingParams, error) {
	sp := &SamplingParams{
		Temperature:  1.0,
		MaxNewTokens: 64,
	}
	for _, opt := range opts {
		opt(sp)
	}
	if err := sp.validate(); err != nil {
		return nil, err
	}
	return sp, nil
}

func (sp *SamplingParams) validate() error {
	if sp.Temperature < 0 {
		return fmt.Errorf("temperature must be non-negative, got %g", sp.Temperature)
	}
	if sp.MaxNewTokens < 1 {
		return fmt.Errorf("max_new_tokens must be positive, got %d", sp.MaxNewTokens)
	}
	return nil
}

// WithTemperature sets the sampling temperature. Zero means greedy.
func WithTemperature(t float64) SamplingOption {
	return func(sp *SamplingParams) { sp.Temperature = t }
}

// WithMaxNewTokens sets the generation length limit.
func WithMaxNewTokens(n int) SamplingOption {
	return func(sp *SamplingParams) { sp.MaxNewTokens = n }
}

// WithStopIDs sets additional stop token ids.
func WithStopIDs(ids ...int) SamplingOption {
	return func(sp *SamplingParams) { sp.StopIDs = ids }
}

// WithIgnoreEOS disables EOS-based termination, for benchmarking fixed
// generation lengths.
func WithIgnoreEOS(b bool) SamplingOption {
	return func(sp *SamplingParams) { sp.IgnoreEOS = b }
}
