package fastgen

import "fmt"

// PreemptionPolicy selects the victim among RUNNING sequences when the pool
// cannot satisfy a decode step.
type PreemptionPolicy string

const (
	// PreemptLastStarted evicts the most recently started RUNNING
	// sequence. This is the default.
	PreemptLastStarted PreemptionPolicy = "last-started"
	// PreemptFirstStarted evicts the longest-running sequence.
	PreemptFirstStarted PreemptionPolicy = "first-started"
)

// Config holds the configuration for the engine core.
type Config struct {
	// NumBlocks is the total number of KV cache blocks in the pool.
	NumBlocks int
	// BlockSize is the token capacity of a single block.
	BlockSize int
	// MaxNumBatchedTokens is the per-tick token budget.
	MaxNumBatchedTokens int
	// MaxNumSeqs caps the number of sequences composed into one batch.
	MaxNumSeqs int
	// MaxModelLen bounds prompt length + generated tokens per sequence.
	MaxModelLen int
	// EOS is the end-of-sequence token id. Sequences may add stop ids of
	// their own via SamplingParams.
	EOS int
	// EnablePrefixCaching turns on identical-prefix block sharing. With it
	// off (the default) every block is owned by exactly one sequence.
	EnablePrefixCaching bool
	// Preemption selects the eviction victim policy.
	Preemption PreemptionPolicy
	// SubmitQueueSize bounds the inbound request queue between the
	// network-facing goroutines and the tick loop.
	SubmitQueueSize int
	// StreamBufferSize caps buffered undelivered tokens per sequence. When
	// a client does not drain its stream, tokens beyond this bound are
	// counted as dropped instead of blocking the tick loop.
	StreamBufferSize int
}

// ConfigOption is a functional option for Config.
type ConfigOption func(*Config)

// NewConfig creates a Config with default values, applies the given options,
// and validates the result.
func NewConfig(opts ...ConfigOption) (*Config, error) {
	c := &Config{
		NumBlocks:           1024,
		BlockSize:           16,
		MaxNumBatchedTokens: 2048,
		MaxNumSeqs:          256,
		MaxModelLen:         4096,
		EOS:                 2,
		EnablePrefixCaching: false,
		Preemption:          PreemptLastStarted,
		SubmitQueueSize:     512,
		StreamBufferSize:    64,
	}

	for _, opt := range opts {
		opt(c)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	if c.NumBlocks < 1 {
		return fmt.Errorf("num_blocks must be positive, got %d", c.NumBlocks)
	}
	if c.BlockSize < 1 {
		return fmt.Errorf("block_size must be positive, got %d", c.BlockSize)
	}
	if c.MaxNumBatchedTokens < 1 {
		return fmt.Errorf("max_num_batched_tokens must be positive, got %d", c.MaxNumBatchedTokens)
	}
	if c.MaxNumSeqs < 1 {
		return fmt.Errorf("max_num_seqs must be positive, got %d", c.MaxNumSeqs)
	}
	if c.MaxModelLen > c.NumBlocks*c.BlockSize {
		return fmt.Errorf("max_model_len %d exceeds pool capacity %d tokens",
			c.MaxModelLen, c.NumBlocks*c.BlockSize)
	}
	switch c.Preemption {
	case PreemptLastStarted, PreemptFirstStarted:
	default:
		return fmt.Errorf("unknown preemption policy %q", c.Preemption)
	}
	if c.SubmitQueueSize < 1 {
		return fmt.Errorf("submit_queue_size must be positive, got %d", c.SubmitQueueSize)
	}
	if c.StreamBufferSize < 1 {
		return fmt.Errorf("stream_buffer_size must be positive, got %d", c.StreamBufferSize)
	}
	return nil
}

// PoolCapacityTokens returns the total token capacity of the block pool.
func (c *Config) PoolCapacityTokens() int {
	return c.NumBlocks * c.BlockSize
}

// WithNumBlocks sets the total number of KV cache blocks.
func WithNumBlocks(n int) ConfigOption {
	return func(c *Config) { c.NumBlocks = n }
}

// WithBlockSize sets the token capacity of a block.
func WithBlockSize(n int) ConfigOption {
	return func(c *Config) { c.BlockSize = n }
}

// WithMaxNumBatchedTokens sets the per-tick token budget.
func WithMaxNumBatchedTokens(n int) ConfigOption {
	return func(c *Config) { c.MaxNumBatchedTokens = n }
}

// WithMaxNumSeqs sets the maximum number of sequences per batch.
func WithMaxNumSeqs(n int) ConfigOption {
	return func(c *Config) { c.MaxNumSeqs = n }
}

// WithMaxModelLen sets the maximum sequence length.
func WithMaxModelLen(n int) ConfigOption {
	return func(c *Config) { c.MaxModelLen = n }
}

// WithEOS sets the end-of-sequence token id.
func WithEOS(id int) ConfigOption {
	return func(c *Config) { c.EOS = id }
}

// WithPrefixCaching enables or disables identical-prefix block sharing.
func WithPrefixCaching(b bool) ConfigOption {
	return func(c *Config) { c.EnablePrefixCaching = b }
}

// WithPreemptionPolicy sets the eviction victim policy.
func WithPreemptionPolicy(p PreemptionPolicy) ConfigOption {
	return func(c *Config) { c.Preemption = p }
}

// WithSubmitQueueSize bounds the inbound request queue.
func WithSubmitQueueSize(n int) ConfigOption {
	return func(c *Config) { c.SubmitQueueSize = n }
}

// WithStreamBufferSize caps buffered undelivered tokens per sequence.
func WithStreamBufferSize(n int) ConfigOption {
	return func(c *Config) { c.StreamBufferSize = n }
}
