package fastgen

// Tokenizer converts between text and token ids. The engine only needs it
// for text-prompt submissions and for incremental detokenization of the
// outbound stream; token-id-only deployments may run without one.
//
// Real implementations (HuggingFace tokenizers) live outside this package;
// MockTokenizer below backs tests and demos.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(tokenIDs []int) (string, error)
	EOSTokenID() int
}

// MockTokenizer maps each rune to a token id. Deterministic and reversible
// enough for tests.
type MockTokenizer struct {
	eos int
}

// NewMockTokenizer creates a mock tokenizer with the given EOS id.
func NewMockTokenizer(eos int) *MockTokenizer {
	return &MockTokenizer{eos: eos}
}

func (t *MockTokenizer) Encode(text string) ([]int, error) {
	tokens := make([]int, 0, len(text))
	for _, r := range text {
		tokens = append(tokens, int(r))
	}
	return tokens, nil
}

func (t *MockTokenizer) Decode(tokenIDs []int) (string, error) {
	out := make([]rune, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id == t.eos {
			continue
		}
		out = append(out, rune(id))
	}
	return string(out), nil
}

func (t *MockTokenizer) EOSTokenID() int { return t.eos }
