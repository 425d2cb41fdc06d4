package backend

import (
	"fmt"

	"github.com/daulet/tokenizers"
)

// HFTokenizer wraps a HuggingFace tokenizer.json file behind the fastgen
// Tokenizer interface, for text-prompt submissions.
type HFTokenizer struct {
	tk  *tokenizers.Tokenizer
	eos int
}

// NewHFTokenizer loads a tokenizer.json from disk.
func NewHFTokenizer(path string, eosTokenID int) (*HFTokenizer, error) {
	tk, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer %s: %w", path, err)
	}
	return &HFTokenizer{tk: tk, eos: eosTokenID}, nil
}

func (t *HFTokenizer) Encode(text string) ([]int, error) {
	ids, _ := t.tk.Encode(text, false)
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out, nil
}

func (t *HFTokenizer) Decode(tokenIDs []int) (string, error) {
	ids := make([]uint32, len(tokenIDs))
	for i, id := range tokenIDs {
		ids[i] = uint32(id)
	}
	return t.tk.Decode(ids, true), nil
}

func (t *HFTokenizer) EOSTokenID() int { return t.eos }

// Close releases the native tokenizer.
func (t *HFTokenizer) Close() error {
	t.tk.Close()
	return nil
}
